package memory

import (
	"context"
	"sort"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
)

type PresenceRepository struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]domain.RoomSnapshot
}

func NewPresenceRepository() ports.PresenceRepository {
	return &PresenceRepository{
		rooms: make(map[domain.RoomID]domain.RoomSnapshot),
	}
}

func clone(s domain.RoomSnapshot) domain.RoomSnapshot {
	s.ViewerIDs = append([]domain.ConnID(nil), s.ViewerIDs...)
	return s
}

func (r *PresenceRepository) SaveRoom(ctx context.Context, snapshot domain.RoomSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[snapshot.RoomID] = clone(snapshot)
	return nil
}

func (r *PresenceRepository) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, roomID)
	return nil
}

func (r *PresenceRepository) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, exists := r.rooms[roomID]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	out := clone(snapshot)
	return &out, nil
}

func (r *PresenceRepository) ListRooms(ctx context.Context) ([]domain.RoomSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]domain.RoomSnapshot, 0, len(r.rooms))
	for _, snapshot := range r.rooms {
		rooms = append(rooms, clone(snapshot))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms, nil
}
