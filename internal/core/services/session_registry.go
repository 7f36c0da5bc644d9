package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	apperrors "castrelay/pkg/errors"

	"go.uber.org/zap"
)

// PresenceSink receives every membership change. Implementations must not block.
type PresenceSink interface {
	Publish(snapshot domain.RoomSnapshot, purged bool)
}

type roomEntry struct {
	mu      sync.Mutex
	room    *domain.Room
	removed bool
}

type membership struct {
	roomID domain.RoomID
	role   domain.Role
}

// SessionRegistry maps rooms to their members. Mutations on one room are
// serialized by that room's lock; different rooms never contend beyond the
// short map lookups.
//
// Lock order: roomEntry.mu, then mu or membersMu. mu is never held while
// waiting for a room lock.
type SessionRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry

	membersMu sync.RWMutex
	members   map[domain.ConnID]membership

	presence PresenceSink
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func NewSessionRegistry(presence PresenceSink, logger *zap.SugaredLogger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionRegistry{
		rooms:    make(map[domain.RoomID]*roomEntry),
		members:  make(map[domain.ConnID]membership),
		presence: presence,
		now:      time.Now,
		logger:   logger,
	}
}

func (r *SessionRegistry) entry(roomID domain.RoomID, create bool) *roomEntry {
	r.mu.RLock()
	e, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok || !create {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.rooms[roomID]; ok {
		return e
	}
	e = &roomEntry{room: domain.NewRoom(roomID, r.now())}
	r.rooms[roomID] = e
	return e
}

// lockEntry returns the locked entry for roomID. An entry that was purged
// between lookup and lock is retried against the current map.
func (r *SessionRegistry) lockEntry(roomID domain.RoomID, create bool) *roomEntry {
	for {
		e := r.entry(roomID, create)
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// purge removes an empty room. Caller holds e.mu.
func (r *SessionRegistry) purge(e *roomEntry) {
	e.removed = true
	r.mu.Lock()
	if r.rooms[e.room.ID] == e {
		delete(r.rooms, e.room.ID)
	}
	r.mu.Unlock()
}

func (r *SessionRegistry) publish(snapshot domain.RoomSnapshot, purged bool) {
	if r.presence != nil {
		r.presence.Publish(snapshot, purged)
	}
}

// Register adds connID to the room under role. A second broadcaster for an
// occupied room is rejected with a CONFLICT error. Repeating the same
// registration is a no-op.
func (r *SessionRegistry) Register(connID domain.ConnID, roomID domain.RoomID, role domain.Role) (domain.RoomSnapshot, error) {
	if connID == "" {
		return domain.RoomSnapshot{}, apperrors.NewInvalidInputError("connection id is required")
	}
	if roomID == "" {
		return domain.RoomSnapshot{}, apperrors.WrapError(domain.ErrEmptyRoomID, apperrors.ErrCodeInvalidInput, "room id is required", 400)
	}
	if !role.Valid() {
		return domain.RoomSnapshot{}, apperrors.WrapError(domain.ErrInvalidRole, apperrors.ErrCodeInvalidInput, fmt.Sprintf("invalid role %q", role), 400)
	}

	e := r.lockEntry(roomID, true)
	defer e.mu.Unlock()
	room := e.room

	r.membersMu.Lock()
	current, exists := r.members[connID]
	r.membersMu.Unlock()

	if exists {
		if current.roomID == roomID && current.role == role {
			return room.Snapshot(), nil
		}
		err := apperrors.WrapError(domain.ErrRoleImmutable, apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("already joined %s as %s", current.roomID, current.role), 400)
		r.discardIfEmpty(e)
		return domain.RoomSnapshot{}, err
	}

	switch role {
	case domain.RoleStreamer:
		if room.BroadcasterID != "" {
			err := apperrors.WrapError(domain.ErrBroadcasterPresent, apperrors.ErrCodeConflict,
				"room already has a broadcaster", 409).WithContext("room_id", roomID)
			return domain.RoomSnapshot{}, err
		}
		room.BroadcasterID = connID
		room.Active = true
	case domain.RoleViewer:
		room.Viewers[connID] = struct{}{}
	}

	r.membersMu.Lock()
	r.members[connID] = membership{roomID: roomID, role: role}
	r.membersMu.Unlock()

	snapshot := room.Snapshot()
	r.publish(snapshot, false)

	r.logger.Debugw("connection registered",
		"conn_id", connID,
		"room_id", roomID,
		"role", role,
		"viewers", snapshot.ViewerCount(),
	)
	return snapshot, nil
}

// discardIfEmpty drops a room created only for a rejected registration.
func (r *SessionRegistry) discardIfEmpty(e *roomEntry) {
	if e.room.IsEmpty() {
		r.purge(e)
	}
}

// Unregister removes connID from its room. When the broadcaster leaves, the
// slot is freed at once, the room becomes inactive and Departure.Remaining
// lists the viewers to notify. Rooms without members are purged.
func (r *SessionRegistry) Unregister(connID domain.ConnID) (domain.Departure, bool) {
	for {
		r.membersMu.RLock()
		m, ok := r.members[connID]
		r.membersMu.RUnlock()
		if !ok {
			return domain.Departure{}, false
		}

		e := r.lockEntry(m.roomID, false)
		if e == nil {
			r.membersMu.Lock()
			if cur, ok := r.members[connID]; ok && cur == m {
				delete(r.members, connID)
			}
			r.membersMu.Unlock()
			return domain.Departure{}, false
		}

		r.membersMu.Lock()
		cur, ok := r.members[connID]
		if !ok || cur != m {
			r.membersMu.Unlock()
			e.mu.Unlock()
			continue
		}
		delete(r.members, connID)
		r.membersMu.Unlock()

		dep := r.leave(e, connID, m.role)
		e.mu.Unlock()
		return dep, true
	}
}

// leave applies the departure. Caller holds e.mu.
func (r *SessionRegistry) leave(e *roomEntry, connID domain.ConnID, role domain.Role) domain.Departure {
	room := e.room
	dep := domain.Departure{ConnID: connID, RoomID: room.ID, Role: role}

	if role == domain.RoleStreamer && room.BroadcasterID == connID {
		room.BroadcasterID = ""
		room.Active = false
		room.CanvasDirty = false
		dep.WasBroadcaster = true
	} else {
		delete(room.Viewers, connID)
	}

	dep.Remaining = room.Snapshot()
	if room.IsEmpty() {
		r.purge(e)
		dep.Purged = true
	}
	r.publish(dep.Remaining, dep.Purged)

	r.logger.Debugw("connection unregistered",
		"conn_id", connID,
		"room_id", room.ID,
		"role", role,
		"was_broadcaster", dep.WasBroadcaster,
		"purged", dep.Purged,
	)
	return dep
}

func (r *SessionRegistry) LookupRoom(roomID domain.RoomID) (domain.RoomSnapshot, bool) {
	e := r.lockEntry(roomID, false)
	if e == nil {
		return domain.RoomSnapshot{}, false
	}
	defer e.mu.Unlock()
	return e.room.Snapshot(), true
}

// ListRooms returns every known room ordered by id.
func (r *SessionRegistry) ListRooms() []domain.RoomSnapshot {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.RoomSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.room.Snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Republish sends every room's current snapshot to the presence sink. Each
// is published under its room lock, so it cannot overtake a newer change.
func (r *SessionRegistry) Republish() int {
	if r.presence == nil {
		return 0
	}
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	published := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			r.presence.Publish(e.room.Snapshot(), false)
			published++
		}
		e.mu.Unlock()
	}
	return published
}

func (r *SessionRegistry) RoomOf(connID domain.ConnID) (domain.RoomID, bool) {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	m, ok := r.members[connID]
	return m.roomID, ok
}

// MarkCanvas sets the canvas dirty flag and reports whether it changed.
// Clearing a clean canvas therefore reports false.
func (r *SessionRegistry) MarkCanvas(roomID domain.RoomID, dirty bool) bool {
	e := r.lockEntry(roomID, false)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	if e.room.CanvasDirty == dirty {
		return false
	}
	e.room.CanvasDirty = dirty
	return true
}

func (r *SessionRegistry) Stats() domain.RegistryStats {
	var stats domain.RegistryStats
	for _, snap := range r.ListRooms() {
		stats.Rooms++
		if snap.Active {
			stats.ActiveRooms++
		}
		if snap.HasBroadcaster() {
			stats.Broadcasters++
		}
		stats.Viewers += snap.ViewerCount()
	}
	return stats
}
