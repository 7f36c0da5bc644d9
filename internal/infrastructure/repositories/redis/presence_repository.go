package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeySuffix   = "room:"
	roomIndexSuffix = "rooms"
)

// PresenceRepository stores one JSON snapshot per room plus a set indexing
// the room ids. Room keys expire after ttl so a crashed relay does not leave
// rooms behind forever.
type PresenceRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewPresenceRepository(client *redis.Client, prefix string, ttl time.Duration) ports.PresenceRepository {
	return &PresenceRepository{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *PresenceRepository) roomKey(id domain.RoomID) string {
	return r.prefix + roomKeySuffix + string(id)
}

func (r *PresenceRepository) indexKey() string {
	return r.prefix + roomIndexSuffix
}

func (r *PresenceRepository) SaveRoom(ctx context.Context, snapshot domain.RoomSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.roomKey(snapshot.RoomID), data, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), string(snapshot.RoomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save room in Redis: %w", err)
	}
	return nil
}

func (r *PresenceRepository) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.roomKey(roomID))
		pipe.SRem(ctx, r.indexKey(), string(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	return nil
}

func (r *PresenceRepository) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error) {
	data, err := r.client.Get(ctx, r.roomKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var snapshot domain.RoomSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &snapshot, nil
}

// ListRooms returns every indexed room, dropping index entries whose room
// key has expired.
func (r *PresenceRepository) ListRooms(ctx context.Context) ([]domain.RoomSnapshot, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []domain.RoomSnapshot{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.roomKey(domain.RoomID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms from Redis: %w", err)
	}

	rooms := make([]domain.RoomSnapshot, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snapshot domain.RoomSnapshot
		if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
			continue
		}
		rooms = append(rooms, snapshot)
	}

	if len(stale) > 0 {
		r.client.SRem(ctx, r.indexKey(), stale...)
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms, nil
}
