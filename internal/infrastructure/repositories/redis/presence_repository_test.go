package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"castrelay/internal/core/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server when CASTRELAY_TEST_REDIS_ADDR is set.
func TestPresenceRepository_Redis(t *testing.T) {
	addr := os.Getenv("CASTRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CASTRELAY_TEST_REDIS_ADDR not set")
	}

	prefix := "castrelay-test:" + uuid.NewString() + ":"
	client, err := NewRedisClient(Options{Address: addr, PoolSize: 4, KeyPrefix: prefix}, nil)
	require.NoError(t, err)
	defer CloseRedisClient(client)

	ctx := context.Background()
	repo := NewPresenceRepository(client, prefix, time.Minute)
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	snap := domain.RoomSnapshot{RoomID: "r1", BroadcasterID: "a", ViewerIDs: []domain.ConnID{"b", "c"}, Active: true}
	require.NoError(t, repo.SaveRoom(ctx, snap))

	got, err := repo.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, snap.ViewerIDs, got.ViewerIDs)

	ttl, err := client.TTL(ctx, prefix+roomKeySuffix+"r1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// an index entry whose room key is gone is pruned on listing
	require.NoError(t, client.SAdd(ctx, prefix+roomIndexSuffix, "ghost").Err())
	rooms, err := repo.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	members, err := client.SMembers(ctx, prefix+roomIndexSuffix).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, members)

	require.NoError(t, repo.DeleteRoom(ctx, "r1"))
	_, err = repo.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}
