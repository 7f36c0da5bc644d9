package memory

import (
	"context"
	"testing"

	"castrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewPresenceRepository()

	_, err := repo.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	viewers := []domain.ConnID{"b"}
	require.NoError(t, repo.SaveRoom(ctx, domain.RoomSnapshot{RoomID: "r2", BroadcasterID: "a", ViewerIDs: viewers, Active: true}))
	require.NoError(t, repo.SaveRoom(ctx, domain.RoomSnapshot{RoomID: "r1"}))

	// stored copies are independent of the caller's slice
	viewers[0] = "mutated"

	got, err := repo.GetRoom(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"b"}, got.ViewerIDs)
	assert.True(t, got.Active)

	rooms, err := repo.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("r1"), rooms[0].RoomID)

	require.NoError(t, repo.DeleteRoom(ctx, "r2"))
	require.NoError(t, repo.DeleteRoom(ctx, "missing"))
	rooms, err = repo.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}
