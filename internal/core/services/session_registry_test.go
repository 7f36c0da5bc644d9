package services

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"castrelay/internal/core/domain"
	apperrors "castrelay/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedPresence struct {
	mu      sync.Mutex
	updates []domain.RoomSnapshot
	purged  []domain.RoomID
}

func (c *capturedPresence) Publish(snapshot domain.RoomSnapshot, purged bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, snapshot)
	if purged {
		c.purged = append(c.purged, snapshot.RoomID)
	}
}

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)

	snap, err := reg.Register("a", "r1", domain.RoleStreamer)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("a"), snap.BroadcasterID)
	assert.True(t, snap.Active)

	_, err = reg.Register("b", "r1", domain.RoleViewer)
	require.NoError(t, err)
	snap, err = reg.Register("c", "r1", domain.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"b", "c"}, snap.ViewerIDs)

	got, ok := reg.LookupRoom("r1")
	require.True(t, ok)
	assert.Equal(t, snap, got)

	_, ok = reg.LookupRoom("missing")
	assert.False(t, ok)

	roomID, ok := reg.RoomOf("b")
	assert.True(t, ok)
	assert.Equal(t, domain.RoomID("r1"), roomID)
}

func TestSessionRegistry_RejectsSecondBroadcaster(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)

	_, err := reg.Register("a", "r1", domain.RoleStreamer)
	require.NoError(t, err)

	_, err = reg.Register("b", "r1", domain.RoleStreamer)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	assert.ErrorIs(t, err, domain.ErrBroadcasterPresent)

	snap, _ := reg.LookupRoom("r1")
	assert.Equal(t, domain.ConnID("a"), snap.BroadcasterID)
	_, joined := reg.RoomOf("b")
	assert.False(t, joined)
}

func TestSessionRegistry_RegisterIsIdempotent(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)

	_, err := reg.Register("a", "r1", domain.RoleStreamer)
	require.NoError(t, err)
	snap, err := reg.Register("a", "r1", domain.RoleStreamer)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("a"), snap.BroadcasterID)
}

func TestSessionRegistry_RoleAndRoomAreImmutable(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)

	_, err := reg.Register("a", "r1", domain.RoleViewer)
	require.NoError(t, err)

	_, err = reg.Register("a", "r1", domain.RoleStreamer)
	assert.ErrorIs(t, err, domain.ErrRoleImmutable)

	_, err = reg.Register("a", "r2", domain.RoleViewer)
	assert.ErrorIs(t, err, domain.ErrRoleImmutable)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	_, ok := reg.LookupRoom("r2")
	assert.False(t, ok, "rejected registration must not leave an empty room behind")
}

func TestSessionRegistry_RegisterValidation(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)

	_, err := reg.Register("", "r1", domain.RoleViewer)
	assert.Error(t, err)
	_, err = reg.Register("a", "", domain.RoleViewer)
	assert.Error(t, err)
	_, err = reg.Register("a", "r1", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidRole)
	assert.Empty(t, reg.ListRooms())
}

func TestSessionRegistry_BroadcasterLeaves(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)

	_, _ = reg.Register("a", "r1", domain.RoleStreamer)
	_, _ = reg.Register("b", "r1", domain.RoleViewer)
	_, _ = reg.Register("c", "r1", domain.RoleViewer)
	reg.MarkCanvas("r1", true)

	dep, ok := reg.Unregister("a")
	require.True(t, ok)
	assert.True(t, dep.WasBroadcaster)
	assert.False(t, dep.Purged)
	assert.Equal(t, []domain.ConnID{"b", "c"}, dep.Remaining.ViewerIDs)
	assert.False(t, dep.Remaining.Active)

	// viewers stay and the slot is free again
	snap, ok := reg.LookupRoom("r1")
	require.True(t, ok)
	assert.False(t, snap.HasBroadcaster())
	assert.Len(t, snap.ViewerIDs, 2)

	snap, err := reg.Register("d", "r1", domain.RoleStreamer)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnID("d"), snap.BroadcasterID)
	assert.True(t, snap.Active)

	_, ok = reg.Unregister("a")
	assert.False(t, ok, "second unregister is a no-op")
}

func TestSessionRegistry_PurgesEmptyRooms(t *testing.T) {
	presence := &capturedPresence{}
	reg := NewSessionRegistry(presence, nil)

	_, _ = reg.Register("a", "r1", domain.RoleViewer)
	dep, ok := reg.Unregister("a")
	require.True(t, ok)
	assert.True(t, dep.Purged)

	_, ok = reg.LookupRoom("r1")
	assert.False(t, ok)
	assert.Empty(t, reg.ListRooms())
	assert.Equal(t, []domain.RoomID{"r1"}, presence.purged)
	assert.Len(t, presence.updates, 2)
}

func TestSessionRegistry_MarkCanvas(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)
	_, _ = reg.Register("a", "r1", domain.RoleStreamer)

	assert.False(t, reg.MarkCanvas("r1", false), "clearing a clean canvas is a no-op")
	assert.True(t, reg.MarkCanvas("r1", true))
	assert.False(t, reg.MarkCanvas("r1", true))
	assert.True(t, reg.MarkCanvas("r1", false))
	assert.False(t, reg.MarkCanvas("r1", false))
	assert.False(t, reg.MarkCanvas("missing", true))
}

func TestSessionRegistry_ListRoomsAndStats(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)
	_, _ = reg.Register("a", "r2", domain.RoleStreamer)
	_, _ = reg.Register("b", "r2", domain.RoleViewer)
	_, _ = reg.Register("c", "r1", domain.RoleViewer)

	rooms := reg.ListRooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("r1"), rooms[0].RoomID)
	assert.Equal(t, domain.RoomID("r2"), rooms[1].RoomID)

	stats := reg.Stats()
	assert.Equal(t, domain.RegistryStats{Rooms: 2, ActiveRooms: 1, Broadcasters: 1, Viewers: 2}, stats)
}

// Randomized concurrent joins and leaves never produce two broadcasters for
// one room.
func TestSessionRegistry_ConcurrentSingleBroadcaster(t *testing.T) {
	reg := NewSessionRegistry(nil, nil)
	rooms := []domain.RoomID{"r1", "r2", "r3"}

	const workers = 32
	const iterations = 200

	var holdersMu sync.Mutex
	holders := map[domain.RoomID]domain.ConnID{}
	var violations []string

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < iterations; i++ {
				id := domain.ConnID(fmt.Sprintf("w%d-%d", w, i))
				room := rooms[rng.Intn(len(rooms))]
				role := domain.RoleViewer
				if rng.Intn(2) == 0 {
					role = domain.RoleStreamer
				}

				_, err := reg.Register(id, room, role)
				if err == nil && role == domain.RoleStreamer {
					holdersMu.Lock()
					if prev, taken := holders[room]; taken {
						violations = append(violations, fmt.Sprintf("%s held by %s and %s", room, prev, id))
					}
					holders[room] = id
					holdersMu.Unlock()
				}

				if err == nil && role == domain.RoleStreamer {
					snap, ok := reg.LookupRoom(room)
					assert.True(t, ok)
					assert.Equal(t, id, snap.BroadcasterID)
				}

				if err == nil {
					if role == domain.RoleStreamer {
						holdersMu.Lock()
						delete(holders, room)
						holdersMu.Unlock()
					}
					dep, ok := reg.Unregister(id)
					assert.True(t, ok)
					assert.Equal(t, role == domain.RoleStreamer, dep.WasBroadcaster)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Empty(t, violations)
	assert.Empty(t, reg.ListRooms(), "all rooms are purged once everyone left")
}

func TestSessionRegistry_Republish(t *testing.T) {
	sink := &capturedPresence{}
	reg := NewSessionRegistry(sink, nil)

	_, err := reg.Register("a", "r1", domain.RoleStreamer)
	require.NoError(t, err)
	_, err = reg.Register("b", "r2", domain.RoleViewer)
	require.NoError(t, err)
	_, err = reg.Register("c", "r3", domain.RoleViewer)
	require.NoError(t, err)
	_, ok := reg.Unregister("c")
	require.True(t, ok)

	sink.mu.Lock()
	sink.updates = nil
	sink.mu.Unlock()

	assert.Equal(t, 2, reg.Republish())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.updates, 2)
	ids := []domain.RoomID{sink.updates[0].RoomID, sink.updates[1].RoomID}
	assert.ElementsMatch(t, []domain.RoomID{"r1", "r2"}, ids)

	assert.Equal(t, 0, NewSessionRegistry(nil, nil).Republish())
}
