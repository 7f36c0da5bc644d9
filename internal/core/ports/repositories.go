package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// PresenceRepository mirrors room membership outside the relay so that
// dashboards and the HTTP API can read it. The in-memory registry stays the
// source of truth.
type PresenceRepository interface {
	SaveRoom(ctx context.Context, snapshot domain.RoomSnapshot) error
	DeleteRoom(ctx context.Context, roomID domain.RoomID) error
	GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error)
	ListRooms(ctx context.Context) ([]domain.RoomSnapshot, error)
}
