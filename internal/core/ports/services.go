package ports

import (
	"castrelay/internal/core/domain"
)

type SessionRegistry interface {
	Register(connID domain.ConnID, roomID domain.RoomID, role domain.Role) (domain.RoomSnapshot, error)
	Unregister(connID domain.ConnID) (domain.Departure, bool)
	LookupRoom(roomID domain.RoomID) (domain.RoomSnapshot, bool)
	ListRooms() []domain.RoomSnapshot
	RoomOf(connID domain.ConnID) (domain.RoomID, bool)
	MarkCanvas(roomID domain.RoomID, dirty bool) bool
	Stats() domain.RegistryStats
}

type ChatModerator interface {
	// Check returns an error describing why the message is rejected.
	Check(message string) error
}

type QualityService interface {
	Tier(name string) (domain.QualityTier, bool)
	Tiers() []domain.QualityTier
}

// RTCConfigProvider supplies the ICE configuration pushed to clients.
type RTCConfigProvider interface {
	RTCConfig() domain.RTCConfig
}
