package domain

import (
	"sort"
	"time"
)

// RoomID identifies a room. Clients call it the stream id.
type RoomID string

// ConnID is assigned by the relay when the transport connects.
type ConnID string

type Role string

const (
	RoleStreamer Role = "streamer"
	RoleViewer   Role = "viewer"
)

func (r Role) Valid() bool {
	return r == RoleStreamer || r == RoleViewer
}

// RoomSnapshot is a point in time copy of room membership. It is safe to
// read without holding any registry lock.
type RoomSnapshot struct {
	RoomID        RoomID    `json:"roomId"`
	BroadcasterID ConnID    `json:"broadcasterId,omitempty"`
	ViewerIDs     []ConnID  `json:"viewerIds"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s RoomSnapshot) HasBroadcaster() bool {
	return s.BroadcasterID != ""
}

func (s RoomSnapshot) ViewerCount() int {
	return len(s.ViewerIDs)
}

// Members returns the broadcaster (if any) followed by the viewers.
func (s RoomSnapshot) Members() []ConnID {
	members := make([]ConnID, 0, len(s.ViewerIDs)+1)
	if s.BroadcasterID != "" {
		members = append(members, s.BroadcasterID)
	}
	return append(members, s.ViewerIDs...)
}

// Others returns every member except the given connection.
func (s RoomSnapshot) Others(except ConnID) []ConnID {
	members := s.Members()
	out := members[:0]
	for _, id := range members {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (s RoomSnapshot) IsViewer(id ConnID) bool {
	for _, v := range s.ViewerIDs {
		if v == id {
			return true
		}
	}
	return false
}

func (s RoomSnapshot) IsEmpty() bool {
	return s.BroadcasterID == "" && len(s.ViewerIDs) == 0
}

// Room is the mutable registry entry. Callers hold the owning lock.
type Room struct {
	ID            RoomID
	BroadcasterID ConnID
	Viewers       map[ConnID]struct{}
	Active        bool
	CanvasDirty   bool
	CreatedAt     time.Time
}

func NewRoom(id RoomID, now time.Time) *Room {
	return &Room{
		ID:        id,
		Viewers:   make(map[ConnID]struct{}),
		CreatedAt: now,
	}
}

func (r *Room) IsEmpty() bool {
	return r.BroadcasterID == "" && len(r.Viewers) == 0
}

func (r *Room) Snapshot() RoomSnapshot {
	viewers := make([]ConnID, 0, len(r.Viewers))
	for id := range r.Viewers {
		viewers = append(viewers, id)
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i] < viewers[j] })

	return RoomSnapshot{
		RoomID:        r.ID,
		BroadcasterID: r.BroadcasterID,
		ViewerIDs:     viewers,
		Active:        r.Active,
		CreatedAt:     r.CreatedAt,
	}
}

// Departure describes the effect of unregistering one connection.
type Departure struct {
	ConnID         ConnID
	RoomID         RoomID
	Role           Role
	WasBroadcaster bool
	// Remaining is the membership after the connection left.
	Remaining RoomSnapshot
	// Purged is set when the room entry was removed from the registry.
	Purged bool
}

// RegistryStats is consumed by the metrics collector.
type RegistryStats struct {
	Rooms        int `json:"rooms"`
	ActiveRooms  int `json:"activeRooms"`
	Broadcasters int `json:"broadcasters"`
	Viewers      int `json:"viewers"`
}
