package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is the negotiation phase of one connection.
type Phase string

const (
	PhaseConnecting    Phase = "connecting"
	PhaseRoleAnnounced Phase = "role-announced"
	PhaseNegotiating   Phase = "negotiating"
	PhaseConnected     Phase = "connected"
	PhaseDisconnected  Phase = "disconnected"
)

// phaseTransitions lists the forward edges. Disconnected is reachable from
// every phase and handled separately. The edges back to role-announced are
// taken when the broadcaster of the room goes away.
var phaseTransitions = map[Phase][]Phase{
	PhaseConnecting:    {PhaseRoleAnnounced},
	PhaseRoleAnnounced: {PhaseNegotiating},
	PhaseNegotiating:   {PhaseConnected, PhaseRoleAnnounced},
	PhaseConnected:     {PhaseRoleAnnounced},
}

// CanTransition reports whether from -> to is a legal edge. Staying in the
// same phase is always legal except once disconnected.
func CanTransition(from, to Phase) bool {
	if from == PhaseDisconnected {
		return false
	}
	if to == PhaseDisconnected || from == to {
		return true
	}
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the per-connection state kept by the relay and mirrored by
// clients. All methods are safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	id          ConnID
	role        Role
	roomID      RoomID
	username    string
	phase       Phase
	connectedAt time.Time
	closedAt    time.Time
}

func NewSession(id ConnID) *Session {
	return &Session{
		id:          id,
		phase:       PhaseConnecting,
		connectedAt: time.Now(),
	}
}

func (s *Session) ID() ConnID {
	return s.id
}

func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) RoomID() RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Announce binds role and room and moves the session to role-announced.
// Announcing the same role and room again is a no-op.
func (s *Session) Announce(role Role, roomID RoomID) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if roomID == "" {
		return ErrEmptyRoomID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseDisconnected {
		return ErrSessionClosed
	}
	if s.role != "" {
		if s.role == role && s.roomID == roomID {
			return nil
		}
		return ErrRoleImmutable
	}

	s.role = role
	s.roomID = roomID
	s.phase = PhaseRoleAnnounced
	return nil
}

// BindUsername trims and stores name. On failure the previous binding is
// kept and returned alongside the error.
func (s *Session) BindUsername(name string) (string, error) {
	trimmed := strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseDisconnected {
		return s.username, ErrSessionClosed
	}
	if trimmed == "" {
		return s.username, ErrEmptyUsername
	}
	s.username = trimmed
	return trimmed, nil
}

// Advance moves the session to the given phase.
func (s *Session) Advance(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseDisconnected {
		return ErrSessionClosed
	}
	if !CanTransition(s.phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, to)
	}
	s.phase = to
	if to == PhaseDisconnected {
		s.closedAt = time.Now()
	}
	return nil
}

// Reset returns a negotiating or connected session to role-announced.
// It reports whether the phase changed.
func (s *Session) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseNegotiating && s.phase != PhaseConnected {
		return false
	}
	s.phase = PhaseRoleAnnounced
	return true
}

// Close moves the session to disconnected. It reports false when the
// session was already closed.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseDisconnected {
		return false
	}
	s.phase = PhaseDisconnected
	s.closedAt = time.Now()
	return true
}

// SessionInfo is a read-only copy used for logging and APIs.
type SessionInfo struct {
	ID          ConnID    `json:"id"`
	Role        Role      `json:"role,omitempty"`
	RoomID      RoomID    `json:"roomId,omitempty"`
	Username    string    `json:"username,omitempty"`
	Phase       Phase     `json:"phase"`
	ConnectedAt time.Time `json:"connectedAt"`
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:          s.id,
		Role:        s.role,
		RoomID:      s.roomID,
		Username:    s.username,
		Phase:       s.phase,
		ConnectedAt: s.connectedAt,
	}
}
