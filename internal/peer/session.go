package peer

import "castrelay/internal/core/domain"

// Session is the client's copy of the phase table. Every phase change is
// reported to onChange.
type Session struct {
	*domain.Session
	onChange func(domain.Phase)
}

func newSession(onChange func(domain.Phase)) *Session {
	if onChange == nil {
		onChange = func(domain.Phase) {}
	}
	return &Session{Session: domain.NewSession(""), onChange: onChange}
}

func (s *Session) Announce(role domain.Role, roomID domain.RoomID) error {
	before := s.Phase()
	if err := s.Session.Announce(role, roomID); err != nil {
		return err
	}
	if before != s.Phase() {
		s.onChange(s.Phase())
	}
	return nil
}

func (s *Session) Advance(to domain.Phase) error {
	before := s.Phase()
	if err := s.Session.Advance(to); err != nil {
		return err
	}
	if before != to {
		s.onChange(to)
	}
	return nil
}

func (s *Session) Reset() bool {
	if !s.Session.Reset() {
		return false
	}
	s.onChange(domain.PhaseRoleAnnounced)
	return true
}

func (s *Session) Close() bool {
	if !s.Session.Close() {
		return false
	}
	s.onChange(domain.PhaseDisconnected)
	return true
}
