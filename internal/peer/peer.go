package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"castrelay/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrRejected is returned by Handle when the relay refuses the role
// announcement, for example because the room already has a broadcaster.
var ErrRejected = errors.New("announcement rejected by relay")

// Options are shared by Broadcaster and Viewer.
type Options struct {
	RoomID  domain.RoomID
	Factory Factory
	Logger  *zap.SugaredLogger

	// OnPhase observes session phase changes.
	OnPhase func(domain.Phase)
	// OnChat receives relayed chat messages.
	OnChat func(domain.ChatOutbound)
}

// base holds the state both roles keep about the relay connection.
type base struct {
	opts     Options
	signaler Signaler
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	session     *Session
	rtcConfig   domain.RTCConfig
	viewerCount int
}

func newBase(signaler Signaler, opts Options) base {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Factory == nil {
		// an open range cannot fail
		opts.Factory, _ = NewPionFactory(PortRange{})
	}
	return base{
		opts:     opts,
		signaler: signaler,
		logger:   opts.Logger.With("room_id", opts.RoomID),
		session:  newSession(opts.OnPhase),
	}
}

func (b *base) Session() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

func (b *base) RTCConfig() domain.RTCConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rtcConfig
}

func (b *base) ViewerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewerCount
}

// renew replaces the session after a reconnect.
func (b *base) renew() {
	b.mu.Lock()
	b.session = newSession(b.opts.OnPhase)
	b.mu.Unlock()
}

func (b *base) send(t domain.EventType, target domain.ConnID, payload interface{}) error {
	env, err := domain.NewEnvelope(t, b.opts.RoomID, payload)
	if err != nil {
		return err
	}
	env.Target = target
	return b.signaler.Send(env)
}

// SendChat sends a chat message to the room.
func (b *base) SendChat(message string) error {
	return b.send(domain.EventChatMessage, "", domain.ChatInbound{Message: message})
}

// SetUsername binds the display name used for chat.
func (b *base) SetUsername(name string) error {
	return b.send(domain.EventSetUsername, "", domain.SetUsernamePayload{Username: name})
}

func (b *base) reportConnected() {
	if b.Session().Phase() != domain.PhaseNegotiating {
		return
	}
	if err := b.Session().Advance(domain.PhaseConnected); err != nil {
		b.logger.Debugw("connected transition refused", "error", err)
		return
	}
	if err := b.send(domain.EventConnectionState, "", domain.ConnectionStatePayload{State: domain.PhaseConnected}); err != nil {
		b.logger.Warnw("failed to report connection state", "error", err)
	}
}

// handleCommon processes the events both roles understand. It reports
// whether env was consumed.
func (b *base) handleCommon(env domain.Envelope, role domain.Role) (bool, error) {
	switch env.Type {
	case domain.EventRTCConfig:
		var cfg domain.RTCConfig
		if err := env.Decode(&cfg); err != nil {
			return true, err
		}
		b.mu.Lock()
		b.rtcConfig = cfg
		b.mu.Unlock()
		return true, nil

	case domain.EventJoined:
		var payload domain.JoinedPayload
		if err := env.Decode(&payload); err != nil {
			return true, err
		}
		if err := b.Session().Announce(role, payload.StreamID); err != nil {
			return true, err
		}
		b.logger.Infow("joined room", "role", role, "conn_id", payload.ConnectionID, "broadcasting", payload.Broadcasting)
		return true, nil

	case domain.EventViewerCount:
		var payload domain.ViewerCountPayload
		if err := env.Decode(&payload); err != nil {
			return true, err
		}
		b.mu.Lock()
		b.viewerCount = payload.Count
		b.mu.Unlock()
		return true, nil

	case domain.EventChatMessage:
		if b.opts.OnChat == nil {
			return true, nil
		}
		var msg domain.ChatOutbound
		if err := env.Decode(&msg); err != nil {
			return true, err
		}
		b.opts.OnChat(msg)
		return true, nil

	case domain.EventUsernameSet:
		var payload domain.UsernameSetPayload
		if err := env.Decode(&payload); err != nil {
			return true, err
		}
		if !payload.Success {
			b.logger.Warnw("username rejected", "error", payload.Error)
		}
		return true, nil

	case domain.EventError:
		var payload domain.ErrorPayload
		if err := env.Decode(&payload); err != nil {
			return true, err
		}
		if payload.Event == domain.EventStreamer || payload.Event == domain.EventViewer {
			return true, fmt.Errorf("%w: %s: %s", ErrRejected, payload.Code, payload.Message)
		}
		b.logger.Warnw("relay reported error", "code", payload.Code, "message", payload.Message, "event", payload.Event)
		return true, nil
	}
	return false, nil
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, errors.New("session description is required")
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("invalid session description: %w", err)
	}
	return desc, nil
}

func decodeCandidate(env domain.Envelope) (webrtc.ICECandidateInit, error) {
	var payload domain.ICECandidatePayload
	if err := env.Decode(&payload); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(payload.Candidate, &c); err != nil {
		return c, fmt.Errorf("invalid ice candidate: %w", err)
	}
	return c, nil
}

// trickle forwards local candidates of pc to remote, or to the whole room
// when remote is empty.
func (b *base) trickle(pc PeerConnection, remote domain.ConnID) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		payload := domain.ICECandidatePayload{StreamID: b.opts.RoomID, Candidate: raw}
		if err := b.send(domain.EventICECandidate, remote, payload); err != nil {
			b.logger.Debugw("failed to send ice candidate", "remote", remote, "error", err)
		}
	})
}
