package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/pkg/tracing"

	"github.com/pion/webrtc/v3"
)

// ErrNegotiatorClosed is returned by every call after Close.
var ErrNegotiatorClosed = errors.New("negotiator is closed")

// Negotiator drives one offer/answer exchange with a single remote peer.
// Remote candidates that arrive before the remote description are held and
// applied in arrival order once it is set.
type Negotiator struct {
	pc       PeerConnection
	roomID   domain.RoomID
	remoteID domain.ConnID

	mu        sync.Mutex
	remoteSet bool
	closed    bool
	pending   []webrtc.ICECandidateInit
}

func NewNegotiator(pc PeerConnection, roomID domain.RoomID, remoteID domain.ConnID) *Negotiator {
	return &Negotiator{pc: pc, roomID: roomID, remoteID: remoteID}
}

func (n *Negotiator) PeerConnection() PeerConnection {
	return n.pc
}

func (n *Negotiator) RemoteID() domain.ConnID {
	return n.remoteID
}

// CreateOffer creates an offer and sets it as the local description.
func (n *Negotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "create_offer", string(n.roomID), string(n.remoteID))
	defer span.End()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrNegotiatorClosed
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// ApplyAnswer sets the remote answer and flushes held candidates.
func (n *Negotiator) ApplyAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	ctx, span := tracing.TraceNegotiation(ctx, "apply_answer", string(n.roomID), string(n.remoteID))
	defer span.End()

	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiatorClosed
	}

	if err := n.pc.SetRemoteDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("set remote answer: %w", err)
	}
	return n.flushLocked()
}

// ApplyOffer sets the remote offer, flushes held candidates and returns the
// local answer.
func (n *Negotiator) ApplyOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceNegotiation(ctx, "apply_offer", string(n.roomID), string(n.remoteID))
	defer span.End()

	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("expected offer, got %s", offer.Type)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrNegotiatorClosed
	}

	if err := n.pc.SetRemoteDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	if err := n.flushLocked(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// AddCandidate applies c now or holds it until the remote description is
// known.
func (n *Negotiator) AddCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNegotiatorClosed
	}
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) flushLocked() error {
	n.remoteSet = true
	pending := n.pending
	n.pending = nil

	for i, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("add held ice candidate %d of %d: %w", i+1, len(pending), err)
		}
	}
	return nil
}

// Pending reports how many candidates are waiting for the remote description.
func (n *Negotiator) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close drops held candidates and closes the peer connection.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.pending = nil
	n.mu.Unlock()

	return n.pc.Close()
}
