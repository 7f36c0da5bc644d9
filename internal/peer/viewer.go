package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/validation"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// maxEarlyCandidates bounds the candidates held per sender before its offer.
const maxEarlyCandidates = 32

type ViewerOptions struct {
	Options

	// Quality is sent as a preference whenever a broadcaster offers.
	Quality string
	// PLIInterval requests a keyframe from the broadcaster at this rate
	// once media flows. Zero disables it.
	PLIInterval time.Duration
	OnTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Viewer receives the broadcaster's media over a single peer connection.
type Viewer struct {
	base
	vopts ViewerOptions

	pcMu        sync.Mutex
	negotiator  *Negotiator
	broadcaster domain.ConnID
	early       map[domain.ConnID][]webrtc.ICECandidateInit
	quality     string
	stopPLI     chan struct{}
}

func NewViewer(signaler Signaler, opts ViewerOptions) *Viewer {
	return &Viewer{
		base:    newBase(signaler, opts.Options),
		vopts:   opts,
		quality: opts.Quality,
	}
}

// Announce joins the room as a viewer. It runs on every (re)connect.
func (v *Viewer) Announce(ctx context.Context) error {
	v.teardown()
	v.renew()
	return v.send(domain.EventViewer, "", string(v.opts.RoomID))
}

// Broadcaster returns the id of the peer currently offering media.
func (v *Viewer) Broadcaster() domain.ConnID {
	v.pcMu.Lock()
	defer v.pcMu.Unlock()
	return v.broadcaster
}

// Handle processes one envelope from the relay. Only a rejected
// announcement is returned as an error.
func (v *Viewer) Handle(ctx context.Context, env domain.Envelope) error {
	err := v.handle(ctx, env)
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	v.logger.Warnw("failed to handle relay event", "type", env.Type, "from", env.From, "error", err)
	return nil
}

func (v *Viewer) handle(ctx context.Context, env domain.Envelope) error {
	if ok, err := v.handleCommon(env, domain.RoleViewer); ok {
		return err
	}

	switch env.Type {
	case domain.EventOffer:
		var payload domain.OfferPayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		offer, err := decodeDescription(payload.Offer)
		if err != nil {
			return err
		}
		return v.answer(ctx, env.From, offer)

	case domain.EventICECandidate:
		c, err := decodeCandidate(env)
		if err != nil {
			return err
		}
		return v.addCandidate(env.From, c)

	case domain.EventBroadcasterLeft:
		v.teardown()
		v.Session().Reset()
		v.logger.Infow("broadcaster left", "broadcaster_id", env.From)
		return nil

	case domain.EventDraw, domain.EventClearCanvas:
		return nil
	}

	v.logger.Debugw("ignoring relay event", "type", env.Type)
	return nil
}

// addCandidate applies c when from is the bound broadcaster. Candidates
// from other members are dropped. With no broadcaster bound they are held
// per sender until that sender offers.
func (v *Viewer) addCandidate(from domain.ConnID, c webrtc.ICECandidateInit) error {
	v.pcMu.Lock()
	if n := v.negotiator; n != nil {
		bound := v.broadcaster
		v.pcMu.Unlock()
		if bound != from {
			v.logger.Debugw("dropping ice candidate from non-broadcaster", "from", from, "broadcaster", bound)
			return nil
		}
		return n.AddCandidate(c)
	}
	defer v.pcMu.Unlock()

	if len(v.early[from]) >= maxEarlyCandidates {
		v.logger.Debugw("dropping ice candidate, too many held", "from", from)
		return nil
	}
	if v.early == nil {
		v.early = make(map[domain.ConnID][]webrtc.ICECandidateInit)
	}
	v.early[from] = append(v.early[from], c)
	return nil
}

// negotiatorFor returns the negotiator for an offer from from, replacing
// one that belongs to a previous broadcaster. The bool reports a new
// connection.
func (v *Viewer) negotiatorFor(from domain.ConnID) (*Negotiator, bool, error) {
	v.pcMu.Lock()
	defer v.pcMu.Unlock()

	if v.negotiator != nil && v.broadcaster == from {
		return v.negotiator, false, nil
	}
	held := v.early[from]
	v.teardownLocked()

	pc, err := v.opts.Factory(v.RTCConfig())
	if err != nil {
		return nil, false, fmt.Errorf("create peer connection: %w", err)
	}
	n := NewNegotiator(pc, v.opts.RoomID, from)

	v.trickle(pc, from)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		v.onTrack(n, track, receiver)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		v.onState(n, state)
	})

	for _, c := range held {
		if err := n.AddCandidate(c); err != nil {
			return nil, false, err
		}
	}

	v.negotiator = n
	v.broadcaster = from
	return n, true, nil
}

func (v *Viewer) answer(ctx context.Context, from domain.ConnID, offer webrtc.SessionDescription) error {
	n, fresh, err := v.negotiatorFor(from)
	if err != nil {
		return err
	}
	if v.Session().Phase() == domain.PhaseRoleAnnounced {
		_ = v.Session().Advance(domain.PhaseNegotiating)
	}

	answer, err := n.ApplyOffer(ctx, offer)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	if err := v.send(domain.EventAnswer, "", domain.AnswerPayload{StreamID: v.opts.RoomID, Answer: raw}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	if fresh {
		if q := v.Quality(); q != "" {
			if err := v.SetQualityPreference(q); err != nil {
				v.logger.Warnw("failed to send quality preference", "error", err)
			}
		}
	}
	return nil
}

func (v *Viewer) current(n *Negotiator) bool {
	v.pcMu.Lock()
	defer v.pcMu.Unlock()
	return v.negotiator == n
}

func (v *Viewer) onTrack(n *Negotiator, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if !v.current(n) {
		return
	}
	v.reportConnected()

	if track != nil {
		v.logger.Infow("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType, "ssrc", track.SSRC())
		if v.vopts.PLIInterval > 0 && track.Kind() == webrtc.RTPCodecTypeVideo {
			v.startPLI(n, uint32(track.SSRC()))
		}
	}
	if v.vopts.OnTrack != nil {
		v.vopts.OnTrack(track, receiver)
	}
}

func (v *Viewer) onState(n *Negotiator, state webrtc.PeerConnectionState) {
	if !v.current(n) {
		return
	}
	v.logger.Infow("connection state", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		v.reportConnected()
	case webrtc.PeerConnectionStateFailed:
		v.teardown()
		v.Session().Reset()
	}
}

func (v *Viewer) startPLI(n *Negotiator, ssrc uint32) {
	v.pcMu.Lock()
	if v.stopPLI != nil {
		v.pcMu.Unlock()
		return
	}
	stop := make(chan struct{})
	v.stopPLI = stop
	v.pcMu.Unlock()

	go func() {
		ticker := time.NewTicker(v.vopts.PLIInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}
				if err := n.PeerConnection().WriteRTCP(pli); err != nil {
					v.logger.Debugw("failed to send PLI", "error", err)
				}
			}
		}
	}()
}

// SetQualityPreference sends a hint to the broadcaster. The broadcaster
// serves one encoding, so it may ignore it.
func (v *Viewer) SetQualityPreference(quality string) error {
	if err := validation.ValidateQuality(quality); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), 400)
	}
	v.pcMu.Lock()
	v.quality = quality
	v.pcMu.Unlock()

	return v.send(domain.EventQualityPreference, "", domain.QualityPreferencePayload{
		StreamID: v.opts.RoomID,
		Quality:  quality,
	})
}

func (v *Viewer) Quality() string {
	v.pcMu.Lock()
	defer v.pcMu.Unlock()
	return v.quality
}

func (v *Viewer) teardown() {
	v.pcMu.Lock()
	defer v.pcMu.Unlock()
	v.teardownLocked()
}

func (v *Viewer) teardownLocked() {
	if v.stopPLI != nil {
		close(v.stopPLI)
		v.stopPLI = nil
	}
	if v.negotiator != nil {
		_ = v.negotiator.Close()
		v.negotiator = nil
	}
	v.broadcaster = ""
	v.early = nil
}

// Close leaves the room.
func (v *Viewer) Close() error {
	v.teardown()
	err := v.send(domain.EventLeaveStream, "", nil)
	v.Session().Close()
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
