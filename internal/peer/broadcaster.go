package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/core/services"
	apperrors "castrelay/pkg/errors"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// Encoder applies a quality tier to the single outgoing encoding without
// renegotiating.
type Encoder interface {
	SetParameters(tier domain.QualityTier) error
}

type BroadcasterOptions struct {
	Options

	Qualities ports.QualityService
	Encoder   Encoder
	// ApplyPreferences applies each viewer quality hint to the encoding.
	// The most recent hint wins.
	ApplyPreferences bool
	// OnKeyframeRequest is called when a viewer sends PLI or FIR.
	OnKeyframeRequest func(viewer domain.ConnID)
}

type viewerLink struct {
	negotiator *Negotiator
	senders    map[string]*webrtc.RTPSender
}

// Broadcaster publishes local tracks to every viewer of a room over one
// peer connection per viewer.
type Broadcaster struct {
	base
	bopts BroadcasterOptions

	linksMu     sync.Mutex
	tracks      []webrtc.TrackLocal
	links       map[domain.ConnID]*viewerLink
	quality     string
	preferences map[domain.ConnID]string
}

func NewBroadcaster(signaler Signaler, opts BroadcasterOptions) *Broadcaster {
	if opts.Qualities == nil {
		opts.Qualities = services.NewQualityService()
	}
	return &Broadcaster{
		base:        newBase(signaler, opts.Options),
		bopts:       opts,
		links:       make(map[domain.ConnID]*viewerLink),
		quality:     domain.QualityAuto,
		preferences: make(map[domain.ConnID]string),
	}
}

// Announce claims the room. It is run on every (re)connect, so it first
// drops the peer connections of the previous signaling session.
func (b *Broadcaster) Announce(ctx context.Context) error {
	b.closeLinks()
	b.renew()
	return b.send(domain.EventStreamer, "", string(b.opts.RoomID))
}

// Handle processes one envelope from the relay. Only a rejected
// announcement is returned as an error.
func (b *Broadcaster) Handle(ctx context.Context, env domain.Envelope) error {
	err := b.handle(ctx, env)
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	b.logger.Warnw("failed to handle relay event", "type", env.Type, "from", env.From, "error", err)
	return nil
}

func (b *Broadcaster) handle(ctx context.Context, env domain.Envelope) error {
	if ok, err := b.handleCommon(env, domain.RoleStreamer); ok {
		return err
	}

	switch env.Type {
	case domain.EventViewerJoined:
		var payload domain.ViewerJoinedPayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		return b.connectViewer(ctx, payload.ViewerID)

	case domain.EventViewerLeft:
		var payload domain.ViewerLeftPayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		b.dropViewer(payload.ViewerID)
		return nil

	case domain.EventAnswer:
		var payload domain.AnswerPayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		answer, err := decodeDescription(payload.Answer)
		if err != nil {
			return err
		}
		l, ok := b.link(env.From)
		if !ok {
			return fmt.Errorf("answer from unknown viewer %s", env.From)
		}
		return l.negotiator.ApplyAnswer(ctx, answer)

	case domain.EventICECandidate:
		c, err := decodeCandidate(env)
		if err != nil {
			return err
		}
		l, ok := b.link(env.From)
		if !ok {
			return fmt.Errorf("ice candidate from unknown viewer %s", env.From)
		}
		return l.negotiator.AddCandidate(c)

	case domain.EventQualityPreference:
		var payload domain.QualityPreferencePayload
		if err := env.Decode(&payload); err != nil {
			return err
		}
		b.linksMu.Lock()
		b.preferences[env.From] = payload.Quality
		b.linksMu.Unlock()

		b.logger.Infow("viewer quality preference", "viewer_id", env.From, "quality", payload.Quality, "resolution", payload.Resolution)
		if b.bopts.ApplyPreferences {
			return b.SetQuality(payload.Quality)
		}
		return nil

	case domain.EventDraw, domain.EventClearCanvas:
		return nil
	}

	b.logger.Debugw("ignoring relay event", "type", env.Type)
	return nil
}

func (b *Broadcaster) link(id domain.ConnID) (*viewerLink, bool) {
	b.linksMu.Lock()
	defer b.linksMu.Unlock()
	l, ok := b.links[id]
	return l, ok
}

// connectViewer opens a dedicated peer connection for viewerID and sends it
// an offer. A viewer that joins again gets a fresh connection.
func (b *Broadcaster) connectViewer(ctx context.Context, viewerID domain.ConnID) error {
	if viewerID == "" {
		return errors.New("viewer-joined without viewer id")
	}

	pc, err := b.opts.Factory(b.RTCConfig())
	if err != nil {
		return fmt.Errorf("create peer connection for %s: %w", viewerID, err)
	}

	l := &viewerLink{
		negotiator: NewNegotiator(pc, b.opts.RoomID, viewerID),
		senders:    make(map[string]*webrtc.RTPSender),
	}

	b.linksMu.Lock()
	for _, track := range b.tracks {
		if err := b.attachLocked(viewerID, l, track); err != nil {
			b.linksMu.Unlock()
			_ = pc.Close()
			return err
		}
	}
	old := b.links[viewerID]
	b.links[viewerID] = l
	b.linksMu.Unlock()

	if old != nil {
		_ = old.negotiator.Close()
	}

	b.trickle(pc, viewerID)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.onLinkState(viewerID, l, state)
	})

	return b.offer(ctx, l)
}

func (b *Broadcaster) attachLocked(viewerID domain.ConnID, l *viewerLink, track webrtc.TrackLocal) error {
	sender, err := l.negotiator.PeerConnection().AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track %s for %s: %w", track.ID(), viewerID, err)
	}
	l.senders[track.ID()] = sender
	if sender != nil {
		go b.readRTCP(viewerID, sender)
	}
	return nil
}

func (b *Broadcaster) offer(ctx context.Context, l *viewerLink) error {
	desc, err := l.negotiator.CreateOffer(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	remote := l.negotiator.RemoteID()
	if err := b.send(domain.EventOffer, remote, domain.OfferPayload{StreamID: b.opts.RoomID, Offer: raw}); err != nil {
		return fmt.Errorf("send offer to %s: %w", remote, err)
	}
	if b.Session().Phase() == domain.PhaseRoleAnnounced {
		_ = b.Session().Advance(domain.PhaseNegotiating)
	}
	b.logger.Debugw("offer sent", "viewer_id", remote)
	return nil
}

func (b *Broadcaster) onLinkState(viewerID domain.ConnID, l *viewerLink, state webrtc.PeerConnectionState) {
	b.logger.Infow("viewer connection state", "viewer_id", viewerID, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		b.reportConnected()
	case webrtc.PeerConnectionStateFailed:
		b.linksMu.Lock()
		current := b.links[viewerID] == l
		if current {
			delete(b.links, viewerID)
		}
		b.linksMu.Unlock()
		if current {
			_ = l.negotiator.Close()
		}
	}
}

func (b *Broadcaster) readRTCP(viewerID domain.ConnID, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if b.bopts.OnKeyframeRequest != nil {
					b.bopts.OnKeyframeRequest(viewerID)
				}
			}
		}
	}
}

func (b *Broadcaster) dropViewer(viewerID domain.ConnID) {
	b.linksMu.Lock()
	l := b.links[viewerID]
	delete(b.links, viewerID)
	delete(b.preferences, viewerID)
	b.linksMu.Unlock()

	if l != nil {
		_ = l.negotiator.Close()
		b.logger.Infow("viewer left", "viewer_id", viewerID)
	}
}

func (b *Broadcaster) closeLinks() {
	b.linksMu.Lock()
	links := b.links
	b.links = make(map[domain.ConnID]*viewerLink)
	b.preferences = make(map[domain.ConnID]string)
	b.linksMu.Unlock()

	for _, l := range links {
		_ = l.negotiator.Close()
	}
}

// AddTrack publishes track to current and future viewers. Current viewers
// are renegotiated.
func (b *Broadcaster) AddTrack(ctx context.Context, track webrtc.TrackLocal) error {
	b.linksMu.Lock()
	b.tracks = append(b.tracks, track)
	var touched []*viewerLink
	for id, l := range b.links {
		if err := b.attachLocked(id, l, track); err != nil {
			b.linksMu.Unlock()
			return err
		}
		touched = append(touched, l)
	}
	b.linksMu.Unlock()

	return b.renegotiate(ctx, touched)
}

// ReplaceTrack swaps old for next on every viewer connection and runs a full
// offer/answer round with each of them.
func (b *Broadcaster) ReplaceTrack(ctx context.Context, old, next webrtc.TrackLocal) error {
	b.linksMu.Lock()
	idx := -1
	for i, t := range b.tracks {
		if t.ID() == old.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.linksMu.Unlock()
		return apperrors.NewNotFoundError("track " + old.ID())
	}
	b.tracks[idx] = next

	var touched []*viewerLink
	for id, l := range b.links {
		pc := l.negotiator.PeerConnection()
		if sender := l.senders[old.ID()]; sender != nil {
			if err := pc.RemoveTrack(sender); err != nil {
				b.logger.Warnw("failed to remove track", "viewer_id", id, "track_id", old.ID(), "error", err)
			}
		}
		delete(l.senders, old.ID())
		if err := b.attachLocked(id, l, next); err != nil {
			b.linksMu.Unlock()
			return err
		}
		touched = append(touched, l)
	}
	b.linksMu.Unlock()

	b.logger.Infow("track replaced", "old", old.ID(), "new", next.ID(), "viewers", len(touched))
	return b.renegotiate(ctx, touched)
}

func (b *Broadcaster) renegotiate(ctx context.Context, links []*viewerLink) error {
	var errs []error
	for _, l := range links {
		if err := b.offer(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetQuality applies a named tier to the outgoing encoding. It never
// renegotiates.
func (b *Broadcaster) SetQuality(name string) error {
	tier, ok := b.bopts.Qualities.Tier(name)
	if !ok {
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown quality %q", name))
	}
	if b.bopts.Encoder != nil {
		if err := b.bopts.Encoder.SetParameters(tier); err != nil {
			return fmt.Errorf("apply quality %s: %w", tier.Name, err)
		}
	}

	b.linksMu.Lock()
	b.quality = name
	b.linksMu.Unlock()

	b.logger.Infow("quality applied", "quality", name, "resolution", tier.Resolution(), "max_bitrate_kbps", tier.MaxBitrate)
	return nil
}

func (b *Broadcaster) Quality() string {
	b.linksMu.Lock()
	defer b.linksMu.Unlock()
	return b.quality
}

// Preference returns the last quality hint sent by viewerID.
func (b *Broadcaster) Preference(viewerID domain.ConnID) (string, bool) {
	b.linksMu.Lock()
	defer b.linksMu.Unlock()
	q, ok := b.preferences[viewerID]
	return q, ok
}

// Viewers lists the viewers with an open peer connection.
func (b *Broadcaster) Viewers() []domain.ConnID {
	b.linksMu.Lock()
	defer b.linksMu.Unlock()
	out := make([]domain.ConnID, 0, len(b.links))
	for id := range b.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops the broadcast and tells the relay.
func (b *Broadcaster) Close() error {
	b.closeLinks()
	err := b.send(domain.EventLeaveStream, "", nil)
	b.Session().Close()
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}
