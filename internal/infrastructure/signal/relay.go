package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/tracing"
	"castrelay/pkg/validation"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Metrics is the subset of the collector the relay reports to.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(eventType string)
	MessageDelivered(eventType string, recipients int)
	MessageDropped(eventType, reason string)
	DispatchDuration(eventType string, d time.Duration)
	BroadcasterRejected()
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened() {}
func (nopMetrics) ConnectionClosed() {}
func (nopMetrics) MessageReceived(string) {}
func (nopMetrics) MessageDelivered(string, int) {}
func (nopMetrics) MessageDropped(string, string) {}
func (nopMetrics) DispatchDuration(string, time.Duration) {}
func (nopMetrics) BroadcasterRejected() {}

const (
	dropUnknownType   = "unknown_type"
	dropNoBroadcaster = "no_broadcaster"
	dropNoRecipients  = "no_recipients"
	dropRateLimited   = "rate_limited"
	dropMalformed     = "malformed"
	dropNoop          = "noop"
)

// Relay routes envelopes between the members of a room. Negotiation payloads
// are forwarded untouched; side-channel payloads are validated first.
type Relay struct {
	registry  ports.SessionRegistry
	moderator ports.ChatModerator
	quality   ports.QualityService
	rtc       ports.RTCConfigProvider
	metrics   Metrics

	clientsMu sync.RWMutex
	clients   map[domain.ConnID]*Client

	now    func() time.Time
	newID  func() string
	logger *zap.SugaredLogger
}

type RelayOption func(*Relay)

func WithMetrics(m Metrics) RelayOption {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

func NewRelay(
	registry ports.SessionRegistry,
	moderator ports.ChatModerator,
	quality ports.QualityService,
	rtc ports.RTCConfigProvider,
	logger *zap.SugaredLogger,
	opts ...RelayOption,
) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Relay{
		registry:  registry,
		moderator: moderator,
		quality:   quality,
		rtc:       rtc,
		metrics:   nopMetrics{},
		clients:   make(map[domain.ConnID]*Client),
		now:       time.Now,
		newID:     func() string { return ulid.Make().String() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach makes the client addressable and pushes the ICE configuration.
func (r *Relay) Attach(c *Client) {
	r.clientsMu.Lock()
	r.clients[c.ID()] = c
	r.clientsMu.Unlock()

	r.metrics.ConnectionOpened()
	r.reply(c, domain.EventRTCConfig, "", r.rtc.RTCConfig())

	r.logger.Infow("client connected", "conn_id", c.ID())
}

// Detach tears the client down: the session becomes disconnected, the
// registry entry is removed and the remaining room members are notified.
func (r *Relay) Detach(ctx context.Context, c *Client) {
	c.Session().Close()
	r.depart(ctx, c)

	r.clientsMu.Lock()
	_, attached := r.clients[c.ID()]
	delete(r.clients, c.ID())
	r.clientsMu.Unlock()

	c.Close()
	if attached {
		r.metrics.ConnectionClosed()
		r.logger.Infow("client disconnected", "conn_id", c.ID())
	}
}

func (r *Relay) ConnectionCount() int {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return len(r.clients)
}

func (r *Relay) client(id domain.ConnID) (*Client, bool) {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Dispatch handles one inbound envelope. Validation failures are answered
// with an error event and returned; dropped negotiation messages are only
// logged and return nil.
func (r *Relay) Dispatch(ctx context.Context, c *Client, env domain.Envelope) error {
	start := r.now()
	ctx, span := tracing.TraceSignal(ctx, string(env.Type), string(c.ID()), string(c.Session().RoomID()))
	defer span.End()

	r.metrics.MessageReceived(string(env.Type))

	var err error
	switch env.Type {
	case domain.EventStreamer:
		err = r.handleAnnounce(ctx, c, env, domain.RoleStreamer)
	case domain.EventViewer:
		err = r.handleAnnounce(ctx, c, env, domain.RoleViewer)
	case domain.EventSetUsername:
		err = r.handleSetUsername(c, env)
	case domain.EventLeaveStream:
		err = r.handleLeave(ctx, c)
	case domain.EventConnectionState:
		err = r.handleConnectionState(c, env)
	case domain.EventOffer:
		err = r.handleOffer(ctx, c, env)
	case domain.EventAnswer:
		err = r.handleAnswer(ctx, c, env)
	case domain.EventICECandidate:
		err = r.handleICECandidate(ctx, c, env)
	case domain.EventChatMessage:
		err = r.handleChat(ctx, c, env)
	case domain.EventDraw:
		err = r.handleDraw(ctx, c, env)
	case domain.EventClearCanvas:
		err = r.handleClearCanvas(ctx, c, env)
	case domain.EventViewerCount:
		err = r.handleViewerCount(ctx, c, env)
	case domain.EventQualityPreference:
		err = r.handleQualityPreference(ctx, c, env)
	default:
		r.metrics.MessageDropped(string(env.Type), dropUnknownType)
		r.logger.Debugw("ignoring unknown event type", "conn_id", c.ID(), "type", env.Type)
	}

	r.metrics.DispatchDuration(string(env.Type), r.now().Sub(start))

	if err != nil {
		tracing.RecordError(ctx, err)
		r.RejectEvent(c, env.Type, err)
	}
	return err
}

// RejectEvent answers the sender with an error event.
func (r *Relay) RejectEvent(c *Client, eventType domain.EventType, err error) {
	payload := domain.ErrorPayload{
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
		Event:   eventType,
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		payload.Message = appErr.Message
	}

	r.logger.Debugw("rejected event",
		"conn_id", c.ID(),
		"type", eventType,
		"code", payload.Code,
		"error", err,
	)
	r.reply(c, domain.EventError, "", payload)
}

// DropMalformed reports a frame that could not be decoded.
func (r *Relay) DropMalformed(c *Client, err error) {
	r.metrics.MessageDropped("", dropMalformed)
	r.RejectEvent(c, "", apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed message", 400))
}

// DropRateLimited reports a frame discarded by the per-connection limiter.
func (r *Relay) DropRateLimited(c *Client) {
	r.metrics.MessageDropped("", dropRateLimited)
	r.RejectEvent(c, "", apperrors.NewRateLimitError())
}

func (r *Relay) handleAnnounce(ctx context.Context, c *Client, env domain.Envelope, role domain.Role) error {
	roomID, err := env.AnnouncedRoom()
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "room id is required", 400)
	}
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), 400)
	}

	session := c.Session()
	if current := session.Role(); current != "" {
		if current == role && session.RoomID() == roomID {
			snap, _ := r.registry.LookupRoom(roomID)
			r.ackJoin(c, roomID, role, snap)
			return nil
		}
		return apperrors.WrapError(domain.ErrRoleImmutable, apperrors.ErrCodeInvalidInput,
			fmt.Sprintf("already joined %s as %s", session.RoomID(), current), 400)
	}

	snap, err := r.registry.Register(c.ID(), roomID, role)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			r.metrics.BroadcasterRejected()
			r.logger.Warnw("broadcaster rejected, room occupied", "conn_id", c.ID(), "room_id", roomID)
		}
		return err
	}
	if err := session.Announce(role, roomID); err != nil {
		r.registry.Unregister(c.ID())
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidState, err.Error(), 409)
	}

	r.logger.Infow("role announced",
		"conn_id", c.ID(),
		"room_id", roomID,
		"role", role,
		"viewers", snap.ViewerCount(),
	)

	r.reply(c, domain.EventRTCConfig, roomID, r.rtc.RTCConfig())
	r.ackJoin(c, roomID, role, snap)

	switch role {
	case domain.RoleViewer:
		if snap.HasBroadcaster() {
			r.sendTo(snap.BroadcasterID, domain.EventViewerJoined, roomID, c.ID(),
				domain.ViewerJoinedPayload{ViewerID: c.ID()})
		}
	case domain.RoleStreamer:
		// every viewer already waiting gets its own negotiation
		for _, viewerID := range snap.ViewerIDs {
			r.reply(c, domain.EventViewerJoined, roomID, domain.ViewerJoinedPayload{ViewerID: viewerID})
		}
	}

	r.broadcastViewerCount(roomID, snap)
	return nil
}

func (r *Relay) ackJoin(c *Client, roomID domain.RoomID, role domain.Role, snap domain.RoomSnapshot) {
	r.reply(c, domain.EventJoined, roomID, domain.JoinedPayload{
		StreamID:     roomID,
		Role:         role,
		ConnectionID: c.ID(),
		Broadcasting: snap.HasBroadcaster(),
	})
}

func (r *Relay) handleSetUsername(c *Client, env domain.Envelope) error {
	var name string
	if err := json.Unmarshal(env.Payload, &name); err != nil {
		var payload domain.SetUsernamePayload
		if err := env.Decode(&payload); err != nil {
			msg := "invalid set-username payload"
			if len(env.Payload) == 0 {
				msg = domain.UsernameEmptyMessage
			}
			r.logger.Debugw("undecodable set-username", "conn_id", c.ID(), "error", err)
			r.reply(c, domain.EventUsernameSet, "", domain.UsernameSetPayload{Success: false, Username: c.Session().Username(), Error: msg})
			return nil
		}
		name = payload.Username
	}

	if err := validation.ValidateUsername(name); err != nil {
		prior := c.Session().Username()
		msg := err.Error()
		if validation.ValidateNonEmptyString(name, "username") != nil {
			msg = domain.UsernameEmptyMessage
		}
		r.reply(c, domain.EventUsernameSet, "", domain.UsernameSetPayload{Success: false, Username: prior, Error: msg})
		return nil
	}

	bound, err := c.Session().BindUsername(name)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, domain.ErrEmptyUsername) {
			msg = domain.UsernameEmptyMessage
		}
		r.reply(c, domain.EventUsernameSet, "", domain.UsernameSetPayload{Success: false, Username: bound, Error: msg})
		return nil
	}

	r.logger.Debugw("username bound", "conn_id", c.ID(), "username", bound)
	r.reply(c, domain.EventUsernameSet, "", domain.UsernameSetPayload{Success: true, Username: bound})
	return nil
}

func (r *Relay) handleLeave(ctx context.Context, c *Client) error {
	c.Session().Close()
	r.depart(ctx, c)
	c.Close()
	return nil
}

func (r *Relay) handleConnectionState(c *Client, env domain.Envelope) error {
	var payload domain.ConnectionStatePayload
	if err := env.Decode(&payload); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid connection-state payload", 400)
	}

	switch payload.State {
	case domain.PhaseConnected:
		if err := c.Session().Advance(domain.PhaseConnected); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInvalidState, err.Error(), 409)
		}
		r.logger.Infow("peer connected", "conn_id", c.ID(), "room_id", c.Session().RoomID())
	default:
		r.logger.Debugw("ignoring connection state", "conn_id", c.ID(), "state", payload.State)
	}
	return nil
}

// memberRoom returns the sender's room, rejecting senders that have not
// announced a role or that address a different room.
func (r *Relay) memberRoom(c *Client, env domain.Envelope) (domain.RoomID, error) {
	roomID := c.Session().RoomID()
	if roomID == "" {
		return "", apperrors.WrapError(domain.ErrNotInRoom, apperrors.ErrCodeNotFound, "join a room first", 404)
	}
	if env.RoomID != "" && env.RoomID != roomID {
		return "", apperrors.NewForbiddenError(fmt.Sprintf("not a member of room %s", env.RoomID))
	}
	return roomID, nil
}

func (r *Relay) handleOffer(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}
	if c.Session().Role() != domain.RoleStreamer {
		return apperrors.NewForbiddenError("only the broadcaster can send offers")
	}

	snap, ok := r.registry.LookupRoom(roomID)
	if !ok {
		r.dropNegotiation(c, env, roomID, dropNoRecipients)
		return nil
	}

	var targets []domain.ConnID
	if env.Target != "" {
		if !snap.IsViewer(env.Target) {
			r.dropNegotiation(c, env, roomID, dropNoRecipients)
			return nil
		}
		targets = []domain.ConnID{env.Target}
	} else {
		for _, id := range snap.ViewerIDs {
			if v, ok := r.client(id); ok && v.Session().Phase() == domain.PhaseRoleAnnounced {
				targets = append(targets, id)
			}
		}
	}
	if len(targets) == 0 {
		r.dropNegotiation(c, env, roomID, dropNoRecipients)
		return nil
	}

	if c.Session().Phase() == domain.PhaseRoleAnnounced {
		_ = c.Session().Advance(domain.PhaseNegotiating)
	}
	for _, id := range targets {
		if v, ok := r.client(id); ok && v.Session().Phase() == domain.PhaseRoleAnnounced {
			_ = v.Session().Advance(domain.PhaseNegotiating)
		}
	}

	delivered := r.forward(c, env, roomID, targets)
	r.logger.Debugw("offer routed", "from", c.ID(), "room_id", roomID, "recipients", delivered)
	return nil
}

func (r *Relay) handleAnswer(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}
	if c.Session().Role() != domain.RoleViewer {
		return apperrors.NewForbiddenError("only viewers can send answers")
	}

	snap, ok := r.registry.LookupRoom(roomID)
	if !ok || !snap.HasBroadcaster() {
		r.dropNegotiation(c, env, roomID, dropNoBroadcaster)
		return nil
	}

	r.forward(c, env, roomID, []domain.ConnID{snap.BroadcasterID})
	return nil
}

func (r *Relay) handleICECandidate(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}

	snap, ok := r.registry.LookupRoom(roomID)
	if !ok {
		r.dropNegotiation(c, env, roomID, dropNoRecipients)
		return nil
	}

	recipients := snap.Others(c.ID())
	if env.Target != "" {
		recipients = nil
		for _, id := range snap.Others(c.ID()) {
			if id == env.Target {
				recipients = []domain.ConnID{id}
			}
		}
	}
	if len(recipients) == 0 {
		r.dropNegotiation(c, env, roomID, dropNoRecipients)
		return nil
	}

	r.forward(c, env, roomID, recipients)
	return nil
}

func (r *Relay) dropNegotiation(c *Client, env domain.Envelope, roomID domain.RoomID, reason string) {
	r.metrics.MessageDropped(string(env.Type), reason)
	r.logger.Warnw("dropping negotiation message",
		"type", env.Type,
		"from", c.ID(),
		"room_id", roomID,
		"target", env.Target,
		"reason", reason,
	)
}

func (r *Relay) handleChat(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}

	username := c.Session().Username()
	if username == "" {
		return apperrors.WrapError(domain.ErrUsernameRequired, apperrors.ErrCodeForbidden, domain.ErrUsernameRequired.Error(), 403)
	}

	var text string
	if err := json.Unmarshal(env.Payload, &text); err != nil {
		var in domain.ChatInbound
		if err := env.Decode(&in); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid chat-message payload", 400)
		}
		text = in.Message
	}
	if err := r.moderator.Check(text); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), 400)
	}

	out := domain.ChatOutbound{
		ID:         r.newID(),
		Message:    text,
		SenderID:   c.ID(),
		SenderName: username,
		Timestamp:  r.now().UnixMilli(),
		Self:       false,
	}
	r.fanOut(c, domain.EventChatMessage, roomID, out)
	return nil
}

func (r *Relay) handleDraw(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}

	var stroke domain.DrawPayload
	if err := env.Decode(&stroke); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid draw payload", 400)
	}
	for _, check := range []error{
		stroke.Validate(),
		validation.ValidateColor(stroke.Color),
		validation.ValidateStrokeWidth(stroke.Width),
	} {
		if check != nil {
			return apperrors.WrapError(check, apperrors.ErrCodeInvalidInput, check.Error(), 400)
		}
	}

	r.registry.MarkCanvas(roomID, true)
	r.fanOut(c, domain.EventDraw, roomID, env.Payload)
	return nil
}

func (r *Relay) handleClearCanvas(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}

	if !r.registry.MarkCanvas(roomID, false) {
		r.metrics.MessageDropped(string(env.Type), dropNoop)
		r.logger.Debugw("canvas already clear", "conn_id", c.ID(), "room_id", roomID)
		return nil
	}
	r.fanOut(c, domain.EventClearCanvas, roomID, nil)
	return nil
}

func (r *Relay) handleViewerCount(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}

	var payload domain.ViewerCountPayload
	if err := env.Decode(&payload); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid viewer-count-update payload", 400)
	}
	if payload.Count < 0 {
		return apperrors.NewInvalidInputError("count must be >= 0")
	}
	payload.StreamID = roomID
	r.fanOut(c, domain.EventViewerCount, roomID, payload)
	return nil
}

func (r *Relay) handleQualityPreference(ctx context.Context, c *Client, env domain.Envelope) error {
	roomID, err := r.memberRoom(c, env)
	if err != nil {
		return err
	}
	if c.Session().Role() != domain.RoleViewer {
		return apperrors.NewForbiddenError("only viewers send quality preferences")
	}

	var pref domain.QualityPreferencePayload
	if err := env.Decode(&pref); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid viewer-quality-preference payload", 400)
	}
	if err := validation.ValidateQuality(pref.Quality); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), 400)
	}
	if tier, ok := r.quality.Tier(pref.Quality); ok && pref.Resolution == "" {
		pref.Resolution = tier.Resolution()
	}
	pref.StreamID = roomID

	snap, ok := r.registry.LookupRoom(roomID)
	if !ok || !snap.HasBroadcaster() {
		r.metrics.MessageDropped(string(env.Type), dropNoBroadcaster)
		r.logger.Debugw("quality preference without broadcaster", "conn_id", c.ID(), "room_id", roomID)
		return nil
	}

	r.sendTo(snap.BroadcasterID, domain.EventQualityPreference, roomID, c.ID(), pref)
	return nil
}

// depart unregisters the client and notifies whoever is left in the room.
func (r *Relay) depart(ctx context.Context, c *Client) {
	dep, ok := r.registry.Unregister(c.ID())
	if !ok {
		return
	}

	r.logger.Infow("left room",
		"conn_id", c.ID(),
		"room_id", dep.RoomID,
		"role", dep.Role,
		"purged", dep.Purged,
	)

	if dep.WasBroadcaster {
		payload := domain.BroadcasterLeftPayload{StreamID: dep.RoomID}
		for _, viewerID := range dep.Remaining.ViewerIDs {
			if v, ok := r.client(viewerID); ok {
				v.Session().Reset()
			}
			r.sendTo(viewerID, domain.EventBroadcasterLeft, dep.RoomID, c.ID(), payload)
		}
	} else if dep.Remaining.HasBroadcaster() {
		r.sendTo(dep.Remaining.BroadcasterID, domain.EventViewerLeft, dep.RoomID, c.ID(),
			domain.ViewerLeftPayload{ViewerID: c.ID()})
	}

	if !dep.Purged {
		r.broadcastViewerCount(dep.RoomID, dep.Remaining)
	}
}

func (r *Relay) broadcastViewerCount(roomID domain.RoomID, snap domain.RoomSnapshot) {
	env, err := domain.NewEnvelope(domain.EventViewerCount, roomID, domain.ViewerCountPayload{
		StreamID: roomID,
		Count:    snap.ViewerCount(),
	})
	if err != nil {
		r.logger.Errorw("failed to build viewer count", "error", err)
		return
	}
	r.deliver(env, snap.Members())
}

// forward relays env verbatim, stamped with the sender id.
func (r *Relay) forward(c *Client, env domain.Envelope, roomID domain.RoomID, to []domain.ConnID) int {
	out := domain.Envelope{Type: env.Type, RoomID: roomID, From: c.ID(), Payload: env.Payload}
	return r.deliver(out, to)
}

// fanOut sends payload to every room member except the sender.
func (r *Relay) fanOut(c *Client, eventType domain.EventType, roomID domain.RoomID, payload interface{}) int {
	snap, ok := r.registry.LookupRoom(roomID)
	if !ok {
		return 0
	}
	recipients := snap.Others(c.ID())
	if len(recipients) == 0 {
		r.metrics.MessageDropped(string(eventType), dropNoRecipients)
		return 0
	}

	env, err := domain.NewEnvelope(eventType, roomID, payload)
	if err != nil {
		r.logger.Errorw("failed to build envelope", "type", eventType, "error", err)
		return 0
	}
	env.From = c.ID()
	return r.deliver(env, recipients)
}

func (r *Relay) sendTo(to domain.ConnID, eventType domain.EventType, roomID domain.RoomID, from domain.ConnID, payload interface{}) {
	env, err := domain.NewEnvelope(eventType, roomID, payload)
	if err != nil {
		r.logger.Errorw("failed to build envelope", "type", eventType, "error", err)
		return
	}
	env.From = from
	r.deliver(env, []domain.ConnID{to})
}

func (r *Relay) reply(c *Client, eventType domain.EventType, roomID domain.RoomID, payload interface{}) {
	env, err := domain.NewEnvelope(eventType, roomID, payload)
	if err != nil {
		r.logger.Errorw("failed to build envelope", "type", eventType, "error", err)
		return
	}
	if err := c.Send(env); err != nil {
		r.logger.Warnw("failed to reply", "conn_id", c.ID(), "type", eventType, "error", err)
	}
}

// deliver marshals env once and enqueues it for each recipient. Runs
// without any registry lock held.
func (r *Relay) deliver(env domain.Envelope, to []domain.ConnID) int {
	if len(to) == 0 {
		return 0
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Errorw("failed to marshal envelope", "type", env.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, id := range to {
		c, ok := r.client(id)
		if !ok {
			continue
		}
		if err := c.enqueue(data); err != nil {
			r.logger.Warnw("delivery failed", "conn_id", id, "type", env.Type, "error", err)
			continue
		}
		delivered++
	}
	r.metrics.MessageDelivered(string(env.Type), delivered)
	return delivered
}
