package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// EventType is the `type` field of the signaling envelope.
type EventType string

const (
	// client -> relay
	EventStreamer          EventType = "streamer"
	EventViewer            EventType = "viewer"
	EventSetUsername       EventType = "set-username"
	EventLeaveStream       EventType = "leave-stream"
	EventConnectionState   EventType = "connection-state"
	EventQualityPreference EventType = "viewer-quality-preference"

	// negotiation, relayed opaquely
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"

	// side channels
	EventChatMessage     EventType = "chat-message"
	EventDraw            EventType = "draw"
	EventClearCanvas     EventType = "clear-canvas"
	EventViewerCount     EventType = "viewer-count-update"
	EventBroadcasterLeft EventType = "broadcaster-left"

	// relay -> client
	EventRTCConfig    EventType = "rtcConfig"
	EventUsernameSet  EventType = "username-set"
	EventJoined       EventType = "joined"
	EventViewerJoined EventType = "viewer-joined"
	EventViewerLeft   EventType = "viewer-left"
	EventError        EventType = "error"
)

// UsernameEmptyMessage is the failure text clients display verbatim.
const UsernameEmptyMessage = "Username cannot be empty"

// Envelope is the wire frame. From is filled by the relay on delivery and
// ignored on input. Target optionally addresses a single room member.
type Envelope struct {
	Type    EventType       `json:"type"`
	RoomID  RoomID          `json:"roomId,omitempty"`
	From    ConnID          `json:"from,omitempty"`
	Target  ConnID          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload is omitted.
func NewEnvelope(t EventType, roomID RoomID, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t, RoomID: roomID}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: payload is required", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

// AnnouncedRoom extracts the room of a streamer/viewer announcement. The
// payload may be a bare string, an object with streamId or roomId, or empty
// when the envelope roomId is set.
func (e Envelope) AnnouncedRoom() (RoomID, error) {
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		switch payload[0] {
		case '"':
			var id string
			if err := json.Unmarshal(payload, &id); err != nil {
				return "", fmt.Errorf("%s: invalid room id: %w", e.Type, err)
			}
			if id != "" {
				return RoomID(id), nil
			}
		case '{':
			var obj struct {
				StreamID string `json:"streamId"`
				RoomID   string `json:"roomId"`
			}
			if err := json.Unmarshal(payload, &obj); err != nil {
				return "", fmt.Errorf("%s: invalid payload: %w", e.Type, err)
			}
			if obj.StreamID != "" {
				return RoomID(obj.StreamID), nil
			}
			if obj.RoomID != "" {
				return RoomID(obj.RoomID), nil
			}
		}
	}
	if e.RoomID != "" {
		return e.RoomID, nil
	}
	return "", ErrEmptyRoomID
}

type SetUsernamePayload struct {
	Username string `json:"username"`
}

type UsernameSetPayload struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Error    string `json:"error,omitempty"`
}

type ChatInbound struct {
	Message string `json:"message"`
}

type ChatOutbound struct {
	ID         string `json:"id"`
	Message    string `json:"message"`
	SenderID   ConnID `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  int64  `json:"timestamp"`
	Self       bool   `json:"self"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) normalized() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}

// DrawPayload is one stroke segment in resolution independent coordinates.
type DrawPayload struct {
	From  Point   `json:"from"`
	To    Point   `json:"to"`
	Color string  `json:"color,omitempty"`
	Width float64 `json:"width,omitempty"`
}

func (d DrawPayload) Validate() error {
	if !d.From.normalized() || !d.To.normalized() {
		return fmt.Errorf("draw coordinates must be within [0,1]")
	}
	return nil
}

type OfferPayload struct {
	StreamID RoomID          `json:"streamId"`
	Offer    json.RawMessage `json:"offer"`
}

type AnswerPayload struct {
	StreamID RoomID          `json:"streamId"`
	Answer   json.RawMessage `json:"answer"`
}

type ICECandidatePayload struct {
	StreamID  RoomID          `json:"streamId"`
	Candidate json.RawMessage `json:"candidate"`
}

type ViewerCountPayload struct {
	StreamID RoomID `json:"streamId"`
	Count    int    `json:"count"`
}

type QualityPreferencePayload struct {
	StreamID   RoomID `json:"streamId"`
	Quality    string `json:"quality"`
	Resolution string `json:"resolution,omitempty"`
}

type ViewerJoinedPayload struct {
	ViewerID ConnID `json:"viewerId"`
}

type ViewerLeftPayload struct {
	ViewerID ConnID `json:"viewerId"`
}

type BroadcasterLeftPayload struct {
	StreamID RoomID `json:"streamId"`
}

type JoinedPayload struct {
	StreamID     RoomID `json:"streamId"`
	Role         Role   `json:"role"`
	ConnectionID ConnID `json:"connectionId"`
	Broadcasting bool   `json:"broadcasting"`
}

type ConnectionStatePayload struct {
	State Phase `json:"state"`
}

type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Event   EventType `json:"event,omitempty"`
}

// ICEServer mirrors the browser RTCIceServer dictionary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// RTCConfig is pushed to clients as the rtcConfig event and served over HTTP.
type RTCConfig struct {
	ICEServers           []ICEServer `json:"iceServers"`
	ICETransportPolicy   string      `json:"iceTransportPolicy"`
	BundlePolicy         string      `json:"bundlePolicy"`
	RTCPMuxPolicy        string      `json:"rtcpMuxPolicy"`
	ICECandidatePoolSize int         `json:"iceCandidatePoolSize"`
}
