package peer

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"castrelay/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

// fakePC records calls and lets tests fire the pion callbacks.
type fakePC struct {
	mu sync.Mutex

	offers     int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	rtcp       []rtcp.Packet
	closed     bool

	onICE   func(*webrtc.ICECandidate)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer-%d", f.offers)}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &desc
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &desc
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePC) RemoveTrack(*webrtc.RTPSender) error {
	return nil
}

func (f *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtcp = append(f.rtcp, pkts...)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakePC) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePC) Offers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

func (f *fakePC) Candidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.candidates))
	for _, c := range f.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (f *fakePC) TrackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks)
}

func (f *fakePC) fireState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(state)
}

func (f *fakePC) fireTrack() {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(nil, nil)
}

func (f *fakePC) fireICE(c *webrtc.ICECandidate) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(c)
}

// fakeFactory hands out fakePCs and remembers the configs it was given.
type fakeFactory struct {
	mu      sync.Mutex
	pcs     []*fakePC
	configs []domain.RTCConfig
}

func (f *fakeFactory) New(cfg domain.RTCConfig) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.pcs = append(f.pcs, pc)
	f.configs = append(f.configs, cfg)
	return pc, nil
}

func (f *fakeFactory) PC(t *testing.T, i int) *fakePC {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.pcs), i, "peer connection %d was never created", i)
	return f.pcs[i]
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

// fakeSignaler records everything the peer sends to the relay.
type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.Envelope
	err  error
}

func (s *fakeSignaler) Send(env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSignaler) ofType(t domain.EventType) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, env := range s.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (s *fakeSignaler) last(t *testing.T) domain.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

func envelope(t *testing.T, eventType domain.EventType, from domain.ConnID, payload interface{}) domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, "r1", payload)
	require.NoError(t, err)
	env.From = from
	return env
}

func candidate(t *testing.T, from domain.ConnID, c string) domain.Envelope {
	t.Helper()
	raw := []byte(fmt.Sprintf(`{"candidate":%q,"sdpMid":"0","sdpMLineIndex":0}`, c))
	return envelope(t, domain.EventICECandidate, from, domain.ICECandidatePayload{StreamID: "r1", Candidate: raw})
}

func testRTCConfig() domain.RTCConfig {
	return domain.RTCConfig{
		ICEServers:         []domain.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		ICETransportPolicy: "all",
		BundlePolicy:       "max-bundle",
		RTCPMuxPolicy:      "require",
	}
}

func domainTURN() domain.ICEServer {
	return domain.ICEServer{URLs: []string{"turn:turn.example.com:3478"}, Username: "user", Credential: "secret"}
}
