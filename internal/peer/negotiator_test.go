package peer

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiator_HoldsCandidatesUntilAnswer(t *testing.T) {
	pc := &fakePC{}
	n := NewNegotiator(pc, "r1", "viewer-1")
	ctx := context.Background()

	offer, err := n.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.NotNil(t, pc.local)

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, n.AddCandidate(webrtc.ICECandidateInit{Candidate: c}))
	}
	assert.Equal(t, 3, n.Pending())
	assert.Empty(t, pc.Candidates())

	require.NoError(t, n.ApplyAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))
	assert.Equal(t, 0, n.Pending())
	assert.Equal(t, []string{"c1", "c2", "c3"}, pc.Candidates())

	require.NoError(t, n.AddCandidate(webrtc.ICECandidateInit{Candidate: "c4"}))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, pc.Candidates())
}

func TestNegotiator_ApplyOfferFlushesBeforeAnswering(t *testing.T) {
	pc := &fakePC{}
	n := NewNegotiator(pc, "r1", "broadcaster")
	ctx := context.Background()

	require.NoError(t, n.AddCandidate(webrtc.ICECandidateInit{Candidate: "early"}))

	answer, err := n.ApplyOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, []string{"early"}, pc.Candidates())
	require.NotNil(t, pc.local)
	assert.Equal(t, webrtc.SDPTypeAnswer, pc.local.Type)
}

func TestNegotiator_RejectsWrongDescriptionType(t *testing.T) {
	n := NewNegotiator(&fakePC{}, "r1", "x")
	ctx := context.Background()

	_, err := n.ApplyOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer})
	assert.Error(t, err)
	assert.Error(t, n.ApplyAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}))
}

func TestNegotiator_Close(t *testing.T) {
	pc := &fakePC{}
	n := NewNegotiator(pc, "r1", "x")
	require.NoError(t, n.AddCandidate(webrtc.ICECandidateInit{Candidate: "c1"}))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.True(t, pc.Closed())
	assert.Equal(t, 0, n.Pending())

	assert.ErrorIs(t, n.AddCandidate(webrtc.ICECandidateInit{Candidate: "c2"}), ErrNegotiatorClosed)
	_, err := n.CreateOffer(context.Background())
	assert.ErrorIs(t, err, ErrNegotiatorClosed)
}

func TestConfiguration(t *testing.T) {
	cfg := testRTCConfig()
	cfg.ICEServers = append(cfg.ICEServers, domainTURN())
	cfg.ICETransportPolicy = "relay"
	cfg.ICECandidatePoolSize = 2

	out := Configuration(cfg)
	require.Len(t, out.ICEServers, 2)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, out.ICETransportPolicy)
	assert.Equal(t, webrtc.BundlePolicyMaxBundle, out.BundlePolicy)
	assert.Equal(t, webrtc.RTCPMuxPolicyRequire, out.RTCPMuxPolicy)
	assert.Equal(t, uint8(2), out.ICECandidatePoolSize)
	assert.Equal(t, "user", out.ICEServers[1].Username)
	assert.Equal(t, webrtc.ICECredentialTypePassword, out.ICEServers[1].CredentialType)
	assert.Empty(t, out.ICEServers[0].Username)
}

func TestNewPionFactory_PortRange(t *testing.T) {
	tests := []struct {
		name    string
		ports   PortRange
		wantErr bool
	}{
		{"open", PortRange{}, false},
		{"bounded", PortRange{Min: 50000, Max: 50100}, false},
		{"single port", PortRange{Min: 50000, Max: 50000}, false},
		{"inverted", PortRange{Min: 50100, Max: 50000}, true},
		{"min only", PortRange{Min: 50000}, true},
		{"max only", PortRange{Max: 50000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory, err := NewPionFactory(tt.ports)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, factory)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, factory)
		})
	}
}
