package peer

import (
	"fmt"
	"strings"

	"castrelay/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the part of *webrtc.PeerConnection the client drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	WriteRTCP(pkts []rtcp.Packet) error

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))

	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// Factory builds a peer connection for the ICE configuration the relay
// pushed with rtcConfig.
type Factory func(cfg domain.RTCConfig) (PeerConnection, error)

// PortRange limits the UDP ports pion binds. Zero values leave it open.
type PortRange struct {
	Min uint16
	Max uint16
}

func (r PortRange) Validate() error {
	if r.Min == 0 && r.Max == 0 {
		return nil
	}
	if r.Min == 0 || r.Max == 0 || r.Min > r.Max {
		return fmt.Errorf("invalid UDP port range %d-%d", r.Min, r.Max)
	}
	return nil
}

// NewPionFactory returns a Factory backed by pion.
func NewPionFactory(ports PortRange) (Factory, error) {
	if err := ports.Validate(); err != nil {
		return nil, err
	}
	settingEngine := webrtc.SettingEngine{}
	if ports.Min > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(ports.Min, ports.Max); err != nil {
			return nil, fmt.Errorf("set UDP port range: %w", err)
		}
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	return func(cfg domain.RTCConfig) (PeerConnection, error) {
		return api.NewPeerConnection(Configuration(cfg))
	}, nil
}

// Configuration converts the wire ICE configuration into pion's.
func Configuration(cfg domain.RTCConfig) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	out := webrtc.Configuration{
		ICEServers:           servers,
		ICETransportPolicy:   webrtc.ICETransportPolicyAll,
		BundlePolicy:         webrtc.BundlePolicyBalanced,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: uint8(cfg.ICECandidatePoolSize),
		SDPSemantics:         webrtc.SDPSemanticsUnifiedPlan,
	}
	if strings.EqualFold(cfg.ICETransportPolicy, "relay") {
		out.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	switch strings.ToLower(cfg.BundlePolicy) {
	case "max-compat":
		out.BundlePolicy = webrtc.BundlePolicyMaxCompat
	case "max-bundle":
		out.BundlePolicy = webrtc.BundlePolicyMaxBundle
	}
	if strings.EqualFold(cfg.RTCPMuxPolicy, "negotiate") {
		out.RTCPMuxPolicy = webrtc.RTCPMuxPolicyNegotiate
	}
	return out
}
