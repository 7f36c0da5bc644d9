package services

import (
	"castrelay/internal/core/domain"
	"castrelay/pkg/config"
)

// RTCConfigService serves the ICE configuration clients use to build their
// peer connections. The value is fixed for the lifetime of the process.
type RTCConfigService struct {
	rtc domain.RTCConfig
}

func NewRTCConfigService(cfg *config.Config) *RTCConfigService {
	servers := make([]domain.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, domain.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &RTCConfigService{
		rtc: domain.RTCConfig{
			ICEServers:           servers,
			ICETransportPolicy:   cfg.WebRTC.ICETransportPolicy,
			BundlePolicy:         cfg.WebRTC.BundlePolicy,
			RTCPMuxPolicy:        cfg.WebRTC.RTCPMuxPolicy,
			ICECandidatePoolSize: cfg.WebRTC.ICECandidatePoolSize,
		},
	}
}

// RTCConfig returns a copy so callers cannot mutate the shared servers slice.
func (s *RTCConfigService) RTCConfig() domain.RTCConfig {
	out := s.rtc
	out.ICEServers = make([]domain.ICEServer, len(s.rtc.ICEServers))
	copy(out.ICEServers, s.rtc.ICEServers)
	return out
}
