package main

import (
	"errors"
	"io"
	"net"

	"castrelay/internal/core/domain"
	"castrelay/internal/peer"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
)

var (
	rtpListen        string
	broadcastQuality string
	applyPreferences bool
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Publish VP8 RTP from a UDP port to every viewer of the room",
	Long: `broadcast claims the room and forwards VP8 RTP packets read from
--rtp-listen to each viewer, for example from

  ffmpeg -re -i input.mp4 -an -c:v libvpx -f rtp rtp://127.0.0.1:5004`,
	RunE: runBroadcast,
}

func init() {
	broadcastCmd.Flags().StringVar(&rtpListen, "rtp-listen", "127.0.0.1:5004", "UDP address to read VP8 RTP from")
	broadcastCmd.Flags().StringVar(&broadcastQuality, "quality", domain.QualityAuto,
		"advertised quality tier (auto, low, medium, high); RTP passthrough has no encoder, so the tier is recorded and logged only")
	broadcastCmd.Flags().BoolVar(&applyPreferences, "apply-preferences", false,
		"track viewer quality hints as the current tier; recorded and logged only with RTP passthrough")
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.cancel()

	addr, err := net.ResolveUDPAddr("udp", rtpListen)
	if err != nil {
		return err
	}
	listener, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "castrelay")
	if err != nil {
		return err
	}

	b := peer.NewBroadcaster(s.client, peer.BroadcasterOptions{
		Options:          s.opts,
		ApplyPreferences: applyPreferences,
		OnKeyframeRequest: func(viewer domain.ConnID) {
			s.log.Debugw("keyframe requested", "viewer_id", viewer)
		},
	})
	if err := b.AddTrack(s.ctx, track); err != nil {
		return err
	}
	if err := b.SetQuality(broadcastQuality); err != nil {
		return err
	}

	if applyPreferences || broadcastQuality != domain.QualityAuto {
		s.log.Infow("quality tiers are not applied to passthrough RTP, re-encode upstream to change bitrate",
			"quality", b.Quality())
	}

	go forwardRTP(s, listener, track)

	s.client.OnConnect(s.announce(b.Announce, b.SetUsername))
	s.log.Infow("broadcasting", "rtp_listen", listener.LocalAddr().String(), "server", serverURL)

	runErr := s.client.Run(s.ctx, b.Handle)
	if err := b.Close(); err != nil {
		s.log.Warnw("failed to leave room", "error", err)
	}
	return runErr
}

func forwardRTP(s *session, conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warnw("rtp read failed", "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debugw("dropping malformed rtp packet", "error", err)
			continue
		}
		if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.log.Warnw("rtp write failed", "error", err)
			return
		}
	}
}
