package main

import (
	"bufio"
	"os"
	"sync/atomic"
	"time"

	"castrelay/internal/peer"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
)

var (
	watchQuality string
	pliInterval  time.Duration
	chatInput    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join the room as a viewer and report received media",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchQuality, "quality", "", "quality preference sent to the broadcaster")
	watchCmd.Flags().DurationVar(&pliInterval, "pli-interval", 3*time.Second, "keyframe request interval, 0 disables")
	watchCmd.Flags().BoolVar(&chatInput, "chat", false, "send lines read from stdin as chat messages")
}

type mediaStats struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.cancel()

	stats := &mediaStats{}
	v := peer.NewViewer(s.client, peer.ViewerOptions{
		Options:     s.opts,
		Quality:     watchQuality,
		PLIInterval: pliInterval,
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go consume(s, track, stats)
		},
	})

	s.client.OnConnect(s.announce(v.Announce, v.SetUsername))
	go reportStats(s, stats)
	if chatInput {
		go readChat(s, v)
	}

	runErr := s.client.Run(s.ctx, v.Handle)
	if err := v.Close(); err != nil {
		s.log.Warnw("failed to leave room", "error", err)
	}
	return runErr
}

func consume(s *session, track *webrtc.TrackRemote, stats *mediaStats) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.log.Infow("remote track ended", "ssrc", track.SSRC(), "error", err)
			return
		}
		stats.packets.Add(1)
		stats.bytes.Add(uint64(len(pkt.Payload)))
	}
}

func reportStats(s *session, stats *mediaStats) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.log.Infow("media stats", "packets", stats.packets.Load(), "payload_bytes", stats.bytes.Load())
		}
	}
}

func readChat(s *session, v *peer.Viewer) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := v.SendChat(line); err != nil {
			s.log.Warnw("failed to send chat message", "error", err)
		}
	}
}
