package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"castrelay/internal/core/domain"
	"castrelay/internal/peer"
	"castrelay/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serverURL string
	roomID    string
	username  string
	logLevel  string
	portMin   uint16
	portMax   uint16
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Broadcast to or watch a castrelay room",
	Long: `peer is a headless WebRTC client for the castrelay signaling relay.

It joins a room as the broadcaster, publishing RTP received on a local UDP
port, or as a viewer, receiving the broadcaster's media.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "ws://localhost:8080/ws", "signaling websocket URL")
	rootCmd.PersistentFlags().StringVar(&roomID, "room", "", "room (stream) id to join")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "display name for chat")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Uint16Var(&portMin, "port-min", 0, "lowest UDP port for ICE")
	rootCmd.PersistentFlags().Uint16Var(&portMax, "port-max", 0, "highest UDP port for ICE")

	rootCmd.AddCommand(broadcastCmd, watchCmd, roomsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session bundles what both subcommands need to talk to the relay.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.SugaredLogger
	client *peer.SignalClient
	opts   peer.Options
}

func newSession() (*session, error) {
	if roomID == "" {
		return nil, fmt.Errorf("--room is required")
	}
	factory, err := peer.NewPionFactory(peer.PortRange{Min: portMin, Max: portMax})
	if err != nil {
		return nil, fmt.Errorf("--port-min/--port-max: %w", err)
	}
	zapLogger := logger.New(logLevel, "console")
	log := zapLogger.Sugar().With("room_id", roomID)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &session{
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		client: peer.NewSignalClient(peer.DefaultSignalClientConfig(serverURL), log),
		opts: peer.Options{
			RoomID:  domain.RoomID(roomID),
			Factory: factory,
			Logger:  log,
			OnPhase: func(p domain.Phase) { log.Infow("session phase", "phase", p) },
			OnChat: func(m domain.ChatOutbound) {
				fmt.Printf("[%s] %s\n", m.SenderName, m.Message)
			},
		},
	}, nil
}

// announce wraps a role announcement with the optional username binding.
func (s *session) announce(announce func(context.Context) error, setUsername func(string) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := announce(ctx); err != nil {
			return err
		}
		if username != "" {
			return setUsername(username)
		}
		return nil
	}
}
