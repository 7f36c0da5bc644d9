package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"castrelay/internal/core/domain"
	rlog "castrelay/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string

	// zero MessagesPerSecond disables per-connection limiting
	MessagesPerSecond float64
	Burst             int
	// zero means unlimited
	MaxConnections int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// WebSocketServer owns the transport: it upgrades HTTP requests, runs one
// reader and one writer per connection and hands decoded envelopes to the
// relay.
type WebSocketServer struct {
	relay    *Relay
	cfg      ServerConfig
	upgrader websocket.Upgrader
	slots    chan struct{}
	logger   *zap.SugaredLogger
}

func NewWebSocketServer(relay *Relay, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	s := &WebSocketServer{
		relay:  relay,
		cfg:    cfg,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warnw("websocket origin rejected", "origin", origin)
	return false
}

func (s *WebSocketServer) newLimiter() *rate.Limiter {
	if s.cfg.MessagesPerSecond <= 0 {
		return nil
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = int(s.cfg.MessagesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
}

// HandleWebSocket serves one connection until it closes. Cleanup runs in the
// handler goroutine as soon as the reader stops.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	client := NewClient(domain.ConnID(uuid.NewString()), s.cfg.SendBuffer, s.newLimiter())

	ctx, cancel := context.WithCancel(rlog.WithConnID(context.Background(), string(client.ID())))
	defer cancel()

	s.relay.Attach(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn, client)
	}()

	s.readPump(ctx, conn, client)

	s.relay.Detach(ctx, client)
	<-writerDone
}

func (s *WebSocketServer) readPump(ctx context.Context, conn *websocket.Conn, client *Client) {
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("websocket read error", "conn_id", client.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if client.Closed() {
			return
		}
		if !client.Allow() {
			s.relay.DropRateLimited(client)
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			if err == nil {
				err = errMissingType
			}
			s.relay.DropMalformed(client, err)
			continue
		}

		_ = s.relay.Dispatch(ctx, client, env)
	}
}

func (s *WebSocketServer) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugw("websocket write failed", "conn_id", client.ID(), "error", err)
				client.Close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}

		case <-client.Done():
			s.drain(conn, client)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// drain flushes frames queued before the client was closed, such as the
// reply to leave-stream.
func (s *WebSocketServer) drain(conn *websocket.Conn, client *Client) {
	for {
		select {
		case data := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// HealthCheck reports the number of open signaling connections.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.relay.ConnectionCount(),
	})
}
