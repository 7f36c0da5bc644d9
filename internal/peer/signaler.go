package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Signaler sends envelopes to the relay.
type Signaler interface {
	Send(env domain.Envelope) error
}

// Handler consumes one envelope from the relay. A returned error ends Run.
type Handler func(ctx context.Context, env domain.Envelope) error

var ErrNotConnected = errors.New("signaling connection is not open")

type SignalClientConfig struct {
	URL          string
	WriteTimeout time.Duration
	// Reconnect controls both the dial retries and the pause between
	// sessions. Disabled means Run returns on the first disconnect.
	Reconnect retry.Config
}

func DefaultSignalClientConfig(url string) SignalClientConfig {
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = 5
	reconnect.InitialDelay = 500 * time.Millisecond
	reconnect.MaxDelay = 10 * time.Second
	return SignalClientConfig{
		URL:          url,
		WriteTimeout: 10 * time.Second,
		Reconnect:    reconnect,
	}
}

// SignalClient is the peer side of the relay websocket. After every
// (re)connect the OnConnect hook runs so the peer can announce its role
// again; the relay keeps no state across connections.
type SignalClient struct {
	cfg    SignalClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu        sync.Mutex
	conn      *websocket.Conn
	onConnect func(ctx context.Context) error
}

func NewSignalClient(cfg SignalClientConfig, logger *zap.SugaredLogger) *SignalClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &SignalClient{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// OnConnect registers the hook run after each successful dial.
func (c *SignalClient) OnConnect(f func(ctx context.Context) error) {
	c.mu.Lock()
	c.onConnect = f
	c.mu.Unlock()
}

// Send writes env as one text frame. Writes are serialized.
func (c *SignalClient) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// Run connects and feeds every inbound envelope to handle until ctx is done,
// handle fails, or reconnecting gives up.
func (c *SignalClient) Run(ctx context.Context, handle Handler) error {
	attempt := 0
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}

		if err := c.runHook(ctx); err != nil {
			c.closeConn()
			return err
		}

		err = c.readLoop(ctx, conn, handle)
		c.closeConn()

		var handlerErr *handlerError
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.As(err, &handlerErr):
			return handlerErr.err
		case !c.cfg.Reconnect.Enabled:
			return err
		}

		delay := retry.Backoff(c.cfg.Reconnect, attempt)
		attempt++
		c.logger.Warnw("signaling connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *SignalClient) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, err := retry.Do(ctx, c.cfg.Reconnect, func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Infow("signaling connected", "url", c.cfg.URL)
	return conn, nil
}

func (c *SignalClient) runHook(ctx context.Context) error {
	c.mu.Lock()
	hook := c.onConnect
	c.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }

func (c *SignalClient) readLoop(ctx context.Context, conn *websocket.Conn, handle Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if err := handle(ctx, env); err != nil {
			return &handlerError{err: err}
		}
	}
}

func (c *SignalClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
	c.conn = nil
}
