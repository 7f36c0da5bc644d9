package signal

import (
	"encoding/json"
	"errors"
	"sync"

	"castrelay/internal/core/domain"

	"golang.org/x/time/rate"
)

// ErrSlowConsumer is returned when a client's send queue is full. The client
// is closed instead of silently losing messages.
var ErrSlowConsumer = errors.New("client send queue is full")

// ErrClientClosed is returned when sending to a closed client.
var ErrClientClosed = errors.New("client is closed")

var errMissingType = errors.New("message type is required")

// Client is one signaling connection as seen by the relay. Outbound frames
// go through a single ordered queue drained by the transport's writer.
type Client struct {
	id      domain.ConnID
	session *domain.Session
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client with a send queue of the given capacity. A nil
// limiter disables per-connection message limiting.
func NewClient(id domain.ConnID, queueSize int, limiter *rate.Limiter) *Client {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Client{
		id:      id,
		session: domain.NewSession(id),
		limiter: limiter,
		send:    make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() domain.ConnID {
	return c.id
}

func (c *Client) Session() *domain.Session {
	return c.session
}

// Outbound exposes the queue to the transport writer.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Allow reports whether another inbound message fits the rate limit.
func (c *Client) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send marshals env and enqueues it.
func (c *Client) Send(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) error {
	if c.Closed() {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.Close()
		return ErrSlowConsumer
	}
}
