package peer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"castrelay/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRelay answers the first frame of every connection with a joined
// event and drops the first connection right after.
func flakyRelay(t *testing.T, connects *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := connects.Add(1)

		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		room, _ := env.AnnouncedRoom()
		joined, _ := domain.NewEnvelope(domain.EventJoined, room, domain.JoinedPayload{
			StreamID: room, Role: domain.Role(env.Type), Broadcasting: n > 1,
		})
		if err := conn.WriteJSON(joined); err != nil {
			return
		}
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testSignalConfig(srv *httptest.Server) SignalClientConfig {
	cfg := DefaultSignalClientConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.Reconnect.InitialDelay = 5 * time.Millisecond
	cfg.Reconnect.MaxDelay = 20 * time.Millisecond
	cfg.Reconnect.Jitter = false
	return cfg
}

func TestSignalClient_ReconnectsAndReannounces(t *testing.T) {
	var connects atomic.Int32
	srv := flakyRelay(t, &connects)
	client := NewSignalClient(testSignalConfig(srv), nil)

	var hooks atomic.Int32
	client.OnConnect(func(ctx context.Context) error {
		hooks.Add(1)
		env, err := domain.NewEnvelope(domain.EventViewer, "", "r1")
		if err != nil {
			return err
		}
		return client.Send(env)
	})

	errDone := errors.New("done")
	var received []domain.JoinedPayload
	handle := func(ctx context.Context, env domain.Envelope) error {
		var p domain.JoinedPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		received = append(received, p)
		if p.Broadcasting {
			return errDone
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Run(ctx, handle)
	require.ErrorIs(t, err, errDone)
	assert.Equal(t, int32(2), hooks.Load())
	assert.Equal(t, int32(2), connects.Load())
	require.Len(t, received, 2)
	assert.Equal(t, domain.RoomID("r1"), received[0].StreamID)
	assert.Equal(t, domain.RoleViewer, received[1].Role)
}

func TestSignalClient_StopsOnContextCancel(t *testing.T) {
	var connects atomic.Int32
	srv := flakyRelay(t, &connects)
	client := NewSignalClient(testSignalConfig(srv), nil)
	client.OnConnect(func(ctx context.Context) error {
		env, _ := domain.NewEnvelope(domain.EventStreamer, "", "r1")
		return client.Send(env)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(context.Context, domain.Envelope) error { return nil })
	}()

	require.Eventually(t, func() bool { return connects.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSignalClient_DialFailureGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := testSignalConfig(srv)
	cfg.Reconnect.MaxAttempts = 1
	client := NewSignalClient(cfg, nil)

	err := client.Run(context.Background(), func(context.Context, domain.Envelope) error { return nil })
	assert.Error(t, err)
	srv.Close()
}

func TestSignalClient_SendWithoutConnection(t *testing.T) {
	client := NewSignalClient(DefaultSignalClientConfig("ws://127.0.0.1:1"), nil)
	env, err := domain.NewEnvelope(domain.EventViewer, "", "r1")
	require.NoError(t, err)
	assert.ErrorIs(t, client.Send(env), ErrNotConnected)
}
