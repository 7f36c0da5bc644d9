package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "castrelay/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/rooms", func(w http.ResponseWriter, r *http.Request) {
		source := r.URL.Query().Get("source")
		if source == "" {
			source = "local"
		}
		if source == "presence" {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"SERVICE_UNAVAILABLE","message":"presence store unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"rooms":[{"roomId":"r1","broadcasterId":"b1","viewerIds":["v1","v2"],"active":true}],"count":1,"source":"` + source + `"}`))
	})
	mux.HandleFunc("/api/v1/rooms/r1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"room":{"roomId":"r1","viewerIds":["v1"]},"viewerCount":1}`))
	})
	mux.HandleFunc("/api/v1/rooms/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"NOT_FOUND","message":"room not found"}`))
	})
	mux.HandleFunc("/api/v1/rtc-config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"iceServers":[{"urls":["stun:stun.example.com:3478"]}],"iceTransportPolicy":"all","bundlePolicy":"balanced","rtcpMuxPolicy":"require","iceCandidatePoolSize":0}`))
	})
	mux.HandleFunc("/api/v1/qualities", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"qualities":[{"name":"high","width":1280,"height":720,"frameRate":30,"maxBitrate":2500}]}`))
	})
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rooms":2,"activeRooms":1,"broadcasters":1,"viewers":3}`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream failed"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ListRooms(t *testing.T) {
	c := New(newServer(t).URL + "/")
	ctx := context.Background()

	list, err := c.ListRooms(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, list.Source)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, 2, list.Rooms[0].ViewerCount())

	_, err = c.ListRooms(ctx, SourcePresence)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable))
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.HTTPStatus)
}

func TestClient_GetRoom(t *testing.T) {
	c := New(newServer(t).URL)
	ctx := context.Background()

	room, err := c.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, room.ViewerCount)

	_, err = c.GetRoom(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestClient_ConfigQualitiesStats(t *testing.T) {
	c := New(newServer(t).URL)
	ctx := context.Background()

	cfg, err := c.RTCConfig(ctx)
	require.NoError(t, err)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, "balanced", cfg.BundlePolicy)

	tiers, err := c.Qualities(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, "1280x720", tiers[0].Resolution())

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Viewers)
	assert.Equal(t, 1, stats.ActiveRooms)
}

func TestClient_NonJSONError(t *testing.T) {
	c := New(newServer(t).URL)
	err := c.get(context.Background(), "/broken", &struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Nil(t, apperrors.GetAppError(err))
}
