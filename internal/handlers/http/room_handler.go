package http

import (
	"net/http"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler serves the read-only REST surface next to the signaling
// socket. Errors are attached with c.Error and rendered by the error
// middleware.
type RoomHandler struct {
	registry ports.SessionRegistry
	presence ports.PresenceRepository
	quality  ports.QualityService
	rtc      ports.RTCConfigProvider
}

func NewRoomHandler(
	registry ports.SessionRegistry,
	presence ports.PresenceRepository,
	quality ports.QualityService,
	rtc ports.RTCConfigProvider,
) *RoomHandler {
	return &RoomHandler{
		registry: registry,
		presence: presence,
		quality:  quality,
		rtc:      rtc,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.GET("/rtc-config", h.GetRTCConfig)
		api.GET("/qualities", h.ListQualities)
		api.GET("/stats", h.GetStats)
	}
}

// ListRooms returns this node's rooms, or the shared presence view with
// ?source=presence.
func (h *RoomHandler) ListRooms(c *gin.Context) {
	var rooms []domain.RoomSnapshot
	source := c.DefaultQuery("source", "local")

	switch source {
	case "local":
		rooms = h.registry.ListRooms()
	case "presence":
		if h.presence == nil {
			_ = c.Error(apperrors.NewServiceUnavailableError("presence store not configured"))
			return
		}
		var err error
		rooms, err = h.presence.ListRooms(c.Request.Context())
		if err != nil {
			_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
				"presence store unavailable", http.StatusServiceUnavailable))
			return
		}
	default:
		_ = c.Error(apperrors.NewInvalidInputError("source must be local or presence"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms":  rooms,
		"count":  len(rooms),
		"source": source,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
		return
	}

	snapshot, ok := h.registry.LookupRoom(domain.RoomID(roomID))
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("room"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room":        snapshot,
		"viewerCount": snapshot.ViewerCount(),
	})
}

func (h *RoomHandler) GetRTCConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.rtc.RTCConfig())
}

func (h *RoomHandler) ListQualities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"qualities": h.quality.Tiers(),
	})
}

func (h *RoomHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Stats())
}
