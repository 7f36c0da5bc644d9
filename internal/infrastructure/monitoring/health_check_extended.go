package monitoring

import (
	"context"
	"time"

	"castrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddPresenceCheck verifies the presence store answers a room listing.
func (h *HealthChecker) AddPresenceCheck(repo ports.PresenceRepository, interval, timeout time.Duration) {
	h.AddCheck("presence", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListRooms(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
