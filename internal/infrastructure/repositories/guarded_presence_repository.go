package repositories

import (
	"context"
	"errors"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/cache"
	"castrelay/pkg/circuitbreaker"

	"go.uber.org/zap"
)

const listKey = "*"

// GuardedPresenceRepository puts a circuit breaker in front of a remote
// presence store and serves reads from a short lived cache. While the
// breaker is open calls fail fast with circuitbreaker.ErrOpen.
type GuardedPresenceRepository struct {
	inner   ports.PresenceRepository
	breaker *circuitbreaker.CircuitBreaker
	rooms   *cache.Cache[domain.RoomID, domain.RoomSnapshot]
	lists   *cache.Cache[string, []domain.RoomSnapshot]
}

func NewGuardedPresenceRepository(inner ports.PresenceRepository, cfg circuitbreaker.Config, cacheTTL time.Duration, logger *zap.SugaredLogger) *GuardedPresenceRepository {
	cfg.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrRoomNotFound) && !errors.Is(err, context.Canceled)
	}
	breaker := circuitbreaker.New(cfg)
	if logger != nil {
		breaker.OnStateChange(func(from, to circuitbreaker.State) {
			logger.Warnw("presence store circuit breaker changed state", "from", from.String(), "to", to.String())
		})
	}
	return &GuardedPresenceRepository{
		inner:   inner,
		breaker: breaker,
		rooms:   cache.New[domain.RoomID, domain.RoomSnapshot](cacheTTL),
		lists:   cache.New[string, []domain.RoomSnapshot](cacheTTL),
	}
}

func (r *GuardedPresenceRepository) Breaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

func (r *GuardedPresenceRepository) SaveRoom(ctx context.Context, snapshot domain.RoomSnapshot) error {
	r.rooms.Delete(snapshot.RoomID)
	r.lists.Delete(listKey)
	return r.breaker.Execute(func() error {
		return r.inner.SaveRoom(ctx, snapshot)
	})
}

func (r *GuardedPresenceRepository) DeleteRoom(ctx context.Context, roomID domain.RoomID) error {
	r.rooms.Delete(roomID)
	r.lists.Delete(listKey)
	return r.breaker.Execute(func() error {
		return r.inner.DeleteRoom(ctx, roomID)
	})
}

func (r *GuardedPresenceRepository) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error) {
	snap, err := r.rooms.GetOrLoad(ctx, roomID, func(ctx context.Context) (domain.RoomSnapshot, error) {
		s, err := circuitbreaker.Do(r.breaker, func() (*domain.RoomSnapshot, error) {
			return r.inner.GetRoom(ctx, roomID)
		})
		if err != nil {
			return domain.RoomSnapshot{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *GuardedPresenceRepository) ListRooms(ctx context.Context) ([]domain.RoomSnapshot, error) {
	return r.lists.GetOrLoad(ctx, listKey, func(ctx context.Context) ([]domain.RoomSnapshot, error) {
		return circuitbreaker.Do(r.breaker, func() ([]domain.RoomSnapshot, error) {
			return r.inner.ListRooms(ctx)
		})
	})
}
