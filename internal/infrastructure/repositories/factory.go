package repositories

import (
	"context"

	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/repositories/memory"
	redisrepo "castrelay/internal/infrastructure/repositories/redis"
	"castrelay/pkg/circuitbreaker"
	"castrelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis when it is enabled and reachable and falls
// back to memory otherwise.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.Options{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory presence store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	if factory.useRedis {
		logger.Infow("using Redis presence store", "prefix", cfg.Redis.KeyPrefix)
	} else {
		logger.Info("using memory presence store")
	}

	return factory
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// CreatePresenceRepository guards the Redis store with a circuit breaker and
// a read cache. The memory store is returned as is.
func (f *RepositoryFactory) CreatePresenceRepository() ports.PresenceRepository {
	if f.UsesRedis() {
		repo := redisrepo.NewPresenceRepository(f.redisClient, f.cfg.Redis.KeyPrefix, f.cfg.Redis.RoomTTL)
		breaker := circuitbreaker.DefaultConfig()
		breaker.FailureThreshold = f.cfg.Redis.BreakerThreshold
		breaker.OpenTimeout = f.cfg.Redis.BreakerTimeout
		return NewGuardedPresenceRepository(repo, breaker, f.cfg.Redis.CacheTTL, f.logger)
	}
	return memory.NewPresenceRepository()
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
