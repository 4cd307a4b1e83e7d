package repositories

import (
	"context"

	"opsdeck/internal/core/ports"
	"opsdeck/internal/infrastructure/repositories/memory"
	redisrepo "opsdeck/internal/infrastructure/repositories/redis"
	"opsdeck/pkg/circuitbreaker"
	"opsdeck/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis        bool
	redisClient     *redis.Client
	historyCapacity int
	logger          *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:        cfg.Redis.Enabled,
		historyCapacity: cfg.Dashboard.HistoryCapacity,
		logger:          logger,
	}

	// Try to connect to Redis if enabled
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

// CreateHistoryRepository creates a history repository (Redis or memory with
// fallback). The Redis-backed variant goes through a circuit breaker so an
// outage degrades to fast errors instead of per-publish timeouts.
func (f *RepositoryFactory) CreateHistoryRepository() ports.HistoryRepository {
	if f.useRedis && f.redisClient != nil {
		inner := redisrepo.NewRedisHistoryRepository(f.redisClient, f.historyCapacity)
		return NewGuardedHistoryRepository(inner, circuitbreaker.DefaultConfig(), f.logger)
	}
	return memory.NewMemoryHistoryRepository(f.historyCapacity)
}

// CreateResultBuffer creates a result buffer (Redis or memory with fallback)
func (f *RepositoryFactory) CreateResultBuffer() ports.ResultBuffer {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisResultBuffer(f.redisClient)
	}
	return memory.NewMemoryResultBuffer()
}

// Client exposes the Redis client for health checks, nil when memory-backed.
func (f *RepositoryFactory) Client() *redis.Client {
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
