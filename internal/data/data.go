// Package data provides data access layer implementations.
// It handles database connections, Redis coordination state and data
// persistence for the detection engine.
package data

import (
	"MailSentry/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewMySQLClient,
	NewAccountRepo,
	NewBillingRepo,
	NewMessageRepo,
	NewCircuitBreakerRepo,
	NewDetectionCacheRepo,
	NewQuotaRepo,
	NewSchedulerHealthRepo,
	NewLogNotifier,
)

// Data contains shared data layer dependencies.
type Data struct {
	redisClient *redis.Client
	cache       CacheClient
}

// NewData creates a new Data instance. Redis connection failure does not
// prevent application startup (graceful degradation).
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, cross-process coordination will be degraded")
	}

	d := &Data{
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}
