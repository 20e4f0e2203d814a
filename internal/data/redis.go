package data

import (
	"context"
	"time"

	"MailSentry/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a Redis client with graceful degradation.
// If Redis is unavailable the application still starts; callers that
// receive a nil client fall back to fail-open behavior.
func NewRedisClient(c *conf.Data, logger log.Logger) *redis.Client {
	helper := log.NewHelper(logger)

	if c.Redis == nil || c.Redis.Addr == "" {
		helper.Warn("Redis not configured, coordination features disabled")
		return nil
	}

	readTimeout := 3 * time.Second
	if c.Redis.ReadTimeout != nil {
		readTimeout = c.Redis.ReadTimeout.AsDuration()
	}
	writeTimeout := 3 * time.Second
	if c.Redis.WriteTimeout != nil {
		writeTimeout = c.Redis.WriteTimeout.AsDuration()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           int(c.Redis.Db),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnf("Redis connection failed, continuing without coordination: %v", err)
		_ = rdb.Close()
		return nil
	}

	helper.Infof("Redis connected: %s", c.Redis.Addr)
	return rdb
}
