// Copyright 2025 James Ross
package redisclient

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kelsjon3/stablequeue/internal/config"
)

// New returns a configured go-redis client backing the optional
// Redis-based credential rate limiter. Addr empty means the caller
// should fall back to the in-process token bucket instead.
func New(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		PoolSize:        10,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}
