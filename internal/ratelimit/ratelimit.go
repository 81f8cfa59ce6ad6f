// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier names a rate class; limits are RequestsPerMin requests per Window.
type Tier struct {
	Name           string
	RequestsPerMin int
	Window         time.Duration
}

var defaultTiers = map[string]Tier{
	"standard": {Name: "standard", RequestsPerMin: 60, Window: time.Minute},
	"elevated": {Name: "elevated", RequestsPerMin: 300, Window: time.Minute},
}

// Limiter gates admission per credential key_id. When a Redis client is
// configured it uses a fixed-window INCR+EXPIRE counter shared across
// processes; otherwise it falls back to a per-process token bucket.
type Limiter struct {
	rdb   *redis.Client
	tiers map[string]Tier

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, tiers: defaultTiers, buckets: make(map[string]*bucket)}
}

// Allow reports whether keyID may proceed under rateTier, consuming one
// unit of quota if so.
func (l *Limiter) Allow(ctx context.Context, keyID, rateTier string) (bool, error) {
	tier, ok := l.tiers[rateTier]
	if !ok {
		tier = l.tiers["standard"]
	}
	if l.rdb != nil {
		return l.allowRedis(ctx, keyID, tier)
	}
	return l.allowTokenBucket(keyID, tier), nil
}

func (l *Limiter) allowRedis(ctx context.Context, keyID string, tier Tier) (bool, error) {
	windowKey := fmt.Sprintf("ratelimit:%s:%d", keyID, time.Now().Unix()/int64(tier.Window.Seconds()))
	count, err := l.rdb.Incr(ctx, windowKey).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		l.rdb.Expire(ctx, windowKey, tier.Window)
	}
	return count <= int64(tier.RequestsPerMin), nil
}

func (l *Limiter) allowTokenBucket(keyID string, tier Tier) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[keyID]
	if !ok {
		b = &bucket{tokens: float64(tier.RequestsPerMin), capacity: float64(tier.RequestsPerMin),
			refillRate: float64(tier.RequestsPerMin) / tier.Window.Seconds(), lastRefill: time.Now()}
		l.buckets[keyID] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = minFloat(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
