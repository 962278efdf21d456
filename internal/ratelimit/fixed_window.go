// Package ratelimit caps job submissions per caller with Redis counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "bitmapmanipulator:ratelimit"

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// counter increments key and makes it expire after ttl.
type counter interface {
	incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type redisCounter struct {
	client redis.UniversalClient
}

func (c redisCounter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	n := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return n.Val(), nil
}

// FixedWindow allows limit requests per subject in each aligned window.
type FixedWindow struct {
	counter   counter
	limit     int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisFixedWindow(client redis.UniversalClient, limit int, window time.Duration, keyPrefix string) (*FixedWindow, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return newFixedWindow(redisCounter{client: client}, limit, window, keyPrefix)
}

func newFixedWindow(c counter, limit int, window time.Duration, keyPrefix string) (*FixedWindow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms, got %s", window)
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &FixedWindow{
		counter:   c,
		limit:     int64(limit),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *FixedWindow) Allow(ctx context.Context, subject string) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	now := l.now().UTC()
	start := now.Truncate(l.window)
	key := fmt.Sprintf("%s:%s:%d", l.keyPrefix, subject, start.UnixMilli())

	count, err := l.counter.incr(ctx, key, l.window+time.Second)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate counter: %w", err)
	}

	if count <= l.limit {
		return Decision{Allowed: true, Remaining: l.limit - count}, nil
	}
	return Decision{RetryAfter: start.Add(l.window).Sub(now)}, nil
}
