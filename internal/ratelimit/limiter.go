// Package ratelimit counts submissions per user in fixed windows stored in
// redis. A burst straddling a window boundary may admit up to twice the
// limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
)

// Counter is the subset of redis the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisCounter struct {
	rdb redis.Cmdable
}

// NewRedisCounter adapts a go-redis client to Counter.
func NewRedisCounter(rdb redis.Cmdable) Counter {
	return redisCounter{rdb: rdb}
}

func (c redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c redisCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

type Options struct {
	Limit  int64
	Window time.Duration
	// FailOpen admits requests when the counter store is unreachable.
	FailOpen bool
	Logger   *zerolog.Logger
	Now      func() time.Time
}

type Limiter struct {
	counter  Counter
	limit    int64
	window   time.Duration
	failOpen bool
	logger   zerolog.Logger
	now      func() time.Time
}

// Decision is the outcome of one admission check.
type Decision struct {
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

func (d Decision) Allowed() bool {
	return d.Count <= d.Limit
}

func New(counter Counter, opts Options) *Limiter {
	l := &Limiter{
		counter:  counter,
		limit:    opts.Limit,
		window:   opts.Window,
		failOpen: opts.FailOpen,
		logger:   zerolog.Nop(),
		now:      opts.Now,
	}
	if l.limit <= 0 {
		l.limit = 10
	}
	if l.window <= 0 {
		l.window = time.Minute
	}
	if opts.Logger != nil {
		l.logger = *opts.Logger
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

func (l *Limiter) windowStart(now time.Time) time.Time {
	return now.Truncate(l.window)
}

func (l *Limiter) key(userID string, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", userID, start.Unix())
}

// CheckAndIncrement increments the caller's counter for the current window
// and returns the new count. The expiry is set only on the first increment.
// With FailOpen a store error yields a zero count and no error.
func (l *Limiter) CheckAndIncrement(ctx context.Context, userID string) (int64, error) {
	start := l.windowStart(l.now())
	key := l.key(userID, start)

	count, err := l.counter.Incr(ctx, key)
	if err != nil {
		if l.failOpen {
			l.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limiter unavailable, failing open")
			return 0, nil
		}
		return 0, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if count == 1 {
		if err := l.counter.Expire(ctx, key, l.window); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("rate limiter expire failed")
		}
	}
	return count, nil
}

// Allow checks the caller against the limit. A denied decision is returned
// together with a *domain.RateLimitError.
func (l *Limiter) Allow(ctx context.Context, userID string) (Decision, error) {
	now := l.now()
	count, err := l.CheckAndIncrement(ctx, userID)
	if err != nil {
		return Decision{Limit: l.limit}, err
	}
	d := Decision{
		Count:      count,
		Limit:      l.limit,
		RetryAfter: l.windowStart(now).Add(l.window).Sub(now),
	}
	if !d.Allowed() {
		return d, &domain.RateLimitError{Limit: d.Limit, Count: d.Count, RetryAfter: d.RetryAfter}
	}
	return d, nil
}
