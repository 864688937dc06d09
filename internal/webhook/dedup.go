package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DedupTTL    = 24 * time.Hour
	dedupPrefix = "webhook:processed:"
)

// Deduper records processed event ids.
type Deduper interface {
	// MarkIfAbsent atomically records eventID and reports whether it was new.
	MarkIfAbsent(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	// Release forgets eventID so a redelivery is processed again.
	Release(ctx context.Context, eventID string) error
}

// RedisDeduper stores markers with SET NX.
type RedisDeduper struct {
	rdb redis.Cmdable
}

func NewRedisDeduper(rdb redis.Cmdable) *RedisDeduper {
	return &RedisDeduper{rdb: rdb}
}

func DedupKey(eventID string) string {
	return dedupPrefix + eventID
}

func (d *RedisDeduper) MarkIfAbsent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, DedupKey(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("webhook: set dedup marker %s: %w", eventID, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.rdb.Del(ctx, DedupKey(eventID)).Err(); err != nil {
		return fmt.Errorf("webhook: release dedup marker %s: %w", eventID, err)
	}
	return nil
}
