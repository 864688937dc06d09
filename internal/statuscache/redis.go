package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mediajobs/internal/domain"
)

const (
	DefaultTTL = 30 * time.Minute
	keyPrefix  = "status:"
)

// FastStore is the first cache tier.
type FastStore interface {
	Get(ctx context.Context, jobID string) (*domain.StatusProjection, error)
	// Set never replaces a terminal projection with a non-terminal one.
	Set(ctx context.Context, p *domain.StatusProjection) error
	// SetIfAbsent never overwrites a newer entry written by the update path.
	SetIfAbsent(ctx context.Context, p *domain.StatusProjection) error
}

// setForward writes ARGV[1] unless the stored projection is terminal and
// the incoming one (ARGV[3] == "0") is not. Returns 1 when written.
var setForward = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and ARGV[3] == '0' then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and (doc.status == 'completed' or doc.status == 'failed') then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisStore keeps projections as JSON under status:{jobId}.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func Key(jobID string) string {
	return keyPrefix + jobID
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*domain.StatusProjection, error) {
	raw, err := s.rdb.Get(ctx, Key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("status %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("statuscache: get %s: %w", jobID, err)
	}
	var p domain.StatusProjection
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("statuscache: decode %s: %w", jobID, err)
	}
	return &p, nil
}

func (s *RedisStore) Set(ctx context.Context, p *domain.StatusProjection) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("statuscache: encode %s: %w", p.JobID, err)
	}
	terminal := "0"
	if p.Status.IsTerminal() {
		terminal = "1"
	}
	if err := setForward.Run(ctx, s.rdb, []string{Key(p.JobID)}, raw, s.ttl.Milliseconds(), terminal).Err(); err != nil {
		return fmt.Errorf("statuscache: set %s: %w", p.JobID, err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, p *domain.StatusProjection) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("statuscache: encode %s: %w", p.JobID, err)
	}
	if err := s.rdb.SetNX(ctx, Key(p.JobID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("statuscache: setnx %s: %w", p.JobID, err)
	}
	return nil
}
