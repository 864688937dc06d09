// Package statuscache answers status queries through three tiers: redis,
// the tracking table and finally the job store of record. Lower-tier hits
// are written back to the tiers above them.
package statuscache

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mediajobs/internal/domain"
)

// Tier names a cache level for observers.
type Tier string

const (
	TierFast     Tier = "redis"
	TierTracking Tier = "tracking"
	TierStore    Tier = "store"
)

// Observer receives hit and miss events. It never affects control flow.
type Observer interface {
	Hit(tier Tier)
	Miss(tier Tier)
}

type logObserver struct {
	logger zerolog.Logger
}

func (o logObserver) Hit(tier Tier)  { o.logger.Debug().Str("tier", string(tier)).Msg("status cache hit") }
func (o logObserver) Miss(tier Tier) { o.logger.Debug().Str("tier", string(tier)).Msg("status cache miss") }

// JobReader is the part of the job store the cache reads from.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
}

type Options struct {
	Logger   *zerolog.Logger
	Observer Observer
}

type Cache struct {
	fast     FastStore
	tracking domain.TrackingRepository
	jobs     JobReader
	logger   zerolog.Logger
	observer Observer
}

func New(fast FastStore, tracking domain.TrackingRepository, jobs JobReader, opts Options) *Cache {
	c := &Cache{fast: fast, tracking: tracking, jobs: jobs, logger: zerolog.Nop()}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	}
	c.observer = opts.Observer
	if c.observer == nil {
		c.observer = logObserver{logger: c.logger}
	}
	return c
}

// ReadStatus returns the freshest projection reachable. Tier errors other
// than a miss are logged and the lookup falls through to the next tier.
func (c *Cache) ReadStatus(ctx context.Context, jobID string) (*domain.StatusProjection, error) {
	if p, err := c.fast.Get(ctx, jobID); err == nil {
		c.observer.Hit(TierFast)
		return p, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("status cache: redis read failed")
	}
	c.observer.Miss(TierFast)

	if p, err := c.tracking.GetByJobID(ctx, jobID); err == nil {
		c.observer.Hit(TierTracking)
		if err := c.fast.SetIfAbsent(ctx, p); err != nil {
			c.logger.Warn().Err(err).Str("job_id", jobID).Msg("status cache: redis backfill failed")
		}
		return p, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("status cache: tracking read failed")
	}
	c.observer.Miss(TierTracking)

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.observer.Miss(TierStore)
			return nil, fmt.Errorf("status %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("statuscache: read store: %w", err)
	}
	c.observer.Hit(TierStore)
	p := job.Projection()
	c.backfill(ctx, p)
	return p, nil
}

// backfill populates both upper tiers concurrently. Failures are logged only.
func (c *Cache) backfill(ctx context.Context, p *domain.StatusProjection) {
	var g errgroup.Group
	g.Go(func() error {
		if err := c.fast.SetIfAbsent(ctx, p); err != nil {
			c.logger.Warn().Err(err).Str("job_id", p.JobID).Msg("status cache: redis backfill failed")
		}
		return nil
	})
	g.Go(func() error {
		if err := c.tracking.Put(ctx, p); err != nil {
			c.logger.Warn().Err(err).Str("job_id", p.JobID).Msg("status cache: tracking backfill failed")
		}
		return nil
	})
	_ = g.Wait()
}

// Write mirrors an authoritative update into both tiers. The returned error
// joins every tier failure; callers treat it as non-fatal.
func (c *Cache) Write(ctx context.Context, p *domain.StatusProjection) error {
	if p == nil {
		return nil
	}
	var fastErr, trackErr error
	var g errgroup.Group
	g.Go(func() error {
		fastErr = c.fast.Set(ctx, p)
		return nil
	})
	g.Go(func() error {
		trackErr = c.tracking.Put(ctx, p)
		return nil
	})
	_ = g.Wait()
	err := errors.Join(fastErr, trackErr)
	if err != nil {
		c.logger.Warn().Err(err).Str("job_id", p.JobID).Str("status", string(p.Status)).Msg("status cache write failed")
	}
	return err
}
