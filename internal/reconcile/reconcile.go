// Package reconcile repairs jobs whose terminal webhook never arrived by
// polling the provider for predictions stuck in a non-terminal state. It
// also fails pending jobs whose prediction id was never recorded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/providers/replicate"
	"mediajobs/internal/webhook"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
)

// StaleLister finds jobs that have not changed for a while.
type StaleLister interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
}

// PredictionGetter polls the provider.
type PredictionGetter interface {
	GetPrediction(ctx context.Context, id string) (*replicate.Prediction, error)
}

// EventHandler applies a terminal event; *webhook.Processor satisfies it.
type EventHandler interface {
	Handle(ctx context.Context, eventID string, payload webhook.Payload) (webhook.Outcome, error)
}

// OrphanStore lists and fails pending jobs with no prediction id.
type OrphanStore interface {
	ListOrphaned(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
	Update(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error)
}

type StatusWriter interface {
	Write(ctx context.Context, p *domain.StatusProjection) error
}

type Options struct {
	// Orphans enables failing dispatched-but-unrecorded jobs. Cache, when
	// set, receives their failed projection.
	Orphans OrphanStore
	Cache   StatusWriter

	StaleAfter  time.Duration
	BatchSize   int
	Concurrency int
	Logger      *infra.Logger
	Now         func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Scanned  int
	Applied  int
	Pending  int
	Failed   int
	Orphaned int
}

type Reconciler struct {
	jobs        StaleLister
	orphans     OrphanStore
	cache       StatusWriter
	provider    PredictionGetter
	handler     EventHandler
	staleAfter  time.Duration
	batchSize   int
	concurrency int
	logger      *infra.Logger
	now         func() time.Time
	group       singleflight.Group
}

func New(jobs StaleLister, provider PredictionGetter, handler EventHandler, opts Options) *Reconciler {
	r := &Reconciler{
		jobs:        jobs,
		orphans:     opts.Orphans,
		cache:       opts.Cache,
		provider:    provider,
		handler:     handler,
		staleAfter:  opts.StaleAfter,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 30 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.concurrency <= 0 {
		r.concurrency = defaultConcurrency
	}
	if r.logger == nil {
		r.logger = infra.NopLogger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// EventID is the synthetic dedup id for a reconciled prediction.
func EventID(predictionID, status string) string {
	return "reconcile:" + predictionID + ":" + status
}

// Sweep checks one batch of stale jobs and, when configured, one batch of
// orphaned jobs. Per-job failures are logged and counted; only a failure to
// list jobs is returned.
func (r *Reconciler) Sweep(ctx context.Context) (Result, error) {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.jobs.ListStale(ctx, cutoff, r.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: list stale jobs: %w", err)
	}

	var applied, pending, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range stale {
		job := stale[i]
		g.Go(func() error {
			switch r.reconcileJob(gctx, &job) {
			case stateApplied:
				applied.Add(1)
			case statePending:
				pending.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Scanned: len(stale), Applied: int(applied.Load()), Pending: int(pending.Load()), Failed: int(failed.Load())}
	var orphanErr error
	if r.orphans != nil {
		res.Orphaned, orphanErr = r.failOrphans(ctx, cutoff)
	}
	if res.Scanned > 0 || res.Orphaned > 0 {
		r.logger.Info().
			Int("scanned", res.Scanned).
			Int("applied", res.Applied).
			Int("pending", res.Pending).
			Int("failed", res.Failed).
			Int("orphaned", res.Orphaned).
			Msg("reconcile: sweep finished")
	}
	return res, orphanErr
}

// failOrphans fails pending jobs that never recorded a prediction id. Their
// webhooks cannot be matched, so they would otherwise stay pending forever.
func (r *Reconciler) failOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	orphans, err := r.orphans.ListOrphaned(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list orphaned jobs: %w", err)
	}
	failed := domain.JobStatusFailed
	category := domain.ErrorCategoryProvider
	msg := "Provider dispatch was not recorded"
	n := 0
	for _, job := range orphans {
		now := r.now().UTC()
		updated, err := r.orphans.Update(ctx, job.ID, domain.JobUpdate{
			Status:        &failed,
			Error:         &msg,
			ErrorCategory: &category,
			CompletedAt:   &now,
		})
		if err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: fail orphaned job")
			}
			continue
		}
		n++
		r.logger.Warn().Str("job_id", job.ID).Msg("reconcile: orphaned job failed")
		if r.cache != nil {
			if err := r.cache.Write(ctx, updated.Projection()); err != nil {
				r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: cache write failed")
			}
		}
	}
	return n, nil
}

type jobState int

const (
	stateFailed jobState = iota
	stateApplied
	statePending
)

func (r *Reconciler) reconcileJob(ctx context.Context, job *domain.Job) jobState {
	log := r.logger.With().Str("job_id", job.ID).Str("prediction_id", job.ExternalID).Logger()
	pred, err := r.provider.GetPrediction(ctx, job.ExternalID)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile: get prediction failed")
		return stateFailed
	}
	if !replicate.IsTerminalStatus(pred.Status) {
		return statePending
	}
	outcome, err := r.handler.Handle(ctx, EventID(pred.ID, pred.Status), webhook.PayloadFromPrediction(pred))
	if err != nil {
		log.Warn().Err(err).Msg("reconcile: apply failed")
		return stateFailed
	}
	log.Info().Str("outcome", string(outcome)).Str("provider_status", pred.Status).Msg("reconcile: prediction applied")
	return stateApplied
}

// Schedule registers the sweep on c. Overlapping runs are collapsed.
func (r *Reconciler) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		_, _, _ = r.group.Do("sweep", func() (any, error) {
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconcile: sweep failed")
			}
			return nil, nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile: schedule %q: %w", spec, err)
	}
	return id, nil
}
