// Package webhook turns provider callbacks into job transitions. Each
// terminal event is applied at most once: a redis marker absorbs redelivery
// and the job's own terminal state absorbs out-of-order events.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/notify"
	"mediajobs/internal/providers/replicate"
	"mediajobs/internal/storage"
)

// Payload is the provider event after signature verification.
type Payload struct {
	PredictionID string
	Status       string
	Outputs      []string
	Error        string
}

// PayloadFromPrediction normalizes a provider prediction.
func PayloadFromPrediction(p *replicate.Prediction) Payload {
	return Payload{
		PredictionID: p.ID,
		Status:       p.Status,
		Outputs:      p.Outputs(),
		Error:        p.ErrorMessage(),
	}
}

type Outcome string

const (
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnknownJob Outcome = "unknown_job"
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
)

// Downloader fetches provider artifacts.
type Downloader interface {
	DownloadArtifact(ctx context.Context, url string) ([]byte, string, error)
}

// StatusWriter mirrors job state into the cache tiers.
type StatusWriter interface {
	Write(ctx context.Context, p *domain.StatusProjection) error
}

type Options struct {
	// NotifyURL receives every terminal event in addition to the job's own
	// webhook URL.
	NotifyURL string
	Logger    *infra.Logger
	Now       func() time.Time
}

type Processor struct {
	dedup     Deduper
	jobs      domain.JobRepository
	download  Downloader
	store     storage.ArtifactStore
	cache     StatusWriter
	notifier  notify.Notifier
	notifyURL string
	logger    *infra.Logger
	now       func() time.Time
}

func NewProcessor(dedup Deduper, jobs domain.JobRepository, download Downloader, store storage.ArtifactStore, cache StatusWriter, notifier notify.Notifier, opts Options) *Processor {
	p := &Processor{
		dedup:     dedup,
		jobs:      jobs,
		download:  download,
		store:     store,
		cache:     cache,
		notifier:  notifier,
		notifyURL: opts.NotifyURL,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if p.logger == nil {
		p.logger = infra.NopLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.notifier == nil {
		p.notifier = notify.Nop{}
	}
	return p
}

// Handle applies one webhook event. Errors are informational: the event has
// been acknowledged either way and the caller should still answer 200.
func (p *Processor) Handle(ctx context.Context, eventID string, payload Payload) (Outcome, error) {
	log := p.logger.With().
		Str("event_id", eventID).
		Str("prediction_id", payload.PredictionID).
		Str("provider_status", payload.Status).
		Logger()

	if !replicate.IsTerminalStatus(payload.Status) {
		log.Debug().Msg("webhook: non-terminal event ignored")
		return OutcomeIgnored, nil
	}

	if eventID != "" {
		fresh, err := p.dedup.MarkIfAbsent(ctx, eventID, DedupTTL)
		switch {
		case err != nil:
			// The job's terminal state still guards against double application.
			log.Warn().Err(err).Msg("webhook: dedup marker unavailable")
		case !fresh:
			log.Info().Msg("webhook: duplicate event")
			return OutcomeDuplicate, nil
		}
	}

	job, err := p.jobs.GetByExternalID(ctx, payload.PredictionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("webhook: no job for prediction")
			return OutcomeUnknownJob, nil
		}
		p.release(ctx, eventID)
		return "", fmt.Errorf("webhook: load job: %w", err)
	}
	log = log.With().Str("job_id", job.ID).Logger()

	if job.Status.IsTerminal() {
		log.Info().Str("status", string(job.Status)).Msg("webhook: job already terminal")
		return OutcomeDuplicate, nil
	}

	var update domain.JobUpdate
	if payload.Status == replicate.StatusSucceeded && len(payload.Outputs) > 0 {
		update = p.completion(ctx, job, payload)
	} else {
		update = p.failure(job, payload)
	}

	updated, err := p.jobs.Update(ctx, job.ID, update)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info().Msg("webhook: concurrent terminal transition won")
			return OutcomeDuplicate, nil
		}
		p.release(ctx, eventID)
		return "", fmt.Errorf("webhook: update job %s: %w", job.ID, err)
	}

	if err := p.cache.Write(ctx, updated.Projection()); err != nil {
		log.Warn().Err(err).Msg("webhook: cache write failed")
	}

	delivery := notify.Delivery{
		Event:   notify.EventFromJob(updated),
		Targets: notify.Targets(p.notifyURL, updated.WebhookURL),
	}
	if len(delivery.Targets) > 0 {
		if err := p.notifier.Notify(ctx, delivery); err != nil {
			log.Warn().Err(err).Msg("webhook: downstream notification failed")
		}
	}

	log.Info().
		Str("status", string(updated.Status)).
		Str("error_category", string(updated.ErrorCategory)).
		Int64("processing_ms", updated.ProcessingTimeMs).
		Msg("webhook: job transitioned")
	if updated.Status == domain.JobStatusCompleted {
		return OutcomeCompleted, nil
	}
	return OutcomeFailed, nil
}

// completion downloads and stores the primary output. Download or storage
// failures turn the completion into a categorized failure.
func (p *Processor) completion(ctx context.Context, job *domain.Job, payload Payload) domain.JobUpdate {
	primary := payload.Outputs[0]
	data, contentType, err := p.download.DownloadArtifact(ctx, primary)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: artifact download failed")
		return p.failed(job, "Artifact download failed", domain.ErrorCategoryDownload)
	}
	artifact, err := p.store.Put(ctx, storage.ArtifactKey(job.ID, "output", contentType, primary), data, contentType)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: artifact storage failed")
		return p.failed(job, "Artifact storage failed", domain.ErrorCategoryStorage)
	}

	now := p.now().UTC()
	status := domain.JobStatusCompleted
	ms := processingTime(job, now)
	update := domain.JobUpdate{
		Status:           &status,
		ResultURL:        &artifact.URL,
		ResultPath:       &artifact.Key,
		FileSize:         &artifact.Size,
		ProcessingTimeMs: &ms,
		CompletedAt:      &now,
	}
	if len(payload.Outputs) > 1 {
		if thumb := p.thumbnail(ctx, job, payload.Outputs[1]); thumb != "" {
			update.ThumbnailURL = &thumb
		}
	}
	return update
}

// thumbnail stores the secondary preview output. It is best effort.
func (p *Processor) thumbnail(ctx context.Context, job *domain.Job, url string) string {
	data, contentType, err := p.download.DownloadArtifact(ctx, url)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("webhook: thumbnail download failed")
		return ""
	}
	artifact, err := p.store.Put(ctx, storage.ArtifactKey(job.ID, "thumbnail", contentType, url), data, contentType)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("webhook: thumbnail storage failed")
		return ""
	}
	return artifact.URL
}

func (p *Processor) failure(job *domain.Job, payload Payload) domain.JobUpdate {
	msg := payload.Error
	if msg == "" {
		msg = "Generation " + payload.Status
		if payload.Status == replicate.StatusSucceeded {
			msg = "Generation succeeded without output"
		}
	}
	category := domain.ErrorCategoryProvider
	if payload.Status == replicate.StatusCanceled {
		category = domain.ErrorCategoryCanceled
	}
	return p.failed(job, msg, category)
}

func (p *Processor) failed(job *domain.Job, msg string, category domain.ErrorCategory) domain.JobUpdate {
	now := p.now().UTC()
	status := domain.JobStatusFailed
	ms := processingTime(job, now)
	return domain.JobUpdate{
		Status:           &status,
		Error:            &msg,
		ErrorCategory:    &category,
		ProcessingTimeMs: &ms,
		CompletedAt:      &now,
	}
}

func (p *Processor) release(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if err := p.dedup.Release(ctx, eventID); err != nil {
		p.logger.Warn().Err(err).Str("event_id", eventID).Msg("webhook: dedup marker release failed")
	}
}

func processingTime(job *domain.Job, now time.Time) int64 {
	if job.CreatedAt.IsZero() {
		return 0
	}
	ms := now.Sub(job.CreatedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
