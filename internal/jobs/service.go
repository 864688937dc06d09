// Package jobs orchestrates submission, status queries and cancellation of
// media generation jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/providers/replicate"
	"mediajobs/internal/ratelimit"
	"mediajobs/internal/registry"
)

// Catalog resolves model definitions.
type Catalog interface {
	Model(modelID string, mediaType domain.MediaType) (*registry.Model, error)
}

// Limiter admits or rejects a submission for a user.
type Limiter interface {
	Allow(ctx context.Context, userID string) (ratelimit.Decision, error)
}

// Dispatcher starts and cancels provider predictions.
type Dispatcher interface {
	CreatePrediction(ctx context.Context, version string, input map[string]any, webhookURL string) (*replicate.Prediction, error)
	CancelPrediction(ctx context.Context, id string) (*replicate.Prediction, error)
}

// StatusCache reads and mirrors job projections.
type StatusCache interface {
	ReadStatus(ctx context.Context, jobID string) (*domain.StatusProjection, error)
	Write(ctx context.Context, p *domain.StatusProjection) error
}

// ErrAlreadyTerminal is returned when canceling a finished job.
var ErrAlreadyTerminal = errors.New("job already finished")

// SubmitRequest is a client's generation request.
type SubmitRequest struct {
	UserID          string         `json:"userId"`
	MediaType       string         `json:"mediaType"`
	ModelID         string         `json:"modelId"`
	Parameters      map[string]any `json:"parameters"`
	Prompt          string         `json:"prompt,omitempty"`
	Seed            *int64         `json:"seed,omitempty"`
	ReferenceImages []string       `json:"referenceImages,omitempty"`
	WebhookURL      string         `json:"webhookUrl,omitempty"`
}

// SubmitResult is returned once the job has been dispatched.
type SubmitResult struct {
	JobID         string           `json:"jobId"`
	Status        domain.JobStatus `json:"status"`
	EstimatedTime int              `json:"estimatedTime"`
	EstimatedCost float64          `json:"estimatedCost"`
	ExternalID    string           `json:"externalId"`
}

type Options struct {
	// WebhookURL is where the provider delivers prediction events.
	WebhookURL string
	Logger     *infra.Logger
	NewID      func() string
	Now        func() time.Time
}

type Service struct {
	catalog    Catalog
	limiter    Limiter
	jobs       domain.JobRepository
	dispatcher Dispatcher
	cache      StatusCache
	webhookURL string
	logger     *infra.Logger
	newID      func() string
	now        func() time.Time
}

func NewService(catalog Catalog, limiter Limiter, jobs domain.JobRepository, dispatcher Dispatcher, cache StatusCache, opts Options) *Service {
	s := &Service{
		catalog:    catalog,
		limiter:    limiter,
		jobs:       jobs,
		dispatcher: dispatcher,
		cache:      cache,
		webhookURL: opts.WebhookURL,
		logger:     opts.Logger,
		newID:      opts.NewID,
		now:        opts.Now,
	}
	if s.logger == nil {
		s.logger = infra.NopLogger()
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.NewString() }
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Submit validates, rate limits, persists and dispatches a job. A dispatch
// failure, or a failure to record the dispatched prediction, marks the job
// failed and returns an error wrapping domain.ErrProvider.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	mediaType, model, params, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if _, err := s.limiter.Allow(ctx, req.UserID); err != nil {
		return nil, err
	}

	job := &domain.Job{
		ID:            s.newID(),
		UserID:        req.UserID,
		MediaType:     mediaType,
		ModelID:       model.ID,
		Status:        domain.JobStatusPending,
		Parameters:    params,
		Prompt:        strings.TrimSpace(req.Prompt),
		EstimatedCost: model.EstimateCost(params),
		EstimatedTime: model.EstimateTime(params),
		WebhookURL:    strings.TrimSpace(req.WebhookURL),
	}
	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("jobs: create: %w", err)
	}
	log := s.logger.With().Str("job_id", created.ID).Str("model_id", model.ID).Str("user_id", req.UserID).Logger()

	pred, err := s.dispatcher.CreatePrediction(ctx, model.Version, params, s.webhookURL)
	if err != nil {
		log.Error().Err(err).Msg("jobs: dispatch failed")
		s.markDispatchFailed(ctx, created, err)
		return nil, fmt.Errorf("jobs: dispatch %s: %w", created.ID, err)
	}

	updated, err := s.recordDispatch(ctx, created.ID, pred.ID)
	if err != nil {
		// Without the external id the webhook cannot be matched, so the
		// prediction is abandoned and the job failed. Rows this misses are
		// failed later by the reconcile sweep.
		log.Error().Err(err).Str("prediction_id", pred.ID).Msg("jobs: record external id failed")
		if _, cerr := s.dispatcher.CancelPrediction(ctx, pred.ID); cerr != nil {
			log.Warn().Err(cerr).Str("prediction_id", pred.ID).Msg("jobs: cancel unrecorded prediction failed")
		}
		s.markDispatchFailed(ctx, created, err)
		return nil, fmt.Errorf("jobs: record external id for %s: %w", created.ID, errors.Join(domain.ErrProvider, err))
	}
	if err := s.cache.Write(ctx, updated.Projection()); err != nil {
		log.Warn().Err(err).Msg("jobs: cache write failed")
	}

	log.Info().
		Str("prediction_id", pred.ID).
		Float64("estimated_cost", created.EstimatedCost).
		Msg("jobs: submitted")
	return &SubmitResult{
		JobID:         created.ID,
		Status:        domain.JobStatusPending,
		EstimatedTime: created.EstimatedTime,
		EstimatedCost: created.EstimatedCost,
		ExternalID:    pred.ID,
	}, nil
}

// recordDispatch stores the prediction id and moves the job to processing,
// retrying once.
func (s *Service) recordDispatch(ctx context.Context, jobID, predictionID string) (*domain.Job, error) {
	processing := domain.JobStatusProcessing
	update := domain.JobUpdate{ExternalID: &predictionID, Status: &processing}
	updated, err := s.jobs.Update(ctx, jobID, update)
	if err == nil {
		return updated, nil
	}
	s.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobs: record external id failed, retrying")
	return s.jobs.Update(ctx, jobID, update)
}

func (s *Service) markDispatchFailed(ctx context.Context, job *domain.Job, cause error) {
	failed := domain.JobStatusFailed
	category := domain.ErrorCategoryProvider
	msg := "Provider dispatch failed"
	var perr *replicate.ProviderError
	if errors.As(cause, &perr) {
		msg = fmt.Sprintf("Provider dispatch failed after %d attempt(s)", perr.Attempts)
	}
	now := s.now().UTC()
	updated, err := s.jobs.Update(ctx, job.ID, domain.JobUpdate{
		Status:        &failed,
		Error:         &msg,
		ErrorCategory: &category,
		CompletedAt:   &now,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: mark failed")
		return
	}
	if err := s.cache.Write(ctx, updated.Projection()); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: cache write failed")
	}
}

// validate checks the request envelope and the model parameters, returning
// every offending field at once.
func (s *Service) validate(req SubmitRequest) (domain.MediaType, *registry.Model, map[string]any, error) {
	verr := domain.NewValidationError()
	if strings.TrimSpace(req.UserID) == "" {
		verr.Add("userId", "is required")
	}
	mediaType, ok := domain.ParseMediaType(req.MediaType)
	if !ok {
		verr.Add("mediaType", "must be one of video, image, audio")
	}
	if strings.TrimSpace(req.ModelID) == "" {
		verr.Add("modelId", "is required")
	}
	if req.WebhookURL != "" && !isHTTPURL(req.WebhookURL) {
		verr.Add("webhookUrl", "must be an absolute http(s) URL")
	}
	if err := verr.OrNil(); err != nil {
		return "", nil, nil, err
	}

	model, err := s.catalog.Model(strings.TrimSpace(req.ModelID), mediaType)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			verr.Add("modelId", "unknown %s model %q", mediaType, req.ModelID)
			return "", nil, nil, verr
		}
		return "", nil, nil, err
	}

	params := make(map[string]any, len(req.Parameters)+3)
	for k, v := range req.Parameters {
		params[k] = v
	}
	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		if _, set := params["prompt"]; !set {
			params["prompt"] = prompt
		}
	}
	if req.Seed != nil {
		params["seed"] = *req.Seed
	}
	if len(req.ReferenceImages) > 0 {
		param := referenceParam(model)
		if param == "" {
			verr.Add("referenceImages", "model %s does not accept reference images", model.ID)
			return "", nil, nil, verr
		}
		images := make([]any, 0, len(req.ReferenceImages))
		for _, img := range req.ReferenceImages {
			images = append(images, img)
		}
		params[param] = images
	}

	merged, err := model.Validate(params)
	if err != nil {
		return "", nil, nil, err
	}
	return mediaType, model, merged, nil
}

func referenceParam(m *registry.Model) string {
	switch {
	case m.Capabilities.ReferenceImages != nil:
		return m.Capabilities.ReferenceImages.Param
	case m.Capabilities.ImageArray != nil:
		return m.Capabilities.ImageArray.Param
	}
	return ""
}

// Status returns the cached projection of a job.
func (s *Service) Status(ctx context.Context, jobID string) (*domain.StatusProjection, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, domain.NewValidationError(domain.FieldError{Field: "jobId", Message: "is required"})
	}
	return s.cache.ReadStatus(ctx, jobID)
}

// Cancel asks the provider to stop a running job. The job becomes failed
// with category canceled when the provider's canceled webhook arrives.
func (s *Service) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("jobs: cancel %s: %w", jobID, ErrAlreadyTerminal)
	}
	if job.ExternalID == "" {
		// Not dispatched yet; there is nothing to cancel remotely.
		failed := domain.JobStatusFailed
		category := domain.ErrorCategoryCanceled
		msg := "Generation canceled"
		now := s.now().UTC()
		updated, err := s.jobs.Update(ctx, jobID, domain.JobUpdate{Status: &failed, Error: &msg, ErrorCategory: &category, CompletedAt: &now})
		if err != nil {
			return nil, fmt.Errorf("jobs: cancel %s: %w", jobID, err)
		}
		if err := s.cache.Write(ctx, updated.Projection()); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("jobs: cache write failed")
		}
		return updated, nil
	}
	if _, err := s.dispatcher.CancelPrediction(ctx, job.ExternalID); err != nil {
		return nil, fmt.Errorf("jobs: cancel %s: %w", jobID, err)
	}
	s.logger.Info().Str("job_id", jobID).Str("prediction_id", job.ExternalID).Msg("jobs: cancel requested")
	return job, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
