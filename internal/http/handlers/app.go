package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/jobs"
	"mediajobs/internal/registry"
	"mediajobs/internal/webhook"
)

// JobService is the orchestration surface the job endpoints use.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.SubmitResult, error)
	Status(ctx context.Context, jobID string) (*domain.StatusProjection, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
}

// WebhookVerifier authenticates provider callbacks against the raw body.
type WebhookVerifier interface {
	VerifyWebhook(header http.Header, body []byte) error
}

// WebhookProcessor applies a verified provider event.
type WebhookProcessor interface {
	Handle(ctx context.Context, eventID string, payload webhook.Payload) (webhook.Outcome, error)
}

// ModelLister exposes the model catalog.
type ModelLister interface {
	Models(mediaType domain.MediaType) []*registry.Model
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type App struct {
	Jobs     JobService
	Verifier WebhookVerifier
	Webhooks WebhookProcessor
	Catalog  ModelLister
	Checks   map[string]HealthCheck
	Logger   *infra.Logger
}

func (a *App) logger() *infra.Logger {
	if a.Logger == nil {
		return infra.NopLogger()
	}
	return a.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code       string              `json:"code"`
	Message    string              `json:"message"`
	Fields     []domain.FieldError `json:"fields,omitempty"`
	RetryAfter int                 `json:"retryAfter,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, msg string) {
	a.json(w, code, map[string]any{"error": errorBody{Code: errCode, Message: msg}})
}
