package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediajobs/internal/domain"
	"mediajobs/internal/http/handlers"
	"mediajobs/internal/jobs"
	"mediajobs/internal/providers/replicate"
	"mediajobs/internal/registry"
	"mediajobs/internal/webhook"
)

type fakeJobs struct {
	submitted []jobs.SubmitRequest
	submitErr error
	statuses  map[string]*domain.StatusProjection
	cancelErr error
	canceled  *domain.Job
}

func (f *fakeJobs) Submit(_ context.Context, req jobs.SubmitRequest) (*jobs.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &jobs.SubmitResult{JobID: "job-1", Status: domain.JobStatusPending, EstimatedTime: 30, EstimatedCost: 0.08, ExternalID: "pred-1"}, nil
}

func (f *fakeJobs) Status(_ context.Context, jobID string) (*domain.StatusProjection, error) {
	p, ok := f.statuses[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakeJobs) Cancel(_ context.Context, jobID string) (*domain.Job, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	if f.canceled != nil {
		return f.canceled, nil
	}
	return &domain.Job{ID: jobID, Status: domain.JobStatusProcessing}, nil
}

type fakeVerifier struct{ err error }

func (f fakeVerifier) VerifyWebhook(http.Header, []byte) error { return f.err }

type fakeProcessor struct {
	eventIDs []string
	payloads []webhook.Payload
	outcome  webhook.Outcome
	err      error
	ctxErr   error
}

func (f *fakeProcessor) Handle(ctx context.Context, eventID string, p webhook.Payload) (webhook.Outcome, error) {
	f.eventIDs = append(f.eventIDs, eventID)
	f.payloads = append(f.payloads, p)
	f.ctxErr = ctx.Err()
	return f.outcome, f.err
}

const testCatalog = `{"models":[
  {"id":"m1","mediaType":"video","version":"acme/m1:v1","supportedParams":["prompt"],"pricing":{"type":"fixed","price":0.5},"estimatedTime":60},
  {"id":"img","mediaType":"image","version":"acme/img:v1","supportedParams":["prompt"],"pricing":{"type":"fixed","price":0.003},"estimatedTime":5}
]}`

type testServer struct {
	jobs      *fakeJobs
	processor *fakeProcessor
	verifier  *fakeVerifier
	handler   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg, err := registry.Load(strings.NewReader(testCatalog))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	ts := &testServer{
		jobs:      &fakeJobs{statuses: map[string]*domain.StatusProjection{}},
		processor: &fakeProcessor{outcome: webhook.OutcomeCompleted},
		verifier:  &fakeVerifier{},
	}
	app := &handlers.App{
		Jobs:     ts.jobs,
		Verifier: ts.verifier,
		Webhooks: ts.processor,
		Catalog:  reg,
		Checks: map[string]handlers.HealthCheck{
			"postgres": func(context.Context) error { return nil },
		},
	}
	ts.handler = NewRouter(app, Options{Logger: zerolog.Nop()})
	return ts
}

func (ts *testServer) do(method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

type errorEnvelope struct {
	Error struct {
		Code       string              `json:"code"`
		Fields     []domain.FieldError `json:"fields"`
		RetryAfter int                 `json:"retryAfter"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body: %v; body=%s", err, rec.Body.String())
	}
	return env
}

func TestSubmitJobAccepted(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"userId":"u1","mediaType":"video","modelId":"m1","parameters":{"prompt":"a cat"}}`)

	rec := ts.do(http.MethodPost, "/v1/jobs", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body=%s", rec.Code, rec.Body.String())
	}
	var res jobs.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.JobID != "job-1" || res.ExternalID != "pred-1" || res.EstimatedCost != 0.08 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(ts.jobs.submitted) != 1 || ts.jobs.submitted[0].ModelID != "m1" {
		t.Fatalf("submitted = %+v", ts.jobs.submitted)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestSubmitJobRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range []string{``, `{"userId":`, `{"userId":"u1","unknown":true}`} {
		rec := ts.do(http.MethodPost, "/v1/jobs", []byte(body), nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(ts.jobs.submitted) != 0 {
		t.Fatalf("service called for malformed bodies")
	}
}

func TestSubmitJobErrorMapping(t *testing.T) {
	verr := domain.NewValidationError(domain.FieldError{Field: "duration", Message: "must be <= 10"}, domain.FieldError{Field: "size", Message: "unknown"})
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", verr, http.StatusBadRequest, "validation_failed"},
		{"rate limited", &domain.RateLimitError{Limit: 10, Count: 11, RetryAfter: 12300 * time.Millisecond}, http.StatusTooManyRequests, "rate_limited"},
		{"provider", fmt.Errorf("dispatch: %w", domain.ErrProvider), http.StatusBadGateway, "provider_error"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.jobs.submitErr = tc.err
			rec := ts.do(http.MethodPost, "/v1/jobs", []byte(`{"userId":"u1","mediaType":"video","modelId":"m1"}`), nil)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			env := decodeError(t, rec)
			if env.Error.Code != tc.code {
				t.Fatalf("code = %q, want %q", env.Error.Code, tc.code)
			}
			switch tc.name {
			case "validation":
				if len(env.Error.Fields) != 2 {
					t.Fatalf("fields = %+v", env.Error.Fields)
				}
			case "rate limited":
				if rec.Header().Get("Retry-After") != "13" || env.Error.RetryAfter != 13 {
					t.Fatalf("retry after header=%q body=%d", rec.Header().Get("Retry-After"), env.Error.RetryAfter)
				}
			}
		})
	}
}

func TestJobStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.statuses["job-1"] = &domain.StatusProjection{JobID: "job-1", Status: domain.JobStatusCompleted, ResultURL: "https://cdn/x.mp4"}

	rec := ts.do(http.MethodGet, "/v1/jobs/job-1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var p domain.StatusProjection
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != domain.JobStatusCompleted || p.ResultURL != "https://cdn/x.mp4" {
		t.Fatalf("unexpected projection %+v", p)
	}

	rec = ts.do(http.MethodGet, "/v1/jobs/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/v1/jobs/job-1/cancel", nil, nil)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), "cancel_requested") {
		t.Fatalf("cancel = %d %s", rec.Code, rec.Body.String())
	}

	ts.jobs.canceled = &domain.Job{ID: "job-2", Status: domain.JobStatusFailed}
	rec = ts.do(http.MethodPost, "/v1/jobs/job-2/cancel", nil, nil)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"failed"`) {
		t.Fatalf("cancel pending = %d %s", rec.Code, rec.Body.String())
	}

	ts.jobs.canceled = nil
	ts.jobs.cancelErr = jobs.ErrAlreadyTerminal
	rec = ts.do(http.MethodPost, "/v1/jobs/job-3/cancel", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel terminal = %d, want 409", rec.Code)
	}
}

func TestProviderWebhook(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"id":"pred-1","status":"succeeded","output":["https://r/out.mp4","https://r/thumb.jpg"]}`)
	header := http.Header{}
	header.Set(replicate.HeaderWebhookID, "msg_1")

	rec := ts.do(http.MethodPost, "/v1/webhooks/provider", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ts.processor.eventIDs) != 1 || ts.processor.eventIDs[0] != "msg_1" {
		t.Fatalf("event ids = %v", ts.processor.eventIDs)
	}
	got := ts.processor.payloads[0]
	if got.PredictionID != "pred-1" || got.Status != "succeeded" || len(got.Outputs) != 2 {
		t.Fatalf("payload = %+v", got)
	}
	if ts.processor.ctxErr != nil {
		t.Fatalf("processing context already done: %v", ts.processor.ctxErr)
	}
}

func TestProviderWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	ts.verifier.err = fmt.Errorf("no matching signature: %w", domain.ErrSignatureInvalid)

	rec := ts.do(http.MethodPost, "/v1/webhooks/provider", []byte(`{"id":"pred-1","status":"succeeded"}`), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(ts.processor.eventIDs) != 0 {
		t.Fatalf("processor called for unauthenticated event")
	}
}

func TestProviderWebhookRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t)
	body := bytes.Repeat([]byte("a"), 2<<20+1)

	rec := ts.do(http.MethodPost, "/v1/webhooks/provider", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Code != "invalid_signature" {
		t.Fatalf("code = %q, want invalid_signature", env.Error.Code)
	}
	if len(ts.processor.eventIDs) != 0 {
		t.Fatalf("processor called for oversized event")
	}
}

func TestProviderWebhookAcknowledgesProcessingErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.processor.outcome = ""
	ts.processor.err = errors.New("db down")

	rec := ts.do(http.MethodPost, "/v1/webhooks/provider", []byte(`{"id":"pred-1","status":"failed","error":"nsfw"}`), nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "error") {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodPost, "/v1/webhooks/provider", []byte(`not json`), nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ignored") {
		t.Fatalf("undecodable payload: status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/models?mediaType=image", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != "img" {
		t.Fatalf("items = %+v", res.Items)
	}

	rec = ts.do(http.MethodGet, "/v1/models?mediaType=hologram", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown media type status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/v1/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	reg, _ := registry.Load(strings.NewReader(testCatalog))
	app := &handlers.App{Catalog: reg, Checks: map[string]handlers.HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}
	rec = httptest.NewRecorder()
	NewRouter(app, Options{Logger: zerolog.Nop()}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("degraded health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestOpenAPIDocument(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/v1/openapi.json", nil, nil)
	if rec.Code != http.StatusOK || !json.Valid(rec.Body.Bytes()) {
		t.Fatalf("openapi status = %d", rec.Code)
	}
}

func TestOpenAPIDocsListsJobEndpoints(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/v1/docs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("docs status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"Media Jobs API",
		"<code>/v1/jobs</code> Submit a generation job",
		"<code>/v1/jobs/{jobId}/cancel</code>",
		"<code>/v1/webhooks/provider</code>",
		`spec-url="/v1/openapi.json"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("docs page missing %q", want)
		}
	}
}
