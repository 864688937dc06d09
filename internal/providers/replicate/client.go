// Package replicate talks to a Replicate-compatible prediction API: it
// dispatches predictions with bounded retries, verifies signed webhooks and
// downloads finished artifacts.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
)

// ErrMissingAPIToken indicates that the client was configured without credentials.
var ErrMissingAPIToken = errors.New("replicate: api token is required")

const (
	defaultBaseURL     = "https://api.replicate.com/v1"
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
	defaultMaxBackoff  = 10 * time.Second
)

// Prediction statuses reported by the provider.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// IsTerminalStatus reports whether a provider status ends the prediction.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Options configures the client.
type Options struct {
	APIToken       string
	BaseURL        string
	WebhookSecret  string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Sleep waits between attempts. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Client performs HTTP calls to the prediction API.
type Client struct {
	apiToken    string
	baseURL     string
	httpClient  *http.Client
	logger      *infra.Logger
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	verifier    *WebhookVerifier
}

// Prediction is the provider's view of one generation.
type Prediction struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	Status    string          `json:"status"`
	Input     map[string]any  `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Logs      string          `json:"logs,omitempty"`
	Metrics   Metrics         `json:"metrics"`
	CreatedAt string          `json:"created_at,omitempty"`
	URLs      struct {
		Get    string `json:"get"`
		Cancel string `json:"cancel"`
	} `json:"urls"`
}

type Metrics struct {
	PredictTime float64 `json:"predict_time,omitempty"`
}

// Outputs normalizes the output field, which is either a single URL or a
// list of URLs.
func (p *Prediction) Outputs() []string {
	return decodeOutputs(p.Output)
}

// ErrorMessage returns the provider error as text, or "" when absent.
func (p *Prediction) ErrorMessage() string {
	return decodeError(p.Error)
}

type createRequest struct {
	Version             string         `json:"version"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

type errorResponse struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	c := &Client{
		apiToken:    strings.TrimSpace(opts.APIToken),
		baseURL:     baseURL,
		httpClient:  httpClient,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.InitialBackoff,
		maxBackoff:  opts.MaxBackoff,
		sleep:       opts.Sleep,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	if opts.WebhookSecret != "" {
		v, err := NewWebhookVerifier(opts.WebhookSecret)
		if err != nil {
			return nil, err
		}
		if opts.Now != nil {
			v.now = opts.Now
		}
		c.verifier = v
	}
	return c, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiToken != ""
}

// CreatePrediction starts a prediction for the model version. The provider
// calls webhookURL on start and on completion.
func (c *Client) CreatePrediction(ctx context.Context, version string, input map[string]any, webhookURL string) (*Prediction, error) {
	if strings.TrimSpace(version) == "" {
		return nil, errors.New("replicate: model version is required")
	}
	payload := createRequest{Version: version, Input: input}
	if webhookURL != "" {
		payload.Webhook = webhookURL
		payload.WebhookEventsFilter = []string{"start", "completed"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("replicate: encode request: %w", err)
	}
	pred, err := c.call(ctx, "create prediction", http.MethodPost, "/predictions", body)
	if err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("prediction_id", pred.ID).
		Str("status", pred.Status).
		Str("version", version).
		Msg("replicate: prediction created")
	return pred, nil
}

// GetPrediction fetches the current state of a prediction.
func (c *Client) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	if id == "" {
		return nil, errors.New("replicate: prediction id is required")
	}
	return c.call(ctx, "get prediction", http.MethodGet, "/predictions/"+url.PathEscape(id), nil)
}

// CancelPrediction asks the provider to stop a running prediction. The final
// state arrives through the canceled webhook.
func (c *Client) CancelPrediction(ctx context.Context, id string) (*Prediction, error) {
	if id == "" {
		return nil, errors.New("replicate: prediction id is required")
	}
	return c.call(ctx, "cancel prediction", http.MethodPost, "/predictions/"+url.PathEscape(id)+"/cancel", nil)
}

// call runs one API operation with retries. Transport errors, 429 and 5xx
// responses are retried with exponential backoff; other 4xx responses fail
// immediately.
func (c *Client) call(ctx context.Context, op, method, path string, body []byte) (*Prediction, error) {
	if !c.HasCredentials() {
		return nil, &ProviderError{Op: op, Attempts: 0, Err: ErrMissingAPIToken}
	}
	delay := c.backoff
	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		pred, status, err := c.do(ctx, method, path, body)
		if err == nil {
			return pred, nil
		}
		lastErr, lastStatus = err, status
		if !retryable(status) || ctx.Err() != nil {
			return nil, &ProviderError{Op: op, Attempts: attempt, StatusCode: status, Err: err}
		}
		if attempt == c.maxAttempts {
			break
		}
		c.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("status", status).
			Dur("backoff", delay).
			Msg("replicate: retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &ProviderError{Op: op, Attempts: attempt, StatusCode: status, Err: err}
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
	return nil, &ProviderError{Op: op, Attempts: c.maxAttempts, StatusCode: lastStatus, Err: lastErr}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*Prediction, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail != "" {
			return nil, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, detail.Detail)
		}
		return nil, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var pred Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return &pred, resp.StatusCode, nil
}

// retryable treats status 0 as a transport failure.
func retryable(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func decodeOutputs(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single = strings.TrimSpace(single); single != "" {
			return []string{single}
		}
		return nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func decodeError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// ProviderError reports a failed provider call after its final attempt.
type ProviderError struct {
	Op         string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("replicate: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{domain.ErrProvider, e.Err}
}
