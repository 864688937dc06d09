// Package notify forwards normalized job events to downstream consumers,
// either directly over HTTP or through an asynq queue with retries.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
)

// Event is the payload POSTed to downstream consumers.
type Event struct {
	ID     string   `json:"id"`
	JobID  string   `json:"jobId"`
	Status string   `json:"status"`
	Output []string `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Delivery is one event addressed to one or more endpoints.
type Delivery struct {
	Event   Event    `json:"event"`
	Targets []string `json:"targets"`
}

// Notifier hands a delivery to its transport.
type Notifier interface {
	Notify(ctx context.Context, d Delivery) error
}

// EventFromJob builds the normalized event for a terminal job.
func EventFromJob(job *domain.Job) Event {
	ev := Event{ID: job.ExternalID, JobID: job.ID, Status: string(job.Status)}
	if job.Status == domain.JobStatusCompleted && job.ResultURL != "" {
		ev.Output = []string{job.ResultURL}
		if job.ThumbnailURL != "" {
			ev.Output = append(ev.Output, job.ThumbnailURL)
		}
	}
	if job.Status == domain.JobStatusFailed {
		ev.Error = job.Error
	}
	return ev
}

// Targets returns the non-empty, de-duplicated endpoints.
func Targets(urls ...string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

type HTTPOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *infra.Logger
}

// HTTPSender POSTs events as JSON.
type HTTPSender struct {
	client *http.Client
	logger *infra.Logger
}

func NewHTTPSender(opts HTTPOptions) *HTTPSender {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &HTTPSender{client: client, logger: logger}
}

// Notify sends the event to every target and joins the failures.
func (s *HTTPSender) Notify(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d.Event)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	var errs []error
	for _, target := range d.Targets {
		if err := s.post(ctx, target, body); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug().Str("target", target).Str("job_id", d.Event.JobID).Str("status", d.Event.Status).Msg("notify: delivered")
	}
	return errors.Join(errs...)
}

func (s *HTTPSender) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request for %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: %s responded %d", target, resp.StatusCode)
	}
	return nil
}

// Nop drops every delivery.
type Nop struct{}

func (Nop) Notify(context.Context, Delivery) error { return nil }
