package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"mediajobs/internal/domain"
	"mediajobs/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

// jobTestSQL emulates the jobs table for the queries JobRepositoryPG issues.
type jobTestSQL struct {
	jobs      map[string]domain.Job
	insertErr error
	lastArgs  []any
	lastQuery string
}

func newJobTestSQL() *jobTestSQL {
	return &jobTestSQL{jobs: map[string]domain.Job{}}
}

func (s *jobTestSQL) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, fmt.Errorf("exec not supported")
}

func (s *jobTestSQL) Query(_ context.Context, query string, args ...any) (pgx.Rows, error) {
	s.lastQuery, s.lastArgs = query, args
	return nil, fmt.Errorf("query not supported")
}

func (s *jobTestSQL) QueryRow(_ context.Context, query string, args ...any) pgx.Row {
	s.lastArgs = args
	switch query {
	case sqlinline.QInsertJob:
		if s.insertErr != nil {
			return stubRow{scan: func(...any) error { return s.insertErr }}
		}
		var params map[string]any
		_ = json.Unmarshal([]byte(args[6].(string)), &params)
		now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		job := domain.Job{
			ID:            args[0].(string),
			UserID:        args[1].(string),
			MediaType:     domain.MediaType(args[3].(string)),
			ModelID:       args[4].(string),
			Status:        domain.JobStatus(args[5].(string)),
			Parameters:    params,
			Prompt:        args[7].(string),
			EstimatedCost: args[8].(float64),
			EstimatedTime: args[9].(int),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.jobs[job.ID] = job
		return jobRow(job)
	case sqlinline.QSelectJob:
		job, ok := s.jobs[args[0].(string)]
		if !ok {
			return stubRow{}
		}
		return jobRow(job)
	case sqlinline.QSelectJobByExternalID:
		for _, job := range s.jobs {
			if job.ExternalID == args[0].(string) {
				return jobRow(job)
			}
		}
		return stubRow{}
	case sqlinline.QUpdateJob:
		job, ok := s.jobs[args[0].(string)]
		if !ok {
			return stubRow{}
		}
		if status, _ := args[2].(*string); status != nil {
			if !job.Status.CanTransitionTo(domain.JobStatus(*status)) {
				return stubRow{}
			}
			job.Status = domain.JobStatus(*status)
		}
		if ext, _ := args[1].(*string); ext != nil {
			job.ExternalID = *ext
		}
		if url, _ := args[3].(*string); url != nil {
			job.ResultURL = *url
		}
		if msg, _ := args[8].(*string); msg != nil {
			job.Error = *msg
		}
		s.jobs[job.ID] = job
		return jobRow(job)
	}
	return stubRow{scan: func(...any) error { return fmt.Errorf("unexpected query: %s", query) }}
}

func jobRow(job domain.Job) pgx.Row {
	return stubRow{scan: func(dest ...any) error {
		if len(dest) != 21 {
			return fmt.Errorf("unexpected scan args: %d", len(dest))
		}
		params, _ := json.Marshal(job.Parameters)
		*dest[0].(*string) = job.ID
		*dest[1].(*string) = job.UserID
		*dest[2].(*string) = job.ExternalID
		*dest[3].(*string) = string(job.MediaType)
		*dest[4].(*string) = job.ModelID
		*dest[5].(*string) = string(job.Status)
		*dest[6].(*[]byte) = params
		*dest[7].(*string) = job.Prompt
		*dest[8].(*float64) = job.EstimatedCost
		*dest[9].(*int) = job.EstimatedTime
		*dest[10].(*string) = job.ResultURL
		*dest[11].(*string) = job.ResultPath
		*dest[12].(*string) = job.ThumbnailURL
		*dest[13].(*int64) = job.FileSize
		*dest[14].(*int64) = job.ProcessingTimeMs
		*dest[15].(*string) = job.Error
		*dest[16].(*string) = string(job.ErrorCategory)
		*dest[17].(*string) = job.WebhookURL
		*dest[18].(*time.Time) = job.CreatedAt
		*dest[19].(*time.Time) = job.UpdatedAt
		*dest[20].(**time.Time) = job.CompletedAt
		return nil
	}}
}

func TestJobRepositoryCreateAndGet(t *testing.T) {
	db := newJobTestSQL()
	repo := NewJobRepository(db)

	created, err := repo.Create(context.Background(), &domain.Job{
		ID:            "7f0c1a52-1111-4c4c-9a9a-000000000001",
		UserID:        "user-1",
		MediaType:     domain.MediaTypeVideo,
		ModelID:       "m1",
		Status:        domain.JobStatusPending,
		Parameters:    map[string]any{"duration": 8, "size": "720p"},
		EstimatedCost: 0.08,
		EstimatedTime: 120,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Parameters["size"] != "720p" {
		t.Fatalf("parameters not round-tripped: %#v", created.Parameters)
	}

	got, err := repo.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusPending || got.ModelID != "m1" {
		t.Fatalf("unexpected job: %+v", got)
	}

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepositoryCreateDuplicate(t *testing.T) {
	db := newJobTestSQL()
	db.insertErr = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	repo := NewJobRepository(db)

	_, err := repo.Create(context.Background(), &domain.Job{ID: "dup", Status: domain.JobStatusPending})
	if !errors.Is(err, domain.ErrConstraintViolation) {
		t.Fatalf("expected ErrConstraintViolation, got %v", err)
	}
}

func TestJobRepositoryUpdate(t *testing.T) {
	db := newJobTestSQL()
	db.jobs["job-1"] = domain.Job{ID: "job-1", Status: domain.JobStatusProcessing, ExternalID: "pred-1"}
	db.jobs["job-2"] = domain.Job{ID: "job-2", Status: domain.JobStatusCompleted, ExternalID: "pred-2"}
	repo := NewJobRepository(db)

	failed := domain.JobStatusFailed
	msg := "Generation canceled"
	updated, err := repo.Update(context.Background(), "job-1", domain.JobUpdate{Status: &failed, Error: &msg})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.JobStatusFailed || updated.Error != msg {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if arg, ok := db.lastArgs[2].(*string); !ok || *arg != "failed" {
		t.Fatalf("status arg = %#v, want *string failed", db.lastArgs[2])
	}

	if _, err := repo.Update(context.Background(), "job-2", domain.JobUpdate{Status: &failed, Error: &msg}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := repo.Update(context.Background(), "missing", domain.JobUpdate{Status: &failed, Error: &msg}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Update(context.Background(), "job-1", domain.JobUpdate{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected empty update to be rejected, got %v", err)
	}
}

func TestJobRepositoryGetByExternalID(t *testing.T) {
	db := newJobTestSQL()
	db.jobs["job-1"] = domain.Job{ID: "job-1", Status: domain.JobStatusProcessing, ExternalID: "pred-1"}
	repo := NewJobRepository(db)

	job, err := repo.GetByExternalID(context.Background(), "pred-1")
	if err != nil {
		t.Fatalf("get by external id: %v", err)
	}
	if job.ID != "job-1" {
		t.Fatalf("job id = %q, want job-1", job.ID)
	}
	if _, err := repo.GetByExternalID(context.Background(), "pred-x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobRepositoryListOrphaned(t *testing.T) {
	db := newJobTestSQL()
	repo := NewJobRepository(db)
	cutoff := time.Date(2024, 6, 1, 11, 30, 0, 0, time.UTC)

	_, err := repo.ListOrphaned(context.Background(), cutoff, 0)
	if err == nil || !strings.Contains(err.Error(), "list orphaned jobs") {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
	if db.lastQuery != sqlinline.QListOrphanedJobs {
		t.Fatalf("unexpected query: %s", db.lastQuery)
	}
	if len(db.lastArgs) != 2 || db.lastArgs[0] != cutoff || db.lastArgs[1] != 50 {
		t.Fatalf("args = %v, want [%v 50]", db.lastArgs, cutoff)
	}
	if !strings.Contains(sqlinline.QListOrphanedJobs, "external_id is null") {
		t.Fatalf("orphan query must select rows without a prediction id")
	}
}
