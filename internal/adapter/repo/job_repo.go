package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new job record. A duplicate id surfaces as
// domain.ErrConstraintViolation.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if job == nil || job.ID == "" {
		return nil, domain.NewValidationError(domain.FieldError{Field: "jobId", Message: "required"})
	}
	params := job.Parameters
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	row := r.sql.QueryRow(ctx, sqlinline.QInsertJob,
		job.ID,
		job.UserID,
		job.ExternalID,
		string(job.MediaType),
		job.ModelID,
		string(job.Status),
		string(raw),
		job.Prompt,
		job.EstimatedCost,
		job.EstimatedTime,
		job.WebhookURL,
	)
	created, err := scanJob(row)
	if err != nil {
		if infra.IsUniqueViolation(err) {
			return nil, fmt.Errorf("job %s: %w", job.ID, domain.ErrConstraintViolation)
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// Update applies the non-nil fields of update. A missing row yields
// domain.ErrNotFound; a status change that would move backwards or leave a
// terminal state yields domain.ErrInvalidTransition.
func (r *JobRepositoryPG) Update(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	row := r.sql.QueryRow(ctx, sqlinline.QUpdateJob,
		jobID,
		update.ExternalID,
		statusArg(update.Status),
		update.ResultURL,
		update.ResultPath,
		update.ThumbnailURL,
		update.FileSize,
		update.ProcessingTimeMs,
		update.Error,
		categoryArg(update.ErrorCategory),
		update.CompletedAt,
	)
	updated, err := scanJob(row)
	if err == nil {
		return updated, nil
	}
	if !infra.IsNoRows(err) {
		return nil, fmt.Errorf("update job: %w", err)
	}
	current, getErr := r.Get(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	if update.Status == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return nil, fmt.Errorf("job %s %s -> %s: %w", jobID, current.Status, *update.Status, domain.ErrInvalidTransition)
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// GetByExternalID resolves a job from the provider's prediction id.
func (r *JobRepositoryPG) GetByExternalID(ctx context.Context, externalID string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QSelectJobByExternalID, externalID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("external id %s: %w", externalID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("select job by external id: %w", err)
	}
	return job, nil
}

// ListStale returns dispatched, non-terminal jobs untouched since olderThan.
func (r *JobRepositoryPG) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	return r.listJobs(ctx, sqlinline.QListStaleJobs, "stale", olderThan, limit)
}

// ListOrphaned returns pending jobs that never recorded a prediction id and
// have not changed since olderThan.
func (r *JobRepositoryPG) ListOrphaned(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	return r.listJobs(ctx, sqlinline.QListOrphanedJobs, "orphaned", olderThan, limit)
}

func (r *JobRepositoryPG) listJobs(ctx context.Context, query, kind string, olderThan time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.sql.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", kind, err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s job: %w", kind, err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job       domain.Job
		mediaType string
		status    string
		category  string
		params    []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.ExternalID,
		&mediaType,
		&job.ModelID,
		&status,
		&params,
		&job.Prompt,
		&job.EstimatedCost,
		&job.EstimatedTime,
		&job.ResultURL,
		&job.ResultPath,
		&job.ThumbnailURL,
		&job.FileSize,
		&job.ProcessingTimeMs,
		&job.Error,
		&category,
		&job.WebhookURL,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.MediaType = domain.MediaType(mediaType)
	job.Status = domain.JobStatus(status)
	job.ErrorCategory = domain.ErrorCategory(category)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	return &job, nil
}

func statusArg(s *domain.JobStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func categoryArg(c *domain.ErrorCategory) *string {
	if c == nil {
		return nil
	}
	v := string(*c)
	return &v
}
