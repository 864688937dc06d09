package domain

import (
	"context"
	"time"
)

// JobRepository is the store of record for jobs.
type JobRepository interface {
	Create(ctx context.Context, job *Job) (*Job, error)
	Update(ctx context.Context, jobID string, update JobUpdate) (*Job, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	GetByExternalID(ctx context.Context, externalID string) (*Job, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Job, error)
}

// TrackingRepository is the wide-row tracking tier keyed by (job_id, created_at)
// with a secondary lookup on external_id.
type TrackingRepository interface {
	Put(ctx context.Context, p *StatusProjection) error
	GetByJobID(ctx context.Context, jobID string) (*StatusProjection, error)
	GetByExternalID(ctx context.Context, externalID string) (*StatusProjection, error)
}
