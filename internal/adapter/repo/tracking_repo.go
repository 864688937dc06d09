package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mediajobs/internal/domain"
	"mediajobs/internal/infra"
	"mediajobs/internal/sqlinline"
)

// TrackingRepositoryPG is the second cache tier. Rows are keyed by
// (job_id, created_at) and carry a secondary index on external_id. It may
// live in a separate database from the job store.
type TrackingRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewTrackingRepository(sql infra.SQLExecutor) *TrackingRepositoryPG {
	return &TrackingRepositoryPG{sql: sql}
}

// Put upserts the projection.
func (r *TrackingRepositoryPG) Put(ctx context.Context, p *domain.StatusProjection) error {
	if p == nil || p.JobID == "" {
		return fmt.Errorf("tracking: projection without job id")
	}
	_, err := r.sql.Exec(ctx, sqlinline.QUpsertTracking,
		p.JobID,
		p.CreatedAt,
		p.ExternalID,
		string(p.Status),
		string(p.MediaType),
		p.ModelID,
		p.ResultURL,
		p.ThumbnailURL,
		p.FileSize,
		p.Error,
		p.UpdatedAt,
		p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("tracking: upsert %s: %w", p.JobID, err)
	}
	return nil
}

func (r *TrackingRepositoryPG) GetByJobID(ctx context.Context, jobID string) (*domain.StatusProjection, error) {
	return r.get(ctx, sqlinline.QSelectTrackingByJobID, jobID)
}

func (r *TrackingRepositoryPG) GetByExternalID(ctx context.Context, externalID string) (*domain.StatusProjection, error) {
	return r.get(ctx, sqlinline.QSelectTrackingByExternalID, externalID)
}

func (r *TrackingRepositoryPG) get(ctx context.Context, query, key string) (*domain.StatusProjection, error) {
	p, err := scanProjection(r.sql.QueryRow(ctx, query, key))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("tracking %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("tracking: select %s: %w", key, err)
	}
	return p, nil
}

func scanProjection(row pgx.Row) (*domain.StatusProjection, error) {
	var (
		p         domain.StatusProjection
		status    string
		mediaType string
	)
	if err := row.Scan(
		&p.JobID,
		&p.CreatedAt,
		&p.ExternalID,
		&status,
		&mediaType,
		&p.ModelID,
		&p.ResultURL,
		&p.ThumbnailURL,
		&p.FileSize,
		&p.Error,
		&p.UpdatedAt,
		&p.CompletedAt,
	); err != nil {
		return nil, err
	}
	p.Status = domain.JobStatus(status)
	p.MediaType = domain.MediaType(mediaType)
	return &p, nil
}

var (
	_ domain.JobRepository      = (*JobRepositoryPG)(nil)
	_ domain.TrackingRepository = (*TrackingRepositoryPG)(nil)
)
