package sqlinline

const trackingColumns = `job_id, created_at, coalesce(external_id, ''), status, media_type, model_id,
  result_url, thumbnail_url, file_size, error, updated_at, completed_at`

// QUpsertTracking writes the projection row. A terminal row is never replaced
// by a non-terminal one so a late backfill cannot regress a fresher write.
const QUpsertTracking = `--sql 9f768c42-6065-461f-b2b2-3f19fc1eeeab
insert into job_tracking (
  job_id, created_at, external_id, status, media_type, model_id,
  result_url, thumbnail_url, file_size, error, updated_at, completed_at
)
values ($1, $2, nullif($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)
on conflict (job_id, created_at) do update
set external_id   = excluded.external_id,
    status        = excluded.status,
    result_url    = excluded.result_url,
    thumbnail_url = excluded.thumbnail_url,
    file_size     = excluded.file_size,
    error         = excluded.error,
    updated_at    = excluded.updated_at,
    completed_at  = excluded.completed_at
where job_tracking.status not in ('completed', 'failed')
   or excluded.status in ('completed', 'failed');
`

const QSelectTrackingByJobID = `--sql 603fc779-b5db-4c15-8965-8381910c19b6
select ` + trackingColumns + `
from job_tracking
where job_id = $1
order by created_at desc
limit 1;
`

const QSelectTrackingByExternalID = `--sql 7aa2f0ac-3efd-4b5f-a977-7b2576f63a31
select ` + trackingColumns + `
from job_tracking
where external_id = $1
order by created_at desc
limit 1;
`
