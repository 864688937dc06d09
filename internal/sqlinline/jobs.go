package sqlinline

// jobColumns is the canonical column order scanned by repo.scanJob.
const jobColumns = `id, user_id, coalesce(external_id, ''), media_type, model_id, status, parameters, prompt,
  estimated_cost, estimated_time, result_url, result_path, thumbnail_url, file_size, processing_time_ms,
  error, error_category, webhook_url, created_at, updated_at, completed_at`

const QInsertJob = `--sql 891ef1d8-7c89-47f5-8faa-c309ed7673df
insert into jobs (
  id, user_id, external_id, media_type, model_id, status, parameters, prompt,
  estimated_cost, estimated_time, webhook_url
)
values ($1, $2, nullif($3, ''), $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
returning ` + jobColumns + `;
`

// QUpdateJob applies a partial update. A status change is only applied while
// the row is not terminal and never moves processing back to pending.
const QUpdateJob = `--sql c085b7e9-6598-49be-ad93-ac8b1db8895d
update jobs
set external_id        = coalesce($2, external_id),
    status             = coalesce($3, status),
    result_url         = coalesce($4, result_url),
    result_path        = coalesce($5, result_path),
    thumbnail_url      = coalesce($6, thumbnail_url),
    file_size          = coalesce($7, file_size),
    processing_time_ms = coalesce($8, processing_time_ms),
    error              = coalesce($9, error),
    error_category     = coalesce($10, error_category),
    completed_at       = coalesce($11, completed_at),
    updated_at         = now()
where id = $1
  and (
    $3::text is null
    or (status not in ('completed', 'failed') and not (status = 'processing' and $3::text = 'pending'))
  )
returning ` + jobColumns + `;
`

const QSelectJob = `--sql 451b8b1e-92a3-4202-923a-07a015f617c7
select ` + jobColumns + `
from jobs
where id = $1;
`

const QSelectJobByExternalID = `--sql ce3afef2-e7ab-41ca-8503-1feac5fffed2
select ` + jobColumns + `
from jobs
where external_id = $1;
`

const QListStaleJobs = `--sql 5ef566d6-83b6-442f-b185-2c1bf58cfe5b
select ` + jobColumns + `
from jobs
where status in ('pending', 'processing')
  and external_id is not null
  and updated_at < $1
order by updated_at asc
limit $2;
`

const QListOrphanedJobs = `--sql 9c3d7a42-1f6e-4b8a-a5d2-6e0b84f1c937
select ` + jobColumns + `
from jobs
where status = 'pending'
  and external_id is null
  and updated_at < $1
order by updated_at asc
limit $2;
`
