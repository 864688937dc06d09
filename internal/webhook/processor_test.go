package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediajobs/internal/domain"
	"mediajobs/internal/notify"
	"mediajobs/internal/storage"
)

type memDedup struct {
	marks    map[string]bool
	released []string
	err      error
}

func (m *memDedup) MarkIfAbsent(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if ttl != DedupTTL {
		return false, errors.New("unexpected ttl")
	}
	if m.marks[eventID] {
		return false, nil
	}
	m.marks[eventID] = true
	return true, nil
}

func (m *memDedup) Release(_ context.Context, eventID string) error {
	delete(m.marks, eventID)
	m.released = append(m.released, eventID)
	return nil
}

type memJobs struct {
	jobs      map[string]*domain.Job
	updates   int
	updateErr error
}

func (m *memJobs) Create(_ context.Context, job *domain.Job) (*domain.Job, error) {
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memJobs) Update(_ context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if u.Status != nil {
		if !job.Status.CanTransitionTo(*u.Status) {
			return nil, domain.ErrInvalidTransition
		}
		job.Status = *u.Status
	}
	if u.ResultURL != nil {
		job.ResultURL = *u.ResultURL
	}
	if u.ResultPath != nil {
		job.ResultPath = *u.ResultPath
	}
	if u.ThumbnailURL != nil {
		job.ThumbnailURL = *u.ThumbnailURL
	}
	if u.FileSize != nil {
		job.FileSize = *u.FileSize
	}
	if u.ProcessingTimeMs != nil {
		job.ProcessingTimeMs = *u.ProcessingTimeMs
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.ErrorCategory != nil {
		job.ErrorCategory = *u.ErrorCategory
	}
	if u.CompletedAt != nil {
		job.CompletedAt = u.CompletedAt
	}
	m.updates++
	cp := *job
	return &cp, nil
}

func (m *memJobs) Get(_ context.Context, id string) (*domain.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memJobs) GetByExternalID(_ context.Context, ext string) (*domain.Job, error) {
	for _, job := range m.jobs {
		if job.ExternalID == ext {
			cp := *job
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memJobs) ListStale(context.Context, time.Time, int) ([]domain.Job, error) {
	return nil, nil
}

type fakeDownloader struct {
	files map[string][]byte
}

func (f *fakeDownloader) DownloadArtifact(_ context.Context, url string) ([]byte, string, error) {
	data, ok := f.files[url]
	if !ok {
		return nil, "", domain.ErrDownload
	}
	return data, "video/mp4", nil
}

type fakeStore struct {
	puts map[string][]byte
	err  error
}

func (f *fakeStore) Put(_ context.Context, key string, data []byte, _ string) (*storage.Artifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts[key] = data
	return &storage.Artifact{Key: key, URL: "https://files.test/" + key, Size: int64(len(data))}, nil
}

type memCache struct {
	writes []domain.StatusProjection
}

func (m *memCache) Write(_ context.Context, p *domain.StatusProjection) error {
	m.writes = append(m.writes, *p)
	return nil
}

type recordingNotifier struct {
	deliveries []notify.Delivery
}

func (r *recordingNotifier) Notify(_ context.Context, d notify.Delivery) error {
	r.deliveries = append(r.deliveries, d)
	return nil
}

type harness struct {
	dedup    *memDedup
	jobs     *memJobs
	download *fakeDownloader
	store    *fakeStore
	cache    *memCache
	notifier *recordingNotifier
	proc     *Processor
	now      time.Time
}

func newHarness() *harness {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		dedup: &memDedup{marks: map[string]bool{}},
		jobs: &memJobs{jobs: map[string]*domain.Job{
			"job-1": {
				ID:         "job-1",
				ExternalID: "pred-1",
				MediaType:  domain.MediaTypeVideo,
				ModelID:    "m1",
				Status:     domain.JobStatusProcessing,
				WebhookURL: "https://client.test/hook",
				CreatedAt:  created,
				UpdatedAt:  created,
			},
		}},
		download: &fakeDownloader{files: map[string][]byte{
			"https://replicate.delivery/out.mp4":   []byte("video-bytes"),
			"https://replicate.delivery/thumb.jpg": []byte("jpg"),
		}},
		store:    &fakeStore{puts: map[string][]byte{}},
		cache:    &memCache{},
		notifier: &recordingNotifier{},
		now:      created.Add(90 * time.Second),
	}
	h.proc = NewProcessor(h.dedup, h.jobs, h.download, h.store, h.cache, h.notifier, Options{
		NotifyURL: "https://orchestrator.test/events",
		Now:       func() time.Time { return h.now },
	})
	return h
}

func TestHandleSucceeded(t *testing.T) {
	h := newHarness()

	outcome, err := h.proc.Handle(context.Background(), "msg_1", Payload{
		PredictionID: "pred-1",
		Status:       "succeeded",
		Outputs:      []string{"https://replicate.delivery/out.mp4", "https://replicate.delivery/thumb.jpg"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	job := h.jobs.jobs["job-1"]
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, "https://files.test/jobs/job-1/output.mp4", job.ResultURL)
	assert.Equal(t, "jobs/job-1/output.mp4", job.ResultPath)
	assert.Equal(t, int64(len("video-bytes")), job.FileSize)
	assert.Equal(t, int64(90000), job.ProcessingTimeMs)
	assert.NotEmpty(t, job.ThumbnailURL)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.CompletedAt)

	require.Len(t, h.cache.writes, 1)
	assert.Equal(t, domain.JobStatusCompleted, h.cache.writes[0].Status)

	require.Len(t, h.notifier.deliveries, 1)
	d := h.notifier.deliveries[0]
	assert.Equal(t, []string{"https://orchestrator.test/events", "https://client.test/hook"}, d.Targets)
	assert.Equal(t, "pred-1", d.Event.ID)
	assert.Len(t, d.Event.Output, 2)
}

func TestHandleFailedScenario(t *testing.T) {
	h := newHarness()

	outcome, err := h.proc.Handle(context.Background(), "msg_2", Payload{PredictionID: "pred-1", Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	job := h.jobs.jobs["job-1"]
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "Generation failed", job.Error)
	assert.Equal(t, domain.ErrorCategoryProvider, job.ErrorCategory)
	require.Len(t, h.cache.writes, 1)
	assert.Equal(t, domain.JobStatusFailed, h.cache.writes[0].Status)
	assert.True(t, h.dedup.marks["msg_2"])
	require.Len(t, h.notifier.deliveries, 1)
	assert.Equal(t, "Generation failed", h.notifier.deliveries[0].Event.Error)
}

func TestHandleIsIdempotent(t *testing.T) {
	h := newHarness()
	payload := Payload{PredictionID: "pred-1", Status: "succeeded", Outputs: []string{"https://replicate.delivery/out.mp4"}}

	first, err := h.proc.Handle(context.Background(), "msg_1", payload)
	require.NoError(t, err)
	second, err := h.proc.Handle(context.Background(), "msg_1", payload)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, first)
	assert.Equal(t, OutcomeDuplicate, second)
	assert.Equal(t, 1, h.jobs.updates)
	assert.Len(t, h.notifier.deliveries, 1)
}

func TestHandleOutOfOrderTerminalEvent(t *testing.T) {
	h := newHarness()

	_, err := h.proc.Handle(context.Background(), "msg_1", Payload{PredictionID: "pred-1", Status: "succeeded", Outputs: []string{"https://replicate.delivery/out.mp4"}})
	require.NoError(t, err)
	outcome, err := h.proc.Handle(context.Background(), "msg_late", Payload{PredictionID: "pred-1", Status: "failed"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, domain.JobStatusCompleted, h.jobs.jobs["job-1"].Status)
	assert.Equal(t, 1, h.jobs.updates)
}

func TestHandleIgnoresNonTerminal(t *testing.T) {
	h := newHarness()

	outcome, err := h.proc.Handle(context.Background(), "msg_start", Payload{PredictionID: "pred-1", Status: "processing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, h.dedup.marks)
	assert.Zero(t, h.jobs.updates)
}

func TestHandleUnknownJob(t *testing.T) {
	h := newHarness()

	outcome, err := h.proc.Handle(context.Background(), "msg_x", Payload{PredictionID: "pred-missing", Status: "succeeded", Outputs: []string{"https://x"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownJob, outcome)
}

func TestHandleCanceled(t *testing.T) {
	h := newHarness()

	outcome, err := h.proc.Handle(context.Background(), "msg_c", Payload{PredictionID: "pred-1", Status: "canceled"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	job := h.jobs.jobs["job-1"]
	assert.Equal(t, "Generation canceled", job.Error)
	assert.Equal(t, domain.ErrorCategoryCanceled, job.ErrorCategory)
}

func TestHandleArtifactFailures(t *testing.T) {
	h := newHarness()
	outcome, err := h.proc.Handle(context.Background(), "msg_d", Payload{PredictionID: "pred-1", Status: "succeeded", Outputs: []string{"https://replicate.delivery/gone.mp4"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, domain.ErrorCategoryDownload, h.jobs.jobs["job-1"].ErrorCategory)

	h = newHarness()
	h.store.err = domain.ErrStorage
	outcome, err = h.proc.Handle(context.Background(), "msg_s", Payload{PredictionID: "pred-1", Status: "succeeded", Outputs: []string{"https://replicate.delivery/out.mp4"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, domain.ErrorCategoryStorage, h.jobs.jobs["job-1"].ErrorCategory)
	assert.Empty(t, h.jobs.jobs["job-1"].ResultURL)
}

func TestHandleReleasesMarkerOnStoreFailure(t *testing.T) {
	h := newHarness()
	h.jobs.updateErr = errors.New("connection refused")

	_, err := h.proc.Handle(context.Background(), "msg_1", Payload{PredictionID: "pred-1", Status: "failed"})
	require.Error(t, err)
	assert.Equal(t, []string{"msg_1"}, h.dedup.released)
	assert.False(t, h.dedup.marks["msg_1"])

	h.jobs.updateErr = nil
	outcome, err := h.proc.Handle(context.Background(), "msg_1", Payload{PredictionID: "pred-1", Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestHandleProceedsWhenDedupUnavailable(t *testing.T) {
	h := newHarness()
	h.dedup.err = errors.New("redis down")

	outcome, err := h.proc.Handle(context.Background(), "msg_1", Payload{PredictionID: "pred-1", Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}
