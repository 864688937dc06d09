package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"mediajobs/internal/infra"
)

const (
	// TaskDeliver is the asynq task type carrying a Delivery.
	TaskDeliver = "notify:deliver"
	Queue       = "notifications"

	defaultMaxRetry = 8
)

// Enqueuer is the subset of *asynq.Client the queue notifier uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueNotifier defers delivery to the worker process.
type QueueNotifier struct {
	client   Enqueuer
	maxRetry int
	logger   *infra.Logger
}

func NewQueueNotifier(client Enqueuer, logger *infra.Logger) *QueueNotifier {
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &QueueNotifier{client: client, maxRetry: defaultMaxRetry, logger: logger}
}

// NewDeliverTask encodes a delivery as an asynq task.
func NewDeliverTask(d Delivery) (*asynq.Task, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("notify: encode delivery: %w", err)
	}
	return asynq.NewTask(TaskDeliver, payload), nil
}

func (q *QueueNotifier) Notify(ctx context.Context, d Delivery) error {
	if len(d.Targets) == 0 {
		return nil
	}
	task, err := NewDeliverTask(d)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(Queue),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", d.Event.JobID, err)
	}
	q.logger.Debug().Str("task_id", info.ID).Str("job_id", d.Event.JobID).Msg("notify: enqueued")
	return nil
}

// TaskHandler delivers queued events through sender. Malformed payloads are
// not retried.
type TaskHandler struct {
	sender Notifier
	logger *infra.Logger
}

func NewTaskHandler(sender Notifier, logger *infra.Logger) *TaskHandler {
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &TaskHandler{sender: sender, logger: logger}
}

func (h *TaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var d Delivery
	if err := json.Unmarshal(task.Payload(), &d); err != nil {
		return fmt.Errorf("notify: decode delivery: %v: %w", err, asynq.SkipRetry)
	}
	if err := h.sender.Notify(ctx, d); err != nil {
		h.logger.Warn().Err(err).Str("job_id", d.Event.JobID).Msg("notify: delivery failed, will retry")
		return err
	}
	return nil
}

// Register mounts the delivery handler on an asynq mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.Handle(TaskDeliver, h)
}
