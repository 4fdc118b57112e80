package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "task_enqueued_total",
	Help: "Tasks handed to the queue, by type and result.",
}, []string{"type", "result"})

// Enqueuer is the part of asynq.Client that services depend on, so tests
// can record tasks instead of talking to redis.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuer{client: client}
}

// Enqueue queues task. A task id that is already queued keeps its asynq
// sentinel error so callers can treat the repeat as done.
func (e *enqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	enqueued.WithLabelValues(task.Type(), enqueueResult(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return info, nil
}

func enqueueResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		return "duplicate"
	default:
		return "error"
	}
}
