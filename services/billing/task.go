package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rlock "smallbiznis-billing/pkg/redis"
	"smallbiznis-billing/pkg/rediskey"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cycleLockTTL = time.Hour

// CyclePayload is the body of a billing:cycle:run task.
type CyclePayload struct {
	At time.Time `json:"at"`
}

// NewCycleTask builds the daily run task. The task id carries the day so a
// second enqueue for the same day is rejected by the queue.
func NewCycleTask(at time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(CyclePayload{At: at.UTC()})
	if err != nil {
		return nil, err
	}
	day := at.UTC().Format("20060102")
	return asynq.NewTask(taskname.BillingCycleRun, payload,
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(3),
		asynq.TaskID(rediskey.NamespaceKey(rediskey.BillingCyclePrefix, day)),
		asynq.Retention(48*time.Hour),
	), nil
}

// CycleHandler runs the billing cycle for a task. A redis lock keeps two
// workers from running the same day concurrently.
type CycleHandler struct {
	svc *Service
	rdb *redis.Client
}

func NewCycleHandler(svc *Service, rdb *redis.Client) *CycleHandler {
	return &CycleHandler{svc: svc, rdb: rdb}
}

func (h *CycleHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p CyclePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode cycle payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.At.IsZero() {
		p.At = h.svc.now()
	}

	zapLog := zap.L().With(zap.Time("at", p.At))

	if h.rdb != nil {
		key := rediskey.BuildBillingCycleLockKey(p.At.UTC().Format("20060102"))
		lock, err := rlock.TryLock(ctx, h.rdb, key, cycleLockTTL)
		if err != nil {
			zapLog.Error("failed to take billing cycle lock", zap.Error(err))
			return err
		}
		if lock == nil {
			zapLog.Info("billing cycle already running, skipping")
			return nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				zapLog.Warn("failed to release billing cycle lock", zap.Error(err))
			}
		}()
	}

	summary, err := h.svc.RunBillingCycle(ctx, p.At)
	if err != nil {
		return err
	}

	if rw := t.ResultWriter(); rw != nil {
		if b, err := json.Marshal(summary); err == nil {
			_, _ = rw.Write(b)
		}
	}
	return nil
}
