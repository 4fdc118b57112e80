package billing

import (
	"context"
	"errors"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler enqueues the billing cycle once a day at BILLING.CYCLE_HOUR UTC.
type Scheduler struct {
	enq  task.Enqueuer
	hour int
	now  func() time.Time
}

func NewScheduler(cfg *config.Config, enq task.Enqueuer) *Scheduler {
	return &Scheduler{enq: enq, hour: cfg.Billing.CycleHour, now: time.Now}
}

// StartScheduler runs the scheduler loop for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started billing cycle scheduler", zap.Int("hour_utc", s.hour))

	// Catch up on a run missed while no worker was up.
	s.Enqueue(ctx, s.now())

	for {
		now := s.now().UTC()
		next := nextRunTime(now, s.hour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)
		select {
		case <-time.After(sleepDuration):
			s.Enqueue(ctx, next)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// Enqueue queues the cycle run for at. A run already queued for that day is
// not an error.
func (s *Scheduler) Enqueue(ctx context.Context, at time.Time) {
	t, err := NewCycleTask(at)
	if err != nil {
		zap.L().Error("[Scheduler] failed to build cycle task", zap.Error(err))
		return
	}
	if _, err := s.enq.Enqueue(ctx, t); err != nil {
		if isDuplicate(err) {
			zap.L().Debug("[Scheduler] cycle already queued for the day", zap.Time("at", at))
			return
		}
		zap.L().Error("[Scheduler] failed to enqueue billing cycle", zap.Error(err))
		return
	}
	zap.L().Info("[Scheduler] billing cycle enqueued", zap.Time("at", at))
}

// nextRunTime returns the next occurrence of hour:minute UTC after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !now.Before(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func isDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}
