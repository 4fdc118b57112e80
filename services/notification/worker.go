package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Worker delivers notification tasks through the mailer.
type Worker struct {
	mailer    Mailer
	directory UserDirectory
}

func NewWorker(mailer Mailer, directory UserDirectory) *Worker {
	return &Worker{mailer: mailer, directory: directory}
}

func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var e Event
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
	}

	zapLog := zap.L().With(
		zap.String("template", e.Template),
		zap.String("user_id", e.UserID),
		zap.String("event_key", e.Key),
	)

	rcpt, err := w.directory.Lookup(ctx, e.UserID)
	if err != nil {
		zapLog.Error("failed to look up recipient", zap.Error(err))
		return err
	}
	if rcpt == nil || rcpt.Email == "" {
		zapLog.Warn("no email on file, dropping notification")
		return nil
	}

	if w.mailer == nil {
		zapLog.Info("mailer not configured, notification logged only", zap.Any("data", e.Data))
		return nil
	}

	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data["full_name"] = rcpt.FullName

	err = w.mailer.Send(ctx, Message{Template: e.Template, To: rcpt.Email, Data: data})
	if err != nil {
		var sendErr *SendError
		if errors.As(err, &sendErr) && sendErr.Permanent() {
			zapLog.Error("mailer rejected notification", zap.Error(err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		zapLog.Warn("failed to send notification", zap.Error(err))
		return err
	}

	zapLog.Info("notification sent")
	return nil
}
