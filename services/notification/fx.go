package notification

import (
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

type publisherParams struct {
	fx.In
	Enqueuer task.Enqueuer `optional:"true"`
}

// Module provides the Publisher used by request handling services.
var Module = fx.Module("notification.publisher",
	fx.Provide(func(p publisherParams) Publisher { return NewPublisher(p.Enqueuer) }),
)

// Worker registers the delivery handler on the asynq mux.
var WorkerModule = fx.Module("notification.worker",
	fx.Provide(NewMailer, NewUserDirectory, NewWorker),
	fx.Invoke(registerHandler),
)

func registerHandler(mux *asynq.ServeMux, w *Worker) {
	mux.Handle(taskname.NotificationSend, w)
}
