package billing

import (
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.service",
	fx.Provide(NewService),
)

var Server = fx.Module("billing.server",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

// Worker registers the cycle handler and the daily scheduler.
var Worker = fx.Module("billing.worker",
	fx.Provide(NewCycleHandler, NewScheduler),
	fx.Invoke(registerCycleHandler, StartScheduler),
)

func registerRoutes(r *httpapi.Router, h *Handler) {
	h.Register(r)
}

func registerCycleHandler(mux *asynq.ServeMux, h *CycleHandler) {
	mux.Handle(taskname.BillingCycleRun, h)
}
