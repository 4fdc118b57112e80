package payment

import (
	"smallbiznis-billing/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(NewService),
)

var Server = fx.Module("payment.server",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func registerRoutes(r *httpapi.Router, h *Handler) {
	h.Register(r)
}
