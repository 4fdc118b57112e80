package invitation

import (
	"smallbiznis-billing/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("invitation.service",
	fx.Provide(NewService),
)

var Server = fx.Module("invitation.server",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func registerRoutes(r *httpapi.Router, h *Handler) {
	h.Register(r)
}
