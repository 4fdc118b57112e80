package campaign

import (
	"smallbiznis-billing/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("campaign.service",
	fx.Provide(NewService),
)

var Server = fx.Module("campaign.server",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func registerRoutes(r *httpapi.Router, h *Handler) {
	h.Register(r)
}
