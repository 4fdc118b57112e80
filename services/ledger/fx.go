package ledger

import (
	"smallbiznis-billing/pkg/httpapi"

	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
)

// Server exposes the ledger over gRPC health and the HTTP API.
var Server = fx.Module("ledger.server",
	fx.Provide(NewHandler),
	fx.Invoke(registerHealthServer, registerRoutes),
)

func registerHealthServer(server *grpc.Server, service *Service) {
	grpc_health_v1.RegisterHealthServer(server, service)
}

func registerRoutes(r *httpapi.Router, h *Handler) {
	h.Register(r)
}
