package ledger

import (
	"context"

	"smallbiznis-billing/pkg/errutil"

	"github.com/gogo/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "billing.ledger"

func (s *Service) servingStatus(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	sqlDB, err := s.db.DB()
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

func (s *Service) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if name := req.GetService(); name != "" && name != ServiceName {
		return nil, errutil.ToGRPCError(errutil.NotFound("unknown service "+name, nil))
	}
	return &grpc_health_v1.HealthCheckResponse{Status: s.servingStatus(ctx)}, nil
}

func (s *Service) List(ctx context.Context, _ *grpc_health_v1.HealthListRequest) (*grpc_health_v1.HealthListResponse, error) {
	st := s.servingStatus(ctx)
	return &grpc_health_v1.HealthListResponse{
		Statuses: map[string]*grpc_health_v1.HealthCheckResponse{
			"":          {Status: st},
			ServiceName: {Status: st},
		},
	}, nil
}

func (s *Service) Watch(req *grpc_health_v1.HealthCheckRequest, srv grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "Watch method not implemented")
}
