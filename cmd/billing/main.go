package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-billing/pkg/authz"
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db"
	"smallbiznis-billing/pkg/featureflags"
	"smallbiznis-billing/pkg/gen"
	"smallbiznis-billing/pkg/hashistack/secretmanager"
	"smallbiznis-billing/pkg/hashistack/servicediscover"
	"smallbiznis-billing/pkg/health"
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/otelcol"
	"smallbiznis-billing/pkg/profiling"
	"smallbiznis-billing/pkg/redis"
	"smallbiznis-billing/pkg/sequence"
	"smallbiznis-billing/pkg/server"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/billing"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/invitation"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"
	"smallbiznis-billing/services/payment"
	"smallbiznis-billing/services/schema"
)

func main() {
	opts := []fx.Option{
		config.Select(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		schema.Module,
		redis.Module,
		sequence.Module,
		task.Client,
		featureflags.Module,
		authz.Module,
		health.Module,
		fx.Provide(gen.NewNode),
		httpapi.Module,
		notification.Module,
		ledger.Module,
		ledger.Server,
		campaign.Module,
		campaign.Server,
		billing.Module,
		billing.Server,
		invitation.Module,
		invitation.Server,
		payment.Module,
		payment.Server,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}
	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
