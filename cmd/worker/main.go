package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db"
	"smallbiznis-billing/pkg/featureflags"
	"smallbiznis-billing/pkg/gen"
	"smallbiznis-billing/pkg/hashistack/secretmanager"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/otelcol"
	"smallbiznis-billing/pkg/profiling"
	"smallbiznis-billing/pkg/redis"
	"smallbiznis-billing/pkg/sequence"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/billing"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"
)

func main() {
	opts := []fx.Option{
		config.Select(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		task.Client,
		task.Server,
		featureflags.Module,
		fx.Provide(gen.NewNode),
		notification.Module,
		notification.WorkerModule,
		ledger.Module,
		campaign.Module,
		billing.Module,
		billing.Worker,
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
