package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/fx"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db"
	"smallbiznis-billing/pkg/gen"
	"smallbiznis-billing/pkg/hashistack/secretmanager"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/redis"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/billing"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"
)

const startTimeout = 30 * time.Second

// withApp starts a minimal fx graph, fills targets and runs fn before
// stopping the graph again.
func withApp(ctx context.Context, extra []fx.Option, fn func() error, targets ...any) error {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Provide(gen.NewNode),
		fx.NopLogger,
		fx.Populate(targets...),
	}
	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}
	opts = append(opts, extra...)

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn()
}

// ledgerOptions wires the ledger alone.
func ledgerOptions() []fx.Option {
	return []fx.Option{ledger.Module}
}

// billingOptions wires everything the billing cycle needs, including the
// notification publisher so charged and failed events still go out.
func billingOptions() []fx.Option {
	return []fx.Option{
		redis.Module,
		task.Client,
		notification.Module,
		ledger.Module,
		campaign.Module,
		billing.Module,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
