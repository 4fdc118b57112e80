// Package schema owns the database migration for every table the billing
// service uses.
package schema

import (
	"context"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/invitation"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates on start outside production. Production schemas are
// migrated explicitly with `billingctl migrate`.
var Module = fx.Module("schema",
	fx.Invoke(autoMigrate),
)

func Models() []any {
	var models []any
	models = append(models, ledger.Models()...)
	models = append(models, campaign.Models()...)
	models = append(models, invitation.Models()...)
	models = append(models, notification.Models()...)
	return models
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("failed to migrate schema", zap.Error(err))
		return err
	}
	zap.L().Info("schema migrated", zap.Int("tables", len(Models())))
	return nil
}

func autoMigrate(cfg *config.Config, db *gorm.DB) error {
	if cfg.AppEnv == "production" {
		return nil
	}
	return Migrate(context.Background(), db)
}
