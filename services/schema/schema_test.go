package schema

import (
	"context"
	"testing"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestMigrateCreatesAllTables(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, Migrate(context.Background(), db))

	for _, table := range []string{
		"user_balances",
		"ledger_entries",
		"campaigns",
		"campaign_participants",
		"campaign_invitations",
		"user_profiles",
	} {
		require.True(t, db.Migrator().HasTable(table), table)
	}

	require.NoError(t, Migrate(context.Background(), db))
}

func TestAutoMigrateSkipsProduction(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := config.Defaults()
	cfg.AppEnv = "production"

	require.NoError(t, autoMigrate(cfg, db))
	require.False(t, db.Migrator().HasTable("ledger_entries"))
}
