package testutil

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"smallbiznis-billing/pkg/db"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a private in-memory SQLite database for t and migrates
// models into it. It behaves like the service database where tests depend
// on it: constraint violations come back as gorm.ErrDuplicatedKey and
// timestamps are UTC. Set TEST_SQL=1 to log every statement.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	level := logger.Silent
	if os.Getenv("TEST_SQL") != "" {
		level = logger.Info
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         db.NewQueryLogger(zap.L(), level, time.Second, true),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if len(models) > 0 {
		if err := gdb.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate test database: %v", err)
		}
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB from gorm: %v", err)
	}

	// One connection keeps the shared in-memory database alive and
	// serialises writers the way row locks would.
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return gdb
}
