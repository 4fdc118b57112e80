package logger

import (
	"testing"

	"smallbiznis-billing/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLogLevel(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	cfg := config.Defaults()
	cfg.LogLevel = "warn"

	log, err := New(ConfigParams{Cfg: cfg})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))
	require.True(t, log.Core().Enabled(zapcore.WarnLevel))
	require.Same(t, log, zap.L())

	cfg.LogLevel = "loud"
	_, err = New(ConfigParams{Cfg: cfg})
	require.Error(t, err)
}
