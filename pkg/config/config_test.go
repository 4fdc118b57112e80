package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsCarryBillingFloors(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, int64(-1000), cfg.Billing.Floor.Standard)
	require.Equal(t, int64(-500), cfg.Billing.Floor.Recurring)
	require.Equal(t, int64(0), cfg.Billing.Floor.Invitation)
	require.True(t, cfg.Billing.ProrationDefault)
	require.Equal(t, 5*time.Minute, cfg.Stripe.Tolerance)
	require.Equal(t, 7*24*time.Hour, cfg.Billing.InvitationTTL)
}

func TestSelectFollowsRemoteAddr(t *testing.T) {
	require.Equal(t, Module, Select())

	t.Setenv("REMOTE_CONFIG_ADDR", "127.0.0.1:8500")
	require.Equal(t, RemoteModule, Select())
}
