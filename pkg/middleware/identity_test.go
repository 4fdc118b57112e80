package middleware

import (
	"strings"
	"testing"
	"time"

	"smallbiznis-billing/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestNewTokenVerifierRejectsShortSecret(t *testing.T) {
	cfg := config.Defaults()

	for _, secret := range []string{"", "secret", strings.Repeat("k", MinSecretLength-1)} {
		cfg.Auth.JWTSecret = secret
		v, err := NewTokenVerifier(cfg)
		require.Error(t, err, "secret of %d bytes", len(secret))
		require.Nil(t, v)
	}

	cfg.Auth.JWTSecret = strings.Repeat("k", MinSecretLength)
	v, err := NewTokenVerifier(cfg)
	require.NoError(t, err)

	tok, err := v.Sign(Identity{UserID: "u1", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)
	id, err := v.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, Identity{UserID: "u1", Role: RoleAdmin}, id)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = strings.Repeat("a", MinSecretLength)
	signer, err := NewTokenVerifier(cfg)
	require.NoError(t, err)

	cfg.Auth.JWTSecret = strings.Repeat("b", MinSecretLength)
	verifier, err := NewTokenVerifier(cfg)
	require.NoError(t, err)

	tok, err := signer.Sign(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = verifier.Verify(tok)
	require.Error(t, err)
}
