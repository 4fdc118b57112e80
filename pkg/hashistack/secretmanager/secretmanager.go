package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a vault client configured from the VAULT_* environment.
// config.Module overlays the credentials it reads from vault.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	if token, ok := os.LookupEnv("VAULT_TOKEN"); ok {
		if err := client.SetToken(token); err != nil {
			zap.L().Error("failed to set vault token", zap.Error(err))
			return nil, err
		}
	}

	return client, nil
}

// Enabled reports whether the process is configured to read secrets from
// vault.
func Enabled() bool {
	_, ok := os.LookupEnv("VAULT_ADDR")
	return ok
}
