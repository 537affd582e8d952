//go:build integration

package vault_test

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-oidc-keys/internal/storage/storetest"
	"github.com/tinywideclouds/go-oidc-keys/internal/storage/vault"
	"github.com/tinywideclouds/go-oidc-keys/pkg/signingkeys"
)

// setupSuite connects to a dev-mode Vault at VAULT_TEST_ADDR using
// VAULT_TEST_TOKEN. The "secret" mount of a dev server is KV v2.
func setupSuite(t *testing.T) *vault.Store {
	t.Helper()
	addr := os.Getenv("VAULT_TEST_ADDR")
	if addr == "" {
		t.Skip("VAULT_TEST_ADDR not set")
	}

	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken(os.Getenv("VAULT_TEST_TOKEN"))

	return vault.NewVaultStore(client, "secret", "storetest", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestVaultStore_Integration(t *testing.T) {
	store := setupSuite(t)
	storetest.Run(t, func(t *testing.T) signingkeys.Store {
		return store
	})
}
