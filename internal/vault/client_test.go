package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"investment-ledger/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledClientIsNoop(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.IsEnabled())

	s, err := c.LoadSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ServiceSecrets{}, *s)
	assert.NoError(t, c.Health(context.Background()))
	assert.Error(t, c.StoreSecrets(context.Background(), ServiceSecrets{JWTSecret: "x"}))
}

func TestLoadSecrets(t *testing.T) {
	var reads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/kv/data/ledger" || r.Header.Get("X-Vault-Token") != "root" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&reads, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data": map[string]interface{}{
					"jwt_secret":         "from-vault",
					"gateway_token_hash": "$2a$04$hash",
				},
				"metadata": map[string]interface{}{"version": 3},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{
		Enabled:    true,
		Address:    srv.URL,
		Token:      "root",
		MountPath:  "kv",
		SecretPath: "ledger",
	})
	require.NoError(t, err)

	s, err := c.LoadSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-vault", s.JWTSecret)
	assert.Empty(t, s.DBPassword)

	_, err = c.LoadSecrets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&reads), "second read is served from cache")

	cfg := &config.Config{}
	cfg.AuthConfig.JWTSecret = "from-file"
	cfg.DatabaseConfig.Password = "db-from-file"
	Apply(cfg, s)
	assert.Equal(t, "from-vault", cfg.AuthConfig.JWTSecret)
	assert.Equal(t, "db-from-file", cfg.DatabaseConfig.Password, "empty secrets do not override")
	assert.Equal(t, "$2a$04$hash", cfg.GatewayConfig.TokenHash)
}

func TestLoadSecretsMissingPath(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root"})
	require.NoError(t, err)
	_, err = c.LoadSecrets(context.Background())
	assert.Error(t, err)
}
