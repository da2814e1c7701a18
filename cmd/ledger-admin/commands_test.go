package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"investment-ledger/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestHashToken(t *testing.T) {
	hash, err := run(t, "hash-token", "gateway-secret", "--cost", "4")
	require.NoError(t, err)
	assert.True(t, auth.NewGatewayGuard(hash).Verify("gateway-secret"))
	assert.False(t, auth.NewGatewayGuard(hash).Verify("other"))
}

func TestIssueToken(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	path := writeConfig(t, `{"auth": {"jwt_secret": "cli-secret"}, "database": {"driver": "memory"}}`)

	token, err := run(t, "--config", path, "issue-token", "user-42", "--admin", "--ttl", "5m")
	require.NoError(t, err)

	claims, err := auth.NewJWTManager("cli-secret", "investment-ledger", time.Minute).ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.True(t, claims.IsAdmin)
}

func TestIssueTokenWithoutSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	path := writeConfig(t, `{"database": {"driver": "memory"}}`)
	_, err := run(t, "--config", path, "issue-token", "user-42")
	assert.Error(t, err)
}

func TestCreateAdminOnMemoryStore(t *testing.T) {
	path := writeConfig(t, `{"database": {"driver": "memory"}}`)
	out, err := run(t, "--config", path, "create-admin", "ops-1", "--role", "moderator")
	require.NoError(t, err)
	assert.Contains(t, out, `"role": "moderator"`)
	assert.Contains(t, out, `"can_adjust_transactions": false`)

	_, err = run(t, "--config", path, "create-admin", "ops-2", "--role", "janitor")
	assert.Error(t, err)
}

func TestMigrateRefusesMemoryDriver(t *testing.T) {
	path := writeConfig(t, `{"database": {"driver": "memory"}}`)
	_, err := run(t, "--config", path, "migrate")
	assert.Error(t, err)
}
