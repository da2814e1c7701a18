package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.True(t, cfg.LedgerConfig.PlatformFeePercent.Equal(decimal.NewFromInt(10)))
	assert.True(t, cfg.LedgerConfig.MinimumDeposit.Equal(decimal.NewFromInt(10000)))
	assert.True(t, cfg.LedgerConfig.MaximumWithdrawal.Equal(decimal.NewFromInt(500000)))
	assert.True(t, cfg.LedgerConfig.DepositsEnabled)
	assert.True(t, cfg.LedgerConfig.WithdrawalsEnabled)
	assert.False(t, cfg.LedgerConfig.VerifyOnRead)

	assert.True(t, cfg.ReferralConfig.Enabled)
	assert.True(t, cfg.ReferralConfig.RefereeBonus.Equal(decimal.NewFromInt(500)))
	assert.True(t, cfg.ReferralConfig.ReferrerBonus.Equal(decimal.NewFromInt(1000)))
	assert.False(t, cfg.ReferralConfig.Tier1PercentEnabled)
	assert.Equal(t, 90, cfg.ReferralConfig.BonusExpiryDays)

	assert.Equal(t, 8080, cfg.ServerConfig.Port)
	assert.Equal(t, time.Hour, cfg.JobsConfig.ReconcileInterval)
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"server": {"port": 9090},
		"ledger": {"platform_fee_percent": "7.5", "deposits_enabled": true, "withdrawals_enabled": false},
		"referrals": {"enabled": true, "referrer_bonus": 2000}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("WITHDRAWALS_ENABLED", "true")
	t.Setenv("MINIMUM_DEPOSIT", "2500.50")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerConfig.Port)
	assert.True(t, cfg.LedgerConfig.PlatformFeePercent.Equal(decimal.RequireFromString("7.5")))
	assert.True(t, cfg.LedgerConfig.WithdrawalsEnabled, "env wins over file")
	assert.True(t, cfg.LedgerConfig.MinimumDeposit.Equal(decimal.RequireFromString("2500.50")))
	assert.True(t, cfg.ReferralConfig.ReferrerBonus.Equal(decimal.NewFromInt(2000)))
}

func TestLoadFrom_InvalidFee(t *testing.T) {
	t.Setenv("PLATFORM_FEE_PERCENT", "120")
	_, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadFrom_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := LoadFrom(path)
	assert.Error(t, err)
}

func TestAllowedOriginList(t *testing.T) {
	s := ServerConfig{AllowedOrigins: " https://a.example, ,https://b.example "}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.AllowedOriginList())
}
