package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	AuthConfig     AuthConfig     `json:"auth"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	LedgerConfig   LedgerConfig   `json:"ledger"`
	ReferralConfig ReferralConfig `json:"referrals"`
	JobsConfig     JobsConfig     `json:"jobs"`
	GatewayConfig  GatewayConfig  `json:"gateway"`
	AlertsConfig   AlertsConfig   `json:"alerts"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Driver   string `json:"driver"` // postgres or memory
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// RedisConfig holds Redis configuration for the balance cache and webhook dedupe
type RedisConfig struct {
	Enabled        bool          `json:"enabled"`
	Address        string        `json:"address"`
	Password       string        `json:"password"`
	DB             int           `json:"db"`
	PoolSize       int           `json:"pool_size"`
	BalanceTTL     time.Duration `json:"balance_ttl"`
	IdempotencyTTL time.Duration `json:"idempotency_ttl"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	Issuer              string        `json:"issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount
	SecretPath string `json:"secret_path"` // Path of the service secrets under the mount
}

// LedgerConfig is the system configuration consulted by the payment tracker.
type LedgerConfig struct {
	PlatformFeePercent decimal.Decimal `json:"platform_fee_percent"`
	MinimumDeposit     decimal.Decimal `json:"minimum_deposit"`
	MaximumWithdrawal  decimal.Decimal `json:"maximum_withdrawal"`
	DepositsEnabled    bool            `json:"deposits_enabled"`
	WithdrawalsEnabled bool            `json:"withdrawals_enabled"`
	VerifyOnRead       bool            `json:"verify_on_read"`
}

// ReferralConfig is the active referral program.
type ReferralConfig struct {
	Enabled                bool            `json:"enabled"`
	RefereeBonus           decimal.Decimal `json:"referee_bonus"`
	ReferrerBonus          decimal.Decimal `json:"referrer_bonus"`
	ReferrerBonusPercent   decimal.Decimal `json:"referrer_bonus_percent"`
	Tier1PercentEnabled    bool            `json:"tier1_percent_enabled"`
	EnableMultiTier        bool            `json:"enable_multi_tier"`
	Tier2Percent           decimal.Decimal `json:"tier2_percent"`
	Tier3Percent           decimal.Decimal `json:"tier3_percent"`
	MinimumDepositRequired decimal.Decimal `json:"minimum_deposit_required"`
	BonusExpiryDays        int             `json:"bonus_expiry_days"`
	MaxReferralsPerUser    int             `json:"max_referrals_per_user"` // 0 = unlimited
	MaxBonusPerReferral    decimal.Decimal `json:"max_bonus_per_referral"` // 0 = unlimited
}

// JobsConfig holds background job cadence
type JobsConfig struct {
	ReconcileInterval    time.Duration `json:"reconcile_interval"`
	ReconcileConcurrency int           `json:"reconcile_concurrency"`
	BonusSweepInterval   time.Duration `json:"bonus_sweep_interval"`
	DepositPollInterval  time.Duration `json:"deposit_poll_interval"`
}

// GatewayConfig holds payment gateway callback and polling settings
type GatewayConfig struct {
	TokenHash    string        `json:"token_hash"` // bcrypt hash of the shared callback token
	StatusURL    string        `json:"status_url"`
	PollTimeout  time.Duration `json:"poll_timeout"`
	PendingGrace time.Duration `json:"pending_grace"`
}

// AlertsConfig holds operator alert channels
type AlertsConfig struct {
	MinSeverity       string `json:"min_severity"` // info, warning or critical
	TelegramBotToken  string `json:"telegram_bot_token"`
	TelegramChatID    string `json:"telegram_chat_id"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
}

func Load() (*Config, error) {
	return LoadFrom(getEnvOrDefault("LEDGER_CONFIG_FILE", "config.json"))
}

// LoadFrom reads filename when present, then applies defaults and env overrides.
func LoadFrom(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		applyFileDefaults(cfg)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the ledger cannot run with.
func (c *Config) Validate() error {
	if c.LedgerConfig.PlatformFeePercent.IsNegative() || c.LedgerConfig.PlatformFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("platform_fee_percent must be within [0, 100], got %s", c.LedgerConfig.PlatformFeePercent)
	}
	if c.LedgerConfig.MinimumDeposit.IsNegative() {
		return fmt.Errorf("minimum_deposit must not be negative")
	}
	if c.LedgerConfig.MaximumWithdrawal.IsNegative() {
		return fmt.Errorf("maximum_withdrawal must not be negative")
	}
	if d := c.DatabaseConfig.Driver; d != "" && d != "postgres" && d != "memory" {
		return fmt.Errorf("database driver must be postgres or memory, got %q", d)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("auth is enabled but no jwt secret is configured")
	}
	return nil
}

// applyFileDefaults fills the toggles that default to on when there is no
// config file at all.
func applyFileDefaults(cfg *Config) {
	cfg.LedgerConfig.DepositsEnabled = true
	cfg.LedgerConfig.WithdrawalsEnabled = true
	cfg.ReferralConfig.Enabled = true
	cfg.ReferralConfig.EnableMultiTier = true
	cfg.LoggingConfig.JSONFormat = true
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", orInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", orString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", orString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", orInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", orInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", orInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Database config
	cfg.DatabaseConfig.Driver = getEnvOrDefault("DB_DRIVER", orString(cfg.DatabaseConfig.Driver, "postgres"))
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", orString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", orInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", orString(cfg.DatabaseConfig.User, "ledger"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", orString(cfg.DatabaseConfig.Database, "investment_ledger"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", orString(cfg.DatabaseConfig.SSLMode, "disable"))
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", orInt(cfg.DatabaseConfig.MaxConns, 25))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", orString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", orInt(cfg.RedisConfig.PoolSize, 10))
	cfg.RedisConfig.BalanceTTL = getEnvDurationOrDefault("REDIS_BALANCE_TTL", orDuration(cfg.RedisConfig.BalanceTTL, 5*time.Minute))
	cfg.RedisConfig.IdempotencyTTL = getEnvDurationOrDefault("REDIS_IDEMPOTENCY_TTL", orDuration(cfg.RedisConfig.IdempotencyTTL, 72*time.Hour))

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.Issuer = getEnvOrDefault("AUTH_ISSUER", orString(cfg.AuthConfig.Issuer, "investment-ledger"))
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", orDuration(cfg.AuthConfig.AccessTokenDuration, 15*time.Minute))

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", orString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", orString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", orString(cfg.VaultConfig.SecretPath, "investment-ledger"))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", orString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", orString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	// Ledger system configuration
	l := &cfg.LedgerConfig
	l.PlatformFeePercent = getEnvDecimalOrDefault("PLATFORM_FEE_PERCENT", orDecimal(l.PlatformFeePercent, decimal.NewFromInt(10)))
	l.MinimumDeposit = getEnvDecimalOrDefault("MINIMUM_DEPOSIT", orDecimal(l.MinimumDeposit, decimal.NewFromInt(10000)))
	l.MaximumWithdrawal = getEnvDecimalOrDefault("MAXIMUM_WITHDRAWAL", orDecimal(l.MaximumWithdrawal, decimal.NewFromInt(500000)))
	l.DepositsEnabled = getEnvBoolOrDefault("DEPOSITS_ENABLED", l.DepositsEnabled)
	l.WithdrawalsEnabled = getEnvBoolOrDefault("WITHDRAWALS_ENABLED", l.WithdrawalsEnabled)
	l.VerifyOnRead = getEnvBoolOrDefault("LEDGER_VERIFY_ON_READ", l.VerifyOnRead)

	// Referral program
	r := &cfg.ReferralConfig
	r.Enabled = getEnvBoolOrDefault("REFERRALS_ENABLED", r.Enabled)
	r.RefereeBonus = getEnvDecimalOrDefault("REFERRAL_REFEREE_BONUS", orDecimal(r.RefereeBonus, decimal.NewFromInt(500)))
	r.ReferrerBonus = getEnvDecimalOrDefault("REFERRAL_REFERRER_BONUS", orDecimal(r.ReferrerBonus, decimal.NewFromInt(1000)))
	r.ReferrerBonusPercent = getEnvDecimalOrDefault("REFERRAL_REFERRER_PERCENT", orDecimal(r.ReferrerBonusPercent, decimal.NewFromInt(5)))
	r.Tier1PercentEnabled = getEnvBoolOrDefault("REFERRAL_TIER1_PERCENT_ENABLED", r.Tier1PercentEnabled)
	r.EnableMultiTier = getEnvBoolOrDefault("REFERRAL_MULTI_TIER", r.EnableMultiTier)
	r.Tier2Percent = getEnvDecimalOrDefault("REFERRAL_TIER2_PERCENT", orDecimal(r.Tier2Percent, decimal.NewFromInt(2)))
	r.Tier3Percent = getEnvDecimalOrDefault("REFERRAL_TIER3_PERCENT", orDecimal(r.Tier3Percent, decimal.NewFromInt(1)))
	r.MinimumDepositRequired = getEnvDecimalOrDefault("REFERRAL_MIN_DEPOSIT", orDecimal(r.MinimumDepositRequired, decimal.NewFromInt(5000)))
	r.BonusExpiryDays = getEnvIntOrDefault("REFERRAL_BONUS_EXPIRY_DAYS", orInt(r.BonusExpiryDays, 90))
	r.MaxReferralsPerUser = getEnvIntOrDefault("REFERRAL_MAX_PER_USER", r.MaxReferralsPerUser)
	r.MaxBonusPerReferral = getEnvDecimalOrDefault("REFERRAL_MAX_BONUS", r.MaxBonusPerReferral)

	// Jobs
	cfg.JobsConfig.ReconcileInterval = getEnvDurationOrDefault("JOB_RECONCILE_INTERVAL", orDuration(cfg.JobsConfig.ReconcileInterval, time.Hour))
	cfg.JobsConfig.ReconcileConcurrency = getEnvIntOrDefault("JOB_RECONCILE_CONCURRENCY", orInt(cfg.JobsConfig.ReconcileConcurrency, 8))
	cfg.JobsConfig.BonusSweepInterval = getEnvDurationOrDefault("JOB_BONUS_SWEEP_INTERVAL", orDuration(cfg.JobsConfig.BonusSweepInterval, 5*time.Minute))
	cfg.JobsConfig.DepositPollInterval = getEnvDurationOrDefault("JOB_DEPOSIT_POLL_INTERVAL", orDuration(cfg.JobsConfig.DepositPollInterval, time.Minute))

	// Gateway
	cfg.GatewayConfig.TokenHash = getEnvOrDefault("GATEWAY_TOKEN_HASH", cfg.GatewayConfig.TokenHash)
	cfg.GatewayConfig.StatusURL = getEnvOrDefault("GATEWAY_STATUS_URL", cfg.GatewayConfig.StatusURL)
	cfg.GatewayConfig.PollTimeout = getEnvDurationOrDefault("GATEWAY_POLL_TIMEOUT", orDuration(cfg.GatewayConfig.PollTimeout, 10*time.Second))
	cfg.GatewayConfig.PendingGrace = getEnvDurationOrDefault("GATEWAY_PENDING_GRACE", orDuration(cfg.GatewayConfig.PendingGrace, 2*time.Minute))

	// Operator alerts
	cfg.AlertsConfig.MinSeverity = getEnvOrDefault("ALERT_MIN_SEVERITY", orString(cfg.AlertsConfig.MinSeverity, "warning"))
	cfg.AlertsConfig.TelegramBotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.AlertsConfig.TelegramBotToken)
	cfg.AlertsConfig.TelegramChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.AlertsConfig.TelegramChatID)
	cfg.AlertsConfig.DiscordWebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.AlertsConfig.DiscordWebhookURL)
}

// AllowedOriginList splits the CORS origin setting.
func (c *ServerConfig) AllowedOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvDecimalOrDefault(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func orDecimal(v, def decimal.Decimal) decimal.Decimal {
	if v.IsZero() {
		return def
	}
	return v
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{}
	applyFileDefaults(&config)
	applyEnvOverrides(&config)
	config.AuthConfig.JWTSecret = "change-me"

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
