package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger = logger.With().Str("component", "database").Logger()
	logger.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Int("count", len(migrations)).Msg("running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}

var migrations = []string{
	// Balances: one row per user, maintained incrementally under the user lock
	`CREATE TABLE IF NOT EXISTS balances (
		user_id VARCHAR(64) PRIMARY KEY,
		total_deposited NUMERIC(14, 2) NOT NULL DEFAULT 0,
		total_withdrawn NUMERIC(14, 2) NOT NULL DEFAULT 0,
		total_profit NUMERIC(14, 2) NOT NULL DEFAULT 0,
		total_fees NUMERIC(14, 2) NOT NULL DEFAULT 0,
		current_balance NUMERIC(14, 2) NOT NULL DEFAULT 0,
		reserved NUMERIC(14, 2) NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT balances_identity CHECK (
			current_balance = total_deposited - total_withdrawn + total_profit - total_fees
		)
	)`,

	// Ledger entries
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		kind VARCHAR(20) NOT NULL,
		amount NUMERIC(14, 2) NOT NULL CHECK (amount >= 0),
		state VARCHAR(20) NOT NULL,
		reference VARCHAR(255) NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		payment_method VARCHAR(50) NOT NULL DEFAULT '',
		receipt_id VARCHAR(120) NOT NULL UNIQUE,
		reverses_id UUID REFERENCES ledger_entries(id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user ON ledger_entries(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_state ON ledger_entries(state, kind)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_single_reversal ON ledger_entries(reverses_id) WHERE reverses_id IS NOT NULL`,

	// Deposits and withdrawals
	`CREATE TABLE IF NOT EXISTS deposits (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		entry_id UUID NOT NULL UNIQUE REFERENCES ledger_entries(id),
		amount NUMERIC(14, 2) NOT NULL,
		method VARCHAR(50) NOT NULL,
		status VARCHAR(20) NOT NULL,
		external_ref VARCHAR(255) NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		confirmed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deposits_user ON deposits(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_deposits_status ON deposits(status, created_at)`,

	`CREATE TABLE IF NOT EXISTS withdrawals (
		id UUID PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		entry_id UUID NOT NULL UNIQUE REFERENCES ledger_entries(id),
		amount NUMERIC(14, 2) NOT NULL,
		method VARCHAR(50) NOT NULL,
		destination VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		external_ref VARCHAR(255) NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		reviewed_by VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status)`,

	// Admin profiles and the append-only admin log
	`CREATE TABLE IF NOT EXISTS admin_users (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL UNIQUE,
		role VARCHAR(20) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		can_suspend_users BOOLEAN NOT NULL DEFAULT FALSE,
		can_adjust_transactions BOOLEAN NOT NULL DEFAULT FALSE,
		can_verify_kyc BOOLEAN NOT NULL DEFAULT FALSE,
		can_manage_admins BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS admin_audit_log (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		admin_id VARCHAR(64) NOT NULL,
		action_type VARCHAR(40) NOT NULL,
		affected_user_id VARCHAR(64) NOT NULL DEFAULT '',
		resource_type VARCHAR(40) NOT NULL DEFAULT '',
		resource_id VARCHAR(64) NOT NULL DEFAULT '',
		old_value JSONB,
		new_value JSONB,
		reason TEXT NOT NULL,
		ip_address VARCHAR(64) NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_user ON admin_audit_log(affected_user_id, seq DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_action ON admin_audit_log(action_type, seq DESC)`,
	// The admin log is never rewritten
	`CREATE OR REPLACE RULE admin_audit_log_no_update AS ON UPDATE TO admin_audit_log DO INSTEAD NOTHING`,
	`CREATE OR REPLACE RULE admin_audit_log_no_delete AS ON DELETE TO admin_audit_log DO INSTEAD NOTHING`,

	// Referrals
	`CREATE TABLE IF NOT EXISTS referrals (
		id UUID PRIMARY KEY,
		referrer_id VARCHAR(64) NOT NULL,
		referee_id VARCHAR(64) NOT NULL,
		tier_level SMALLINT NOT NULL CHECK (tier_level BETWEEN 1 AND 3),
		parent_referral_id UUID REFERENCES referrals(id),
		status VARCHAR(20) NOT NULL,
		first_deposit_made BOOLEAN NOT NULL DEFAULT FALSE,
		first_deposit_id VARCHAR(64) NOT NULL DEFAULT '',
		first_deposit_amount NUMERIC(14, 2) NOT NULL DEFAULT 0,
		first_deposit_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (referrer_id <> referee_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_direct_referee ON referrals(referee_id) WHERE tier_level = 1`,
	`CREATE INDEX IF NOT EXISTS idx_referrals_referrer ON referrals(referrer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_referrals_awaiting_deposit ON referrals(created_at) WHERE first_deposit_made = FALSE`,

	`CREATE TABLE IF NOT EXISTS referral_bonuses (
		id UUID PRIMARY KEY,
		referral_id UUID NOT NULL REFERENCES referrals(id),
		deposit_id VARCHAR(64) NOT NULL,
		recipient_id VARCHAR(64) NOT NULL,
		bonus_type VARCHAR(20) NOT NULL,
		tier_level SMALLINT NOT NULL,
		amount NUMERIC(14, 2) NOT NULL CHECK (amount >= 0),
		status VARCHAR(20) NOT NULL,
		ledger_entry_id UUID REFERENCES ledger_entries(id),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ,
		distributed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (referral_id, deposit_id, bonus_type),
		CHECK (status <> 'distributed' OR ledger_entry_id IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_referral_bonuses_status ON referral_bonuses(status, created_at)`,
}
