package database

import (
	"context"
	"errors"
	"fmt"

	"investment-ledger/internal/scheduler"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so read helpers can
// run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL Store.
type Repository struct {
	db         *DB
	retry      *scheduler.RetryConfig
	classifier *scheduler.ErrorClassifier
	logger     zerolog.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger zerolog.Logger) *Repository {
	return &Repository{
		db:         db,
		retry:      scheduler.DefaultRetryConfig(),
		classifier: &scheduler.ErrorClassifier{},
		logger:     logger.With().Str("component", "repository").Logger(),
	}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// WithUserLock runs fn in one transaction holding a transaction-scoped advisory
// lock on userID. Deadlocks and serialization failures are retried from the
// start of fn.
func (r *Repository) WithUserLock(ctx context.Context, userID string, fn func(tx Tx) error) error {
	attempt := 0
	return scheduler.Retry(ctx, r.retry, r.classifier, func() error {
		attempt++
		err := r.runLocked(ctx, userID, fn)
		if err != nil && r.classifier.IsRetryable(err) {
			r.logger.Warn().Err(err).Str("user_id", userID).Int("attempt", attempt).Msg("retrying ledger transaction")
		}
		return err
	})
}

func (r *Repository) runLocked(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return fmt.Errorf("failed to lock user %s: %w", userID, err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// wrapNotFound maps pgx.ErrNoRows onto the ledger taxonomy.
func wrapNotFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

// pgTx is the Tx handed to WithUserLock callbacks.
type pgTx struct {
	tx pgx.Tx
}

var _ Store = (*Repository)(nil)
var _ Tx = (*pgTx)(nil)
