// Package balance maintains the per-user Balance projection of the ledger.
//
// The stored balance is updated incrementally in the same transaction as the
// entry transition that causes it. Recompute folds the entries from scratch and
// is the reference the incremental path must always agree with.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"investment-ledger/internal/cache"
	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/metrics"

	"github.com/rs/zerolog"
)

// Projector reads, verifies and publishes balances.
type Projector struct {
	store        database.Store
	cache        *cache.BalanceCache
	bus          *events.EventBus
	metrics      *metrics.LedgerMetrics
	verifyOnRead bool
	logger       zerolog.Logger
}

// Option configures a Projector.
type Option func(*Projector)

// WithCache serves reads from a Redis balance cache when verification is off.
func WithCache(c *cache.BalanceCache) Option {
	return func(p *Projector) { p.cache = c }
}

// WithEventBus publishes BALANCE_UPDATE after each committed change.
func WithEventBus(bus *events.EventBus) Option {
	return func(p *Projector) { p.bus = bus }
}

// WithMetrics records entry transitions.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(p *Projector) { p.metrics = m }
}

// WithVerifyOnRead makes Get refuse balances that disagree with the entries.
func WithVerifyOnRead(enabled bool) Option {
	return func(p *Projector) { p.verifyOnRead = enabled }
}

// NewProjector creates a projector over store.
func NewProjector(store database.Store, logger zerolog.Logger, opts ...Option) *Projector {
	p := &Projector{
		store:  store,
		logger: logger.With().Str("component", "balance").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store exposes the underlying store to services sharing the projector.
func (p *Projector) Store() database.Store {
	return p.store
}

// Get returns the stored balance for userID. A user without entries has an
// empty balance. With verify-on-read enabled the stored value is checked
// against a fresh fold and ErrInconsistentLedger is returned on drift.
func (p *Projector) Get(ctx context.Context, userID string) (*ledger.Balance, error) {
	if !p.verifyOnRead {
		if b, ok := p.cache.Get(ctx, userID); ok {
			return b, nil
		}
	}

	stored, err := p.store.GetBalance(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.NewBalance(userID), nil
	}
	if err != nil {
		return nil, err
	}

	if p.verifyOnRead {
		expected, err := p.Recompute(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !stored.SameAmounts(expected) || !stored.Consistent() {
			p.logDrift(stored, expected)
			return nil, fmt.Errorf("%w: user %s", ledger.ErrInconsistentLedger, userID)
		}
		return stored, nil
	}

	p.cache.Put(ctx, stored)
	return stored, nil
}

// Recompute folds every entry of userID into a fresh balance. It reads
// without the user lock; callers needing a stable view use RecomputeTx.
func (p *Projector) Recompute(ctx context.Context, userID string) (*ledger.Balance, error) {
	entries, err := p.store.ListEntries(ctx, database.EntryFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for %s: %w", userID, err)
	}
	return ledger.Fold(userID, entries), nil
}

// Verify compares the stored balance against a fold taken under the user
// lock. It returns ErrInconsistentLedger on any difference.
func (p *Projector) Verify(ctx context.Context, userID string) (*Report, error) {
	var report *Report
	err := p.store.WithUserLock(ctx, userID, func(tx database.Tx) error {
		var err error
		report, err = Check(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		p.logDrift(report.Stored, report.Expected)
		return report, fmt.Errorf("%w: user %s drift %s", ledger.ErrInconsistentLedger, userID, report.Drift.Net().StringFixed(2))
	}
	return report, nil
}

// Committed publishes a balance that has just been committed: the cache is
// refreshed and BALANCE_UPDATE is emitted.
func (p *Projector) Committed(ctx context.Context, b *ledger.Balance) {
	if b == nil {
		return
	}
	p.cache.Put(ctx, b)
	p.bus.PublishBalanceUpdate(b.UserID, b.CurrentBalance, b.Available(), b.Version)
}

// Observe records an entry reaching state.
func (p *Projector) Observe(e *ledger.Entry) {
	p.metrics.IncEntryTransition(string(e.Kind), string(e.State))
}

func (p *Projector) logDrift(stored, expected *ledger.Balance) {
	drift := ledger.Drift(stored, expected)
	p.logger.Error().
		Str("user_id", stored.UserID).
		Str("stored_balance", stored.CurrentBalance.StringFixed(2)).
		Str("expected_balance", expected.CurrentBalance.StringFixed(2)).
		Str("drift_deposited", drift.Deposited.StringFixed(2)).
		Str("drift_withdrawn", drift.Withdrawn.StringFixed(2)).
		Str("drift_profit", drift.Profit.StringFixed(2)).
		Str("drift_fees", drift.Fees.StringFixed(2)).
		Str("drift_reserved", drift.Reserved.StringFixed(2)).
		Msg("ledger drift detected")
}

// Report is the outcome of comparing a stored balance with its fold.
type Report struct {
	UserID     string          `json:"user_id"`
	Stored     *ledger.Balance `json:"stored"`
	Expected   *ledger.Balance `json:"expected"`
	Drift      ledger.Delta    `json:"-"`
	Consistent bool            `json:"consistent"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Check compares the stored balance of userID with a fold of its entries
// inside tx. A user with no balance row is compared against an empty one.
func Check(ctx context.Context, tx database.Tx, userID string) (*Report, error) {
	stored, err := tx.LockBalance(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		stored = ledger.NewBalance(userID)
	} else if err != nil {
		return nil, err
	}

	expected, err := RecomputeTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	return &Report{
		UserID:     userID,
		Stored:     stored,
		Expected:   expected,
		Drift:      ledger.Drift(stored, expected),
		Consistent: stored.Consistent() && stored.SameAmounts(expected),
		CheckedAt:  time.Now().UTC(),
	}, nil
}

// RecomputeTx folds userID's entries as seen by tx.
func RecomputeTx(ctx context.Context, tx database.Tx, userID string) (*ledger.Balance, error) {
	entries, err := tx.ListUserEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries for %s: %w", userID, err)
	}
	return ledger.Fold(userID, entries), nil
}
