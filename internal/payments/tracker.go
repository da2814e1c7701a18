// Package payments tracks deposits and withdrawals from initiation to a
// terminal state and keeps the owner's balance in step with each transition.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"investment-ledger/internal/balance"
	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DepositConfirmed is delivered to listeners after a confirmation commits.
type DepositConfirmed struct {
	DepositID   string
	UserID      string
	EntryID     string
	Amount      decimal.Decimal
	ConfirmedAt time.Time
	// Redelivered is set when the deposit was already confirmed before this
	// call, so listeners may be finishing work an earlier delivery dropped.
	Redelivered bool
}

// DepositListener reacts to a committed deposit confirmation. Errors are the
// listener's own to log; they never undo the confirmation. Every redelivered
// confirmation reaches listeners again, so they must be idempotent.
type DepositListener func(ctx context.Context, event DepositConfirmed)

// Tracker runs the deposit and withdrawal lifecycles.
type Tracker struct {
	store     database.Store
	projector *balance.Projector
	policy    Policy
	bus       *events.EventBus
	metrics   *metrics.LedgerMetrics
	logger    zerolog.Logger

	mu        sync.RWMutex
	listeners []DepositListener

	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEventBus publishes lifecycle events.
func WithEventBus(bus *events.EventBus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithMetrics counts refused withdrawals and gateway events.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a tracker writing through projector's store.
func NewTracker(projector *balance.Projector, policy Policy, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:     projector.Store(),
		projector: projector,
		policy:    policy,
		logger:    logger.With().Str("component", "payments").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the policy in force.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// OnDepositConfirmed registers a listener for committed confirmations.
func (t *Tracker) OnDepositConfirmed(l DepositListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// InitiateDeposit records a pending deposit and its pending entry together.
func (t *Tracker) InitiateDeposit(ctx context.Context, userID string, amount decimal.Decimal, method string) (*database.Deposit, error) {
	if err := t.policy.CheckDeposit(amount); err != nil {
		return nil, err
	}
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		return nil, fmt.Errorf("deposit method is required")
	}

	entry, err := ledger.NewEntry(userID, ledger.KindDeposit, amount, "")
	if err != nil {
		return nil, err
	}
	entry.PaymentMethod = method
	entry.Description = fmt.Sprintf("Deposit via %s", method)

	now := t.now()
	dep := &database.Deposit{
		ID:        uuid.New().String(),
		UserID:    userID,
		EntryID:   entry.ID,
		Amount:    amount,
		Method:    method,
		Status:    database.DepositPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	entry.Reference = dep.ID

	err = t.store.WithUserLock(ctx, userID, func(tx database.Tx) error {
		b, err := tx.EnsureBalance(ctx, userID)
		if err != nil {
			return err
		}
		if err := balance.Record(ctx, tx, b, entry); err != nil {
			return err
		}
		return tx.InsertDeposit(ctx, dep)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate deposit: %w", err)
	}

	t.projector.Observe(entry)
	t.bus.PublishDeposit(events.EventDepositInitiated, userID, dep.ID, amount, method)
	t.logger.Info().
		Str("user_id", userID).
		Str("deposit_id", dep.ID).
		Str("amount", amount.StringFixed(2)).
		Str("method", method).
		Msg("deposit initiated")
	return dep, nil
}

// ConfirmDeposit completes a pending deposit and credits the owner. A repeat
// confirmation returns the confirmed deposit with ErrAlreadyProcessed and
// changes nothing.
func (t *Tracker) ConfirmDeposit(ctx context.Context, depositID, externalRef string) (*database.Deposit, error) {
	current, err := t.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}

	var (
		dep   *database.Deposit
		entry *ledger.Entry
		bal   *ledger.Balance
		noop  bool
	)
	err = t.store.WithUserLock(ctx, current.UserID, func(tx database.Tx) error {
		noop = false
		d, err := tx.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		dep = d
		switch d.Status {
		case database.DepositConfirmed:
			noop = true
			return nil
		case database.DepositPending:
		default:
			return fmt.Errorf("%w: deposit %s is %s", ledger.ErrInvalidTransition, d.ID, d.Status)
		}

		b, err := tx.EnsureBalance(ctx, d.UserID)
		if err != nil {
			return err
		}
		e, err := tx.GetEntry(ctx, d.EntryID)
		if err != nil {
			return err
		}
		now := t.now()
		if err := balance.Move(ctx, tx, b, e, ledger.StateCompleted, now); err != nil {
			return err
		}

		d.Status = database.DepositConfirmed
		d.ConfirmedAt = &now
		d.UpdatedAt = now
		if externalRef != "" {
			d.ExternalRef = externalRef
		}
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		entry, bal = e, b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noop {
		t.logger.Debug().Str("deposit_id", depositID).Msg("deposit already confirmed")
		t.notify(ctx, confirmedEvent(dep, true))
		return dep, fmt.Errorf("deposit %s: %w", depositID, ledger.ErrAlreadyProcessed)
	}

	t.projector.Committed(ctx, bal)
	t.projector.Observe(entry)
	t.bus.PublishDeposit(events.EventDepositConfirmed, dep.UserID, dep.ID, dep.Amount, dep.Method)
	t.logger.Info().
		Str("user_id", dep.UserID).
		Str("deposit_id", dep.ID).
		Str("amount", dep.Amount.StringFixed(2)).
		Str("external_ref", dep.ExternalRef).
		Str("new_balance", bal.CurrentBalance.StringFixed(2)).
		Msg("deposit confirmed")

	t.notify(ctx, confirmedEvent(dep, false))
	return dep, nil
}

// ConfirmedEvent rebuilds the listener event of an already confirmed deposit.
func ConfirmedEvent(dep *database.Deposit) DepositConfirmed {
	return confirmedEvent(dep, true)
}

func confirmedEvent(dep *database.Deposit, redelivered bool) DepositConfirmed {
	ev := DepositConfirmed{
		DepositID:   dep.ID,
		UserID:      dep.UserID,
		EntryID:     dep.EntryID,
		Amount:      dep.Amount,
		Redelivered: redelivered,
	}
	if dep.ConfirmedAt != nil {
		ev.ConfirmedAt = *dep.ConfirmedAt
	} else {
		ev.ConfirmedAt = dep.UpdatedAt
	}
	return ev
}

// FailDeposit closes a pending deposit after a definitive gateway failure.
func (t *Tracker) FailDeposit(ctx context.Context, depositID, reason string) (*database.Deposit, error) {
	current, err := t.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}

	var (
		dep   *database.Deposit
		entry *ledger.Entry
		noop  bool
	)
	err = t.store.WithUserLock(ctx, current.UserID, func(tx database.Tx) error {
		d, err := tx.GetDeposit(ctx, depositID)
		if err != nil {
			return err
		}
		dep = d
		switch d.Status {
		case database.DepositFailed:
			noop = true
			return nil
		case database.DepositPending:
		default:
			return fmt.Errorf("%w: deposit %s is %s", ledger.ErrInvalidTransition, d.ID, d.Status)
		}

		b, err := tx.EnsureBalance(ctx, d.UserID)
		if err != nil {
			return err
		}
		e, err := tx.GetEntry(ctx, d.EntryID)
		if err != nil {
			return err
		}
		now := t.now()
		if err := balance.Move(ctx, tx, b, e, ledger.StateFailed, now); err != nil {
			return err
		}
		d.Status = database.DepositFailed
		d.FailureReason = reason
		d.UpdatedAt = now
		entry = e
		return tx.UpdateDeposit(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return dep, fmt.Errorf("deposit %s: %w", depositID, ledger.ErrAlreadyProcessed)
	}

	t.projector.Observe(entry)
	t.bus.PublishDeposit(events.EventDepositFailed, dep.UserID, dep.ID, dep.Amount, dep.Method)
	t.logger.Warn().
		Str("user_id", dep.UserID).
		Str("deposit_id", dep.ID).
		Str("reason", reason).
		Msg("deposit failed")
	return dep, nil
}

func (t *Tracker) notify(ctx context.Context, event DepositConfirmed) {
	t.mu.RLock()
	listeners := make([]DepositListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error().
						Interface("panic", r).
						Str("deposit_id", event.DepositID).
						Msg("panic recovered in deposit listener")
				}
			}()
			l(ctx, event)
		}()
	}
}

// Deposits lists deposits, newest first.
func (t *Tracker) Deposits(ctx context.Context, filter database.DepositFilter) ([]database.Deposit, error) {
	return t.store.ListDeposits(ctx, filter)
}

// Deposit returns one deposit.
func (t *Tracker) Deposit(ctx context.Context, id string) (*database.Deposit, error) {
	return t.store.GetDeposit(ctx, id)
}

// IsNoop reports whether err signals an idempotent repeat rather than a failure.
func IsNoop(err error) bool {
	return errors.Is(err, ledger.ErrAlreadyProcessed)
}
