package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"investment-ledger/internal/balance"
	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalRequest is a pre-authorized payout request. KYC limits are
// checked upstream.
type WithdrawalRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Method      string
	Destination string
}

// RequestWithdrawal reserves req.Amount against the user's available balance.
// The funds check and the reservation happen under one user lock, so two
// concurrent requests can never both draw on the same money.
func (t *Tracker) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*database.Withdrawal, error) {
	if err := t.policy.CheckWithdrawal(req.Amount); err != nil {
		t.metrics.IncWithdrawalRefused(refusalCause(err))
		return nil, err
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		return nil, fmt.Errorf("withdrawal method is required")
	}

	entry, err := ledger.NewEntry(req.UserID, ledger.KindWithdrawal, req.Amount, "")
	if err != nil {
		return nil, err
	}
	entry.PaymentMethod = method
	entry.Description = fmt.Sprintf("Withdrawal via %s", method)

	now := t.now()
	w := &database.Withdrawal{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		EntryID:     entry.ID,
		Amount:      req.Amount,
		Method:      method,
		Destination: req.Destination,
		Status:      database.WithdrawalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry.Reference = w.ID

	var bal *ledger.Balance
	err = t.store.WithUserLock(ctx, req.UserID, func(tx database.Tx) error {
		b, err := tx.LockBalance(ctx, req.UserID)
		if errors.Is(err, ledger.ErrNotFound) {
			b = ledger.NewBalance(req.UserID)
		} else if err != nil {
			return err
		}
		if req.Amount.GreaterThan(b.Available()) {
			return fmt.Errorf("%w: requested %s, available %s",
				ledger.ErrInsufficientFunds, req.Amount.StringFixed(2), b.Available().StringFixed(2))
		}
		if err := balance.Record(ctx, tx, b, entry); err != nil {
			return err
		}
		bal = b
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			t.metrics.IncWithdrawalRefused("insufficient_funds")
			t.logger.Info().
				Str("user_id", req.UserID).
				Str("amount", req.Amount.StringFixed(2)).
				Msg("withdrawal refused: insufficient funds")
		}
		return nil, err
	}

	t.projector.Committed(ctx, bal)
	t.projector.Observe(entry)
	t.bus.PublishWithdrawal(events.EventWithdrawalRequested, w.UserID, w.ID, w.Amount, "")
	t.logger.Info().
		Str("user_id", w.UserID).
		Str("withdrawal_id", w.ID).
		Str("amount", w.Amount.StringFixed(2)).
		Str("available_after", bal.Available().StringFixed(2)).
		Msg("withdrawal requested")
	return w, nil
}

// ApproveWithdrawal moves a pending withdrawal to approved. The reservation
// stays in place.
func (t *Tracker) ApproveWithdrawal(ctx context.Context, withdrawalID, reviewerID string, hooks ...WithdrawalHook) (*database.Withdrawal, error) {
	w, _, err := t.updateWithdrawal(ctx, withdrawalID, hooks, func(tx database.Tx, w *database.Withdrawal, now time.Time) (*ledger.Entry, *ledger.Balance, error) {
		switch w.Status {
		case database.WithdrawalApproved:
			return nil, nil, ledger.ErrAlreadyProcessed
		case database.WithdrawalPending:
		default:
			return nil, nil, fmt.Errorf("%w: withdrawal %s is %s", ledger.ErrInvalidTransition, w.ID, w.Status)
		}
		w.Status = database.WithdrawalApproved
		w.ReviewedBy = reviewerID
		return nil, nil, nil
	})
	if err != nil {
		return w, err
	}
	t.bus.PublishWithdrawal(events.EventWithdrawalApproved, w.UserID, w.ID, w.Amount, "")
	t.logger.Info().Str("withdrawal_id", w.ID).Str("reviewer", reviewerID).Msg("withdrawal approved")
	return w, nil
}

// CompleteWithdrawal pays out an approved withdrawal. The amount is checked
// against the current balance again under the lock before it is deducted.
func (t *Tracker) CompleteWithdrawal(ctx context.Context, withdrawalID, externalRef string, hooks ...WithdrawalHook) (*database.Withdrawal, error) {
	w, bal, err := t.updateWithdrawal(ctx, withdrawalID, hooks, func(tx database.Tx, w *database.Withdrawal, now time.Time) (*ledger.Entry, *ledger.Balance, error) {
		switch w.Status {
		case database.WithdrawalCompleted:
			return nil, nil, ledger.ErrAlreadyProcessed
		case database.WithdrawalApproved:
		default:
			return nil, nil, fmt.Errorf("%w: withdrawal %s is %s", ledger.ErrInvalidTransition, w.ID, w.Status)
		}

		b, err := tx.LockBalance(ctx, w.UserID)
		if err != nil {
			return nil, nil, err
		}
		if w.Amount.GreaterThan(b.CurrentBalance) {
			return nil, nil, fmt.Errorf("%w: withdrawal %s needs %s, balance %s",
				ledger.ErrInsufficientFunds, w.ID, w.Amount.StringFixed(2), b.CurrentBalance.StringFixed(2))
		}
		e, err := tx.GetEntry(ctx, w.EntryID)
		if err != nil {
			return nil, nil, err
		}
		if err := balance.Move(ctx, tx, b, e, ledger.StateCompleted, now); err != nil {
			return nil, nil, err
		}
		w.Status = database.WithdrawalCompleted
		w.ProcessedAt = &now
		if externalRef != "" {
			w.ExternalRef = externalRef
		}
		return e, b, nil
	})
	if err != nil {
		return w, err
	}
	t.bus.PublishWithdrawal(events.EventWithdrawalCompleted, w.UserID, w.ID, w.Amount, "")
	t.logger.Info().
		Str("user_id", w.UserID).
		Str("withdrawal_id", w.ID).
		Str("amount", w.Amount.StringFixed(2)).
		Str("new_balance", bal.CurrentBalance.StringFixed(2)).
		Msg("withdrawal completed")
	return w, nil
}

// RejectWithdrawal refuses a pending or approved withdrawal and releases the
// reservation. The current balance is not touched.
func (t *Tracker) RejectWithdrawal(ctx context.Context, withdrawalID, reviewerID, reason string, hooks ...WithdrawalHook) (*database.Withdrawal, error) {
	w, _, err := t.updateWithdrawal(ctx, withdrawalID, hooks, func(tx database.Tx, w *database.Withdrawal, now time.Time) (*ledger.Entry, *ledger.Balance, error) {
		switch w.Status {
		case database.WithdrawalRejected:
			return nil, nil, ledger.ErrAlreadyProcessed
		case database.WithdrawalPending, database.WithdrawalApproved:
		default:
			return nil, nil, fmt.Errorf("%w: withdrawal %s is %s", ledger.ErrInvalidTransition, w.ID, w.Status)
		}
		e, b, err := t.releaseReservation(ctx, tx, w, ledger.StateCancelled, now)
		if err != nil {
			return nil, nil, err
		}
		w.Status = database.WithdrawalRejected
		w.RejectionReason = reason
		w.ReviewedBy = reviewerID
		w.ProcessedAt = &now
		return e, b, nil
	})
	if err != nil {
		return w, err
	}
	t.bus.PublishWithdrawal(events.EventWithdrawalRejected, w.UserID, w.ID, w.Amount, reason)
	t.logger.Info().
		Str("withdrawal_id", w.ID).
		Str("reviewer", reviewerID).
		Str("reason", reason).
		Msg("withdrawal rejected")
	return w, nil
}

// FailWithdrawal records a definitive gateway failure and releases the
// reservation.
func (t *Tracker) FailWithdrawal(ctx context.Context, withdrawalID, reason string) (*database.Withdrawal, error) {
	w, _, err := t.updateWithdrawal(ctx, withdrawalID, nil, func(tx database.Tx, w *database.Withdrawal, now time.Time) (*ledger.Entry, *ledger.Balance, error) {
		switch w.Status {
		case database.WithdrawalFailed:
			return nil, nil, ledger.ErrAlreadyProcessed
		case database.WithdrawalPending, database.WithdrawalApproved:
		default:
			return nil, nil, fmt.Errorf("%w: withdrawal %s is %s", ledger.ErrInvalidTransition, w.ID, w.Status)
		}
		e, b, err := t.releaseReservation(ctx, tx, w, ledger.StateFailed, now)
		if err != nil {
			return nil, nil, err
		}
		w.Status = database.WithdrawalFailed
		w.RejectionReason = reason
		w.ProcessedAt = &now
		return e, b, nil
	})
	if err != nil {
		return w, err
	}
	t.bus.PublishWithdrawal(events.EventWithdrawalFailed, w.UserID, w.ID, w.Amount, reason)
	t.logger.Warn().Str("withdrawal_id", w.ID).Str("reason", reason).Msg("withdrawal failed")
	return w, nil
}

func (t *Tracker) releaseReservation(ctx context.Context, tx database.Tx, w *database.Withdrawal, to ledger.State, now time.Time) (*ledger.Entry, *ledger.Balance, error) {
	b, err := tx.LockBalance(ctx, w.UserID)
	if err != nil {
		return nil, nil, err
	}
	e, err := tx.GetEntry(ctx, w.EntryID)
	if err != nil {
		return nil, nil, err
	}
	if err := balance.Move(ctx, tx, b, e, to, now); err != nil {
		return nil, nil, err
	}
	return e, b, nil
}

type withdrawalStep func(tx database.Tx, w *database.Withdrawal, now time.Time) (*ledger.Entry, *ledger.Balance, error)

// WithdrawalHook runs inside the transaction of a withdrawal transition, after
// the change is made and before it is persisted. An error aborts the whole
// transition. The admin service records its audit trail this way.
type WithdrawalHook func(ctx context.Context, tx database.Tx, before, after database.Withdrawal) error

// updateWithdrawal runs step on the locked withdrawal and persists it. A step
// returning ErrAlreadyProcessed yields the unchanged withdrawal with that
// error; the caller passes it through.
func (t *Tracker) updateWithdrawal(ctx context.Context, withdrawalID string, hooks []WithdrawalHook, step withdrawalStep) (*database.Withdrawal, *ledger.Balance, error) {
	current, err := t.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, nil, err
	}

	var (
		w     *database.Withdrawal
		entry *ledger.Entry
		bal   *ledger.Balance
		noop  bool
	)
	err = t.store.WithUserLock(ctx, current.UserID, func(tx database.Tx) error {
		noop = false
		locked, err := tx.GetWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		w = locked
		before := *locked
		now := t.now()
		e, b, err := step(tx, locked, now)
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			noop = true
			return nil
		}
		if err != nil {
			return err
		}
		locked.UpdatedAt = now
		for _, hook := range hooks {
			if err := hook(ctx, tx, before, *locked); err != nil {
				return err
			}
		}
		entry, bal = e, b
		return tx.UpdateWithdrawal(ctx, locked)
	})
	if err != nil {
		return nil, nil, err
	}
	if noop {
		return w, nil, fmt.Errorf("withdrawal %s: %w", withdrawalID, ledger.ErrAlreadyProcessed)
	}

	if bal != nil {
		t.projector.Committed(ctx, bal)
	}
	if entry != nil {
		t.projector.Observe(entry)
	}
	return w, bal, nil
}

// Withdrawals lists withdrawals, newest first.
func (t *Tracker) Withdrawals(ctx context.Context, filter database.WithdrawalFilter) ([]database.Withdrawal, error) {
	return t.store.ListWithdrawals(ctx, filter)
}

// Withdrawal returns one withdrawal.
func (t *Tracker) Withdrawal(ctx context.Context, id string) (*database.Withdrawal, error) {
	return t.store.GetWithdrawal(ctx, id)
}

func refusalCause(err error) string {
	switch {
	case errors.Is(err, ledger.ErrAboveMaximum):
		return "above_maximum"
	case errors.Is(err, ledger.ErrFeatureDisabled):
		return "disabled"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	}
	return "invalid_amount"
}
