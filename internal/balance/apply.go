package balance

import (
	"context"
	"fmt"
	"time"

	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"
)

// Record inserts e and applies its contribution to b, the locked balance of
// e's owner. e may already be completed.
func Record(ctx context.Context, tx database.Tx, b *ledger.Balance, e *ledger.Entry) error {
	if e.UserID != b.UserID {
		return fmt.Errorf("entry %s belongs to %s, not %s", e.ID, e.UserID, b.UserID)
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		return err
	}
	return apply(ctx, tx, b, e, ledger.StateNone)
}

// Move transitions e to state to, persists it, and applies the difference in
// contribution to b.
func Move(ctx context.Context, tx database.Tx, b *ledger.Balance, e *ledger.Entry, to ledger.State, now time.Time) error {
	if e.UserID != b.UserID {
		return fmt.Errorf("entry %s belongs to %s, not %s", e.ID, e.UserID, b.UserID)
	}
	from := e.State
	if err := e.Transition(to, now); err != nil {
		return err
	}
	if err := tx.UpdateEntry(ctx, e); err != nil {
		return err
	}
	return apply(ctx, tx, b, e, from)
}

func apply(ctx context.Context, tx database.Tx, b *ledger.Balance, e *ledger.Entry, from ledger.State) error {
	d := ledger.TransitionDelta(e.Kind, e.Amount, from, e.State)
	if d.IsZero() {
		return nil
	}
	b.Apply(d)
	if !b.Consistent() || b.Reserved.IsNegative() {
		return fmt.Errorf("%w: applying entry %s to %s", ledger.ErrInconsistentLedger, e.ID, b.UserID)
	}
	return tx.SaveBalance(ctx, b)
}
