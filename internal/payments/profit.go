package payments

import (
	"context"
	"fmt"

	"investment-ledger/internal/balance"
	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"

	"github.com/shopspring/decimal"
)

// ProfitPosting is the pair of entries written for one profit distribution.
type ProfitPosting struct {
	Profit  *ledger.Entry   `json:"profit"`
	Fee     *ledger.Entry   `json:"fee,omitempty"`
	Net     decimal.Decimal `json:"net"`
	Balance *ledger.Balance `json:"balance"`
}

// RecordProfit credits gross investment profit to userID and charges the
// platform fee on it in the same transaction.
func (t *Tracker) RecordProfit(ctx context.Context, userID string, gross decimal.Decimal, reference string) (*ProfitPosting, error) {
	if err := ledger.ValidatePositive(gross); err != nil {
		return nil, err
	}

	fee := t.policy.Fee(gross)
	newEntries := func() (*ledger.Entry, *ledger.Entry, error) {
		profit, err := ledger.NewEntry(userID, ledger.KindProfit, gross, reference)
		if err != nil {
			return nil, nil, err
		}
		profit.Description = "Investment profit"
		if !fee.IsPositive() {
			return profit, nil, nil
		}
		feeEntry, err := ledger.NewEntry(userID, ledger.KindFee, fee, reference)
		if err != nil {
			return nil, nil, err
		}
		feeEntry.Description = fmt.Sprintf("Platform fee %s%%", t.policy.PlatformFeePercent.String())
		return profit, feeEntry, nil
	}

	var (
		profit, feeEntry *ledger.Entry
		bal              *ledger.Balance
	)
	err := t.store.WithUserLock(ctx, userID, func(tx database.Tx) error {
		// Entries are rebuilt on every attempt so a retried transaction never
		// sees the completed entries of a rolled back one.
		var err error
		profit, feeEntry, err = newEntries()
		if err != nil {
			return err
		}
		b, err := tx.EnsureBalance(ctx, userID)
		if err != nil {
			return err
		}
		now := t.now()
		for _, e := range []*ledger.Entry{profit, feeEntry} {
			if e == nil {
				continue
			}
			if err := balance.Record(ctx, tx, b, e); err != nil {
				return err
			}
			if err := balance.Move(ctx, tx, b, e, ledger.StateCompleted, now); err != nil {
				return err
			}
		}
		bal = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record profit: %w", err)
	}

	t.projector.Committed(ctx, bal)
	t.projector.Observe(profit)
	if feeEntry != nil {
		t.projector.Observe(feeEntry)
	}
	t.logger.Info().
		Str("user_id", userID).
		Str("gross", gross.StringFixed(2)).
		Str("fee", fee.StringFixed(2)).
		Str("reference", reference).
		Msg("profit recorded")

	return &ProfitPosting{
		Profit:  profit,
		Fee:     feeEntry,
		Net:     gross.Sub(fee),
		Balance: bal,
	}, nil
}
