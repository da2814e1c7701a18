package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the per-user aggregate of completed entries. It is derived data:
// Fold over the user's entries must always reproduce it.
type Balance struct {
	UserID         string          `json:"user_id"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	TotalProfit    decimal.Decimal `json:"total_profit"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	// Reserved is the sum of pending withdrawals earmarked against CurrentBalance.
	Reserved  decimal.Decimal `json:"reserved"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewBalance returns an empty balance for userID.
func NewBalance(userID string) *Balance {
	return &Balance{
		UserID:         userID,
		TotalDeposited: decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		TotalProfit:    decimal.Zero,
		TotalFees:      decimal.Zero,
		CurrentBalance: decimal.Zero,
		Reserved:       decimal.Zero,
		UpdatedAt:      time.Now().UTC(),
	}
}

// Available is what a new withdrawal may draw on.
func (b *Balance) Available() decimal.Decimal {
	return b.CurrentBalance.Sub(b.Reserved)
}

// Apply adds d to the buckets and re-derives CurrentBalance.
func (b *Balance) Apply(d Delta) {
	b.TotalDeposited = b.TotalDeposited.Add(d.Deposited)
	b.TotalWithdrawn = b.TotalWithdrawn.Add(d.Withdrawn)
	b.TotalProfit = b.TotalProfit.Add(d.Profit)
	b.TotalFees = b.TotalFees.Add(d.Fees)
	b.Reserved = b.Reserved.Add(d.Reserved)
	b.CurrentBalance = b.derived()
	b.Version++
	b.UpdatedAt = time.Now().UTC()
}

func (b *Balance) derived() decimal.Decimal {
	return b.TotalDeposited.Sub(b.TotalWithdrawn).Add(b.TotalProfit).Sub(b.TotalFees)
}

// Consistent checks current_balance == deposited - withdrawn + profit - fees.
func (b *Balance) Consistent() bool {
	return b.CurrentBalance.Equal(b.derived())
}

// SameAmounts compares every monetary field, ignoring version and timestamps.
func (b *Balance) SameAmounts(o *Balance) bool {
	return b.TotalDeposited.Equal(o.TotalDeposited) &&
		b.TotalWithdrawn.Equal(o.TotalWithdrawn) &&
		b.TotalProfit.Equal(o.TotalProfit) &&
		b.TotalFees.Equal(o.TotalFees) &&
		b.CurrentBalance.Equal(o.CurrentBalance) &&
		b.Reserved.Equal(o.Reserved)
}

// Drift returns expected minus stored, bucket by bucket.
func Drift(stored, expected *Balance) Delta {
	return Delta{
		Deposited: expected.TotalDeposited.Sub(stored.TotalDeposited),
		Withdrawn: expected.TotalWithdrawn.Sub(stored.TotalWithdrawn),
		Profit:    expected.TotalProfit.Sub(stored.TotalProfit),
		Fees:      expected.TotalFees.Sub(stored.TotalFees),
		Reserved:  expected.Reserved.Sub(stored.Reserved),
	}
}

// Delta is an additive change to a balance. Deltas commute, so applying any
// permutation of them yields the same balance.
type Delta struct {
	Deposited decimal.Decimal
	Withdrawn decimal.Decimal
	Profit    decimal.Decimal
	Fees      decimal.Decimal
	Reserved  decimal.Decimal
}

// Add returns d + o.
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Deposited: d.Deposited.Add(o.Deposited),
		Withdrawn: d.Withdrawn.Add(o.Withdrawn),
		Profit:    d.Profit.Add(o.Profit),
		Fees:      d.Fees.Add(o.Fees),
		Reserved:  d.Reserved.Add(o.Reserved),
	}
}

// Neg returns -d.
func (d Delta) Neg() Delta {
	return Delta{
		Deposited: d.Deposited.Neg(),
		Withdrawn: d.Withdrawn.Neg(),
		Profit:    d.Profit.Neg(),
		Fees:      d.Fees.Neg(),
		Reserved:  d.Reserved.Neg(),
	}
}

// IsZero reports whether d changes nothing.
func (d Delta) IsZero() bool {
	return d.Deposited.IsZero() && d.Withdrawn.IsZero() && d.Profit.IsZero() &&
		d.Fees.IsZero() && d.Reserved.IsZero()
}

// Net is the change d makes to CurrentBalance.
func (d Delta) Net() decimal.Decimal {
	return d.Deposited.Sub(d.Withdrawn).Add(d.Profit).Sub(d.Fees)
}

// Effect is the bucket contribution of a completed entry of the given kind.
// Bonuses and admin credits are folded into existing buckets.
func Effect(kind Kind, amount decimal.Decimal) Delta {
	d := zeroDelta()
	switch kind {
	case KindDeposit, KindAdminCredit:
		d.Deposited = amount
	case KindWithdrawal, KindAdminDebit:
		d.Withdrawn = amount
	case KindProfit, KindBonus:
		d.Profit = amount
	case KindFee:
		d.Fees = amount
	}
	return d
}

// Contribution is what an entry in the given state adds to its owner's balance.
// Completed entries contribute their Effect; a pending withdrawal contributes
// its reservation; everything else contributes nothing.
func Contribution(kind Kind, amount decimal.Decimal, state State) Delta {
	switch {
	case state == StateCompleted:
		return Effect(kind, amount)
	case state == StatePending && kind == KindWithdrawal:
		d := zeroDelta()
		d.Reserved = amount
		return d
	}
	return zeroDelta()
}

// TransitionDelta is the incremental change for moving an entry between states.
// Use StateNone as from when the entry is being created.
func TransitionDelta(kind Kind, amount decimal.Decimal, from, to State) Delta {
	before := zeroDelta()
	if from != StateNone {
		before = Contribution(kind, amount, from)
	}
	return Contribution(kind, amount, to).Add(before.Neg())
}

// StateNone stands for "no previous state" in TransitionDelta.
const StateNone State = ""

// Fold recomputes a balance from scratch over the user's entries. Entries of
// other users are ignored. The result does not depend on entry order.
func Fold(userID string, entries []Entry) *Balance {
	b := NewBalance(userID)
	total := zeroDelta()
	for i := range entries {
		e := &entries[i]
		if e.UserID != userID {
			continue
		}
		total = total.Add(Contribution(e.Kind, e.Amount, e.State))
	}
	b.Apply(total)
	b.Version = 0
	return b
}

func zeroDelta() Delta {
	return Delta{
		Deposited: decimal.Zero,
		Withdrawn: decimal.Zero,
		Profit:    decimal.Zero,
		Fees:      decimal.Zero,
		Reserved:  decimal.Zero,
	}
}
