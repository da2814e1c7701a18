package ledger

import (
	"errors"
	"math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateCompleted, true},
		{StatePending, StateFailed, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateReversed, false},
		{StateCompleted, StateReversed, true},
		{StateCompleted, StateCancelled, false},
		{StateCompleted, StateFailed, false},
		{StateCompleted, StateCompleted, false},
		{StateFailed, StateCompleted, false},
		{StateCancelled, StatePending, false},
		{StateReversed, StateCompleted, false},
		{StateReversed, StateReversed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEntryTransition(t *testing.T) {
	e, err := NewEntry("u1", KindDeposit, d("100.00"), "ref")
	require.NoError(t, err)
	assert.Equal(t, StatePending, e.State)
	assert.Nil(t, e.CompletedAt)

	now := time.Now().UTC()
	require.NoError(t, e.Transition(StateCompleted, now))
	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, now, *e.CompletedAt)

	err = e.Transition(StateCancelled, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StateCompleted, e.State)

	require.NoError(t, e.Transition(StateReversed, now))
	assert.ErrorIs(t, e.Transition(StateReversed, now), ErrInvalidTransition)
}

func TestNewEntryValidation(t *testing.T) {
	t.Run("negative amount", func(t *testing.T) {
		_, err := NewEntry("u1", KindDeposit, d("-1"), "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("too many decimal places", func(t *testing.T) {
		_, err := NewEntry("u1", KindDeposit, d("1.001"), "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewEntry("u1", Kind("gift"), d("1"), "")
		assert.Error(t, err)
	})

	t.Run("zero allowed for entries", func(t *testing.T) {
		_, err := NewEntry("u1", KindFee, decimal.Zero, "")
		assert.NoError(t, err)
		assert.ErrorIs(t, ValidatePositive(decimal.Zero), ErrInvalidAmount)
	})
}

func TestReceiptFormat(t *testing.T) {
	dep := NewReceiptID(KindDeposit, "42")
	wth := NewReceiptID(KindWithdrawal, "42")

	assert.Regexp(t, regexp.MustCompile(`^DEP-42-[0-9A-F]{8}$`), dep)
	assert.Regexp(t, regexp.MustCompile(`^WTH-42-[0-9A-F]{8}$`), wth)
	assert.NotEqual(t, dep, NewReceiptID(KindDeposit, "42"))
}

func TestFoldBuckets(t *testing.T) {
	entries := []Entry{
		{UserID: "u1", Kind: KindDeposit, Amount: d("10000"), State: StateCompleted},
		{UserID: "u1", Kind: KindWithdrawal, Amount: d("3000"), State: StateCompleted},
		{UserID: "u1", Kind: KindProfit, Amount: d("500"), State: StateCompleted},
		{UserID: "u1", Kind: KindFee, Amount: d("50"), State: StateCompleted},
		{UserID: "u1", Kind: KindBonus, Amount: d("1000"), State: StateCompleted},
		{UserID: "u1", Kind: KindAdminCredit, Amount: d("200"), State: StateCompleted},
		{UserID: "u1", Kind: KindAdminDebit, Amount: d("100"), State: StateCompleted},
		{UserID: "u1", Kind: KindDeposit, Amount: d("999"), State: StatePending},
		{UserID: "u1", Kind: KindWithdrawal, Amount: d("400"), State: StatePending},
		{UserID: "u1", Kind: KindDeposit, Amount: d("5"), State: StateFailed},
		{UserID: "u1", Kind: KindDeposit, Amount: d("700"), State: StateReversed},
		{UserID: "u1", Kind: KindReversal, Amount: d("700"), State: StateCompleted},
		{UserID: "u2", Kind: KindDeposit, Amount: d("1"), State: StateCompleted},
	}

	b := Fold("u1", entries)

	assert.True(t, d("10200").Equal(b.TotalDeposited), b.TotalDeposited.String())
	assert.True(t, d("3100").Equal(b.TotalWithdrawn))
	assert.True(t, d("1500").Equal(b.TotalProfit))
	assert.True(t, d("50").Equal(b.TotalFees))
	assert.True(t, d("8550").Equal(b.CurrentBalance), b.CurrentBalance.String())
	assert.True(t, d("400").Equal(b.Reserved))
	assert.True(t, d("8150").Equal(b.Available()))
	assert.True(t, b.Consistent())
}

// Incremental application of transition deltas must match the fold no matter
// the order in which they arrive.
func TestTransitionDeltasMatchFold(t *testing.T) {
	type step struct {
		kind     Kind
		amount   decimal.Decimal
		from, to State
	}
	steps := []step{
		{KindDeposit, d("10000"), StateNone, StatePending},
		{KindDeposit, d("10000"), StatePending, StateCompleted},
		{KindWithdrawal, d("3000"), StateNone, StatePending},
		{KindWithdrawal, d("3000"), StatePending, StateCompleted},
		{KindWithdrawal, d("600"), StateNone, StatePending},
		{KindWithdrawal, d("600"), StatePending, StateCancelled},
		{KindProfit, d("250.50"), StateNone, StateCompleted},
		{KindFee, d("25.05"), StateNone, StateCompleted},
		{KindAdminCredit, d("500"), StateNone, StateCompleted},
		{KindAdminCredit, d("500"), StateCompleted, StateReversed},
	}
	final := []Entry{
		{UserID: "u", Kind: KindDeposit, Amount: d("10000"), State: StateCompleted},
		{UserID: "u", Kind: KindWithdrawal, Amount: d("3000"), State: StateCompleted},
		{UserID: "u", Kind: KindWithdrawal, Amount: d("600"), State: StateCancelled},
		{UserID: "u", Kind: KindProfit, Amount: d("250.50"), State: StateCompleted},
		{UserID: "u", Kind: KindFee, Amount: d("25.05"), State: StateCompleted},
		{UserID: "u", Kind: KindAdminCredit, Amount: d("500"), State: StateReversed},
	}
	want := Fold("u", final)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		perm := rng.Perm(len(steps))
		b := NewBalance("u")
		for _, idx := range perm {
			s := steps[idx]
			b.Apply(TransitionDelta(s.kind, s.amount, s.from, s.to))
		}
		assert.True(t, want.SameAmounts(b), "permutation %v gave %+v", perm, b)
		assert.True(t, b.Consistent())
	}
}

func TestDrift(t *testing.T) {
	stored := NewBalance("u")
	stored.Apply(Effect(KindDeposit, d("100")))

	expected := NewBalance("u")
	expected.Apply(Effect(KindDeposit, d("150")))

	drift := Drift(stored, expected)
	assert.True(t, d("50").Equal(drift.Deposited))
	assert.True(t, d("50").Equal(drift.Net()))
	assert.False(t, drift.IsZero())
	assert.True(t, Drift(stored, stored).IsZero())
}
