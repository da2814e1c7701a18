package balance

import (
	"context"
	"testing"
	"time"

	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// post writes an entry for userID and optionally moves it to a final state.
func post(t *testing.T, store database.Store, userID string, kind ledger.Kind, amount string, to ledger.State) *ledger.Entry {
	t.Helper()
	ctx := context.Background()
	e, err := ledger.NewEntry(userID, kind, dec(amount), "")
	require.NoError(t, err)
	require.NoError(t, store.WithUserLock(ctx, userID, func(tx database.Tx) error {
		b, err := tx.EnsureBalance(ctx, userID)
		if err != nil {
			return err
		}
		if err := Record(ctx, tx, b, e); err != nil {
			return err
		}
		if to == ledger.StatePending {
			return nil
		}
		return Move(ctx, tx, b, e, to, time.Now().UTC())
	}))
	return e
}

func TestRecordAndMove_MatchesRecompute(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	p := NewProjector(store, zerolog.Nop())

	post(t, store, "u1", ledger.KindDeposit, "10000", ledger.StateCompleted)
	post(t, store, "u1", ledger.KindProfit, "1500", ledger.StateCompleted)
	post(t, store, "u1", ledger.KindFee, "150", ledger.StateCompleted)
	post(t, store, "u1", ledger.KindWithdrawal, "2000", ledger.StatePending)
	post(t, store, "u1", ledger.KindDeposit, "999", ledger.StateFailed)

	got, err := p.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.CurrentBalance.Equal(dec("11350")), got.CurrentBalance.String())
	assert.True(t, got.Reserved.Equal(dec("2000")))
	assert.True(t, got.Available().Equal(dec("9350")))
	assert.True(t, got.Consistent())

	expected, err := p.Recompute(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.SameAmounts(expected))

	report, err := p.Verify(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestMove_InvalidTransitionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	e := post(t, store, "u1", ledger.KindDeposit, "500", ledger.StateFailed)

	before, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)

	err = store.WithUserLock(ctx, "u1", func(tx database.Tx) error {
		b, err := tx.LockBalance(ctx, "u1")
		if err != nil {
			return err
		}
		cur, err := tx.GetEntry(ctx, e.ID)
		if err != nil {
			return err
		}
		return Move(ctx, tx, b, cur, ledger.StateCompleted, time.Now())
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	after, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, before.SameAmounts(after))
	assert.Equal(t, before.Version, after.Version)
}

func TestRecord_RejectsForeignBalance(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	e, err := ledger.NewEntry("u2", ledger.KindDeposit, dec("10"), "")
	require.NoError(t, err)

	err = store.WithUserLock(ctx, "u1", func(tx database.Tx) error {
		b, err := tx.EnsureBalance(ctx, "u1")
		if err != nil {
			return err
		}
		return Record(ctx, tx, b, e)
	})
	require.Error(t, err)
	_, err = store.GetEntry(ctx, e.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestGet_UnknownUserIsEmpty(t *testing.T) {
	p := NewProjector(database.NewMemoryStore(), zerolog.Nop())
	b, err := p.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, b.CurrentBalance.IsZero())
	assert.Equal(t, "nobody", b.UserID)
}

func TestGet_VerifyOnReadRefusesDrift(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	post(t, store, "u1", ledger.KindDeposit, "1000", ledger.StateCompleted)

	drifted, err := store.GetBalance(ctx, "u1")
	require.NoError(t, err)
	drifted.Apply(ledger.Delta{
		Deposited: dec("50"),
		Withdrawn: decimal.Zero,
		Profit:    decimal.Zero,
		Fees:      decimal.Zero,
		Reserved:  decimal.Zero,
	})
	store.PutBalance(drifted)

	lenient := NewProjector(store, zerolog.Nop())
	b, err := lenient.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.CurrentBalance.Equal(dec("1050")))

	strict := NewProjector(store, zerolog.Nop(), WithVerifyOnRead(true))
	_, err = strict.Get(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrInconsistentLedger)

	report, err := strict.Verify(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrInconsistentLedger)
	require.NotNil(t, report)
	assert.True(t, report.Drift.Deposited.Equal(dec("-50")))
}

func TestCommitted_PublishesBalanceUpdate(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventBalanceUpdate, func(e events.Event) { got <- e })

	p := NewProjector(database.NewMemoryStore(), zerolog.Nop(), WithEventBus(bus))
	b := ledger.NewBalance("u1")
	b.Apply(ledger.Effect(ledger.KindDeposit, dec("25")))
	p.Committed(context.Background(), b)

	select {
	case e := <-got:
		assert.Equal(t, "u1", e.UserID)
		assert.Equal(t, "25.00", e.Data["current_balance"])
	case <-time.After(time.Second):
		t.Fatal("no balance update published")
	}
}

func TestReconciler_FlagsDriftWithoutPatching(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	post(t, store, "good", ledger.KindDeposit, "100", ledger.StateCompleted)
	post(t, store, "bad", ledger.KindDeposit, "100", ledger.StateCompleted)

	bad, err := store.GetBalance(ctx, "bad")
	require.NoError(t, err)
	bad.TotalProfit = dec("7")
	bad.CurrentBalance = dec("107")
	store.PutBalance(bad)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus := events.NewEventBus()
	drifts := make(chan events.Event, 4)
	bus.Subscribe(events.EventLedgerDrift, func(e events.Event) { drifts <- e })

	r := NewReconciler(store, bus, m, ReconcilerConfig{MaxConcurrent: 2}, zerolog.Nop())
	drifted, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, "bad", drifted[0].UserID)
	assert.True(t, drifted[0].Drift.Profit.Equal(dec("-7")))

	stored, err := store.GetBalance(ctx, "bad")
	require.NoError(t, err)
	assert.True(t, stored.CurrentBalance.Equal(dec("107")), "reconciler must not patch")

	select {
	case e := <-drifts:
		assert.Equal(t, "bad", e.UserID)
	case <-time.After(time.Second):
		t.Fatal("no drift event published")
	}

	_, last := r.Drifting()
	assert.Len(t, last, 1)

	count, err := testutil.GatherAndCount(reg, "ledger_drifted_users")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReconciler_StartStop(t *testing.T) {
	r := NewReconciler(database.NewMemoryStore(), nil, nil, ReconcilerConfig{Interval: time.Hour}, zerolog.Nop())
	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	require.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
	assert.Error(t, r.Stop())
}

func TestCheck_MissingBalanceComparesAgainstEmpty(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	var report *Report
	require.NoError(t, store.WithUserLock(ctx, "ghost", func(tx database.Tx) error {
		var err error
		report, err = Check(ctx, tx, "ghost")
		return err
	}))
	assert.True(t, report.Consistent)
}
