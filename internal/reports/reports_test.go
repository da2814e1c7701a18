package reports

import (
	"context"
	"testing"
	"time"

	"investment-ledger/internal/balance"
	"investment-ledger/internal/database"
	"investment-ledger/internal/payments"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T) (*database.MemoryStore, time.Time) {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemoryStore()
	tr := payments.NewTracker(balance.NewProjector(store, zerolog.Nop()), payments.DefaultPolicy(), zerolog.Nop())

	for _, user := range []string{"u1", "u2"} {
		dep, err := tr.InitiateDeposit(ctx, user, dec("10000"), "bank")
		require.NoError(t, err)
		_, err = tr.ConfirmDeposit(ctx, dep.ID, "")
		require.NoError(t, err)
	}

	_, err := tr.RecordProfit(ctx, "u1", dec("1000"), "pool-7")
	require.NoError(t, err)

	w, err := tr.RequestWithdrawal(ctx, payments.WithdrawalRequest{UserID: "u1", Amount: dec("3000"), Method: "bank"})
	require.NoError(t, err)
	_, err = tr.ApproveWithdrawal(ctx, w.ID, "ops")
	require.NoError(t, err)
	_, err = tr.CompleteWithdrawal(ctx, w.ID, "PAY-1")
	require.NoError(t, err)

	// Pending entries never show up in totals.
	_, err = tr.RequestWithdrawal(ctx, payments.WithdrawalRequest{UserID: "u2", Amount: dec("500"), Method: "bank"})
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, database.EntryFilter{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return store, entries[0].CreatedAt
}

func TestDailyReport(t *testing.T) {
	store, day := seed(t)
	r := NewReporter(store, zerolog.Nop())

	rep, err := r.DailyReport(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, day.UTC().Format("2006-01-02"), rep.Date)
	assert.True(t, rep.Deposits.Equal(dec("20000")), "deposits %s", rep.Deposits)
	assert.True(t, rep.Withdrawals.Equal(dec("3000")), "withdrawals %s", rep.Withdrawals)
	assert.True(t, rep.Profits.Equal(dec("1000")))
	assert.True(t, rep.Fees.Equal(dec("100")))
	assert.True(t, rep.NetRevenue.Equal(dec("100")))
	assert.True(t, rep.AUM.Equal(dec("18000")), "aum %s", rep.AUM)
	assert.True(t, rep.ByKind["fee"].Equal(dec("100")))

	empty, err := r.DailyReport(context.Background(), day.AddDate(0, 0, -3))
	require.NoError(t, err)
	assert.True(t, empty.Deposits.IsZero())
	assert.Empty(t, empty.ByKind)
}

func TestProfitStatement(t *testing.T) {
	store, day := seed(t)
	r := NewReporter(store, zerolog.Nop())
	ctx := context.Background()

	st, err := r.ProfitStatement(ctx, "u1", day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, st.Profits.Equal(dec("1000")))
	assert.True(t, st.Fees.Equal(dec("100")))
	assert.True(t, st.NetProfit.Equal(dec("900")))
	assert.True(t, st.Deposits.Equal(dec("10000")))

	other, err := r.ProfitStatement(ctx, "u2", day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, other.NetProfit.IsZero())
	assert.True(t, other.Withdrawals.IsZero(), "pending withdrawal is excluded")

	_, err = r.ProfitStatement(ctx, "u1", day, day)
	assert.Error(t, err)
	_, err = r.ProfitStatement(ctx, "", day, day.Add(time.Hour))
	assert.Error(t, err)
}
