package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"investment-ledger/internal/balance"
	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"
	"investment-ledger/internal/payments"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store   *database.MemoryStore
	tracker *payments.Tracker
	svc     *Service
}

var errReplay = errors.New("commit failed, retrying")

// replayStore runs every transaction closure once more after rolling back a
// first attempt, the way a retried serialization failure does.
type replayStore struct {
	*database.MemoryStore
	armed bool
}

func (s *replayStore) WithUserLock(ctx context.Context, userID string, fn func(tx database.Tx) error) error {
	if s.armed {
		err := s.MemoryStore.WithUserLock(ctx, userID, func(tx database.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return errReplay
		})
		if !errors.Is(err, errReplay) {
			return err
		}
	}
	return s.MemoryStore.WithUserLock(ctx, userID, fn)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	return newFixtureOn(t, store, store)
}

func newFixtureOn(t *testing.T, store *database.MemoryStore, backend database.Store) *fixture {
	t.Helper()
	projector := balance.NewProjector(backend, zerolog.Nop())
	policy := payments.DefaultPolicy()
	policy.MinimumDeposit = dec("1")
	tracker := payments.NewTracker(projector, policy, zerolog.Nop())
	svc := NewService(projector, tracker, nil, nil, zerolog.Nop())

	ctx := context.Background()
	for id, role := range map[string]database.AdminRole{
		"root":    database.RoleSuperAdmin,
		"ops":     database.RoleAdmin,
		"mod":     database.RoleModerator,
		"analyst": database.RoleAnalyst,
	} {
		a := &database.AdminUser{ID: id, UserID: "user-" + id, Role: role, IsActive: true}
		require.NoError(t, ApplyRole(a))
		require.NoError(t, store.SaveAdminUser(ctx, a))
	}
	return &fixture{store: store, tracker: tracker, svc: svc}
}

func (f *fixture) fund(t *testing.T, userID, amount string) *database.Deposit {
	t.Helper()
	ctx := context.Background()
	dep, err := f.tracker.InitiateDeposit(ctx, userID, dec(amount), "mpesa")
	require.NoError(t, err)
	dep, err = f.tracker.ConfirmDeposit(ctx, dep.ID, "")
	require.NoError(t, err)
	return dep
}

func (f *fixture) balance(t *testing.T, userID string) *ledger.Balance {
	t.Helper()
	ctx := context.Background()
	b, err := f.store.GetBalance(ctx, userID)
	require.NoError(t, err)
	entries, err := f.store.ListEntries(ctx, database.EntryFilter{UserID: userID})
	require.NoError(t, err)
	assert.True(t, b.SameAmounts(ledger.Fold(userID, entries)), "stored balance drifted from entries")
	return b
}

func TestApplyRole(t *testing.T) {
	tests := []struct {
		role    database.AdminRole
		adjust  bool
		kyc     bool
		manage  bool
		suspend bool
	}{
		{database.RoleSuperAdmin, true, true, true, true},
		{database.RoleAdmin, true, true, false, true},
		{database.RoleModerator, false, true, false, false},
		{database.RoleAnalyst, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			a := &database.AdminUser{Role: tt.role, IsActive: true}
			require.NoError(t, ApplyRole(a))
			assert.Equal(t, tt.adjust, Has(a, CapAdjustTransactions))
			assert.Equal(t, tt.kyc, Has(a, CapVerifyKYC))
			assert.Equal(t, tt.manage, Has(a, CapManageAdmins))
			assert.Equal(t, tt.suspend, Has(a, CapSuspendUsers))

			a.IsActive = false
			assert.False(t, Has(a, CapVerifyKYC))
		})
	}

	assert.Error(t, ApplyRole(&database.AdminUser{Role: "owner"}))
}

func TestAdjustBalance_GoodwillCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "1000")
	before := f.balance(t, "u1")

	adj, err := f.svc.AdjustBalance(ctx, AdjustmentRequest{
		AdminID:   "ops",
		UserID:    "u1",
		Amount:    dec("500"),
		Direction: Credit,
		Reason:    "goodwill",
		Origin:    Origin{IPAddress: "10.0.0.7", UserAgent: "admin-panel"},
	})
	require.NoError(t, err)

	after := f.balance(t, "u1")
	assert.True(t, after.CurrentBalance.Sub(before.CurrentBalance).Equal(dec("500")))
	assert.Equal(t, before.CurrentBalance.StringFixed(2), adj.Before.CurrentBalance)
	assert.Equal(t, after.CurrentBalance.StringFixed(2), adj.After.CurrentBalance)

	credits, err := f.store.ListEntries(ctx, database.EntryFilter{
		UserID: "u1",
		Kinds:  []ledger.Kind{ledger.KindAdminCredit},
		States: []ledger.State{ledger.StateCompleted},
	})
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.True(t, credits[0].Amount.Equal(dec("500")))
	assert.Regexp(t, `^ADJ-u1-`, credits[0].ReceiptID)

	page, err := f.svc.AuditTrail(ctx, AuditQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, ActionAdjustBalance, rec.ActionType)
	assert.Equal(t, "ops", rec.AdminID)
	assert.Equal(t, "goodwill", rec.Reason)
	assert.Equal(t, "10.0.0.7", rec.IPAddress)

	oldSnap, err := DecodeSnapshot(rec.OldValue)
	require.NoError(t, err)
	newSnap, err := DecodeSnapshot(rec.NewValue)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", oldSnap.(BalanceSnapshot).CurrentBalance)
	assert.Equal(t, "1500.00", newSnap.(BalanceSnapshot).CurrentBalance)
}

func TestAdjustBalance_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "100")

	req := func(admin, user, amount string, dir Direction) AdjustmentRequest {
		return AdjustmentRequest{AdminID: admin, UserID: user, Amount: dec(amount), Direction: dir, Reason: "test"}
	}

	_, err := f.svc.AdjustBalance(ctx, req("analyst", "u1", "5", Credit))
	assert.ErrorIs(t, err, ledger.ErrPermissionDenied)
	_, err = f.svc.AdjustBalance(ctx, req("mod", "u1", "5", Credit))
	assert.ErrorIs(t, err, ledger.ErrPermissionDenied)
	_, err = f.svc.AdjustBalance(ctx, req("ghost", "u1", "5", Credit))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.svc.AdjustBalance(ctx, req("ops", "nobody", "5", Credit))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.svc.AdjustBalance(ctx, req("ops", "u1", "100.01", Debit))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	_, err = f.svc.AdjustBalance(ctx, req("ops", "u1", "0", Credit))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	disabled := &database.AdminUser{ID: "old", Role: database.RoleSuperAdmin, IsActive: false}
	require.NoError(t, ApplyRole(disabled))
	require.NoError(t, f.store.SaveAdminUser(ctx, disabled))
	_, err = f.svc.AdjustBalance(ctx, req("old", "u1", "5", Credit))
	assert.ErrorIs(t, err, ledger.ErrPermissionDenied)

	b := f.balance(t, "u1")
	assert.True(t, b.CurrentBalance.Equal(dec("100")))
	page, err := f.svc.AuditTrail(ctx, AuditQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	_, err = f.svc.AdjustBalance(ctx, req("ops", "u1", "100", Debit))
	require.NoError(t, err)
	b = f.balance(t, "u1")
	assert.True(t, b.CurrentBalance.IsZero())
	assert.True(t, b.TotalWithdrawn.Equal(dec("100")))
}

func TestAdjustBalance_DebitLimitedToAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "1000")
	_, err := f.tracker.RequestWithdrawal(ctx, payments.WithdrawalRequest{UserID: "u1", Amount: dec("400"), Method: "mpesa"})
	require.NoError(t, err)

	before := f.balance(t, "u1")
	require.True(t, before.CurrentBalance.Equal(dec("1000")))
	require.True(t, before.Available().LessThan(dec("700")))

	_, err = f.svc.AdjustBalance(ctx, AdjustmentRequest{AdminID: "ops", UserID: "u1", Amount: dec("700"), Direction: Debit, Reason: "chargeback"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.True(t, f.balance(t, "u1").SameAmounts(before))

	_, err = f.svc.AdjustBalance(ctx, AdjustmentRequest{AdminID: "ops", UserID: "u1", Amount: dec("100"), Direction: Debit, Reason: "chargeback"})
	require.NoError(t, err)
	after := f.balance(t, "u1")
	assert.True(t, after.CurrentBalance.Equal(dec("900")))
	assert.True(t, after.Reserved.Equal(before.Reserved))
}

func TestAdjustBalance_RetriedTransaction(t *testing.T) {
	ctx := context.Background()
	store := &replayStore{MemoryStore: database.NewMemoryStore()}
	f := newFixtureOn(t, store.MemoryStore, store)
	f.fund(t, "u1", "1000")

	store.armed = true
	adj, err := f.svc.AdjustBalance(ctx, AdjustmentRequest{AdminID: "ops", UserID: "u1", Amount: dec("250"), Direction: Debit, Reason: "correction"})
	require.NoError(t, err)
	require.NotNil(t, adj.Entry)
	assert.Equal(t, ledger.StateCompleted, adj.Entry.State)
	assert.Equal(t, "750.00", adj.After.CurrentBalance)

	debits, err := f.store.ListEntries(ctx, database.EntryFilter{UserID: "u1", Kinds: []ledger.Kind{ledger.KindAdminDebit}})
	require.NoError(t, err)
	require.Len(t, debits, 1)
	assert.Equal(t, adj.Entry.ID, debits[0].ID)

	b := f.balance(t, "u1")
	assert.True(t, b.CurrentBalance.Equal(dec("750")))
	page, err := f.svc.AuditTrail(ctx, AuditQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
}

func TestReverseTransaction_SingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dep := f.fund(t, "u1", "1000")
	f.fund(t, "u1", "250")

	rev, err := f.svc.ReverseTransaction(ctx, "root", dep.EntryID, "chargeback", Origin{})
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReversed, rev.Original.State)
	require.NotNil(t, rev.Marker.ReversesID)
	assert.Equal(t, dep.EntryID, *rev.Marker.ReversesID)
	assert.Equal(t, ledger.KindReversal, rev.Marker.Kind)
	assert.Equal(t, "1250.00", rev.Before.CurrentBalance)
	assert.Equal(t, "250.00", rev.After.CurrentBalance)

	b := f.balance(t, "u1")
	assert.True(t, b.TotalDeposited.Equal(dec("250")))
	assert.True(t, b.CurrentBalance.Equal(dec("250")))

	_, err = f.svc.ReverseTransaction(ctx, "root", dep.EntryID, "again", Origin{})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
	_, err = f.svc.ReverseTransaction(ctx, "root", rev.Marker.ID, "marker", Origin{})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	after := f.balance(t, "u1")
	assert.True(t, b.SameAmounts(after), "balance changed exactly once")

	original, err := f.store.GetEntry(ctx, dep.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReversed, original.State, "original row is kept")

	page, err := f.svc.AuditTrail(ctx, AuditQuery{ActionType: ActionReverseTransaction})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
}

func TestReverseTransaction_NonCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pending, err := f.tracker.InitiateDeposit(ctx, "u1", dec("40"), "card")
	require.NoError(t, err)

	_, err = f.svc.ReverseTransaction(ctx, "ops", pending.EntryID, "oops", Origin{})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	failed, err := f.tracker.InitiateDeposit(ctx, "u1", dec("40"), "card")
	require.NoError(t, err)
	_, err = f.tracker.FailDeposit(ctx, failed.ID, "declined")
	require.NoError(t, err)
	_, err = f.svc.ReverseTransaction(ctx, "ops", failed.EntryID, "oops", Origin{})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = f.svc.ReverseTransaction(ctx, "ops", "no-such-entry", "oops", Origin{})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = f.svc.ReverseTransaction(ctx, "analyst", pending.EntryID, "oops", Origin{})
	assert.ErrorIs(t, err, ledger.ErrPermissionDenied)
}

func TestReverseTransaction_CompletedWithdrawal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "1000")

	w, err := f.svc.tracker.RequestWithdrawal(ctx, payments.WithdrawalRequest{UserID: "u1", Amount: dec("300"), Method: "mpesa"})
	require.NoError(t, err)
	_, err = f.svc.ApproveWithdrawal(ctx, "ops", w.ID, Origin{})
	require.NoError(t, err)
	_, err = f.svc.CompleteWithdrawal(ctx, "ops", w.ID, "B2C-9", Origin{})
	require.NoError(t, err)
	assert.True(t, f.balance(t, "u1").CurrentBalance.Equal(dec("700")))

	_, err = f.svc.ReverseTransaction(ctx, "ops", w.EntryID, "payout bounced", Origin{})
	require.NoError(t, err)
	b := f.balance(t, "u1")
	assert.True(t, b.CurrentBalance.Equal(dec("1000")))
	assert.True(t, b.TotalWithdrawn.IsZero())
}

func TestWithdrawalReview_Audited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "1000")

	w, err := f.tracker.RequestWithdrawal(ctx, payments.WithdrawalRequest{UserID: "u1", Amount: dec("400"), Method: "mpesa"})
	require.NoError(t, err)

	_, err = f.svc.ApproveWithdrawal(ctx, "analyst", w.ID, Origin{})
	assert.ErrorIs(t, err, ledger.ErrPermissionDenied)

	_, err = f.svc.ApproveWithdrawal(ctx, "ops", w.ID, Origin{})
	require.NoError(t, err)
	_, err = f.svc.RejectWithdrawal(ctx, "ops", w.ID, "", Origin{})
	assert.Error(t, err)
	w, err = f.svc.RejectWithdrawal(ctx, "ops", w.ID, "suspicious destination", Origin{})
	require.NoError(t, err)
	assert.Equal(t, database.WithdrawalRejected, w.Status)
	assert.Equal(t, "ops", w.ReviewedBy)

	b := f.balance(t, "u1")
	assert.True(t, b.Available().Equal(dec("1000")))

	page, err := f.svc.AuditTrail(ctx, AuditQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, ActionRejectWithdrawal, page.Records[0].ActionType, "newest first")
	assert.Equal(t, ActionApproveWithdrawal, page.Records[1].ActionType)

	snap, err := DecodeSnapshot(page.Records[0].NewValue)
	require.NoError(t, err)
	ws := snap.(WithdrawalSnapshot)
	assert.Equal(t, "rejected", ws.Status)
	assert.Equal(t, "suspicious destination", ws.Reason)

	// A refused transition writes no audit record.
	_, err = f.svc.CompleteWithdrawal(ctx, "ops", w.ID, "", Origin{})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	page, err = f.svc.AuditTrail(ctx, AuditQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
}

func TestAuditTrail_Pagination(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "100")
	f.fund(t, "u2", "100")

	for i := 0; i < 5; i++ {
		_, err := f.svc.AdjustBalance(ctx, AdjustmentRequest{
			AdminID: "ops", UserID: "u1", Amount: dec("1"), Direction: Credit, Reason: fmt.Sprintf("bonus %d", i),
		})
		require.NoError(t, err)
	}
	_, err := f.svc.AdjustBalance(ctx, AdjustmentRequest{
		AdminID: "root", UserID: "u2", Amount: dec("1"), Direction: Debit, Reason: "fee correction",
	})
	require.NoError(t, err)

	page, err := f.svc.AuditTrail(ctx, AuditQuery{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "bonus 4", page.Records[0].Reason)

	page, err = f.svc.AuditTrail(ctx, AuditQuery{UserID: "u1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "bonus 0", page.Records[0].Reason)

	page, err = f.svc.AuditTrail(ctx, AuditQuery{AdminID: "root"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "u2", page.Records[0].AffectedUserID)

	page, err = f.svc.AuditTrail(ctx, AuditQuery{ActionType: ActionReconcileBalance})
	require.NoError(t, err)
	assert.NotNil(t, page.Records)
	assert.Empty(t, page.Records)
}

func TestReconcile_CorrectsDriftWithAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "800")

	drifted := f.balance(t, "u1")
	drifted.TotalDeposited = dec("900")
	drifted.CurrentBalance = dec("900")
	f.store.PutBalance(drifted)

	res, err := f.svc.Reconcile(ctx, "analyst", "u1", "", Origin{})
	assert.ErrorIs(t, err, ledger.ErrPermissionDenied)
	assert.Nil(t, res)

	res, err = f.svc.Reconcile(ctx, "root", "u1", "", Origin{})
	require.NoError(t, err)
	assert.True(t, res.Corrected)
	require.NotNil(t, res.Audit)
	assert.Equal(t, ActionReconcileBalance, res.Audit.ActionType)

	b := f.balance(t, "u1")
	assert.True(t, b.CurrentBalance.Equal(dec("800")))
	assert.Greater(t, b.Version, drifted.Version)

	res, err = f.svc.Reconcile(ctx, "root", "u1", "", Origin{})
	require.NoError(t, err)
	assert.False(t, res.Corrected)
	assert.Nil(t, res.Audit)
}

func TestSnapshotEnvelope(t *testing.T) {
	raw, err := EncodeSnapshot(EntrySnapshot{EntryID: "e1", UserID: "u1", Kind: "deposit", Amount: "10.00", State: "completed"})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.JSONEq(t, `"entry"`, string(env["kind"]))

	got, err := DecodeSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, "e1", got.(EntrySnapshot).EntryID)

	_, err = DecodeSnapshot(json.RawMessage(`{"kind":"entry","data":{"entry_id":"e1","surprise":true}}`))
	assert.Error(t, err, "unknown fields are rejected")
	_, err = DecodeSnapshot(json.RawMessage(`{"kind":"mystery","data":{}}`))
	assert.Error(t, err)

	none, err := DecodeSnapshot(nil)
	require.NoError(t, err)
	assert.Nil(t, none)
	raw, err = EncodeSnapshot(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}
