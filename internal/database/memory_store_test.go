package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"investment-ledger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedEntry(t *testing.T, userID string, kind ledger.Kind, amount string) *ledger.Entry {
	t.Helper()
	e, err := ledger.NewEntry(userID, kind, decimal.RequireFromString(amount), "")
	require.NoError(t, err)
	require.NoError(t, e.Transition(ledger.StateCompleted, time.Now().UTC()))
	return e
}

func TestMemoryStore_WithUserLockCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	entry := completedEntry(t, "u1", ledger.KindDeposit, "100.00")
	err := s.WithUserLock(ctx, "u1", func(tx Tx) error {
		b, err := tx.EnsureBalance(ctx, "u1")
		if err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		b.Apply(ledger.Effect(entry.Kind, entry.Amount))
		return tx.SaveBalance(ctx, b)
	})
	require.NoError(t, err)

	b, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(100)))
	assert.EqualValues(t, 1, b.Version)

	got, err := s.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, got.State)
}

func TestMemoryStore_WithUserLockRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	entry := completedEntry(t, "u1", ledger.KindDeposit, "50.00")
	err := s.WithUserLock(ctx, "u1", func(tx Tx) error {
		b, err := tx.EnsureBalance(ctx, "u1")
		if err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		b.Apply(ledger.Effect(entry.Kind, entry.Amount))
		if err := tx.SaveBalance(ctx, b); err != nil {
			return err
		}
		return tx.InsertAuditRecord(ctx, &AuditRecord{ID: uuid.NewString(), AdminID: "a1", Reason: "x"})
	})
	require.NoError(t, err)

	second := completedEntry(t, "u1", ledger.KindDeposit, "25.00")
	err = s.WithUserLock(ctx, "u1", func(tx Tx) error {
		b, err := tx.LockBalance(ctx, "u1")
		if err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, second); err != nil {
			return err
		}
		b.Apply(ledger.Effect(second.Kind, second.Amount))
		if err := tx.SaveBalance(ctx, b); err != nil {
			return err
		}
		if err := tx.InsertAuditRecord(ctx, &AuditRecord{ID: uuid.NewString(), AdminID: "a1", Reason: "y"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(50)), "balance restored")

	_, err = s.GetEntry(ctx, second.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	records, err := s.ListAuditRecords(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// The receipt of the rolled back entry is free again.
	err = s.WithUserLock(ctx, "u1", func(tx Tx) error { return tx.InsertEntry(ctx, second) })
	assert.NoError(t, err)
}

func TestMemoryStore_LockBalanceMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.WithUserLock(ctx, "ghost", func(tx Tx) error {
		_, err := tx.LockBalance(ctx, "ghost")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemoryStore_UserLockSerializes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.WithUserLock(ctx, "u1", func(tx Tx) error {
		_, err := tx.EnsureBalance(ctx, "u1")
		return err
	}))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithUserLock(ctx, "u1", func(tx Tx) error {
				b, err := tx.LockBalance(ctx, "u1")
				if err != nil {
					return err
				}
				b.Apply(ledger.Effect(ledger.KindDeposit, decimal.NewFromInt(1)))
				return tx.SaveBalance(ctx, b)
			})
		}()
	}
	wg.Wait()

	b, err := s.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.CurrentBalance.Equal(decimal.NewFromInt(workers)))
	assert.EqualValues(t, workers, b.Version)
}

func TestMemoryStore_BonusKeyUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	bonus := func() *ReferralBonus {
		return &ReferralBonus{
			ID: uuid.NewString(), ReferralID: "r1", DepositID: "d1", RecipientID: "u1",
			BonusType: BonusDeposit, TierLevel: 1, Amount: decimal.NewFromInt(1000),
			Status: BonusPending, CreatedAt: now, UpdatedAt: now,
		}
	}

	var first, second bool
	err := s.WithUserLock(ctx, "u1", func(tx Tx) error {
		var err error
		if first, err = tx.InsertBonus(ctx, bonus()); err != nil {
			return err
		}
		second, err = tx.InsertBonus(ctx, bonus())
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	bonuses, err := s.ListBonuses(ctx, BonusFilter{DepositID: "d1"})
	require.NoError(t, err)
	assert.Len(t, bonuses, 1)
}

func TestMemoryStore_DirectRefereeUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	insert := func(referrer string) error {
		return s.WithUserLock(ctx, "referee", func(tx Tx) error {
			return tx.InsertReferral(ctx, &Referral{
				ID: uuid.NewString(), ReferrerID: referrer, RefereeID: "referee", TierLevel: 1,
				Status: ReferralPending, CreatedAt: now, UpdatedAt: now,
			})
		})
	}
	require.NoError(t, insert("alice"))
	assert.Error(t, insert("bob"))

	ref, err := s.GetReferralByReferee(ctx, "referee")
	require.NoError(t, err)
	assert.Equal(t, "alice", ref.ReferrerID)
}

func TestMemoryStore_ListEntriesFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	kinds := []ledger.Kind{ledger.KindDeposit, ledger.KindProfit, ledger.KindFee, ledger.KindDeposit}
	err := s.WithUserLock(ctx, "u1", func(tx Tx) error {
		for i, k := range kinds {
			e := completedEntry(t, "u1", k, "10.00")
			e.CreatedAt = base.Add(time.Duration(i) * time.Hour)
			if err := tx.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	all, err := s.ListEntries(ctx, EntryFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].CreatedAt.After(all[3].CreatedAt), "newest first")

	deposits, err := s.ListEntries(ctx, EntryFilter{UserID: "u1", Kinds: []ledger.Kind{ledger.KindDeposit}})
	require.NoError(t, err)
	assert.Len(t, deposits, 2)

	page, err := s.ListEntries(ctx, EntryFilter{UserID: "u1", Limit: 2, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	sums, err := s.SumCompleted(ctx, SumFilter{From: base, To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, sums[ledger.KindDeposit].Equal(decimal.NewFromInt(10)))
	assert.True(t, sums[ledger.KindProfit].Equal(decimal.NewFromInt(10)))
	_, hasFee := sums[ledger.KindFee]
	assert.False(t, hasFee)
}

func TestLimitOffset(t *testing.T) {
	var args []any
	assert.Equal(t, "", limitOffset(&args, 0, 0))
	assert.Empty(t, args)

	args = []any{"u1"}
	assert.Equal(t, " LIMIT $2 OFFSET $3", limitOffset(&args, 10, 20))
	assert.Equal(t, []any{"u1", 10, 20}, args)
}

func TestMemoryStore_ListBonusesPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().UTC()

	types := []BonusType{BonusSignup, BonusDeposit, BonusTier2}
	err := s.WithUserLock(ctx, "u1", func(tx Tx) error {
		for i, bt := range types {
			at := base.Add(time.Duration(i) * time.Second)
			if _, err := tx.InsertBonus(ctx, &ReferralBonus{
				ID: uuid.NewString(), ReferralID: "r1", DepositID: "d1", RecipientID: "u1",
				BonusType: bt, TierLevel: 1, Amount: decimal.NewFromInt(10),
				Status: BonusPending, CreatedAt: at, UpdatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	page, err := s.ListBonuses(ctx, BonusFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, BonusDeposit, page[0].BonusType)
	assert.Equal(t, BonusTier2, page[1].BonusType)

	rest, err := s.ListBonuses(ctx, BonusFilter{Offset: 3})
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestMemoryStore_ListReferralsAwaitingDeposit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	for i, referee := range []string{"bob", "carol"} {
		at := now.Add(time.Duration(i) * time.Second)
		ref := &Referral{
			ID: uuid.NewString(), ReferrerID: "alice", RefereeID: referee, TierLevel: 1,
			Status: ReferralPending, CreatedAt: at, UpdatedAt: at,
		}
		if referee == "carol" {
			ref.Status = ReferralActive
			ref.FirstDepositMade = true
		}
		require.NoError(t, s.WithUserLock(ctx, referee, func(tx Tx) error {
			return tx.InsertReferral(ctx, ref)
		}))
	}

	all, err := s.ListReferrals(ctx, ReferralFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "bob", all[0].RefereeID)

	waiting, err := s.ListReferrals(ctx, ReferralFilter{AwaitingFirstDeposit: true})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "bob", waiting[0].RefereeID)
}
