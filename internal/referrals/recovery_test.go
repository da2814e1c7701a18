package referrals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingLockStore fails one chosen WithUserLock call for a user, the way a
// dropped connection fails a transaction before it starts.
type failingLockStore struct {
	*database.MemoryStore

	mu     sync.Mutex
	user   string
	remain int
}

// failCall makes the nth next lock on userID fail.
func (s *failingLockStore) failCall(userID string, nth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.remain = userID, nth
}

func (s *failingLockStore) WithUserLock(ctx context.Context, userID string, fn func(tx database.Tx) error) error {
	s.mu.Lock()
	fail := false
	if s.remain > 0 && userID == s.user {
		s.remain--
		fail = s.remain == 0
	}
	s.mu.Unlock()
	if fail {
		return errors.New("conn closed")
	}
	return s.MemoryStore.WithUserLock(ctx, userID, fn)
}

// confirmWithFailedCascade confirms a qualifying deposit for bob while the
// cascade's transaction fails.
func confirmWithFailedCascade(t *testing.T) (*fixture, *database.Deposit) {
	t.Helper()
	ctx := context.Background()
	mem := database.NewMemoryStore()
	flaky := &failingLockStore{MemoryStore: mem}
	f := newFixtureOn(t, DefaultProgram(), mem, flaky)

	_, err := f.service.Register(ctx, "alice", "bob")
	require.NoError(t, err)

	dep, err := f.tracker.InitiateDeposit(ctx, "bob", dec("20000"), "card")
	require.NoError(t, err)
	// The confirmation takes the first lock, the cascade the second.
	flaky.failCall("bob", 2)
	dep, err = f.tracker.ConfirmDeposit(ctx, dep.ID, "")
	require.NoError(t, err)

	assert.Empty(t, f.bonuses(t, database.BonusFilter{}))
	ref, err := f.store.GetReferralByReferee(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ref.FirstDepositMade)
	assert.Equal(t, database.ReferralPending, ref.Status)
	return f, dep
}

func TestFailedCascade_RedeliveryPaysBonuses(t *testing.T) {
	ctx := context.Background()
	f, dep := confirmWithFailedCascade(t)

	_, err := f.tracker.ConfirmDeposit(ctx, dep.ID, "")
	assert.True(t, errors.Is(err, ledger.ErrAlreadyProcessed))

	all := f.bonuses(t, database.BonusFilter{DepositID: dep.ID})
	require.Len(t, all, 2)
	for _, b := range all {
		assert.Equal(t, database.BonusDistributed, b.Status)
	}
	assert.True(t, f.balanceOf(t, "alice").TotalProfit.Equal(dec("1000")))
	assert.True(t, f.balanceOf(t, "bob").TotalProfit.Equal(dec("500")))

	ref, err := f.store.GetReferralByReferee(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, database.ReferralActive, ref.Status)
	assert.Equal(t, dep.ID, ref.FirstDepositID)

	// A further redelivery changes nothing.
	_, err = f.tracker.ConfirmDeposit(ctx, dep.ID, "")
	assert.True(t, errors.Is(err, ledger.ErrAlreadyProcessed))
	assert.Len(t, f.bonuses(t, database.BonusFilter{}), 2)
	assert.Equal(t, int64(1), f.balanceOf(t, "alice").Version)
}

func TestFailedCascade_SweeperRecovers(t *testing.T) {
	ctx := context.Background()
	f, dep := confirmWithFailedCascade(t)

	sweeper := NewSweeper(f.service, SweeperConfig{Grace: time.Minute}, zerolog.Nop())
	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "deposits inside the grace period are left alone")

	f.service.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all := f.bonuses(t, database.BonusFilter{DepositID: dep.ID})
	require.Len(t, all, 2)
	assert.True(t, f.balanceOf(t, "alice").TotalProfit.Equal(dec("1000")))

	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.bonuses(t, database.BonusFilter{}), 2)
}

func TestSweeperIgnoresRefereesWithoutQualifyingDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultProgram())
	_, err := f.service.Register(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.service.Register(ctx, "alice", "carol")
	require.NoError(t, err)
	f.deposit(t, "bob", "100")

	f.service.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := NewSweeper(f.service, SweeperConfig{}, zerolog.Nop()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.bonuses(t, database.BonusFilter{}))
}
