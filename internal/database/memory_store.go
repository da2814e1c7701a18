package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"investment-ledger/internal/ledger"

	"github.com/shopspring/decimal"
)

// MemoryStore is a process-local Store used by tests and local runs.
// It keeps the same locking and all-or-nothing guarantees as PostgresStore:
// a per-user mutex for WithUserLock and an undo journal for rollback.
type MemoryStore struct {
	mu          sync.RWMutex
	balances    map[string]*ledger.Balance
	entries     map[string]*ledger.Entry
	receipts    map[string]string
	deposits    map[string]*Deposit
	withdrawals map[string]*Withdrawal
	admins      map[string]*AdminUser
	audit       []AuditRecord
	referrals   map[string]*Referral
	bonuses     map[string]*ReferralBonus
	bonusKeys   map[string]string

	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]*ledger.Balance),
		entries:     make(map[string]*ledger.Entry),
		receipts:    make(map[string]string),
		deposits:    make(map[string]*Deposit),
		withdrawals: make(map[string]*Withdrawal),
		admins:      make(map[string]*AdminUser),
		referrals:   make(map[string]*Referral),
		bonuses:     make(map[string]*ReferralBonus),
		bonusKeys:   make(map[string]string),
		userLocks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// WithUserLock implements Store.
func (s *MemoryStore) WithUserLock(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tx := &memoryTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// SaveAdminUser implements Store.
func (s *MemoryStore) SaveAdminUser(ctx context.Context, admin *AdminUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = now
	}
	admin.UpdatedAt = now
	cp := *admin
	s.admins[admin.ID] = &cp
	return nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// PutBalance overwrites a stored balance without touching entries. Only tests
// use it, to simulate drift.
func (s *MemoryStore) PutBalance(b *ledger.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.balances[b.UserID] = &cp
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ledger.ErrNotFound)
}

// ---- Reader ----

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, notFound("balance", userID)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBalanceUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id string) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, notFound("entry", id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, filter EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if filter.matches(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) SumCompleted(ctx context.Context, filter SumFilter) (map[ledger.Kind]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := make(map[ledger.Kind]decimal.Decimal)
	for _, e := range s.entries {
		if e.State != ledger.StateCompleted {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if e.CreatedAt.Before(filter.From) || !e.CreatedAt.Before(filter.To) {
			continue
		}
		sums[e.Kind] = sums[e.Kind].Add(e.Amount)
	}
	return sums, nil
}

func (s *MemoryStore) GetDeposit(ctx context.Context, id string) (*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deposits[id]
	if !ok {
		return nil, notFound("deposit", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeposits(ctx context.Context, filter DepositFilter) ([]Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Deposit
	for _, d := range s.deposits {
		if filter.UserID != "" && d.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.CreatedBefore != nil && !d.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, notFound("withdrawal", id)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Withdrawal
	for _, w := range s.withdrawals {
		if filter.UserID != "" && w.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[id]
	if !ok {
		return nil, notFound("admin", id)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		if filter.matches(&s.audit[i]) {
			out = append(out, s.audit[i])
		}
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) GetReferral(ctx context.Context, id string) (*Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.referrals[id]
	if !ok {
		return nil, notFound("referral", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetReferralByReferee(ctx context.Context, refereeID string) (*Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referralByReferee(refereeID)
}

func (s *MemoryStore) referralByReferee(refereeID string) (*Referral, error) {
	for _, r := range s.referrals {
		if r.RefereeID == refereeID && r.TierLevel == 1 {
			cp := *r
			return &cp, nil
		}
	}
	return nil, notFound("referral for referee", refereeID)
}

func (s *MemoryStore) ListReferrals(ctx context.Context, filter ReferralFilter) ([]Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Referral
	for _, r := range s.referrals {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.AwaitingFirstDeposit && r.FirstDepositMade {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) GetBonus(ctx context.Context, id string) (*ReferralBonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bonuses[id]
	if !ok {
		return nil, notFound("bonus", id)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBonuses(ctx context.Context, filter BonusFilter) ([]ReferralBonus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ReferralBonus
	for _, b := range s.bonuses {
		if filter.RecipientID != "" && b.RecipientID != filter.RecipientID {
			continue
		}
		if filter.DepositID != "" && b.DepositID != filter.DepositID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TierLevel < out[j].TierLevel
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func bonusKey(b *ReferralBonus) string {
	return b.ReferralID + "|" + b.DepositID + "|" + string(b.BonusType)
}

// ---- Tx ----

type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memoryTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// remember records how to restore m[key] to its current value.
func remember[V any](t *memoryTx, m map[string]*V, key string) {
	prev, existed := m[key]
	t.undo = append(t.undo, func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func (t *memoryTx) LockBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	return t.s.GetBalance(ctx, userID)
}

func (t *memoryTx) EnsureBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	t.s.mu.Lock()
	if _, ok := t.s.balances[userID]; !ok {
		remember(t, t.s.balances, userID)
		t.s.balances[userID] = ledger.NewBalance(userID)
	}
	t.s.mu.Unlock()
	return t.s.GetBalance(ctx, userID)
}

func (t *memoryTx) SaveBalance(ctx context.Context, b *ledger.Balance) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.balances[b.UserID]; !ok {
		return notFound("balance", b.UserID)
	}
	remember(t, t.s.balances, b.UserID)
	cp := *b
	t.s.balances[b.UserID] = &cp
	return nil
}

func (t *memoryTx) InsertEntry(ctx context.Context, e *ledger.Entry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.entries[e.ID]; ok {
		return fmt.Errorf("entry %s already exists", e.ID)
	}
	if owner, ok := t.s.receipts[e.ReceiptID]; ok {
		return fmt.Errorf("receipt %s already used by entry %s", e.ReceiptID, owner)
	}
	remember(t, t.s.entries, e.ID)
	receipt := e.ReceiptID
	t.undo = append(t.undo, func() { delete(t.s.receipts, receipt) })
	cp := *e
	t.s.entries[e.ID] = &cp
	t.s.receipts[e.ReceiptID] = e.ID
	return nil
}

func (t *memoryTx) GetEntry(ctx context.Context, id string) (*ledger.Entry, error) {
	return t.s.GetEntry(ctx, id)
}

func (t *memoryTx) UpdateEntry(ctx context.Context, e *ledger.Entry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.entries[e.ID]; !ok {
		return notFound("entry", e.ID)
	}
	remember(t, t.s.entries, e.ID)
	cp := *e
	t.s.entries[e.ID] = &cp
	return nil
}

func (t *memoryTx) ListUserEntries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	return t.s.ListEntries(ctx, EntryFilter{UserID: userID})
}

func (t *memoryTx) InsertDeposit(ctx context.Context, d *Deposit) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	remember(t, t.s.deposits, d.ID)
	cp := *d
	t.s.deposits[d.ID] = &cp
	return nil
}

func (t *memoryTx) GetDeposit(ctx context.Context, id string) (*Deposit, error) {
	return t.s.GetDeposit(ctx, id)
}

func (t *memoryTx) UpdateDeposit(ctx context.Context, d *Deposit) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.deposits[d.ID]; !ok {
		return notFound("deposit", d.ID)
	}
	remember(t, t.s.deposits, d.ID)
	cp := *d
	t.s.deposits[d.ID] = &cp
	return nil
}

func (t *memoryTx) InsertWithdrawal(ctx context.Context, w *Withdrawal) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	remember(t, t.s.withdrawals, w.ID)
	cp := *w
	t.s.withdrawals[w.ID] = &cp
	return nil
}

func (t *memoryTx) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return t.s.GetWithdrawal(ctx, id)
}

func (t *memoryTx) UpdateWithdrawal(ctx context.Context, w *Withdrawal) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.withdrawals[w.ID]; !ok {
		return notFound("withdrawal", w.ID)
	}
	remember(t, t.s.withdrawals, w.ID)
	cp := *w
	t.s.withdrawals[w.ID] = &cp
	return nil
}

func (t *memoryTx) InsertAuditRecord(ctx context.Context, r *AuditRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := len(t.s.audit)
	t.undo = append(t.undo, func() { t.s.audit = t.s.audit[:n] })
	t.s.audit = append(t.s.audit, *r)
	return nil
}

func (t *memoryTx) InsertReferral(ctx context.Context, r *Referral) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if r.TierLevel == 1 {
		if existing, err := t.s.referralByReferee(r.RefereeID); err == nil {
			return fmt.Errorf("referee %s already referred by %s", r.RefereeID, existing.ReferrerID)
		}
	}
	remember(t, t.s.referrals, r.ID)
	cp := *r
	t.s.referrals[r.ID] = &cp
	return nil
}

func (t *memoryTx) GetReferral(ctx context.Context, id string) (*Referral, error) {
	return t.s.GetReferral(ctx, id)
}

func (t *memoryTx) GetReferralByReferee(ctx context.Context, refereeID string) (*Referral, error) {
	return t.s.GetReferralByReferee(ctx, refereeID)
}

func (t *memoryTx) UpdateReferral(ctx context.Context, r *Referral) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.referrals[r.ID]; !ok {
		return notFound("referral", r.ID)
	}
	remember(t, t.s.referrals, r.ID)
	cp := *r
	t.s.referrals[r.ID] = &cp
	return nil
}

func (t *memoryTx) CountReferralsByReferrer(ctx context.Context, referrerID string) (int, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	n := 0
	for _, r := range t.s.referrals {
		if r.ReferrerID == referrerID && r.TierLevel == 1 {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) InsertBonus(ctx context.Context, b *ReferralBonus) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := bonusKey(b)
	if _, ok := t.s.bonusKeys[key]; ok {
		return false, nil
	}
	remember(t, t.s.bonuses, b.ID)
	t.undo = append(t.undo, func() { delete(t.s.bonusKeys, key) })
	cp := *b
	t.s.bonuses[b.ID] = &cp
	t.s.bonusKeys[key] = b.ID
	return true, nil
}

func (t *memoryTx) GetBonus(ctx context.Context, id string) (*ReferralBonus, error) {
	return t.s.GetBonus(ctx, id)
}

func (t *memoryTx) UpdateBonus(ctx context.Context, b *ReferralBonus) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.bonuses[b.ID]; !ok {
		return notFound("bonus", b.ID)
	}
	remember(t, t.s.bonuses, b.ID)
	cp := *b
	t.s.bonuses[b.ID] = &cp
	return nil
}
