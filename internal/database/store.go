package database

import (
	"context"

	"investment-ledger/internal/ledger"

	"github.com/shopspring/decimal"
)

// Store is the durable home of every ledger entity.
//
// All balance-affecting writes run inside WithUserLock, which serializes work
// per user and commits or discards fn's writes as one unit. Work for different
// users never contends.
type Store interface {
	Reader

	// WithUserLock runs fn in a transaction holding userID's lock. If fn
	// returns an error nothing it wrote is kept.
	WithUserLock(ctx context.Context, userID string, fn func(tx Tx) error) error

	// SaveAdminUser creates or updates an admin profile.
	SaveAdminUser(ctx context.Context, admin *AdminUser) error

	HealthCheck(ctx context.Context) error
}

// Reader holds the lock-free read paths.
type Reader interface {
	GetBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	ListBalanceUserIDs(ctx context.Context) ([]string, error)

	GetEntry(ctx context.Context, id string) (*ledger.Entry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]ledger.Entry, error)
	SumCompleted(ctx context.Context, filter SumFilter) (map[ledger.Kind]decimal.Decimal, error)

	GetDeposit(ctx context.Context, id string) (*Deposit, error)
	ListDeposits(ctx context.Context, filter DepositFilter) ([]Deposit, error)
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error)

	GetAdminUser(ctx context.Context, id string) (*AdminUser, error)
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)

	GetReferral(ctx context.Context, id string) (*Referral, error)
	GetReferralByReferee(ctx context.Context, refereeID string) (*Referral, error)
	ListReferrals(ctx context.Context, filter ReferralFilter) ([]Referral, error)
	GetBonus(ctx context.Context, id string) (*ReferralBonus, error)
	ListBonuses(ctx context.Context, filter BonusFilter) ([]ReferralBonus, error)
}

// Tx is the write side of a WithUserLock scope. Getters here read through the
// transaction and, for rows owned by the locked user, lock them.
type Tx interface {
	// LockBalance returns the locked balance row, or ledger.ErrNotFound.
	LockBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	// EnsureBalance is LockBalance that opens an empty account when missing.
	EnsureBalance(ctx context.Context, userID string) (*ledger.Balance, error)
	SaveBalance(ctx context.Context, b *ledger.Balance) error

	InsertEntry(ctx context.Context, e *ledger.Entry) error
	GetEntry(ctx context.Context, id string) (*ledger.Entry, error)
	UpdateEntry(ctx context.Context, e *ledger.Entry) error
	ListUserEntries(ctx context.Context, userID string) ([]ledger.Entry, error)

	InsertDeposit(ctx context.Context, d *Deposit) error
	GetDeposit(ctx context.Context, id string) (*Deposit, error)
	UpdateDeposit(ctx context.Context, d *Deposit) error

	InsertWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error

	InsertAuditRecord(ctx context.Context, r *AuditRecord) error

	InsertReferral(ctx context.Context, r *Referral) error
	GetReferral(ctx context.Context, id string) (*Referral, error)
	GetReferralByReferee(ctx context.Context, refereeID string) (*Referral, error)
	UpdateReferral(ctx context.Context, r *Referral) error
	CountReferralsByReferrer(ctx context.Context, referrerID string) (int, error)

	// InsertBonus returns false, without error, when a bonus with the same
	// (referral, deposit, type) key already exists.
	InsertBonus(ctx context.Context, b *ReferralBonus) (bool, error)
	GetBonus(ctx context.Context, id string) (*ReferralBonus, error)
	UpdateBonus(ctx context.Context, b *ReferralBonus) error
}
