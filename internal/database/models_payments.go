package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositStatus is the lifecycle of an incoming payment.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositConfirmed DepositStatus = "confirmed"
	DepositFailed    DepositStatus = "failed"
)

// Deposit wraps an external payment into the ledger. It owns exactly one entry.
type Deposit struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	EntryID       string          `json:"entry_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"` // mpesa, crypto, card
	Status        DepositStatus   `json:"status"`
	ExternalRef   string          `json:"external_ref,omitempty"` // checkout request id / txid
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

// WithdrawalStatus is the lifecycle of an outgoing payment.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// Withdrawal wraps a payout request. Its amount stays reserved against the
// owner's balance until it completes, is rejected, or fails.
type Withdrawal struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	EntryID         string           `json:"entry_id"`
	Amount          decimal.Decimal  `json:"amount"`
	Method          string           `json:"method"`
	Destination     string           `json:"destination,omitempty"` // phone number or wallet address
	Status          WithdrawalStatus `json:"status"`
	ExternalRef     string           `json:"external_ref,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	ReviewedBy      string           `json:"reviewed_by,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
}

// DepositFilter narrows ListDeposits.
type DepositFilter struct {
	UserID        string
	Status        DepositStatus
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// WithdrawalFilter narrows ListWithdrawals.
type WithdrawalFilter struct {
	UserID string
	Status WithdrawalStatus
	Limit  int
	Offset int
}
