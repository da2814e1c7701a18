package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind determines which balance bucket an entry affects and in which direction.
type Kind string

const (
	KindDeposit     Kind = "deposit"
	KindWithdrawal  Kind = "withdrawal"
	KindProfit      Kind = "profit"
	KindFee         Kind = "fee"
	KindBonus       Kind = "bonus"
	KindAdminCredit Kind = "admin_credit"
	KindAdminDebit  Kind = "admin_debit"

	// KindReversal marks the compensating record written when a completed entry
	// is reversed. It carries no bucket of its own: the reversed original drops
	// out of the fold instead.
	KindReversal Kind = "reversal"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindProfit, KindFee, KindBonus,
		KindAdminCredit, KindAdminDebit, KindReversal:
		return true
	}
	return false
}

// State is the lifecycle state of an entry.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateReversed  State = "reversed"
)

// AmountPlaces is the fixed-point scale of every stored amount.
const AmountPlaces = 2

// Entry is a single monetary effect on one user's balance.
type Entry struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	State         State           `json:"state"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	ReceiptID     string          `json:"receipt_id"`
	ReversesID    *string         `json:"reverses_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// NewEntry builds a pending entry with a fresh id and receipt.
func NewEntry(userID string, kind Kind, amount decimal.Decimal, reference string) (*Entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("entry requires a user id")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entry kind %q", kind)
	}
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Entry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		State:     StatePending,
		Reference: reference,
		ReceiptID: NewReceiptID(kind, userID),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ValidateAmount rejects negative amounts and amounts finer than AmountPlaces.
// The sign of an effect always comes from Kind.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Round(AmountPlaces)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, AmountPlaces)
	}
	return nil
}

// ValidatePositive is ValidateAmount plus a non-zero check, used by every
// operation that moves money.
func ValidatePositive(amount decimal.Decimal) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	return nil
}

// Transition moves the entry to the target state if the state machine allows it.
func (e *Entry) Transition(to State, now time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: entry %s %s -> %s", ErrInvalidTransition, e.ID, e.State, to)
	}
	e.State = to
	e.UpdatedAt = now
	if to == StateCompleted {
		completed := now
		e.CompletedAt = &completed
	}
	return nil
}

// IsTerminal reports whether no further transition is possible except the
// single completed -> reversed exception.
func (s State) IsTerminal() bool {
	return s != StatePending
}
