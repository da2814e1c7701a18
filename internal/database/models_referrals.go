package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferralStatus is the state of a referrer -> referee relationship.
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralActive    ReferralStatus = "active"
	ReferralExpired   ReferralStatus = "expired"
	ReferralCancelled ReferralStatus = "cancelled"
)

// Referral links a referee to the user who referred them.
type Referral struct {
	ID                 string          `json:"id"`
	ReferrerID         string          `json:"referrer_id"`
	RefereeID          string          `json:"referee_id"`
	TierLevel          int             `json:"tier_level"`
	ParentReferralID   *string         `json:"parent_referral_id,omitempty"`
	Status             ReferralStatus  `json:"status"`
	FirstDepositMade   bool            `json:"first_deposit_made"`
	FirstDepositID     string          `json:"first_deposit_id,omitempty"`
	FirstDepositAmount decimal.Decimal `json:"first_deposit_amount"`
	FirstDepositAt     *time.Time      `json:"first_deposit_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// BonusType names the bonus line.
type BonusType string

const (
	BonusSignup  BonusType = "signup"
	BonusDeposit BonusType = "deposit"
	BonusTier1   BonusType = "tier1"
	BonusTier2   BonusType = "tier2"
	BonusTier3   BonusType = "tier3"
	BonusSpecial BonusType = "special"
)

// BonusStatus is the payout lifecycle of a bonus line.
type BonusStatus string

const (
	BonusPending     BonusStatus = "pending"
	BonusApproved    BonusStatus = "approved"
	BonusDistributed BonusStatus = "distributed"
	BonusExpired     BonusStatus = "expired"
	BonusCancelled   BonusStatus = "cancelled"
)

// ReferralBonus is one bonus line. (ReferralID, DepositID, BonusType) is unique.
type ReferralBonus struct {
	ID            string          `json:"id"`
	ReferralID    string          `json:"referral_id"`
	DepositID     string          `json:"deposit_id"`
	RecipientID   string          `json:"recipient_id"`
	BonusType     BonusType       `json:"bonus_type"`
	TierLevel     int             `json:"tier_level"`
	Amount        decimal.Decimal `json:"amount"`
	Status        BonusStatus     `json:"status"`
	LedgerEntryID *string         `json:"ledger_entry_id,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	DistributedAt *time.Time      `json:"distributed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BonusFilter narrows ListBonuses.
type BonusFilter struct {
	RecipientID string
	DepositID   string
	Status      BonusStatus
	Limit       int
	Offset      int
}

// ReferralFilter narrows ListReferrals.
type ReferralFilter struct {
	Status ReferralStatus
	// AwaitingFirstDeposit keeps referrals whose referee has no qualifying
	// deposit on record yet.
	AwaitingFirstDeposit bool
	Limit                int
	Offset               int
}
