package payments

import (
	"fmt"

	"investment-ledger/config"
	"investment-ledger/internal/ledger"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Policy is the system configuration consulted before money moves. It is
// passed in explicitly so each tracker (and each test) carries its own.
type Policy struct {
	PlatformFeePercent decimal.Decimal
	MinimumDeposit     decimal.Decimal
	MaximumWithdrawal  decimal.Decimal
	DepositsEnabled    bool
	WithdrawalsEnabled bool
}

// DefaultPolicy returns the platform defaults.
func DefaultPolicy() Policy {
	return Policy{
		PlatformFeePercent: decimal.NewFromInt(10),
		MinimumDeposit:     decimal.NewFromInt(10000),
		MaximumWithdrawal:  decimal.NewFromInt(500000),
		DepositsEnabled:    true,
		WithdrawalsEnabled: true,
	}
}

// PolicyFromConfig builds a Policy from the ledger section of the config.
func PolicyFromConfig(cfg config.LedgerConfig) Policy {
	return Policy{
		PlatformFeePercent: cfg.PlatformFeePercent,
		MinimumDeposit:     cfg.MinimumDeposit,
		MaximumWithdrawal:  cfg.MaximumWithdrawal,
		DepositsEnabled:    cfg.DepositsEnabled,
		WithdrawalsEnabled: cfg.WithdrawalsEnabled,
	}
}

// CheckDeposit validates a deposit amount against the policy.
func (p Policy) CheckDeposit(amount decimal.Decimal) error {
	if !p.DepositsEnabled {
		return fmt.Errorf("deposits: %w", ledger.ErrFeatureDisabled)
	}
	if err := ledger.ValidatePositive(amount); err != nil {
		return err
	}
	if amount.LessThan(p.MinimumDeposit) {
		return fmt.Errorf("%w: minimum deposit is %s", ledger.ErrBelowMinimum, p.MinimumDeposit.StringFixed(2))
	}
	return nil
}

// CheckWithdrawal validates a withdrawal amount against the policy. Funds are
// checked separately under the user lock.
func (p Policy) CheckWithdrawal(amount decimal.Decimal) error {
	if !p.WithdrawalsEnabled {
		return fmt.Errorf("withdrawals: %w", ledger.ErrFeatureDisabled)
	}
	if err := ledger.ValidatePositive(amount); err != nil {
		return err
	}
	if p.MaximumWithdrawal.IsPositive() && amount.GreaterThan(p.MaximumWithdrawal) {
		return fmt.Errorf("%w: maximum withdrawal is %s", ledger.ErrAboveMaximum, p.MaximumWithdrawal.StringFixed(2))
	}
	return nil
}

// Fee is the platform fee charged on gross profit, rounded to cents.
func (p Policy) Fee(gross decimal.Decimal) decimal.Decimal {
	return gross.Mul(p.PlatformFeePercent).Div(hundred).Round(ledger.AmountPlaces)
}
