// Package referrals registers referrer -> referee links and pays the bonus
// cascade once a referee makes a qualifying first deposit.
package referrals

import (
	"investment-ledger/config"
	"investment-ledger/internal/database"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Program is the active referral program.
type Program struct {
	Enabled                bool
	RefereeBonus           decimal.Decimal
	ReferrerBonus          decimal.Decimal
	ReferrerBonusPercent   decimal.Decimal
	Tier1PercentEnabled    bool
	EnableMultiTier        bool
	Tier2Percent           decimal.Decimal
	Tier3Percent           decimal.Decimal
	MinimumDepositRequired decimal.Decimal
	BonusExpiryDays        int
	MaxReferralsPerUser    int             // 0 = unlimited
	MaxBonusPerReferral    decimal.Decimal // 0 = unlimited
}

// DefaultProgram returns the stock program.
func DefaultProgram() Program {
	return Program{
		Enabled:                true,
		RefereeBonus:           decimal.NewFromInt(500),
		ReferrerBonus:          decimal.NewFromInt(1000),
		ReferrerBonusPercent:   decimal.NewFromInt(5),
		EnableMultiTier:        true,
		Tier2Percent:           decimal.NewFromInt(2),
		Tier3Percent:           decimal.NewFromInt(1),
		MinimumDepositRequired: decimal.NewFromInt(5000),
		BonusExpiryDays:        90,
	}
}

// ProgramFromConfig builds a Program from the referrals section of the config.
func ProgramFromConfig(cfg config.ReferralConfig) Program {
	return Program{
		Enabled:                cfg.Enabled,
		RefereeBonus:           cfg.RefereeBonus,
		ReferrerBonus:          cfg.ReferrerBonus,
		ReferrerBonusPercent:   cfg.ReferrerBonusPercent,
		Tier1PercentEnabled:    cfg.Tier1PercentEnabled,
		EnableMultiTier:        cfg.EnableMultiTier,
		Tier2Percent:           cfg.Tier2Percent,
		Tier3Percent:           cfg.Tier3Percent,
		MinimumDepositRequired: cfg.MinimumDepositRequired,
		BonusExpiryDays:        cfg.BonusExpiryDays,
		MaxReferralsPerUser:    cfg.MaxReferralsPerUser,
		MaxBonusPerReferral:    cfg.MaxBonusPerReferral,
	}
}

// Qualifies reports whether a deposit of amount triggers the cascade.
func (p Program) Qualifies(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(p.MinimumDepositRequired)
}

// capped applies MaxBonusPerReferral and rounds to cents.
func (p Program) capped(amount decimal.Decimal) decimal.Decimal {
	if p.MaxBonusPerReferral.IsPositive() && amount.GreaterThan(p.MaxBonusPerReferral) {
		amount = p.MaxBonusPerReferral
	}
	return amount.Round(2)
}

func percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// line is one bonus the cascade wants to create.
type line struct {
	recipient string
	bonusType database.BonusType
	tier      int
	amount    decimal.Decimal
}

// lines computes the cascade for a qualifying deposit by ref's referee.
// ancestors holds the referrers above ref's referrer, nearest first.
func (p Program) lines(ref *database.Referral, deposit decimal.Decimal, ancestors []string) []line {
	out := []line{
		{recipient: ref.RefereeID, bonusType: database.BonusSignup, tier: 1, amount: p.RefereeBonus},
		{recipient: ref.ReferrerID, bonusType: database.BonusDeposit, tier: 1, amount: p.ReferrerBonus},
	}
	if p.Tier1PercentEnabled {
		out = append(out, line{recipient: ref.ReferrerID, bonusType: database.BonusTier1, tier: 1,
			amount: percentOf(deposit, p.ReferrerBonusPercent)})
	}
	if p.EnableMultiTier {
		if len(ancestors) > 0 {
			out = append(out, line{recipient: ancestors[0], bonusType: database.BonusTier2, tier: 2,
				amount: percentOf(deposit, p.Tier2Percent)})
		}
		if len(ancestors) > 1 {
			out = append(out, line{recipient: ancestors[1], bonusType: database.BonusTier3, tier: 3,
				amount: percentOf(deposit, p.Tier3Percent)})
		}
	}

	kept := out[:0]
	for _, l := range out {
		l.amount = p.capped(l.amount)
		if l.amount.IsPositive() {
			kept = append(kept, l)
		}
	}
	return kept
}
