// Package reports builds read-only platform and user statements from
// completed ledger entries.
package reports

import (
	"context"
	"fmt"
	"time"

	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Totals are the balance buckets moved by completed entries in a window.
// Bonuses count as profit and admin adjustments as deposits or withdrawals,
// the same way balances fold them.
type Totals struct {
	Deposits    decimal.Decimal            `json:"deposits"`
	Withdrawals decimal.Decimal            `json:"withdrawals"`
	Profits     decimal.Decimal            `json:"profits"`
	Fees        decimal.Decimal            `json:"fees"`
	ByKind      map[string]decimal.Decimal `json:"by_kind"`
}

// DailyReport is the platform summary for one UTC day.
type DailyReport struct {
	Date       string          `json:"date"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	NetRevenue decimal.Decimal `json:"net_revenue"`
	AUM        decimal.Decimal `json:"aum"`
	Totals
}

// ProfitStatement is one user's earnings over a window.
type ProfitStatement struct {
	UserID    string          `json:"user_id"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	NetProfit decimal.Decimal `json:"net_profit"`
	Totals
}

// Reporter runs aggregate queries against the store.
type Reporter struct {
	reader database.Reader
	logger zerolog.Logger
}

// NewReporter creates a reporter.
func NewReporter(reader database.Reader, logger zerolog.Logger) *Reporter {
	return &Reporter{
		reader: reader,
		logger: logger.With().Str("component", "reports").Logger(),
	}
}

// DailyReport summarizes every user's completed entries on date's UTC day.
func (r *Reporter) DailyReport(ctx context.Context, date time.Time) (*DailyReport, error) {
	d := date.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	totals, err := r.totals(ctx, database.SumFilter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("daily report %s: %w", from.Format("2006-01-02"), err)
	}
	rep := &DailyReport{
		Date:       from.Format("2006-01-02"),
		From:       from,
		To:         to,
		NetRevenue: totals.Fees,
		AUM:        totals.Deposits.Sub(totals.Withdrawals).Add(totals.Profits),
		Totals:     *totals,
	}
	r.logger.Debug().
		Str("date", rep.Date).
		Str("deposits", rep.Deposits.StringFixed(2)).
		Str("net_revenue", rep.NetRevenue.StringFixed(2)).
		Msg("daily report built")
	return rep, nil
}

// ProfitStatement summarizes userID's completed entries in [from, to).
func (r *Reporter) ProfitStatement(ctx context.Context, userID string, from, to time.Time) (*ProfitStatement, error) {
	if userID == "" {
		return nil, fmt.Errorf("profit statement requires a user id")
	}
	if !to.After(from) {
		return nil, fmt.Errorf("profit statement window is empty: %s .. %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	totals, err := r.totals(ctx, database.SumFilter{UserID: userID, From: from.UTC(), To: to.UTC()})
	if err != nil {
		return nil, fmt.Errorf("profit statement for %s: %w", userID, err)
	}
	return &ProfitStatement{
		UserID:    userID,
		From:      from.UTC(),
		To:        to.UTC(),
		NetProfit: totals.Profits.Sub(totals.Fees),
		Totals:    *totals,
	}, nil
}

func (r *Reporter) totals(ctx context.Context, filter database.SumFilter) (*Totals, error) {
	sums, err := r.reader.SumCompleted(ctx, filter)
	if err != nil {
		return nil, err
	}
	var acc ledger.Delta
	byKind := make(map[string]decimal.Decimal, len(sums))
	for kind, amount := range sums {
		acc = acc.Add(ledger.Effect(kind, amount))
		byKind[string(kind)] = amount
	}
	return &Totals{
		Deposits:    acc.Deposited,
		Withdrawals: acc.Withdrawn,
		Profits:     acc.Profit,
		Fees:        acc.Fees,
		ByKind:      byKind,
	}, nil
}
