package database

import (
	"context"
	"fmt"
	"strings"

	"investment-ledger/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ============================================================================
// BALANCES
// ============================================================================

const balanceColumns = `user_id, total_deposited, total_withdrawn, total_profit, total_fees,
	current_balance, reserved, version, updated_at`

func scanBalance(row pgx.Row) (*ledger.Balance, error) {
	var b ledger.Balance
	err := row.Scan(
		&b.UserID, &b.TotalDeposited, &b.TotalWithdrawn, &b.TotalProfit, &b.TotalFees,
		&b.CurrentBalance, &b.Reserved, &b.Version, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBalance returns the stored balance for a user
func (r *Repository) GetBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	b, err := scanBalance(r.db.Pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`, userID))
	if err != nil {
		return nil, wrapNotFound(err, "balance", userID)
	}
	return b, nil
}

// ListBalanceUserIDs returns every user that has a balance row
func (r *Repository) ListBalanceUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT user_id FROM balances ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	b, err := scanBalance(t.tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, wrapNotFound(err, "balance", userID)
	}
	return b, nil
}

func (t *pgTx) EnsureBalance(ctx context.Context, userID string) (*ledger.Balance, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (user_id, updated_at) VALUES ($1, NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to open account %s: %w", userID, err)
	}
	return t.LockBalance(ctx, userID)
}

func (t *pgTx) SaveBalance(ctx context.Context, b *ledger.Balance) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE balances SET
			total_deposited = $2, total_withdrawn = $3, total_profit = $4, total_fees = $5,
			current_balance = $6, reserved = $7, version = $8, updated_at = $9
		WHERE user_id = $1`,
		b.UserID, b.TotalDeposited, b.TotalWithdrawn, b.TotalProfit, b.TotalFees,
		b.CurrentBalance, b.Reserved, b.Version, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance %s: %w", b.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("balance", b.UserID)
	}
	return nil
}

// ============================================================================
// LEDGER ENTRIES
// ============================================================================

const entryColumns = `id, user_id, kind, amount, state, reference, description, payment_method,
	receipt_id, reverses_id, created_at, updated_at, completed_at`

func scanEntry(row pgx.Row) (*ledger.Entry, error) {
	var e ledger.Entry
	var kind, state string
	err := row.Scan(
		&e.ID, &e.UserID, &kind, &e.Amount, &state, &e.Reference, &e.Description,
		&e.PaymentMethod, &e.ReceiptID, &e.ReversesID, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = ledger.Kind(kind)
	e.State = ledger.State(state)
	return &e, nil
}

func getEntry(ctx context.Context, q querier, id string, forUpdate bool) (*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	e, err := scanEntry(q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapNotFound(err, "entry", id)
	}
	return e, nil
}

func listEntries(ctx context.Context, q querier, filter EntryFilter) ([]ledger.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		add("kind = ANY($%d)", kinds)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		add("state = ANY($%d)", states)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetEntry returns a ledger entry by id
func (r *Repository) GetEntry(ctx context.Context, id string) (*ledger.Entry, error) {
	return getEntry(ctx, r.db.Pool, id, false)
}

// ListEntries returns entries matching filter, newest first
func (r *Repository) ListEntries(ctx context.Context, filter EntryFilter) ([]ledger.Entry, error) {
	return listEntries(ctx, r.db.Pool, filter)
}

// SumCompleted aggregates completed entry amounts by kind over [From, To)
func (r *Repository) SumCompleted(ctx context.Context, filter SumFilter) (map[ledger.Kind]decimal.Decimal, error) {
	query := `
		SELECT kind, COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE state = 'completed' AND created_at >= $1 AND created_at < $2`
	args := []any{filter.From, filter.To}
	if filter.UserID != "" {
		query += ` AND user_id = $3`
		args = append(args, filter.UserID)
	}
	query += ` GROUP BY kind`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum entries: %w", err)
	}
	defer rows.Close()

	sums := make(map[ledger.Kind]decimal.Decimal)
	for rows.Next() {
		var kind string
		var total decimal.Decimal
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, err
		}
		sums[ledger.Kind(kind)] = total
	}
	return sums, rows.Err()
}

func (t *pgTx) InsertEntry(ctx context.Context, e *ledger.Entry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.UserID, string(e.Kind), e.Amount, string(e.State), e.Reference, e.Description,
		e.PaymentMethod, e.ReceiptID, e.ReversesID, e.CreatedAt, e.UpdatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry %s: %w", e.ID, err)
	}
	return nil
}

func (t *pgTx) GetEntry(ctx context.Context, id string) (*ledger.Entry, error) {
	return getEntry(ctx, t.tx, id, true)
}

// UpdateEntry persists a state change. Amount, kind and owner are immutable.
func (t *pgTx) UpdateEntry(ctx context.Context, e *ledger.Entry) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE ledger_entries SET
			state = $2, reference = $3, description = $4, updated_at = $5, completed_at = $6
		WHERE id = $1`,
		e.ID, string(e.State), e.Reference, e.Description, e.UpdatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("entry", e.ID)
	}
	return nil
}

func (t *pgTx) ListUserEntries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	return listEntries(ctx, t.tx, EntryFilter{UserID: userID})
}
