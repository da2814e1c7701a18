package admin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"investment-ledger/internal/database"
	"investment-ledger/internal/ledger"
)

// SnapshotKind tags the shape stored in an audit record's old/new value.
type SnapshotKind string

const (
	KindBalance    SnapshotKind = "balance"
	KindEntry      SnapshotKind = "entry"
	KindWithdrawal SnapshotKind = "withdrawal"
)

// Snapshot is one of BalanceSnapshot, EntrySnapshot or WithdrawalSnapshot.
type Snapshot interface {
	SnapshotKind() SnapshotKind
}

// BalanceSnapshot captures a balance at one point of an adjustment.
type BalanceSnapshot struct {
	UserID         string `json:"user_id"`
	TotalDeposited string `json:"total_deposited"`
	TotalWithdrawn string `json:"total_withdrawn"`
	TotalProfit    string `json:"total_profit"`
	TotalFees      string `json:"total_fees"`
	CurrentBalance string `json:"current_balance"`
	Reserved       string `json:"reserved"`
	Version        int64  `json:"version"`
}

// EntrySnapshot captures a ledger entry's state.
type EntrySnapshot struct {
	EntryID   string `json:"entry_id"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	State     string `json:"state"`
	ReceiptID string `json:"receipt_id"`
}

// WithdrawalSnapshot captures a withdrawal's review state.
type WithdrawalSnapshot struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

func (BalanceSnapshot) SnapshotKind() SnapshotKind { return KindBalance }
func (EntrySnapshot) SnapshotKind() SnapshotKind { return KindEntry }
func (WithdrawalSnapshot) SnapshotKind() SnapshotKind { return KindWithdrawal }

// SnapshotBalance captures b.
func SnapshotBalance(b *ledger.Balance) BalanceSnapshot {
	return BalanceSnapshot{
		UserID:         b.UserID,
		TotalDeposited: b.TotalDeposited.StringFixed(2),
		TotalWithdrawn: b.TotalWithdrawn.StringFixed(2),
		TotalProfit:    b.TotalProfit.StringFixed(2),
		TotalFees:      b.TotalFees.StringFixed(2),
		CurrentBalance: b.CurrentBalance.StringFixed(2),
		Reserved:       b.Reserved.StringFixed(2),
		Version:        b.Version,
	}
}

// SnapshotEntry captures e.
func SnapshotEntry(e *ledger.Entry) EntrySnapshot {
	return EntrySnapshot{
		EntryID:   e.ID,
		UserID:    e.UserID,
		Kind:      string(e.Kind),
		Amount:    e.Amount.StringFixed(2),
		State:     string(e.State),
		ReceiptID: e.ReceiptID,
	}
}

// SnapshotWithdrawal captures w.
func SnapshotWithdrawal(w *database.Withdrawal) WithdrawalSnapshot {
	return WithdrawalSnapshot{
		WithdrawalID: w.ID,
		UserID:       w.UserID,
		Amount:       w.Amount.StringFixed(2),
		Status:       string(w.Status),
		Reason:       w.RejectionReason,
	}
}

type envelope struct {
	Kind SnapshotKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeSnapshot serializes s as {"kind": ..., "data": {...}}. A nil
// snapshot encodes to nil.
func EncodeSnapshot(s Snapshot) (json.RawMessage, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: s.SnapshotKind(), Data: data})
}

// DecodeSnapshot parses an encoded snapshot. Unknown kinds and unknown fields
// are rejected.
func DecodeSnapshot(raw json.RawMessage) (Snapshot, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid snapshot envelope: %w", err)
	}

	switch env.Kind {
	case KindBalance:
		var s BalanceSnapshot
		if err := strictUnmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("invalid %s snapshot: %w", env.Kind, err)
		}
		return s, nil
	case KindEntry:
		var s EntrySnapshot
		if err := strictUnmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("invalid %s snapshot: %w", env.Kind, err)
		}
		return s, nil
	case KindWithdrawal:
		var s WithdrawalSnapshot
		if err := strictUnmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("invalid %s snapshot: %w", env.Kind, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown snapshot kind %q", env.Kind)
}

func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
