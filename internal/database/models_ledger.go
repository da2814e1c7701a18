package database

import (
	"time"

	"investment-ledger/internal/ledger"
)

// EntryFilter narrows ListEntries. Zero values mean "any".
type EntryFilter struct {
	UserID string
	Kinds  []ledger.Kind
	States []ledger.State
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// SumFilter selects completed entries for aggregate reporting.
// UserID is optional; the range is [From, To).
type SumFilter struct {
	UserID string
	From   time.Time
	To     time.Time
}

func (f EntryFilter) matches(e *ledger.Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.States) > 0 && !containsState(f.States, e.State) {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func containsKind(kinds []ledger.Kind, k ledger.Kind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsState(states []ledger.State, s ledger.State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}
