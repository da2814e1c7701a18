package ledger

import "errors"

// Error taxonomy shared by every ledger component. Callers compare with errors.Is;
// components wrap these with context using fmt.Errorf("...: %w", err).
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrInconsistentLedger = errors.New("ledger inconsistent with stored balance")
	ErrInvalidAmount      = errors.New("invalid amount")

	// Policy errors raised before anything is written.
	ErrBelowMinimum    = errors.New("amount below configured minimum")
	ErrAboveMaximum    = errors.New("amount above configured maximum")
	ErrFeatureDisabled = errors.New("feature disabled by system configuration")
)

// IsAlreadyProcessed reports whether err is the idempotent no-op signal.
// It is not a failure from the caller's point of view.
func IsAlreadyProcessed(err error) bool {
	return errors.Is(err, ErrAlreadyProcessed)
}
