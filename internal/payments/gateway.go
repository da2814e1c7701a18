package payments

import (
	"context"
	"fmt"

	"investment-ledger/internal/ledger"

	"github.com/shopspring/decimal"
)

// Target says which record a gateway event refers to.
type Target string

const (
	TargetDeposit    Target = "deposit"
	TargetWithdrawal Target = "withdrawal"
)

// Outcome is the gateway's verdict. Only confirmed and failed are terminal.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// GatewayEvent is the normalized callback a payment gateway adapter sends.
// Amount is optional; when set it must match the record.
type GatewayEvent struct {
	EventID     string          `json:"event_id"`
	Target      Target          `json:"target"`
	ResourceID  string          `json:"resource_id"`
	Outcome     Outcome         `json:"outcome"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
}

// Validate checks the event shape before anything is looked up.
func (ev GatewayEvent) Validate() error {
	if ev.ResourceID == "" {
		return fmt.Errorf("gateway event has no resource id")
	}
	switch ev.Target {
	case TargetDeposit, TargetWithdrawal:
	default:
		return fmt.Errorf("unknown gateway target %q", ev.Target)
	}
	switch ev.Outcome {
	case OutcomeConfirmed, OutcomeFailed, OutcomePending:
	default:
		return fmt.Errorf("unknown gateway outcome %q", ev.Outcome)
	}
	return ledger.ValidateAmount(ev.Amount)
}

// ApplyGatewayEvent dispatches a gateway verdict to the matching lifecycle
// step. A pending outcome changes nothing. Repeats come back with
// ErrAlreadyProcessed.
func (t *Tracker) ApplyGatewayEvent(ctx context.Context, ev GatewayEvent) error {
	err := t.applyGatewayEvent(ctx, ev)
	t.metrics.IncGatewayEvent(string(ev.Target), gatewayResult(err))
	return err
}

func (t *Tracker) applyGatewayEvent(ctx context.Context, ev GatewayEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Outcome == OutcomePending {
		t.logger.Debug().
			Str("target", string(ev.Target)).
			Str("resource_id", ev.ResourceID).
			Msg("gateway reports still pending")
		return nil
	}

	switch ev.Target {
	case TargetDeposit:
		dep, err := t.store.GetDeposit(ctx, ev.ResourceID)
		if err != nil {
			return err
		}
		if err := checkDeclaredAmount(ev.Amount, dep.Amount); err != nil {
			return err
		}
		if ev.Outcome == OutcomeConfirmed {
			_, err = t.ConfirmDeposit(ctx, dep.ID, ev.ExternalRef)
		} else {
			_, err = t.FailDeposit(ctx, dep.ID, orReason(ev.Reason))
		}
		return err

	default:
		w, err := t.store.GetWithdrawal(ctx, ev.ResourceID)
		if err != nil {
			return err
		}
		if err := checkDeclaredAmount(ev.Amount, w.Amount); err != nil {
			return err
		}
		if ev.Outcome == OutcomeConfirmed {
			_, err = t.CompleteWithdrawal(ctx, w.ID, ev.ExternalRef)
		} else {
			_, err = t.FailWithdrawal(ctx, w.ID, orReason(ev.Reason))
		}
		return err
	}
}

func checkDeclaredAmount(declared, recorded decimal.Decimal) error {
	if declared.IsZero() || declared.Equal(recorded) {
		return nil
	}
	return fmt.Errorf("%w: gateway declared %s, record holds %s",
		ledger.ErrInvalidAmount, declared.StringFixed(2), recorded.StringFixed(2))
}

func orReason(reason string) string {
	if reason == "" {
		return "payment gateway reported failure"
	}
	return reason
}

func gatewayResult(err error) string {
	switch {
	case err == nil:
		return "applied"
	case IsNoop(err):
		return "duplicate"
	}
	return "rejected"
}
