package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics holds the Prometheus collectors for ledger operations.
// A nil *LedgerMetrics is valid and records nothing.
type LedgerMetrics struct {
	entryTransitions    *prometheus.CounterVec
	adminActions        *prometheus.CounterVec
	withdrawalsRejected *prometheus.CounterVec
	bonusesDistributed  *prometheus.CounterVec
	balanceDrift        *prometheus.GaugeVec
	driftedUsers        prometheus.Gauge
	reconcileDuration   prometheus.Histogram
	gatewayEvents       *prometheus.CounterVec
}

// New registers the ledger collectors on registerer. A nil registerer falls
// back to the default registry.
func New(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	entryTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_entry_transitions_total",
			Help: "Ledger entries reaching a state, by kind.",
		},
		[]string{"kind", "state"},
	)

	adminActions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_admin_actions_total",
			Help: "Audited admin actions by action type.",
		},
		[]string{"action"},
	)

	withdrawalsRejected := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_withdrawals_refused_total",
			Help: "Withdrawal requests refused before reservation, by cause.",
		},
		[]string{"cause"}, // insufficient_funds | above_maximum | disabled
	)

	bonusesDistributed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_referral_bonuses_total",
			Help: "Referral bonus outcomes by bonus type.",
		},
		[]string{"bonus_type", "result"}, // distributed | expired | failed
	)

	balanceDrift := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_balance_drift",
			Help: "Expected minus stored current balance for users found drifting.",
		},
		[]string{"user_id"},
	)

	driftedUsers := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_drifted_users",
			Help: "Users whose stored balance disagreed with their entries on the last reconciliation run.",
		},
	)

	reconcileDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_reconcile_duration_seconds",
			Help:    "Duration of a full reconciliation pass.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	gatewayEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_gateway_events_total",
			Help: "Payment gateway callbacks by target and result.",
		},
		[]string{"target", "result"}, // applied | duplicate | rejected
	)

	registerer.MustRegister(
		entryTransitions,
		adminActions,
		withdrawalsRejected,
		bonusesDistributed,
		balanceDrift,
		driftedUsers,
		reconcileDuration,
		gatewayEvents,
	)

	return &LedgerMetrics{
		entryTransitions:    entryTransitions,
		adminActions:        adminActions,
		withdrawalsRejected: withdrawalsRejected,
		bonusesDistributed:  bonusesDistributed,
		balanceDrift:        balanceDrift,
		driftedUsers:        driftedUsers,
		reconcileDuration:   reconcileDuration,
		gatewayEvents:       gatewayEvents,
	}
}

func (m *LedgerMetrics) IncEntryTransition(kind, state string) {
	if m == nil {
		return
	}
	m.entryTransitions.WithLabelValues(kind, state).Inc()
}

func (m *LedgerMetrics) IncAdminAction(action string) {
	if m == nil {
		return
	}
	m.adminActions.WithLabelValues(action).Inc()
}

func (m *LedgerMetrics) IncWithdrawalRefused(cause string) {
	if m == nil {
		return
	}
	m.withdrawalsRejected.WithLabelValues(cause).Inc()
}

func (m *LedgerMetrics) IncBonus(bonusType, result string) {
	if m == nil {
		return
	}
	m.bonusesDistributed.WithLabelValues(bonusType, result).Inc()
}

func (m *LedgerMetrics) SetDrift(userID string, drift float64) {
	if m == nil {
		return
	}
	m.balanceDrift.WithLabelValues(userID).Set(drift)
}

// ClearDrift drops the per-user gauge once the user is consistent again.
func (m *LedgerMetrics) ClearDrift(userID string) {
	if m == nil {
		return
	}
	m.balanceDrift.DeleteLabelValues(userID)
}

func (m *LedgerMetrics) SetDriftedUsers(n int) {
	if m == nil {
		return
	}
	m.driftedUsers.Set(float64(n))
}

func (m *LedgerMetrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(d.Seconds())
}

func (m *LedgerMetrics) IncGatewayEvent(target, result string) {
	if m == nil {
		return
	}
	m.gatewayEvents.WithLabelValues(target, result).Inc()
}
