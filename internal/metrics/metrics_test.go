package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncEntryTransition("deposit", "completed")
	m.IncEntryTransition("deposit", "completed")
	m.IncAdminAction("adjust_balance")
	m.IncWithdrawalRefused("insufficient_funds")
	m.IncBonus("deposit", "distributed")
	m.IncGatewayEvent("deposit", "duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.entryTransitions.WithLabelValues("deposit", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adminActions.WithLabelValues("adjust_balance")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.withdrawalsRejected.WithLabelValues("insufficient_funds")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bonusesDistributed.WithLabelValues("deposit", "distributed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayEvents.WithLabelValues("deposit", "duplicate")))
}

func TestLedgerMetrics_Drift(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetDrift("u1", 12.5)
	m.SetDriftedUsers(1)
	m.ObserveReconcile(250 * time.Millisecond)

	assert.Equal(t, 12.5, testutil.ToFloat64(m.balanceDrift.WithLabelValues("u1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.driftedUsers))

	m.ClearDrift("u1")
	n, err := testutil.GatherAndCount(reg, "ledger_balance_drift")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLedgerMetrics_NilSafe(t *testing.T) {
	var m *LedgerMetrics
	assert.NotPanics(t, func() {
		m.IncEntryTransition("fee", "completed")
		m.SetDrift("u1", 1)
		m.ClearDrift("u1")
		m.ObserveReconcile(time.Second)
	})
}
