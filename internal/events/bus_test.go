package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversToTypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	typed := make(chan Event, 1)
	all := make(chan Event, 2)

	bus.Subscribe(EventBalanceUpdate, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.PublishBalanceUpdate("u1", decimal.NewFromInt(100), decimal.NewFromInt(80), 3)
	bus.PublishError("test", "boom", nil)

	select {
	case e := <-typed:
		assert.Equal(t, "u1", e.UserID)
		assert.Equal(t, "100.00", e.Data["current_balance"])
		assert.Equal(t, "80.00", e.Data["available_balance"])
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("typed subscriber not called")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("all-events subscriber not called")
		}
	}
}

func TestEventBus_LedgerDriftPayload(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventLedgerDrift, func(e Event) { got <- e })

	bus.PublishLedgerDrift("u1", decimal.NewFromInt(900), decimal.NewFromInt(1000))

	select {
	case e := <-got:
		require.Equal(t, EventLedgerDrift, e.Type)
		assert.Equal(t, "100.00", e.Data["drift"])
	case <-time.After(time.Second):
		t.Fatal("drift event not delivered")
	}
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() {
		bus.PublishAdminAction("a1", "adjust_balance", "u1", "e1")
	})
}
