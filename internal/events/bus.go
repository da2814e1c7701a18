package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDepositInitiated    EventType = "DEPOSIT_INITIATED"
	EventDepositConfirmed    EventType = "DEPOSIT_CONFIRMED"
	EventDepositFailed       EventType = "DEPOSIT_FAILED"
	EventWithdrawalRequested EventType = "WITHDRAWAL_REQUESTED"
	EventWithdrawalApproved  EventType = "WITHDRAWAL_APPROVED"
	EventWithdrawalCompleted EventType = "WITHDRAWAL_COMPLETED"
	EventWithdrawalRejected  EventType = "WITHDRAWAL_REJECTED"
	EventWithdrawalFailed    EventType = "WITHDRAWAL_FAILED"
	EventBalanceUpdate       EventType = "BALANCE_UPDATE"
	EventLedgerDrift         EventType = "LEDGER_DRIFT"
	EventAdminAction         EventType = "ADMIN_ACTION"
	EventBonusDistributed    EventType = "BONUS_DISTRIBUTED"
	EventError               EventType = "ERROR"
)

// Event represents a system event. UserID routes per-user deliveries such as
// the websocket balance feed; it is empty for system-wide events.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. A nil bus drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking the ledger path
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDeposit publishes a deposit lifecycle event
func (eb *EventBus) PublishDeposit(eventType EventType, userID, depositID string, amount decimal.Decimal, method string) {
	eb.Publish(Event{
		Type:   eventType,
		UserID: userID,
		Data: map[string]interface{}{
			"deposit_id": depositID,
			"amount":     amount.StringFixed(2),
			"method":     method,
		},
	})
}

// PublishWithdrawal publishes a withdrawal lifecycle event
func (eb *EventBus) PublishWithdrawal(eventType EventType, userID, withdrawalID string, amount decimal.Decimal, reason string) {
	data := map[string]interface{}{
		"withdrawal_id": withdrawalID,
		"amount":        amount.StringFixed(2),
	}
	if reason != "" {
		data["reason"] = reason
	}
	eb.Publish(Event{Type: eventType, UserID: userID, Data: data})
}

// PublishBalanceUpdate publishes the new balance figures after a committed change
func (eb *EventBus) PublishBalanceUpdate(userID string, current, available decimal.Decimal, version int64) {
	eb.Publish(Event{
		Type:   EventBalanceUpdate,
		UserID: userID,
		Data: map[string]interface{}{
			"current_balance":   current.StringFixed(2),
			"available_balance": available.StringFixed(2),
			"version":           version,
		},
	})
}

// PublishLedgerDrift publishes a stored balance that disagrees with its entries
func (eb *EventBus) PublishLedgerDrift(userID string, stored, expected decimal.Decimal) {
	eb.Publish(Event{
		Type:   EventLedgerDrift,
		UserID: userID,
		Data: map[string]interface{}{
			"stored_balance":   stored.StringFixed(2),
			"expected_balance": expected.StringFixed(2),
			"drift":            expected.Sub(stored).StringFixed(2),
		},
	})
}

// PublishAdminAction publishes an audited admin action
func (eb *EventBus) PublishAdminAction(adminID, action, affectedUserID, resourceID string) {
	eb.Publish(Event{
		Type:   EventAdminAction,
		UserID: affectedUserID,
		Data: map[string]interface{}{
			"admin_id":    adminID,
			"action":      action,
			"resource_id": resourceID,
		},
	})
}

// PublishBonusDistributed publishes a referral bonus payout
func (eb *EventBus) PublishBonusDistributed(recipientID, bonusID, bonusType string, amount decimal.Decimal) {
	eb.Publish(Event{
		Type:   EventBonusDistributed,
		UserID: recipientID,
		Data: map[string]interface{}{
			"bonus_id":   bonusID,
			"bonus_type": bonusType,
			"amount":     amount.StringFixed(2),
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
