package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"investment-ledger/internal/events"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]interface{}
	paths  []string
}

func (r *recorder) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.paths = append(r.paths, req.URL.Path)
		r.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestManager_SeverityFilter(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t, http.StatusNoContent)

	m := NewManager(SeverityWarning, zerolog.Nop())
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true}))
	require.True(t, m.Enabled())

	ctx := context.Background()
	require.NoError(t, m.Send(ctx, &Alert{Severity: SeverityInfo, Title: "noise"}))
	assert.Equal(t, 0, rec.count())

	require.NoError(t, m.Send(ctx, &Alert{Severity: SeverityCritical, Title: "drift", Fields: map[string]string{"drift": "1.00"}}))
	require.Equal(t, 1, rec.count())
	embeds := rec.bodies[0]["embeds"].([]interface{})
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, "drift", embed["title"])
	assert.EqualValues(t, 0xFF0000, embed["color"])
}

func TestTelegramNotifier(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t, http.StatusOK)

	n := NewTelegramNotifier(TelegramConfig{BotToken: "abc", ChatID: "42", APIBase: srv.URL, Enabled: true})
	require.NoError(t, n.Send(context.Background(), &Alert{
		Severity: SeverityWarning,
		Title:    "Withdrawal failed at gateway",
		Message:  "released",
		Fields:   map[string]string{"withdrawal_id": "w-1"},
	}))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "/botabc/sendMessage", rec.paths[0])
	assert.Equal(t, "42", rec.bodies[0]["chat_id"])
	assert.Contains(t, rec.bodies[0]["text"], "[WARNING] Withdrawal failed at gateway")
	assert.Contains(t, rec.bodies[0]["text"], "withdrawal_id: `w-1`")
}

func TestNotifierErrorStatus(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t, http.StatusInternalServerError)

	m := NewManager(SeverityInfo, zerolog.Nop())
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true}))
	assert.Error(t, m.Send(context.Background(), &Alert{Severity: SeverityCritical, Title: "x"}))
}

func TestDisabledNotifiersAreSkipped(t *testing.T) {
	m := NewManager(SeverityInfo, zerolog.Nop())
	m.AddNotifier(NewTelegramNotifier(TelegramConfig{Enabled: true}))
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: "http://x", Enabled: false}))
	assert.False(t, m.Enabled())
	assert.NoError(t, m.Send(context.Background(), &Alert{Severity: SeverityCritical}))
}

func TestAlertFor(t *testing.T) {
	drift := AlertFor(events.Event{
		Type:   events.EventLedgerDrift,
		UserID: "u1",
		Data:   map[string]interface{}{"drift": "5.00"},
	})
	require.NotNil(t, drift)
	assert.Equal(t, SeverityCritical, drift.Severity)
	assert.Equal(t, "5.00", drift.Fields["drift"])

	assert.Nil(t, AlertFor(events.Event{Type: events.EventBalanceUpdate}))
}

func TestAttachForwardsDrift(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t, http.StatusNoContent)

	m := NewManager(SeverityWarning, zerolog.Nop())
	m.AddNotifier(NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true}))
	bus := events.NewEventBus()
	m.Attach(bus)

	bus.PublishLedgerDrift("u1", decimal.NewFromInt(100), decimal.NewFromInt(90))
	bus.PublishAdminAction("admin-1", "adjust_balance", "u1", "e1")

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
}
