package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"investment-ledger/internal/events"

	"github.com/rs/zerolog"
)

// Severity of an operator alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a message for the operators watching the ledger
type Alert struct {
	Severity  Severity
	Title     string
	Message   string
	UserID    string
	Fields    map[string]string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
	IsEnabled() bool
}

// Manager fans alerts out to every enabled provider.
type Manager struct {
	notifiers   []Notifier
	minSeverity Severity
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewManager creates a manager that drops alerts below minSeverity.
func NewManager(minSeverity Severity, logger zerolog.Logger) *Manager {
	if minSeverity == "" {
		minSeverity = SeverityWarning
	}
	return &Manager{
		notifiers:   make([]Notifier, 0),
		minSeverity: minSeverity,
		timeout:     10 * time.Second,
		logger:      logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	if n.IsEnabled() {
		m.notifiers = append(m.notifiers, n)
	}
}

// Enabled reports whether any provider is configured.
func (m *Manager) Enabled() bool {
	return m != nil && len(m.notifiers) > 0
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Send delivers alert to every provider. Provider failures are logged and
// the last one is returned.
func (m *Manager) Send(ctx context.Context, alert *Alert) error {
	if !m.Enabled() || rank(alert.Severity) < rank(m.minSeverity) {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			m.logger.Warn().Err(err).Str("notifier", n.Name()).Str("title", alert.Title).Msg("failed to deliver alert")
			lastErr = err
		}
	}
	return lastErr
}

// Attach turns ledger drift, errors, gateway failures and admin actions on
// bus into alerts.
func (m *Manager) Attach(bus *events.EventBus) {
	if bus == nil || !m.Enabled() {
		return
	}
	for _, t := range []events.EventType{
		events.EventLedgerDrift,
		events.EventError,
		events.EventWithdrawalFailed,
		events.EventAdminAction,
	} {
		bus.Subscribe(t, func(ev events.Event) {
			alert := AlertFor(ev)
			if alert == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			_ = m.Send(ctx, alert)
		})
	}
}

// AlertFor maps a bus event to an alert, or nil for events operators do not
// need to see.
func AlertFor(ev events.Event) *Alert {
	a := &Alert{UserID: ev.UserID, Timestamp: ev.Timestamp, Fields: stringFields(ev.Data)}
	switch ev.Type {
	case events.EventLedgerDrift:
		a.Severity = SeverityCritical
		a.Title = "Ledger drift detected"
		a.Message = fmt.Sprintf("Stored balance of user %s disagrees with its entries. Reconcile through the admin API.", ev.UserID)
	case events.EventError:
		a.Severity = SeverityWarning
		a.Title = "Ledger error"
		a.Message = a.Fields["message"]
	case events.EventWithdrawalFailed:
		a.Severity = SeverityWarning
		a.Title = "Withdrawal failed at gateway"
		a.Message = fmt.Sprintf("Withdrawal %s for user %s failed and its reservation was released.", a.Fields["withdrawal_id"], ev.UserID)
	case events.EventAdminAction:
		a.Severity = SeverityInfo
		a.Title = "Admin action"
		a.Message = fmt.Sprintf("%s by %s", a.Fields["action"], a.Fields["admin_id"])
	default:
		return nil
	}
	return a
}

func stringFields(data map[string]interface{}) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// sortedFields renders fields in a stable order.
func sortedFields(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIBase  string // defaults to https://api.telegram.org
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	base := strings.TrimRight(config.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		apiBase:  base,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, alert *Alert) error {
	if !t.enabled {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*[%s] %s*\n\n%s", strings.ToUpper(string(alert.Severity)), alert.Title, alert.Message)
	for _, k := range sortedFields(alert.Fields) {
		fmt.Fprintf(&sb, "\n%s: `%s`", k, alert.Fields[k])
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       sb.String(),
		"parse_mode": "Markdown",
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	resp, err := postJSON(ctx, t.client, url, payload)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, alert *Alert) error {
	if !d.enabled {
		return nil
	}

	color := 0x3498DB // Blue
	switch alert.Severity {
	case SeverityCritical:
		color = 0xFF0000
	case SeverityWarning:
		color = 0xFFA500
	}

	embed := map[string]interface{}{
		"title":       alert.Title,
		"description": alert.Message,
		"color":       color,
		"timestamp":   alert.Timestamp.Format(time.RFC3339),
	}
	if len(alert.Fields) > 0 {
		fields := make([]map[string]interface{}, 0, len(alert.Fields))
		for _, k := range sortedFields(alert.Fields) {
			fields = append(fields, map[string]interface{}{"name": k, "value": alert.Fields[k], "inline": true})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	resp, err := postJSON(ctx, d.client, d.webhookURL, payload)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
