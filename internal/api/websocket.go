package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"investment-ledger/internal/auth"
	"investment-ledger/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced on the REST routes; the feed is token-gated
	},
}

// feedEvents are forwarded to the owning user's sockets.
var feedEvents = []events.EventType{
	events.EventBalanceUpdate,
	events.EventDepositConfirmed,
	events.EventDepositFailed,
	events.EventWithdrawalApproved,
	events.EventWithdrawalCompleted,
	events.EventWithdrawalRejected,
	events.EventWithdrawalFailed,
	events.EventBonusDistributed,
}

// wsClient is one websocket connection of a user.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *BalanceHub
	userID    string
	closeChan chan struct{}
}

type userMessage struct {
	userID string
	data   []byte
}

// BalanceHub fans per-user ledger events out to that user's websockets.
type BalanceHub struct {
	userClients map[string]map[*wsClient]bool
	userCast    chan userMessage
	register    chan *wsClient
	unregister  chan *wsClient
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewBalanceHub creates a hub and starts its loop.
func NewBalanceHub(logger zerolog.Logger) *BalanceHub {
	h := &BalanceHub{
		userClients: make(map[string]map[*wsClient]bool),
		userCast:    make(chan userMessage, 256),
		register:    make(chan *wsClient),
		unregister:  make(chan *wsClient),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "ws-hub").Logger(),
	}
	go h.run()
	return h
}

// Attach subscribes the hub to the ledger events of bus.
func (h *BalanceHub) Attach(bus *events.EventBus) {
	if bus == nil {
		return
	}
	for _, t := range feedEvents {
		bus.Subscribe(t, func(ev events.Event) {
			if ev.UserID != "" {
				h.BroadcastToUser(ev.UserID, ev)
			}
		})
	}
}

// Close stops the hub loop. Connected clients are dropped.
func (h *BalanceHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *BalanceHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, clients := range h.userClients {
				for client := range clients {
					close(client.send)
				}
			}
			h.userClients = make(map[string]map[*wsClient]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*wsClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.userClients[client.userID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
				}
				if len(clients) == 0 {
					delete(h.userClients, client.userID)
				}
			}
			h.mu.Unlock()

		case msg := <-h.userCast:
			h.mu.RLock()
			for client := range h.userClients[msg.userID] {
				select {
				case client.send <- msg.data:
				default:
					h.logger.Warn().Str("user_id", msg.userID).Msg("websocket client too slow, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastToUser sends an event to a specific user's connections
func (h *BalanceHub) BroadcastToUser(userID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal user event")
		return
	}

	select {
	case h.userCast <- userMessage{userID: userID, data: data}:
	case <-h.done:
	default:
		h.logger.Warn().Str("user_id", userID).Msg("user broadcast channel full, dropping message")
	}
}

// GetUserClientCount returns the number of connected clients for a user
func (h *BalanceHub) GetUserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// writePump pumps messages from the hub to the websocket connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump drains the connection so pongs and closes are seen
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("user_id", c.userID).Msg("websocket read error")
			}
			return
		}
	}
}

// wsAuth accepts the bearer token either as a header or, since browsers
// cannot set headers on websocket upgrades, as the token query parameter.
func (s *Server) wsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authEnabled() {
			c.Next()
			return
		}
		token := c.Query("token")
		if h := c.GetHeader("Authorization"); token == "" && strings.HasPrefix(strings.ToLower(h), "bearer ") {
			token = h[len("bearer "):]
		}
		claims, err := s.deps.JWT.ValidateAccessToken(token)
		if err != nil {
			errorResponse(c, http.StatusUnauthorized, "authentication required for websocket connection")
			c.Abort()
			return
		}
		c.Set(auth.ContextKeyUserID, claims.UserID)
		c.Set(auth.ContextKeyIsAdmin, claims.IsAdmin)
		c.Set(auth.ContextKeyClaims, claims)
		c.Next()
	}
}

// handleBalanceWebSocket streams the caller's balance and payment events.
// The current balance is sent first so the client never starts blind.
func (s *Server) handleBalanceWebSocket(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, 64),
		hub:       s.hub,
		userID:    userID,
		closeChan: make(chan struct{}),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	if b, err := s.deps.Projector.Get(c.Request.Context(), userID); err == nil {
		s.hub.BroadcastToUser(userID, events.Event{
			Type:      events.EventBalanceUpdate,
			UserID:    userID,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"current_balance":   b.CurrentBalance.StringFixed(2),
				"available_balance": b.Available().StringFixed(2),
				"version":           b.Version,
			},
		})
	}
}
