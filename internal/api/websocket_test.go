package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"investment-ledger/internal/events"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialBalanceFeed(t *testing.T, env *testEnv, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(env.server.Router())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/balance?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestBalanceFeed_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	_, resp, err := dialBalanceFeed(t, env, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBalanceFeed_SnapshotThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "grace", "150")

	conn, _, err := dialBalanceFeed(t, env, env.token(t, "grace", false))
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, events.EventBalanceUpdate, first.Type)
	assert.Equal(t, "grace", first.UserID)
	assert.Equal(t, "150.00", first.Data["current_balance"])

	require.Eventually(t, func() bool {
		return env.server.Hub().GetUserClientCount("grace") == 1
	}, time.Second, 10*time.Millisecond)

	// Another user's events never reach this socket.
	env.bus.PublishBalanceUpdate("heidi", decimal.NewFromInt(1), decimal.NewFromInt(1), 1)
	env.bus.PublishBalanceUpdate("grace", decimal.NewFromInt(90), decimal.NewFromInt(80), 7)

	next := readEvent(t, conn)
	assert.Equal(t, "grace", next.UserID)
	assert.EqualValues(t, 7, next.Data["version"])
}
