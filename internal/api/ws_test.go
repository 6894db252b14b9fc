package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/relay"
)

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPriceStream_SharedSubscription(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	a := dialStream(t, srv)
	b := dialStream(t, srv)
	require.NoError(t, a.WriteJSON(map[string]string{"type": "subscribe", "symbol": "aapl"}))
	require.NoError(t, b.WriteJSON(map[string]string{"type": "subscribe", "symbol": "AAPL"}))

	require.Eventually(t, func() bool {
		return len(s.relay.Registry().Subscribers("AAPL")) == 2 && s.upstream.live("AAPL") == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.relay.OnUpstreamTick(context.Background(), []models.Tick{
		{Symbol: "AAPL", Price: decimal.RequireFromString("181.5"), Timestamp: time.Now().UnixMilli()},
	})

	for _, c := range []*websocket.Conn{a, b} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg relay.TradeMessage
		require.NoError(t, c.ReadJSON(&msg))
		assert.Equal(t, "trade", msg.Type)
		assert.Equal(t, "AAPL", msg.Symbol)
		require.Len(t, msg.Data, 1)
		assert.Equal(t, "181.5", msg.Data[0].Price.String())
	}

	a.Close()
	assert.Eventually(t, func() bool {
		return len(s.relay.Registry().Subscribers("AAPL")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.upstream.live("AAPL"))

	b.Close()
	assert.Eventually(t, func() bool {
		return s.upstream.live("AAPL") == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, s.relay.UpstreamSymbols())
}

func TestPriceStream_Unsubscribe(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	c := dialStream(t, srv)
	require.NoError(t, c.WriteJSON(map[string]string{"type": "subscribe", "symbol": "MSFT"}))
	require.Eventually(t, func() bool {
		return s.upstream.live("MSFT") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.WriteJSON(map[string]string{"type": "bogus", "symbol": "MSFT"}))
	require.NoError(t, c.WriteJSON(map[string]string{"type": "unsubscribe", "symbol": "MSFT"}))

	assert.Eventually(t, func() bool {
		return s.upstream.live("MSFT") == 0 && len(s.relay.Registry().Subscribers("MSFT")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// the connection survives an unknown message and keeps working
	require.NoError(t, c.WriteJSON(map[string]string{"type": "subscribe", "symbol": "TSLA"}))
	assert.Eventually(t, func() bool {
		return s.upstream.live("TSLA") == 1
	}, 2*time.Second, 10*time.Millisecond)
}
