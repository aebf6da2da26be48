package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountReadsDegradeWithoutCredentials(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeEnvelope(w, 0, "OK", map[string]any{"list": []any{}})
	}))
	defer srv.Close()

	c, err := NewClient(&Config{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	balance, err := c.WalletBalance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, balance.TotalEquity)

	fills, err := c.Executions(context.Background(), "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, fills)

	orders, err := c.OpenOrders(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, orders)

	assert.Zero(t, atomic.LoadInt32(&hits), "no signed request leaves the process without keys")
}

func TestPositionsParsesAndSkipsFlatRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveServerTime(w)
			return
		}
		require.Equal(t, "/v5/position/list", r.URL.Path)
		require.Equal(t, "USDT", r.URL.Query().Get("settleCoin"))
		writeEnvelope(w, 0, "OK", map[string]any{"list": []map[string]any{
			{
				"symbol": "BTCUSDT", "side": "Buy", "size": "0.5",
				"avgPrice": "48000", "markPrice": "50000", "unrealisedPnl": "1000",
				"leverage": "10", "liqPrice": "43000", "createdTime": "1700000000000",
			},
			{"symbol": "ETHUSDT", "side": "Sell", "size": "0"},
		}})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1, "flat rows are dropped")
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, SideBuy, positions[0].Side)
	assert.Equal(t, 1000.0, positions[0].UnrealizedPnL)
	assert.Equal(t, 10.0, positions[0].Leverage)
}
