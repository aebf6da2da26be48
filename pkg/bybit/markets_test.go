package bybit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", CanonicalSymbol("BTCPERP"))
	assert.Equal(t, "ETHUSDT", CanonicalSymbol("ETHPERP"))
	assert.Equal(t, "BTCUSDT", CanonicalSymbol("BTCUSDT"))
	assert.Equal(t, "PERP", CanonicalSymbol("PERP"), "bare suffix passes through")
}

func TestBaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", baseAsset("BTCPERP"))
	assert.Equal(t, "BTC", baseAsset("BTCUSDT"))
	assert.Equal(t, "SOL", baseAsset("SOLUSDT"))
}

func TestIsDated(t *testing.T) {
	assert.True(t, isDated("BTC-26DEC25"))
	assert.False(t, isDated("BTCUSDT"))
}

func TestTopMarketsDedupAndFilter(t *testing.T) {
	rows := []map[string]string{
		{"symbol": "BTCUSDT", "lastPrice": "50000", "turnover24h": "9000", "price24hPcnt": "0.01"},
		{"symbol": "BTCPERP", "lastPrice": "50001", "turnover24h": "100", "price24hPcnt": "0.01"},
		{"symbol": "ETHUSDT", "lastPrice": "3000", "turnover24h": "5000", "price24hPcnt": "-0.02"},
		{"symbol": "BTC-26DEC25", "lastPrice": "51000", "turnover24h": "99999", "price24hPcnt": "0.03"},
		{"symbol": "SOLUSDT", "lastPrice": "150", "turnover24h": "2000", "price24hPcnt": "0.05"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "OK", map[string]any{"list": rows})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	markets, err := c.TopMarkets(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	// dated contract dropped despite top turnover; PERP variant wins its base
	assert.Equal(t, "BTCPERP", markets[0].Symbol)
	assert.Equal(t, "ETHUSDT", markets[1].Symbol)
}

func TestTickerUsesCanonicalSymbol(t *testing.T) {
	var gotSymbol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		writeEnvelope(w, 0, "OK", map[string]any{"list": []map[string]string{{
			"symbol": "BTCUSDT", "lastPrice": "50000", "turnover24h": "1", "price24hPcnt": "0",
		}}})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	_, err := c.Ticker(context.Background(), "BTCPERP")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", gotSymbol)
}

func TestKlinesReversedToChronological(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "OK", map[string]any{"list": [][]string{
			{"1700000120000", "103", "104", "102", "103.5", "10"},
			{"1700000060000", "102", "103", "101", "103", "12"},
			{"1700000000000", "101", "102", "100", "102", "15"},
		}})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)
	klines, err := c.Klines(context.Background(), "BTCUSDT", "1", 3)
	require.NoError(t, err)
	require.Len(t, klines, 3)
	assert.True(t, klines[0].Start.Before(klines[1].Start))
	assert.True(t, klines[1].Start.Before(klines[2].Start))
	assert.Equal(t, 102.0, klines[0].Close)
	assert.Equal(t, 103.5, klines[2].Close)
}

func TestCandleSummary(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	klines := []Kline{
		{Start: base, Close: 101.2},
		{Start: base.Add(5 * time.Minute), Close: 101.9},
		{Start: base.Add(10 * time.Minute), Close: 102.4},
	}
	assert.Equal(t, "5m closes: 101.9 102.4", CandleSummary(klines, "5", 2))
	assert.Equal(t, "5m closes: 101.2 101.9 102.4", CandleSummary(klines, "5", 10), "points capped at available candles")
	assert.Empty(t, CandleSummary(nil, "5", 5))
}

func TestIntervalLabel(t *testing.T) {
	assert.Equal(t, "5m", intervalLabel("5"))
	assert.Equal(t, "1h", intervalLabel("60"))
	assert.Equal(t, "4h", intervalLabel("240"))
	assert.Equal(t, "1d", intervalLabel("D"))
}
