package bybit

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// CanonicalSymbol maps a perpetual-suffixed alias to its quote-settled
// equivalent for market-data lookups: XPERP becomes XUSDT, everything else
// passes through unchanged. Trading operations must keep the original symbol.
func CanonicalSymbol(symbol string) string {
	if base, ok := strings.CutSuffix(symbol, "PERP"); ok && base != "" {
		return base + "USDT"
	}
	return symbol
}

// baseAsset strips the settlement suffix for grouping market variants.
func baseAsset(symbol string) string {
	if base, ok := strings.CutSuffix(symbol, "PERP"); ok {
		return base
	}
	if base, ok := strings.CutSuffix(symbol, "USDT"); ok {
		return base
	}
	return symbol
}

// isDated reports whether the symbol carries an explicit expiry suffix.
// Dated contracts are excluded from market listings entirely.
func isDated(symbol string) bool {
	return strings.Contains(symbol, "-")
}

// Tickers fetches all 24h linear ticker rows.
func (c *Client) Tickers(ctx context.Context) ([]Ticker, error) {
	query := url.Values{}
	query.Set("category", "linear")
	var result tickerResult
	if err := c.getPublic(ctx, "/v5/market/tickers", query, &result); err != nil {
		return nil, err
	}
	out := make([]Ticker, 0, len(result.List))
	for _, row := range result.List {
		out = append(out, Ticker{
			Symbol:       row.Symbol,
			LastPrice:    parseFloat(row.LastPrice),
			Turnover24h:  parseFloat(row.Turnover24h),
			Change24hPct: parseFloat(row.Price24hPcnt) * 100,
		})
	}
	return out, nil
}

// Ticker fetches a single symbol's market data, applying canonical mapping.
func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", CanonicalSymbol(symbol))
	var result tickerResult
	if err := c.getPublic(ctx, "/v5/market/tickers", query, &result); err != nil {
		return Ticker{}, err
	}
	if len(result.List) == 0 {
		return Ticker{}, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	row := result.List[0]
	return Ticker{
		Symbol:       row.Symbol,
		LastPrice:    parseFloat(row.LastPrice),
		Turnover24h:  parseFloat(row.Turnover24h),
		Change24hPct: parseFloat(row.Price24hPcnt) * 100,
	}, nil
}

// TopMarkets returns the highest-turnover tradable markets, one per base
// asset. Dated contracts are dropped; when both a perpetual and a
// quote-settled variant list for the same base asset the perpetual wins
// (more reliable on non-production environments), otherwise the higher
// turnover variant is kept.
func (c *Client) TopMarkets(ctx context.Context, limit int) ([]Ticker, error) {
	tickers, err := c.Tickers(ctx)
	if err != nil {
		return nil, err
	}

	filtered := tickers[:0]
	for _, t := range tickers {
		if !isDated(t.Symbol) {
			filtered = append(filtered, t)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Turnover24h > filtered[j].Turnover24h })

	chosen := make(map[string]Ticker)
	var order []string
	for _, t := range filtered {
		base := baseAsset(t.Symbol)
		existing, ok := chosen[base]
		if !ok {
			chosen[base] = t
			order = append(order, base)
			continue
		}
		// Sorted input means the existing entry has the higher turnover; a
		// perpetual variant still takes precedence over it.
		if strings.HasSuffix(t.Symbol, "PERP") && !strings.HasSuffix(existing.Symbol, "PERP") {
			chosen[base] = t
		}
	}

	out := make([]Ticker, 0, len(order))
	for _, base := range order {
		out = append(out, chosen[base])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Klines fetches up to limit candles for the canonical symbol, oldest first.
// The interval is a Bybit kline interval string ("5", "15", "60", "240", "D").
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", CanonicalSymbol(symbol))
	query.Set("interval", interval)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var result klineResult
	if err := c.getPublic(ctx, "/v5/market/kline", query, &result); err != nil {
		return nil, err
	}
	out := make([]Kline, 0, len(result.List))
	// The API returns newest first; reverse into chronological order.
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		out = append(out, Kline{
			Start:  parseMillis(row[0]),
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	return out, nil
}

// CandleSummary renders the last `points` closes as a compact textual series
// for prompt embedding, e.g. "5m closes: 101.2 101.9 102.4".
func CandleSummary(klines []Kline, interval string, points int) string {
	if len(klines) == 0 || points <= 0 {
		return ""
	}
	if points > len(klines) {
		points = len(klines)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s closes:", intervalLabel(interval))
	for _, k := range klines[len(klines)-points:] {
		fmt.Fprintf(&b, " %s", formatPrice(k.Close))
	}
	return b.String()
}

func intervalLabel(interval string) string {
	switch interval {
	case "D":
		return "1d"
	case "W":
		return "1w"
	default:
		if mins, err := strconv.Atoi(interval); err == nil {
			if mins >= 60 && mins%60 == 0 {
				return fmt.Sprintf("%dh", mins/60)
			}
			return fmt.Sprintf("%dm", mins)
		}
	}
	return interval
}

// formatPrice trims trailing zeros while keeping enough precision for
// low-priced assets.
func formatPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if len(s) > 10 {
		s = strconv.FormatFloat(v, 'g', 6, 64)
	}
	return s
}
