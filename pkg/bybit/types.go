package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// apiResponse is the v5 envelope shared by every endpoint.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// APIError is a non-zero retCode returned by the exchange.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: retCode %d: %s", e.Code, e.Message)
}

// Exchange retCode families the client treats specially.
const (
	codeOK            = 0
	codeTimestampSkew = 10002
	codeRateLimit     = 10006
	codeIPRateLimit   = 10018
)

// quantityValidationCodes are order-placement rejections caused by stale
// instrument parameters. All members are handled identically: invalidate the
// symbol's cached instrument, log, and fail without an automatic retry.
var quantityValidationCodes = map[int]bool{
	10001:  true, // parameter error
	110003: true, // order price out of range
	110007: true, // insufficient quantity precision
	110009: true, // qty exceeds max limit
	110012: true, // qty below min limit
	110017: true, // qty not a multiple of step
	110043: true, // leverage not modified / out of range
}

// isQuantityValidation reports whether the retCode indicates stale instrument
// parameters.
func isQuantityValidation(code int) bool { return quantityValidationCodes[code] }

// isRateLimit reports whether the retCode indicates request throttling.
func isRateLimit(code int) bool { return code == codeRateLimit || code == codeIPRateLimit }

// Side of a position or order.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the closing side for a position side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Position is a live derivatives position, sourced fresh from the exchange.
type Position struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	Size             float64   `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	Leverage         float64   `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	OpenedAt         time.Time `json:"opened_at"`
}

// NotionalUSD is size times entry price.
func (p *Position) NotionalUSD() float64 { return p.Size * p.EntryPrice }

// MarginUSD approximates the margin committed to the position.
func (p *Position) MarginUSD() float64 {
	if p.Leverage <= 0 {
		return p.NotionalUSD()
	}
	return p.NotionalUSD() / p.Leverage
}

// Instrument holds the exchange-defined trading parameters for a symbol.
type Instrument struct {
	Symbol      string  `json:"symbol" msgpack:"symbol"`
	MinQty      float64 `json:"min_qty" msgpack:"min_qty"`
	MaxQty      float64 `json:"max_qty" msgpack:"max_qty"`
	QtyStep     float64 `json:"qty_step" msgpack:"qty_step"`
	MinLeverage float64 `json:"min_leverage" msgpack:"min_leverage"`
	MaxLeverage float64 `json:"max_leverage" msgpack:"max_leverage"`
}

// Ticker is a 24h market-data row.
type Ticker struct {
	Symbol       string  `json:"symbol"`
	LastPrice    float64 `json:"last_price"`
	Turnover24h  float64 `json:"turnover_24h"`
	Change24hPct float64 `json:"change_24h_pct"`
}

// Kline is one OHLCV candle.
type Kline struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// WalletBalance summarises the unified account.
type WalletBalance struct {
	TotalEquity      float64 `json:"total_equity"`
	AvailableBalance float64 `json:"available_balance"`
}

// Execution is one fill from the trade history.
type Execution struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenOrder is one resting order.
type OpenOrder struct {
	OrderID   string  `json:"order_id"`
	Symbol    string  `json:"symbol"`
	Side      Side    `json:"side"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	OrderType string  `json:"order_type"`
}

// OrderOutcome is the structured result of an order-affecting call. Business
// rejections are data, not errors: Skipped marks normal no-op outcomes,
// OK=false marks genuine failures.
type OrderOutcome struct {
	OK          bool    `json:"ok"`
	Skipped     bool    `json:"skipped,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	OrderID     string  `json:"order_id,omitempty"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side,omitempty"`
	Qty         float64 `json:"qty,omitempty"`
	Price       float64 `json:"price,omitempty"`
	NotionalUSD float64 `json:"notional_usd,omitempty"`
	Leverage    float64 `json:"leverage,omitempty"`
}

// Wire structs: bybit returns numbers as strings.

type positionRow struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Leverage      string `json:"leverage"`
	LiqPrice      string `json:"liqPrice"`
	CreatedTime   string `json:"createdTime"`
}

type positionResult struct {
	List []positionRow `json:"list"`
}

type instrumentRow struct {
	Symbol        string `json:"symbol"`
	LotSizeFilter struct {
		MinOrderQty string `json:"minOrderQty"`
		MaxOrderQty string `json:"maxOrderQty"`
		QtyStep     string `json:"qtyStep"`
	} `json:"lotSizeFilter"`
	LeverageFilter struct {
		MinLeverage string `json:"minLeverage"`
		MaxLeverage string `json:"maxLeverage"`
	} `json:"leverageFilter"`
}

type instrumentResult struct {
	List []instrumentRow `json:"list"`
}

type tickerRow struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Turnover24h  string `json:"turnover24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

type tickerResult struct {
	List []tickerRow `json:"list"`
}

type klineResult struct {
	// Each row: [startTime, open, high, low, close, volume, turnover]
	List [][]string `json:"list"`
}

type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

type orderCreateResult struct {
	OrderID string `json:"orderId"`
}

type walletResult struct {
	List []struct {
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
	} `json:"list"`
}

type executionResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecQty   string `json:"execQty"`
		ExecPrice string `json:"execPrice"`
		ExecFee   string `json:"execFee"`
		ExecTime  string `json:"execTime"`
	} `json:"list"`
}

type openOrderResult struct {
	List []struct {
		OrderID   string `json:"orderId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		Qty       string `json:"qty"`
		Price     string `json:"price"`
		OrderType string `json:"orderType"`
	} `json:"list"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
