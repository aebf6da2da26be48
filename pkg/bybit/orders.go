package bybit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// OpenRequest describes a market-order position open or average-in.
type OpenRequest struct {
	Symbol      string
	Side        Side
	NotionalUSD float64
	Leverage    float64
	// Configured leverage bounds; the effective leverage is clamped to the
	// intersection of these and the instrument's own bounds.
	MinLeverage float64
	MaxLeverage float64
}

// Close fraction bounds.
const (
	minCloseFraction = 0.05
	maxCloseFraction = 1.0
)

// OpenMarketPosition runs the placement sequence: set leverage, switch to
// isolated margin, submit a market order. The first two calls are best-effort;
// only the order submission determines the outcome. Sizing rejections and
// exchange validation errors come back as failed outcomes, not errors.
func (c *Client) OpenMarketPosition(ctx context.Context, req OpenRequest) (OrderOutcome, error) {
	outcome := OrderOutcome{Symbol: req.Symbol, Side: req.Side}
	if !c.cfg.HasCredentials() {
		outcome.Skipped = true
		outcome.Reason = "no_credentials"
		return outcome, nil
	}

	ticker, err := c.Ticker(ctx, req.Symbol)
	if err != nil {
		return outcome, err
	}
	if ticker.LastPrice <= 0 {
		outcome.Reason = "no_price"
		return outcome, nil
	}
	inst, err := c.Instrument(ctx, req.Symbol)
	if err != nil {
		return outcome, err
	}

	qty, reason := sizeOrder(inst, req.NotionalUSD, ticker.LastPrice)
	if reason != "" {
		outcome.Reason = reason
		return outcome, nil
	}
	leverage := clampLeverage(req.Leverage, req.MinLeverage, req.MaxLeverage, inst)

	logDiag("bybit: placing order symbol=%s side=%s usdt=%.2f price=%.6f qty=%s leverage=%.1f bounds=[%.4f,%.0f] step=%.6f",
		req.Symbol, req.Side, req.NotionalUSD, ticker.LastPrice, formatQty(qty, inst.QtyStep), leverage, inst.MinQty, inst.MaxQty, inst.QtyStep)

	// Best-effort: leverage and margin mode failures do not abort the order.
	if err := c.setLeverage(ctx, req.Symbol, leverage); err != nil {
		logDiag("bybit: set leverage %s failed: %v", req.Symbol, err)
	}
	if err := c.switchIsolated(ctx, req.Symbol, leverage); err != nil {
		logDiag("bybit: switch isolated %s failed: %v", req.Symbol, err)
	}

	orderID, err := c.createMarketOrder(ctx, req.Symbol, req.Side, qty, inst.QtyStep, false)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && isQuantityValidation(apiErr.Code) {
			c.InvalidateInstrument(req.Symbol)
			logDiag("bybit: instrument cache invalidated for %s after retCode %d", req.Symbol, apiErr.Code)
			outcome.Reason = fmt.Sprintf("instrument_validation:%d", apiErr.Code)
			return outcome, nil
		}
		return outcome, err
	}

	outcome.OK = true
	outcome.OrderID = orderID
	outcome.Qty = qty
	outcome.Price = ticker.LastPrice
	outcome.NotionalUSD = qty * ticker.LastPrice
	outcome.Leverage = leverage
	return outcome, nil
}

// ClosePosition closes fraction of the position with a reduce-only market
// order. The fraction is clamped to [0.05, 1.0]. A resulting quantity below
// the instrument minimum is a normal skipped outcome, never a failure.
func (c *Client) ClosePosition(ctx context.Context, pos Position, fraction float64) (OrderOutcome, error) {
	side := pos.Side.Opposite()
	outcome := OrderOutcome{Symbol: pos.Symbol, Side: side}
	if !c.cfg.HasCredentials() {
		outcome.Skipped = true
		outcome.Reason = "no_credentials"
		return outcome, nil
	}

	if fraction < minCloseFraction {
		fraction = minCloseFraction
	}
	if fraction > maxCloseFraction {
		fraction = maxCloseFraction
	}

	inst, err := c.Instrument(ctx, pos.Symbol)
	if err != nil {
		return outcome, err
	}
	qty := roundToStep(pos.Size*fraction, inst.QtyStep)
	if qty <= 0 || qty < inst.MinQty {
		outcome.Skipped = true
		outcome.Reason = "below_min_qty"
		return outcome, nil
	}

	logDiag("bybit: closing position symbol=%s side=%s fraction=%.2f qty=%s step=%.6f",
		pos.Symbol, side, fraction, formatQty(qty, inst.QtyStep), inst.QtyStep)

	orderID, err := c.createMarketOrder(ctx, pos.Symbol, side, qty, inst.QtyStep, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && isQuantityValidation(apiErr.Code) {
			c.InvalidateInstrument(pos.Symbol)
			outcome.Reason = fmt.Sprintf("instrument_validation:%d", apiErr.Code)
			return outcome, nil
		}
		return outcome, err
	}

	outcome.OK = true
	outcome.OrderID = orderID
	outcome.Qty = qty
	outcome.Price = pos.MarkPrice
	outcome.NotionalUSD = qty * pos.MarkPrice
	return outcome, nil
}

// SetBreakevenStop moves the position's stop-loss to its entry price. The
// caller is responsible for only invoking this while the position is in
// profit; no internal price check is performed.
func (c *Client) SetBreakevenStop(ctx context.Context, pos Position) error {
	body := map[string]any{
		"category":    "linear",
		"symbol":      pos.Symbol,
		"stopLoss":    formatPrice(pos.EntryPrice),
		"tpslMode":    "Full",
		"positionIdx": 0,
	}
	return c.postSigned(ctx, "/v5/position/trading-stop", body, nil)
}

func (c *Client) setLeverage(ctx context.Context, symbol string, leverage float64) error {
	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	return c.postSigned(ctx, "/v5/position/set-leverage", body, nil)
}

func (c *Client) switchIsolated(ctx context.Context, symbol string, leverage float64) error {
	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]any{
		"category":     "linear",
		"symbol":       symbol,
		"tradeMode":    1, // isolated
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	return c.postSigned(ctx, "/v5/position/switch-isolated", body, nil)
}

func (c *Client) createMarketOrder(ctx context.Context, symbol string, side Side, qty, step float64, reduceOnly bool) (string, error) {
	body := map[string]any{
		"category":  "linear",
		"symbol":    symbol,
		"side":      string(side),
		"orderType": "Market",
		"qty":       formatQty(qty, step),
	}
	if reduceOnly {
		body["reduceOnly"] = true
	}
	var result orderCreateResult
	if err := c.postSigned(ctx, "/v5/order/create", body, &result); err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// sizeOrder converts a USDT notional into an instrument-valid quantity:
// rounded down to the quantity step, rejected when below the minimum (the
// reason reports the USDT-equivalent minimum) or above the maximum.
func sizeOrder(inst Instrument, notionalUSD, lastPrice float64) (qty float64, reason string) {
	if notionalUSD <= 0 || lastPrice <= 0 {
		return 0, "invalid_notional"
	}
	qty = roundToStep(notionalUSD/lastPrice, inst.QtyStep)
	if qty <= 0 || qty < inst.MinQty {
		return 0, fmt.Sprintf("below_min_qty:min_usdt=%.2f", inst.MinQty*lastPrice)
	}
	if inst.MaxQty > 0 && qty > inst.MaxQty {
		return 0, "above_max_qty"
	}
	return qty, ""
}

// clampLeverage intersects the requested leverage with both the configured
// bounds and the instrument's own bounds.
func clampLeverage(requested, cfgMin, cfgMax float64, inst Instrument) float64 {
	lo := inst.MinLeverage
	if cfgMin > lo {
		lo = cfgMin
	}
	hi := inst.MaxLeverage
	if cfgMax > 0 && (hi <= 0 || cfgMax < hi) {
		hi = cfgMax
	}
	lev := requested
	if lev <= 0 {
		lev = lo
	}
	if lo > 0 && lev < lo {
		lev = lo
	}
	if hi > 0 && lev > hi {
		lev = hi
	}
	return lev
}

// roundToStep floors qty to an exact multiple of step, normalising float
// precision to the step's own decimal places.
func roundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	steps := math.Floor(qty/step + 1e-9)
	if steps <= 0 {
		return 0
	}
	v := steps * step
	decimals := stepDecimals(step)
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}

func stepDecimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// formatQty renders a quantity with the step's precision for the wire.
func formatQty(qty, step float64) string {
	return strconv.FormatFloat(qty, 'f', stepDecimals(step), 64)
}
