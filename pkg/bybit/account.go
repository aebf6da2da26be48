package bybit

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

// Positions fetches all open linear positions settled in USDT. Without
// credentials it reports an empty book so read-only deployments keep ticking.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	if !c.cfg.HasCredentials() {
		logDiag("bybit: no credentials, reporting empty position list")
		return []Position{}, nil
	}
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("settleCoin", "USDT")
	var result positionResult
	if err := c.getSigned(ctx, "/v5/position/list", query, &result); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(result.List))
	for _, row := range result.List {
		size := parseFloat(row.Size)
		if size == 0 {
			continue
		}
		side := SideBuy
		if strings.EqualFold(row.Side, "Sell") {
			side = SideSell
		}
		out = append(out, Position{
			Symbol:           row.Symbol,
			Side:             side,
			Size:             size,
			EntryPrice:       parseFloat(row.AvgPrice),
			MarkPrice:        parseFloat(row.MarkPrice),
			UnrealizedPnL:    parseFloat(row.UnrealisedPnl),
			Leverage:         parseFloat(row.Leverage),
			LiquidationPrice: parseFloat(row.LiqPrice),
			OpenedAt:         parseMillis(row.CreatedTime),
		})
	}
	return out, nil
}

// WalletBalance fetches the unified account equity summary. Without
// credentials it reports a zero balance.
func (c *Client) WalletBalance(ctx context.Context) (WalletBalance, error) {
	if !c.cfg.HasCredentials() {
		return WalletBalance{}, nil
	}
	query := url.Values{}
	query.Set("accountType", "UNIFIED")
	var result walletResult
	if err := c.getSigned(ctx, "/v5/account/wallet-balance", query, &result); err != nil {
		return WalletBalance{}, err
	}
	if len(result.List) == 0 {
		return WalletBalance{}, nil
	}
	row := result.List[0]
	return WalletBalance{
		TotalEquity:      parseFloat(row.TotalEquity),
		AvailableBalance: parseFloat(row.TotalAvailableBalance),
	}, nil
}

// Executions fetches recent fills, newest first. Without credentials it
// reports no fills.
func (c *Client) Executions(ctx context.Context, symbol string, limit int) ([]Execution, error) {
	if !c.cfg.HasCredentials() {
		return []Execution{}, nil
	}
	query := url.Values{}
	query.Set("category", "linear")
	if symbol != "" {
		query.Set("symbol", symbol)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var result executionResult
	if err := c.getSigned(ctx, "/v5/execution/list", query, &result); err != nil {
		return nil, err
	}
	out := make([]Execution, 0, len(result.List))
	for _, row := range result.List {
		side := SideBuy
		if strings.EqualFold(row.Side, "Sell") {
			side = SideSell
		}
		out = append(out, Execution{
			Symbol:    row.Symbol,
			Side:      side,
			Qty:       parseFloat(row.ExecQty),
			Price:     parseFloat(row.ExecPrice),
			Fee:       parseFloat(row.ExecFee),
			Timestamp: parseMillis(row.ExecTime),
		})
	}
	return out, nil
}

// OpenOrders fetches resting orders for the linear category. Without
// credentials it reports no orders.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if !c.cfg.HasCredentials() {
		return []OpenOrder{}, nil
	}
	query := url.Values{}
	query.Set("category", "linear")
	if symbol != "" {
		query.Set("symbol", symbol)
	} else {
		query.Set("settleCoin", "USDT")
	}
	var result openOrderResult
	if err := c.getSigned(ctx, "/v5/order/realtime", query, &result); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(result.List))
	for _, row := range result.List {
		side := SideBuy
		if strings.EqualFold(row.Side, "Sell") {
			side = SideSell
		}
		out = append(out, OpenOrder{
			OrderID:   row.OrderID,
			Symbol:    row.Symbol,
			Side:      side,
			Qty:       parseFloat(row.Qty),
			Price:     parseFloat(row.Price),
			OrderType: row.OrderType,
		})
	}
	return out, nil
}
