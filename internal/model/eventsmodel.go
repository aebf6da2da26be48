package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradepilot/pkg/events"
)

var _ EventsModel = (*customEventsModel)(nil)

// EventRow mirrors one row of the trading_events table.
type EventRow struct {
	Id                  string  `db:"id"`
	Type                string  `db:"type"`
	Ts                  int64   `db:"ts_ms"`
	Symbol              string  `db:"symbol"`
	Side                string  `db:"side"`
	Action              string  `db:"action"`
	Ok                  *bool   `db:"ok"`
	Skipped             bool    `db:"skipped"`
	SkipReason          string  `db:"skip_reason"`
	PnlAtDecision       float64 `db:"pnl_at_decision"`
	RealizedPnlEstimate float64 `db:"realized_pnl_estimate"`
	NotionalUsd         float64 `db:"notional_usd"`
	Extra               []byte  `db:"extra"`
}

type (
	// EventsModel is an interface to be customized, add more methods here,
	// and implement the added methods in customEventsModel.
	EventsModel interface {
		Insert(ctx context.Context, ev *events.Event) error
		RecentBySymbol(ctx context.Context, symbol string, limit int) ([]EventRow, error)

		// Record satisfies events.Sink so the model can act as the durable
		// mirror of the on-disk event log.
		Record(ctx context.Context, ev events.Event) error
	}

	customEventsModel struct {
		conn sqlx.SqlConn
	}
)

// NewEventsModel returns a model for the trading_events table.
func NewEventsModel(conn sqlx.SqlConn) EventsModel {
	return &customEventsModel{conn: conn}
}

const insertEventQuery = `
INSERT INTO public.trading_events (
    id,
    type,
    ts_ms,
    symbol,
    side,
    action,
    ok,
    skipped,
    skip_reason,
    pnl_at_decision,
    realized_pnl_estimate,
    notional_usd,
    extra
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`

// Insert writes one event row. Conflicting IDs are ignored so that replaying
// the on-disk log after a restart stays idempotent.
func (m *customEventsModel) Insert(ctx context.Context, ev *events.Event) error {
	var extra []byte
	if len(ev.Extra) > 0 {
		b, err := json.Marshal(ev.Extra)
		if err != nil {
			return fmt.Errorf("events.Insert marshal extra: %w", err)
		}
		extra = b
	}

	_, err := m.conn.ExecCtx(ctx, insertEventQuery,
		ev.ID,
		string(ev.Type),
		ev.Timestamp.UnixMilli(),
		ev.Symbol,
		ev.Side,
		ev.Action,
		ev.OK,
		ev.Skipped,
		ev.SkipReason,
		ev.PnLAtDecision,
		ev.RealizedPnLEstimate,
		ev.NotionalUSD,
		extra,
	)
	if err != nil {
		return fmt.Errorf("events.Insert exec: %w", err)
	}
	return nil
}

// RecentBySymbol returns events for the given symbol ordered by timestamp
// descending. Limit defaults to 200 when non-positive.
func (m *customEventsModel) RecentBySymbol(ctx context.Context, symbol string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 200
	}

	const query = `
SELECT
    id,
    type,
    ts_ms,
    symbol,
    side,
    action,
    ok,
    skipped,
    skip_reason,
    pnl_at_decision,
    realized_pnl_estimate,
    notional_usd,
    extra
FROM public.trading_events
WHERE symbol = $1
ORDER BY ts_ms DESC
LIMIT $2`

	var rows []EventRow
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, symbol, limit); err != nil {
		return nil, fmt.Errorf("events.RecentBySymbol query: %w", err)
	}
	return rows, nil
}

// Record implements events.Sink.
func (m *customEventsModel) Record(ctx context.Context, ev events.Event) error {
	return m.Insert(ctx, &ev)
}
