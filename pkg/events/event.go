package events

import "time"

// Type classifies a logged bot action.
type Type string

const (
	// TypeTick marks the per-cycle summary event.
	TypeTick Type = "tick"
	// TypeOpen marks a new position being opened.
	TypeOpen Type = "open"
	// TypeClose marks a full position close.
	TypeClose Type = "close"
	// TypePartialClose marks a fractional position close.
	TypePartialClose Type = "partial_close"
	// TypeBreakevenStop marks a stop-loss moved to entry price.
	TypeBreakevenStop Type = "breakeven_stop"
	// TypeAverageIn marks size added to an existing position.
	TypeAverageIn Type = "average_in"
	// TypeSkip marks a decision that was deliberately not executed.
	TypeSkip Type = "skip"
	// TypeEmptyDecisions marks a provider returning nothing for open positions.
	TypeEmptyDecisions Type = "empty_decisions"
	// TypePendingCreated marks a dangerous action diverted to confirmation.
	TypePendingCreated Type = "pending_created"
	// TypeError marks an execution failure.
	TypeError Type = "error"
)

// tradingTypes are the event types that represent actual exchange activity.
// Cooldown and the averaging window scan these.
var tradingTypes = map[Type]bool{
	TypeOpen:         true,
	TypeClose:        true,
	TypePartialClose: true,
	TypeAverageIn:    true,
}

// IsTrading reports whether the type represents exchange activity.
func (t Type) IsTrading() bool { return tradingTypes[t] }

// Event is an immutable record of one bot action.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Symbol string `json:"symbol,omitempty"`
	Side   string `json:"side,omitempty"`
	Action string `json:"action,omitempty"`

	OK         *bool  `json:"ok,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`

	// PnLAtDecision is the unrealized PnL observed when the decision was made.
	PnLAtDecision float64 `json:"pnl_at_decision,omitempty"`
	// RealizedPnLEstimate feeds the daily-loss tally.
	RealizedPnLEstimate float64 `json:"realized_pnl_estimate,omitempty"`
	// NotionalUSD is the USD value moved by the action, used for volume ranking.
	NotionalUSD float64 `json:"notional_usd,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// Succeeded reports whether the event carries an explicit ok=true marker.
func (e *Event) Succeeded() bool { return e.OK != nil && *e.OK }

// Failed reports whether the event carries an explicit ok=false marker.
func (e *Event) Failed() bool { return e.OK != nil && !*e.OK }

// SymbolStats is a per-symbol aggregate over a query window.
type SymbolStats struct {
	Symbol    string  `json:"symbol"`
	Total     int     `json:"total"`
	Wins      int     `json:"wins"`
	Losses    int     `json:"losses"`
	Errors    int     `json:"errors"`
	VolumeUSD float64 `json:"volume_usd"`
}

// Bool is a convenience for populating the OK pointer field.
func Bool(v bool) *bool { return &v }
