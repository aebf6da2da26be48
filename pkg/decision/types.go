package decision

import "strings"

// Action is the closed set of per-position actions the model may choose.
type Action string

const (
	ActionCloseFull      Action = "CLOSE_FULL"
	ActionClosePartial   Action = "CLOSE_PARTIAL"
	ActionBreakevenStop  Action = "MOVE_STOP_TO_BREAKEVEN"
	ActionAverageInOnce  Action = "AVERAGE_IN_ONCE"
	ActionDoNothing      Action = "DO_NOTHING"
)

var validActions = map[Action]bool{
	ActionCloseFull:     true,
	ActionClosePartial:  true,
	ActionBreakevenStop: true,
	ActionAverageInOnce: true,
	ActionDoNothing:     true,
}

// ParseAction normalises and validates an action string.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	return a, validActions[a]
}

// Signal direction for a new-trade proposal.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
)

// Checks is the structured self-assessment block the model must attach to
// every decision.
type Checks struct {
	PnLPositive      bool `json:"pnl_positive"`
	TrendAligned     bool `json:"trend_aligned"`
	AveragingAllowed bool `json:"averaging_allowed"`
}

// FailureCategory tags why a decision was degraded to DO_NOTHING.
type FailureCategory string

const (
	FailureNone           FailureCategory = ""
	FailureUnparsable     FailureCategory = "unparsable_response"
	FailureMissingField   FailureCategory = "missing_field"
	FailureInvalidAction  FailureCategory = "invalid_action"
	FailureOutOfRange     FailureCategory = "out_of_range"
	FailureSymbolOrder    FailureCategory = "symbol_mismatch"
	FailureLengthMismatch FailureCategory = "length_mismatch"
)

// Decision is one validated per-position instruction. Invalid model output
// never surfaces directly: it degrades to a DO_NOTHING decision carrying the
// raw payload and a failure category for audit.
type Decision struct {
	Symbol        string          `json:"symbol"`
	Action        Action          `json:"action"`
	Confidence    int             `json:"confidence"`
	Reason        string          `json:"reason"`
	Risk          string          `json:"risk"`
	CloseFraction float64         `json:"close_fraction,omitempty"`
	AverageInUSD  float64         `json:"average_in_usd,omitempty"`
	Checks        Checks          `json:"checks"`
	PromptVersion string          `json:"prompt_version,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	Degraded      FailureCategory `json:"degraded,omitempty"`
	RawPayload    string          `json:"raw_payload,omitempty"`
}

// IsDegraded reports whether this decision was substituted for invalid output.
func (d *Decision) IsDegraded() bool { return d.Degraded != FailureNone }

// Proposal is a ranked new-trade suggestion for a symbol with no open
// position.
type Proposal struct {
	Symbol        string  `json:"symbol"`
	Signal        Signal  `json:"signal"`
	Confidence    int     `json:"confidence"`
	Reason        string  `json:"reason"`
	SizeUSD       float64 `json:"size_usd"`
	Leverage      float64 `json:"leverage"`
	PromptVersion string  `json:"prompt_version,omitempty"`
	Provider      string  `json:"provider,omitempty"`
}
