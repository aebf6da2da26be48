package decision

import (
	"encoding/json"
	"strings"
)

// extractJSON locates the outermost JSON array (or, failing that, object) in
// a free-text model response. Returns "" when neither bracket pair is found.
func extractJSON(text string) string {
	if s := between(text, '[', ']'); s != "" {
		return s
	}
	return between(text, '{', '}')
}

func between(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// decisionWire is the loosely-typed shape decoded from the model before
// validation. Pointers distinguish absent fields from zero values.
type decisionWire struct {
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
	Risk       string   `json:"risk"`
	Params     *struct {
		CloseFraction *float64 `json:"close_fraction"`
		AverageInUSD  *float64 `json:"average_in_usd"`
	} `json:"params"`
	Checks *struct {
		PnLPositive      *bool `json:"pnl_positive"`
		TrendAligned     *bool `json:"trend_aligned"`
		AveragingAllowed *bool `json:"averaging_allowed"`
	} `json:"checks"`
}

// doNothing builds the degraded substitute for an invalid element.
func doNothing(symbol string, category FailureCategory, raw string) Decision {
	return Decision{
		Symbol:        symbol,
		Action:        ActionDoNothing,
		Confidence:    0,
		Reason:        "degraded: " + string(category),
		Degraded:      category,
		RawPayload:    raw,
		PromptVersion: promptVersion,
	}
}

// decodeArray extracts and decodes the outermost JSON array from a free-text
// response. ok=false marks a whole-response parse failure, which the provider
// chain treats like a transport failure.
func decodeArray(text string) (rows []json.RawMessage, ok bool) {
	payload := extractJSON(text)
	if payload == "" || json.Unmarshal([]byte(payload), &rows) != nil {
		return nil, false
	}
	return rows, true
}

// decisionsFromRows validates decoded elements against the input position
// symbols. The output always has exactly one element per input symbol, in
// input order; any structurally invalid element is replaced by a DO_NOTHING
// decision carrying the offending payload and a failure category.
func decisionsFromRows(rows []json.RawMessage, symbols []string) []Decision {
	out := make([]Decision, len(symbols))
	for i, sym := range symbols {
		if i >= len(rows) {
			out[i] = doNothing(sym, FailureLengthMismatch, "")
			continue
		}
		out[i] = validateElement(rows[i], sym)
	}
	return out
}

// parseDecisions validates a raw model response against the input position
// symbols. It never returns an error: a wholly unparsable response degrades
// every element to DO_NOTHING.
func parseDecisions(text string, symbols []string) []Decision {
	rows, ok := decodeArray(text)
	if !ok {
		out := make([]Decision, len(symbols))
		for i, sym := range symbols {
			out[i] = doNothing(sym, FailureUnparsable, truncateRaw(text))
		}
		return out
	}
	return decisionsFromRows(rows, symbols)
}

func validateElement(raw json.RawMessage, symbol string) Decision {
	var w decisionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return doNothing(symbol, FailureUnparsable, truncateRaw(string(raw)))
	}

	if !strings.EqualFold(strings.TrimSpace(w.Symbol), symbol) {
		return doNothing(symbol, FailureSymbolOrder, truncateRaw(string(raw)))
	}

	action, ok := ParseAction(w.Action)
	if !ok {
		return doNothing(symbol, FailureInvalidAction, truncateRaw(string(raw)))
	}

	if w.Confidence == nil || strings.TrimSpace(w.Reason) == "" || strings.TrimSpace(w.Risk) == "" || w.Checks == nil {
		return doNothing(symbol, FailureMissingField, truncateRaw(string(raw)))
	}
	if *w.Confidence < 0 || *w.Confidence > 100 {
		return doNothing(symbol, FailureOutOfRange, truncateRaw(string(raw)))
	}

	d := Decision{
		Symbol:        symbol,
		Action:        action,
		Confidence:    int(*w.Confidence),
		Reason:        w.Reason,
		Risk:          w.Risk,
		PromptVersion: promptVersion,
	}
	if w.Checks.PnLPositive != nil {
		d.Checks.PnLPositive = *w.Checks.PnLPositive
	}
	if w.Checks.TrendAligned != nil {
		d.Checks.TrendAligned = *w.Checks.TrendAligned
	}
	if w.Checks.AveragingAllowed != nil {
		d.Checks.AveragingAllowed = *w.Checks.AveragingAllowed
	}

	switch action {
	case ActionClosePartial:
		if w.Params == nil || w.Params.CloseFraction == nil {
			return doNothing(symbol, FailureMissingField, truncateRaw(string(raw)))
		}
		if *w.Params.CloseFraction < 0.1 || *w.Params.CloseFraction > 1.0 {
			return doNothing(symbol, FailureOutOfRange, truncateRaw(string(raw)))
		}
		d.CloseFraction = *w.Params.CloseFraction
	case ActionAverageInOnce:
		if w.Params == nil || w.Params.AverageInUSD == nil {
			return doNothing(symbol, FailureMissingField, truncateRaw(string(raw)))
		}
		if *w.Params.AverageInUSD <= 0 {
			return doNothing(symbol, FailureOutOfRange, truncateRaw(string(raw)))
		}
		d.AverageInUSD = *w.Params.AverageInUSD
	}
	return d
}

// proposalWire mirrors decisionWire for the proposal prompt.
type proposalWire struct {
	Symbol     string   `json:"symbol"`
	Signal     string   `json:"signal"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
	SizeUSD    *float64 `json:"size_usd"`
	Leverage   *float64 `json:"leverage"`
}

// parseProposals extracts valid proposals from a raw model response,
// silently dropping invalid or low-confidence elements. A wholly unparsable
// response yields ok=false so the caller can fall through to the next
// provider.
func parseProposals(text string) (proposals []Proposal, ok bool) {
	payload := extractJSON(text)
	var rows []proposalWire
	if payload == "" || json.Unmarshal([]byte(payload), &rows) != nil {
		return nil, false
	}

	for _, w := range rows {
		if w.Symbol == "" || w.Confidence == nil || *w.Confidence < 60 {
			continue
		}
		signal := Signal(strings.ToUpper(strings.TrimSpace(w.Signal)))
		if signal != SignalBuy && signal != SignalSell {
			continue
		}
		p := Proposal{
			Symbol:        strings.ToUpper(strings.TrimSpace(w.Symbol)),
			Signal:        signal,
			Confidence:    int(*w.Confidence),
			Reason:        w.Reason,
			PromptVersion: promptVersion,
		}
		if w.SizeUSD != nil {
			p.SizeUSD = *w.SizeUSD
		}
		if w.Leverage != nil {
			p.Leverage = *w.Leverage
		}
		proposals = append(proposals, p)
	}
	return proposals, true
}

func truncateRaw(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
