package decision

import (
	"fmt"
	"strings"

	"tradepilot/pkg/bybit"
	"tradepilot/pkg/events"
)

// Prompt character budget. The fixed overhead covers instructions and the
// historical-performance context; the remainder is divided across positions,
// then across price points per position.
const (
	promptBudget   = 14000
	promptOverhead = 2400
	charsPerPoint  = 8
	minPoints      = 5
	maxPoints      = 30

	promptVersion = "v3"
)

// PositionContext is one open position enriched for the decision prompt.
type PositionContext struct {
	Position     bybit.Position
	PriceHistory string
	Timeframe    string
}

// MarketContext is one candidate market for the proposal prompt.
type MarketContext struct {
	Ticker       bybit.Ticker
	PriceHistory string
}

// HistoryPoints returns how many candle points each position's price history
// may carry given the position count, floor 5 and ceiling 30.
func HistoryPoints(positions int) int {
	if positions <= 0 {
		return maxPoints
	}
	perPosition := (promptBudget - promptOverhead) / positions
	points := perPosition / charsPerPoint
	if points < minPoints {
		return minPoints
	}
	if points > maxPoints {
		return maxPoints
	}
	return points
}

const decisionSystemPrompt = `You manage open leveraged futures positions. For each position decide one of:
CLOSE_FULL, CLOSE_PARTIAL, MOVE_STOP_TO_BREAKEVEN, AVERAGE_IN_ONCE, DO_NOTHING.
Respond with ONLY a JSON array, one element per position, in the same order:
[{"symbol":"...","action":"...","confidence":0-100,"reason":"...","risk":"low|medium|high",
"params":{"close_fraction":0.1-1.0,"average_in_usd":0},
"checks":{"pnl_positive":bool,"trend_aligned":bool,"averaging_allowed":bool}}]
CLOSE_PARTIAL requires params.close_fraction. AVERAGE_IN_ONCE requires params.average_in_usd.
Never average into a symbol listed as already averaged.`

const proposalSystemPrompt = `You scan futures markets for new trade entries. Respond with ONLY a JSON array of
proposals for symbols worth entering now:
[{"symbol":"...","signal":"BUY|SELL","confidence":0-100,"reason":"...","size_usd":0,"leverage":0}]
Only include proposals with confidence 60 or higher. An empty array is a valid answer.`

const analysisSystemPrompt = `You are a futures market analyst. Give a short, direct assessment of the symbol:
trend, momentum, key levels, and the main risk. Plain text, no JSON.`

// BuildDecisionPrompt assembles the per-position decision prompt. When the
// result would exceed the budget, price history is dropped and positions are
// described by static fields only.
func BuildDecisionPrompt(positions []PositionContext, stats []events.SymbolStats, averaged []string) string {
	full := renderDecisionPrompt(positions, stats, averaged, true)
	if len(full) <= promptBudget {
		return full
	}
	return renderDecisionPrompt(positions, stats, averaged, false)
}

func renderDecisionPrompt(positions []PositionContext, stats []events.SymbolStats, averaged []string, withHistory bool) string {
	var b strings.Builder
	writePerformanceBlock(&b, stats)
	if len(averaged) > 0 {
		fmt.Fprintf(&b, "Already averaged within 7 days (do not average again): %s\n", strings.Join(averaged, ", "))
	}
	fmt.Fprintf(&b, "\nOpen positions (%d):\n", len(positions))
	for i := range positions {
		p := &positions[i].Position
		fmt.Fprintf(&b, "%d. %s %s size=%.6g entry=%.6g mark=%.6g pnl=%.2f lev=%.0fx liq=%.6g\n",
			i+1, p.Symbol, p.Side, p.Size, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.Leverage, p.LiquidationPrice)
		if positions[i].Timeframe != "" {
			fmt.Fprintf(&b, "   timeframe: %s\n", positions[i].Timeframe)
		}
		if withHistory && positions[i].PriceHistory != "" {
			fmt.Fprintf(&b, "   %s\n", positions[i].PriceHistory)
		}
	}
	b.WriteString("\nReturn one decision per position, same order.")
	return b.String()
}

// BuildProposalPrompt assembles the new-trade proposal prompt.
func BuildProposalPrompt(markets []MarketContext, openSymbols []string, stats []events.SymbolStats) string {
	var b strings.Builder
	writePerformanceBlock(&b, stats)
	if len(openSymbols) > 0 {
		fmt.Fprintf(&b, "Symbols with open positions (do not propose): %s\n", strings.Join(openSymbols, ", "))
	}
	fmt.Fprintf(&b, "\nCandidate markets (%d):\n", len(markets))
	for i := range markets {
		tk := &markets[i].Ticker
		fmt.Fprintf(&b, "%d. %s last=%.6g 24h=%+.2f%% turnover=%.0f\n",
			i+1, tk.Symbol, tk.LastPrice, tk.Change24hPct, tk.Turnover24h)
		if markets[i].PriceHistory != "" {
			fmt.Fprintf(&b, "   %s\n", markets[i].PriceHistory)
		}
	}
	b.WriteString("\nReturn proposals as a JSON array.")
	return b.String()
}

// writePerformanceBlock renders the rolling 7-day per-symbol performance
// summary, top 10 by volume.
func writePerformanceBlock(b *strings.Builder, stats []events.SymbolStats) {
	if len(stats) == 0 {
		return
	}
	if len(stats) > 10 {
		stats = stats[:10]
	}
	b.WriteString("7-day performance by symbol:\n")
	for _, st := range stats {
		fmt.Fprintf(b, "- %s: trades=%d wins=%d losses=%d errors=%d volume=%.0f\n",
			st.Symbol, st.Total, st.Wins, st.Losses, st.Errors, st.VolumeUSD)
	}
}
