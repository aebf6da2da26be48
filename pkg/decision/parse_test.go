package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validElement = `{
	"symbol": "BTCUSDT", "action": "CLOSE_PARTIAL", "confidence": 72,
	"reason": "taking profit into resistance", "risk": "medium",
	"params": {"close_fraction": 0.5},
	"checks": {"pnl_positive": true, "trend_aligned": false, "averaging_allowed": true}
}`

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `[1,2]`, extractJSON("here you go: [1,2] hope it helps"))
	assert.Equal(t, `{"a":1}`, extractJSON(`prefix {"a":1} suffix`))
	assert.Empty(t, extractJSON("no json at all"))
	// outermost pair wins over nested ones
	assert.Equal(t, `[{"a":[1]}]`, extractJSON(`x [{"a":[1]}] y`))
}

func TestParseDecisionsValid(t *testing.T) {
	text := "Sure! Here are my decisions:\n[" + validElement + "]"
	got := parseDecisions(text, []string{"BTCUSDT"})
	require.Len(t, got, 1)

	d := got[0]
	assert.False(t, d.IsDegraded())
	assert.Equal(t, ActionClosePartial, d.Action)
	assert.Equal(t, 72, d.Confidence)
	assert.Equal(t, 0.5, d.CloseFraction)
	assert.True(t, d.Checks.PnLPositive)
	assert.True(t, d.Checks.AveragingAllowed)
}

func TestParseDecisionsUnparsableDegradesAll(t *testing.T) {
	got := parseDecisions("I cannot help with that.", []string{"BTCUSDT", "ETHUSDT"})
	require.Len(t, got, 2, "output length always matches input")
	for _, d := range got {
		assert.Equal(t, ActionDoNothing, d.Action)
		assert.Equal(t, FailureUnparsable, d.Degraded)
		assert.NotEmpty(t, d.RawPayload, "raw response retained for audit")
	}
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, "ETHUSDT", got[1].Symbol)
}

func TestParseDecisionsShortArrayPadsWithDoNothing(t *testing.T) {
	text := "[" + validElement + "]"
	got := parseDecisions(text, []string{"BTCUSDT", "ETHUSDT"})
	require.Len(t, got, 2)
	assert.False(t, got[0].IsDegraded())
	assert.Equal(t, FailureLengthMismatch, got[1].Degraded)
	assert.Equal(t, ActionDoNothing, got[1].Action)
}

func TestParseDecisionsSymbolMismatch(t *testing.T) {
	text := "[" + validElement + "]"
	got := parseDecisions(text, []string{"ETHUSDT"})
	require.Len(t, got, 1)
	assert.Equal(t, FailureSymbolOrder, got[0].Degraded)
	assert.Equal(t, "ETHUSDT", got[0].Symbol, "degraded entry keeps the input symbol")
}

func TestParseDecisionsInvalidAction(t *testing.T) {
	text := `[{"symbol":"BTCUSDT","action":"SELL_EVERYTHING","confidence":90,"reason":"x","risk":"high","checks":{}}]`
	got := parseDecisions(text, []string{"BTCUSDT"})
	assert.Equal(t, FailureInvalidAction, got[0].Degraded)
}

func TestParseDecisionsMissingFields(t *testing.T) {
	cases := map[string]string{
		"no confidence": `[{"symbol":"BTCUSDT","action":"DO_NOTHING","reason":"x","risk":"low","checks":{}}]`,
		"no reason":     `[{"symbol":"BTCUSDT","action":"DO_NOTHING","confidence":50,"risk":"low","checks":{}}]`,
		"no risk":       `[{"symbol":"BTCUSDT","action":"DO_NOTHING","confidence":50,"reason":"x","checks":{}}]`,
		"no checks":     `[{"symbol":"BTCUSDT","action":"DO_NOTHING","confidence":50,"reason":"x","risk":"low"}]`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			got := parseDecisions(text, []string{"BTCUSDT"})
			assert.Equal(t, FailureMissingField, got[0].Degraded)
		})
	}
}

func TestParseDecisionsConfidenceOutOfRange(t *testing.T) {
	text := `[{"symbol":"BTCUSDT","action":"DO_NOTHING","confidence":140,"reason":"x","risk":"low","checks":{}}]`
	got := parseDecisions(text, []string{"BTCUSDT"})
	assert.Equal(t, FailureOutOfRange, got[0].Degraded)
}

func TestParseDecisionsPartialCloseNeedsFraction(t *testing.T) {
	missing := `[{"symbol":"BTCUSDT","action":"CLOSE_PARTIAL","confidence":70,"reason":"x","risk":"low","checks":{}}]`
	got := parseDecisions(missing, []string{"BTCUSDT"})
	assert.Equal(t, FailureMissingField, got[0].Degraded)

	tooSmall := `[{"symbol":"BTCUSDT","action":"CLOSE_PARTIAL","confidence":70,"reason":"x","risk":"low","params":{"close_fraction":0.05},"checks":{}}]`
	got = parseDecisions(tooSmall, []string{"BTCUSDT"})
	assert.Equal(t, FailureOutOfRange, got[0].Degraded)
}

func TestParseDecisionsAverageInNeedsSize(t *testing.T) {
	text := `[{"symbol":"BTCUSDT","action":"AVERAGE_IN_ONCE","confidence":70,"reason":"x","risk":"high","params":{"average_in_usd":0},"checks":{}}]`
	got := parseDecisions(text, []string{"BTCUSDT"})
	assert.Equal(t, FailureOutOfRange, got[0].Degraded)

	ok := `[{"symbol":"BTCUSDT","action":"AVERAGE_IN_ONCE","confidence":70,"reason":"x","risk":"high","params":{"average_in_usd":150},"checks":{"averaging_allowed":true}}]`
	got = parseDecisions(ok, []string{"BTCUSDT"})
	assert.False(t, got[0].IsDegraded())
	assert.Equal(t, 150.0, got[0].AverageInUSD)
}

func TestParseDecisionsCaseInsensitive(t *testing.T) {
	text := `[{"symbol":"btcusdt","action":"do_nothing","confidence":50,"reason":"flat","risk":"low","checks":{}}]`
	got := parseDecisions(text, []string{"BTCUSDT"})
	assert.False(t, got[0].IsDegraded())
	assert.Equal(t, ActionDoNothing, got[0].Action)
}

func TestParseProposals(t *testing.T) {
	text := `Some thoughts... [
		{"symbol":"solusdt","signal":"buy","confidence":85,"reason":"breakout","size_usd":200,"leverage":5},
		{"symbol":"DOGEUSDT","signal":"SELL","confidence":55,"reason":"weak"},
		{"symbol":"XRPUSDT","signal":"HOLD","confidence":90,"reason":"invalid signal"},
		{"signal":"BUY","confidence":95,"reason":"no symbol"}
	]`
	got, ok := parseProposals(text)
	require.True(t, ok)
	require.Len(t, got, 1, "low-confidence and invalid elements dropped")
	assert.Equal(t, "SOLUSDT", got[0].Symbol)
	assert.Equal(t, SignalBuy, got[0].Signal)
	assert.Equal(t, 85, got[0].Confidence)
	assert.Equal(t, 200.0, got[0].SizeUSD)
}

func TestParseProposalsUnparsable(t *testing.T) {
	_, ok := parseProposals("nope")
	assert.False(t, ok)
}

func TestParseProposalsEmptyArrayIsValid(t *testing.T) {
	got, ok := parseProposals("[]")
	assert.True(t, ok)
	assert.Empty(t, got)
}
