package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/pkg/alert"
	"tradepilot/pkg/bybit"
	"tradepilot/pkg/decision"
	"tradepilot/pkg/events"
	"tradepilot/pkg/pending"
	"tradepilot/pkg/risk"
)

type fakeExchange struct {
	positions     []bybit.Position
	positionsErr  error
	positionCalls int

	klines  []bybit.Kline
	markets []bybit.Ticker

	openOutcome bybit.OrderOutcome
	openErr     error
	openCalls   []bybit.OpenRequest

	closeOutcome bybit.OrderOutcome
	closeErr     error
	closeCalls   []float64

	breakevenErr   error
	breakevenCalls int
}

func (f *fakeExchange) Positions(context.Context) ([]bybit.Position, error) {
	f.positionCalls++
	return f.positions, f.positionsErr
}

func (f *fakeExchange) Klines(context.Context, string, string, int) ([]bybit.Kline, error) {
	return f.klines, nil
}

func (f *fakeExchange) TopMarkets(context.Context, int) ([]bybit.Ticker, error) {
	return f.markets, nil
}

func (f *fakeExchange) OpenMarketPosition(_ context.Context, req bybit.OpenRequest) (bybit.OrderOutcome, error) {
	f.openCalls = append(f.openCalls, req)
	if f.openErr != nil {
		return bybit.OrderOutcome{Symbol: req.Symbol}, f.openErr
	}
	out := f.openOutcome
	if out.Symbol == "" {
		out.Symbol = req.Symbol
	}
	return out, nil
}

func (f *fakeExchange) ClosePosition(_ context.Context, pos bybit.Position, fraction float64) (bybit.OrderOutcome, error) {
	f.closeCalls = append(f.closeCalls, fraction)
	if f.closeErr != nil {
		return bybit.OrderOutcome{Symbol: pos.Symbol}, f.closeErr
	}
	out := f.closeOutcome
	if out.Symbol == "" {
		out.Symbol = pos.Symbol
	}
	return out, nil
}

func (f *fakeExchange) SetBreakevenStop(context.Context, bybit.Position) error {
	f.breakevenCalls++
	return f.breakevenErr
}

type fakeProvider struct {
	decisions     []decision.Decision
	proposals     []decision.Proposal
	decisionCalls int
	proposalCalls int
}

func (f *fakeProvider) Decisions(context.Context, []decision.PositionContext) []decision.Decision {
	f.decisionCalls++
	return f.decisions
}

func (f *fakeProvider) Proposals(context.Context, []decision.MarketContext, []string) []decision.Proposal {
	f.proposalCalls++
	return f.proposals
}

type harness struct {
	o        *Orchestrator
	exchange *fakeExchange
	provider *fakeProvider
	log      *events.Log
	pendings *pending.Store
	rec      *alert.Recorder
	now      *time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	log, err := events.NewLog("", events.WithClock(clock))
	require.NoError(t, err)
	pendings, err := pending.NewStore("", pending.WithClock(clock))
	require.NoError(t, err)

	exchange := &fakeExchange{closeOutcome: bybit.OrderOutcome{OK: true, NotionalUSD: 1000}}
	provider := &fakeProvider{}
	rec := &alert.Recorder{}
	guard := risk.New(cfg.Risk, risk.WithClock(clock))

	o := New(cfg, exchange, provider, guard, log, pendings, rec, WithClock(clock))
	return &harness{o: o, exchange: exchange, provider: provider, log: log, pendings: pendings, rec: rec, now: &now}
}

func baseConfig() Config {
	cfg := defaultConfig()
	cfg.Risk = risk.Config{TradingEnabled: true}
	return cfg
}

func btcPosition() bybit.Position {
	return bybit.Position{
		Symbol: "BTCUSDT", Side: bybit.SideBuy, Size: 0.5,
		EntryPrice: 48000, MarkPrice: 50000, UnrealizedPnL: 1000, Leverage: 10,
	}
}

func TestTickBlockedByKillSwitch(t *testing.T) {
	cfg := baseConfig()
	cfg.Risk.TradingEnabled = false
	h := newHarness(t, cfg)

	res := h.o.Tick(context.Background())
	assert.True(t, res.Blocked)
	assert.Equal(t, "kill_switch", res.Reason)
	assert.Zero(t, h.exchange.positionCalls, "no exchange work behind the kill switch")
	assert.Zero(t, h.log.Len())
}

func TestTickBlockedByDailyLoss(t *testing.T) {
	cfg := baseConfig()
	cfg.Risk.DailyLossLimitUSD = 100
	h := newHarness(t, cfg)
	h.log.Append(events.Event{Type: events.TypeClose, Symbol: "BTCUSDT", OK: events.Bool(true), RealizedPnLEstimate: -120})

	res := h.o.Tick(context.Background())
	assert.True(t, res.Blocked)
	assert.Equal(t, "daily_loss_limit", res.Reason)
	assert.Zero(t, h.exchange.positionCalls, "blocked before any position read")
	assert.Empty(t, h.exchange.closeCalls, "no orders placed")
	assert.Equal(t, 1, h.rec.Count(alert.KindRiskLimit))
}

func TestTickThrottledWithinTimeframe(t *testing.T) {
	h := newHarness(t, baseConfig())

	first := h.o.Tick(context.Background())
	assert.False(t, first.Skipped)
	logLen := h.log.Len()
	posCalls := h.exchange.positionCalls

	*h.now = h.now.Add(10 * time.Minute) // timeframe is 60m
	second := h.o.Tick(context.Background())
	assert.True(t, second.Skipped)
	assert.Equal(t, "throttled", second.Reason)
	assert.Equal(t, logLen, h.log.Len(), "no log entries beyond the skip itself")
	assert.Equal(t, posCalls, h.exchange.positionCalls, "no additional exchange calls")

	*h.now = h.now.Add(55 * time.Minute)
	third := h.o.Tick(context.Background())
	assert.False(t, third.Skipped, "window elapsed")
}

func TestTickSingleFlight(t *testing.T) {
	h := newHarness(t, baseConfig())
	require.True(t, h.o.mu.TryLock())
	defer h.o.mu.Unlock()

	res := h.o.Tick(context.Background())
	assert.True(t, res.Skipped)
	assert.Equal(t, "tick_in_progress", res.Reason)
	assert.Zero(t, h.exchange.positionCalls)
}

func TestTickPositionsUnavailable(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positionsErr = errors.New("exchange down")

	res := h.o.Tick(context.Background())
	assert.Equal(t, "positions_unavailable", res.Reason)
	assert.Zero(t, h.provider.decisionCalls)
}

func TestTickExecutesCloseFull(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionCloseFull, Confidence: 85, Reason: "target hit", Risk: "low",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].OK)
	assert.Equal(t, []float64{1.0}, h.exchange.closeCalls)

	ev, ok := h.log.LastOfType(events.TypeClose)
	require.True(t, ok)
	assert.True(t, ev.Succeeded())
	assert.Equal(t, 1000.0, ev.RealizedPnLEstimate, "full close realizes the whole unrealized PnL")
	assert.Equal(t, 1, res.PositionsBefore)
}

func TestTickPartialCloseBelowMinimumIsSkip(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.exchange.closeOutcome = bybit.OrderOutcome{Skipped: true, Reason: "below_min_qty"}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionClosePartial, CloseFraction: 0.1, Confidence: 70, Reason: "trim", Risk: "low",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].Skipped)
	assert.False(t, res.Managed[0].OK)

	ev, ok := h.log.LastOfType(events.TypePartialClose)
	require.True(t, ok)
	assert.True(t, ev.Skipped)
	assert.False(t, ev.Failed(), "dust close is a skip, never a failure")
}

func TestTickBreakevenStop(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionBreakevenStop, Confidence: 75, Reason: "protect", Risk: "low",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].OK)
	assert.Equal(t, 1, h.exchange.breakevenCalls)
	_, ok := h.log.LastOfType(events.TypeBreakevenStop)
	assert.True(t, ok)
}

func TestTickSkipsLockedPosition(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionCloseFull, Confidence: 90, Reason: "x", Risk: "low",
	}}
	locks := NewMapLocks()
	locks.Lock("BTCUSDT", "Buy")
	h.o.locks = locks

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].Skipped)
	assert.Equal(t, "locked", res.Managed[0].Reason)
	assert.Empty(t, h.exchange.closeCalls)
}

func TestTickSkipsCooldown(t *testing.T) {
	cfg := baseConfig()
	cfg.Risk.CooldownMinutes = 30
	h := newHarness(t, cfg)
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.log.Append(events.Event{Type: events.TypeClose, Symbol: "BTCUSDT", OK: events.Bool(true), Timestamp: h.now.Add(-10 * time.Minute)})
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionCloseFull, Confidence: 90, Reason: "x", Risk: "low",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.Equal(t, "cooldown", res.Managed[0].Reason)
	assert.Empty(t, h.exchange.closeCalls)
}

func TestTickAveragingOncePerWindow(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.exchange.openOutcome = bybit.OrderOutcome{OK: true, NotionalUSD: 100}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionAverageInOnce, AverageInUSD: 100,
		Confidence: 80, Reason: "dip", Risk: "high",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].OK)
	require.Len(t, h.exchange.openCalls, 1)
	assert.Equal(t, bybit.SideBuy, h.exchange.openCalls[0].Side, "averages in on the position side")

	// second attempt within the window is refused by the event-log scan
	*h.now = h.now.Add(2 * time.Hour)
	res = h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].Skipped)
	assert.Equal(t, "already_averaged", res.Managed[0].Reason)
	assert.Len(t, h.exchange.openCalls, 1, "no second order")

	// after the window the action is allowed once more
	*h.now = h.now.Add(8 * 24 * time.Hour)
	res = h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].OK)
	assert.Len(t, h.exchange.openCalls, 2)
}

func TestTickStrictModeDivertsToPending(t *testing.T) {
	cfg := baseConfig()
	cfg.Risk.StrictMode = true
	h := newHarness(t, cfg)
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionCloseFull, Confidence: 90, Reason: "x", Risk: "low",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.Equal(t, "pending_confirmation", res.Managed[0].Reason)
	assert.NotEmpty(t, res.Managed[0].PendingID)
	assert.Empty(t, h.exchange.closeCalls, "dangerous action not executed directly")
	assert.Len(t, h.pendings.GetAll(), 1)
	_, ok := h.log.LastOfType(events.TypePendingCreated)
	assert.True(t, ok)

	// equivalent entry already queued: dedup
	*h.now = h.now.Add(2 * time.Hour)
	res = h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.Equal(t, "pending_exists", res.Managed[0].Reason)
	assert.Len(t, h.pendings.GetAll(), 1)
}

func TestTickStrictModeAllowsSafeActions(t *testing.T) {
	cfg := baseConfig()
	cfg.Risk.StrictMode = true
	h := newHarness(t, cfg)
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionClosePartial, CloseFraction: 0.25, Confidence: 70, Reason: "x", Risk: "low",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].OK)
	assert.Equal(t, []float64{0.25}, h.exchange.closeCalls)
}

func TestTickEmptyDecisionsLogged(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.provider.decisions = nil

	h.o.Tick(context.Background())
	_, ok := h.log.LastOfType(events.TypeEmptyDecisions)
	assert.True(t, ok)
}

func TestTickRepeatedFailureAlert(t *testing.T) {
	cfg := baseConfig()
	cfg.FailureAlertThreshold = 2
	h := newHarness(t, cfg)
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.exchange.closeErr = errors.New("order rejected")
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionCloseFull, Confidence: 90, Reason: "x", Risk: "low",
	}}

	h.o.Tick(context.Background())
	assert.Zero(t, h.rec.Count(alert.KindRepeatedFailure), "below threshold")

	*h.now = h.now.Add(2 * time.Hour)
	h.o.Tick(context.Background())
	assert.Equal(t, 1, h.rec.Count(alert.KindRepeatedFailure), "alert fires at the threshold")

	*h.now = h.now.Add(2 * time.Hour)
	h.o.Tick(context.Background())
	assert.Equal(t, 1, h.rec.Count(alert.KindRepeatedFailure), "fires once, not on every further failure")
}

func TestTickAutoOpenFillsSlots(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoOpenEnabled = true
	cfg.TargetPositions = 2
	h := newHarness(t, cfg)
	h.exchange.markets = []bybit.Ticker{{Symbol: "SOLUSDT"}, {Symbol: "ETHUSDT"}, {Symbol: "XRPUSDT"}}
	h.exchange.openOutcome = bybit.OrderOutcome{OK: true, NotionalUSD: 125}
	h.provider.proposals = []decision.Proposal{
		{Symbol: "SOLUSDT", Signal: decision.SignalBuy, Confidence: 92, SizeUSD: 200, Leverage: 5},
		{Symbol: "ETHUSDT", Signal: decision.SignalSell, Confidence: 85, SizeUSD: 150, Leverage: 3},
		{Symbol: "XRPUSDT", Signal: decision.SignalBuy, Confidence: 81, SizeUSD: 100, Leverage: 2},
	}

	res := h.o.Tick(context.Background())
	require.Len(t, h.exchange.openCalls, 2, "stops once the target is reached")
	assert.Equal(t, "SOLUSDT", h.exchange.openCalls[0].Symbol)
	assert.Equal(t, "ETHUSDT", h.exchange.openCalls[1].Symbol)
	assert.Equal(t, bybit.SideSell, h.exchange.openCalls[1].Side)
	assert.Len(t, res.Opened, 2)

	ev, ok := h.log.LastOfType(events.TypeOpen)
	require.True(t, ok)
	assert.True(t, ev.Succeeded())
}

func TestTickAutoOpenFiltersConfidenceAndOverlap(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoOpenEnabled = true
	h := newHarness(t, cfg)
	h.exchange.positions = []bybit.Position{btcPosition()}
	h.exchange.markets = []bybit.Ticker{{Symbol: "BTCUSDT"}, {Symbol: "SOLUSDT"}}
	h.exchange.openOutcome = bybit.OrderOutcome{OK: true}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionDoNothing, Confidence: 50, Reason: "hold", Risk: "low",
	}}
	h.provider.proposals = []decision.Proposal{
		{Symbol: "BTCUSDT", Signal: decision.SignalBuy, Confidence: 95}, // overlaps open position
		{Symbol: "SOLUSDT", Signal: decision.SignalBuy, Confidence: 79}, // below threshold
	}

	h.o.Tick(context.Background())
	assert.Empty(t, h.exchange.openCalls)
}

func TestTickAutoOpenBlockedByExposure(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoOpenEnabled = true
	cfg.Risk.MaxExposureUSD = 1000
	h := newHarness(t, cfg)
	h.exchange.positions = []bybit.Position{{Symbol: "BTCUSDT", Side: bybit.SideBuy, Size: 1, EntryPrice: 10000, Leverage: 10}} // 1000 margin
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionDoNothing, Confidence: 50, Reason: "hold", Risk: "low",
	}}
	h.provider.proposals = []decision.Proposal{{Symbol: "SOLUSDT", Signal: decision.SignalBuy, Confidence: 95}}

	res := h.o.Tick(context.Background())
	assert.Empty(t, h.exchange.openCalls, "exposure gate blocks opens only")
	require.Len(t, res.Managed, 1, "existing-position management still ran")
	assert.Equal(t, 1, h.rec.Count(alert.KindRiskLimit))
	assert.Zero(t, h.provider.proposalCalls)
}

func TestTickDisabledAutoOpenNeverProposes(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.o.Tick(context.Background())
	assert.Zero(t, h.provider.proposalCalls)
}

func TestTickSummaryEventAlwaysAppended(t *testing.T) {
	h := newHarness(t, baseConfig())
	res := h.o.Tick(context.Background())
	assert.NotEmpty(t, res.Summary)
	ev, ok := h.log.LastOfType(events.TypeTick)
	require.True(t, ok)
	assert.NotNil(t, ev.Extra)
}

func TestResolvePendingConfirmExecutes(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exchange.positions = []bybit.Position{btcPosition()}
	pa := h.pendings.Add(pending.Action{Symbol: "BTCUSDT", Side: "Buy", Action: "CLOSE_FULL"})

	out, err := h.o.ResolvePending(context.Background(), pa.ID, true)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, []float64{1.0}, h.exchange.closeCalls)
	assert.Empty(t, h.pendings.GetAll())
}

func TestResolvePendingReject(t *testing.T) {
	h := newHarness(t, baseConfig())
	pa := h.pendings.Add(pending.Action{Symbol: "BTCUSDT", Side: "Buy", Action: "CLOSE_FULL"})

	out, err := h.o.ResolvePending(context.Background(), pa.ID, false)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "rejected", out.Reason)
	assert.Empty(t, h.exchange.closeCalls)

	_, err = h.o.ResolvePending(context.Background(), pa.ID, true)
	assert.ErrorIs(t, err, pending.ErrNotFound)
}

func TestResolvePendingPositionGone(t *testing.T) {
	h := newHarness(t, baseConfig())
	pa := h.pendings.Add(pending.Action{Symbol: "BTCUSDT", Side: "Buy", Action: "CLOSE_FULL"})

	out, err := h.o.ResolvePending(context.Background(), pa.ID, true)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "position_gone", out.Reason)
}

func TestResolvePendingBlockedByKillSwitch(t *testing.T) {
	cfg := baseConfig()
	cfg.Risk.TradingEnabled = false
	cfg.Risk.StrictMode = true
	h := newHarness(t, cfg)
	h.exchange.positions = []bybit.Position{btcPosition()}
	pa := h.pendings.Add(pending.Action{Symbol: "BTCUSDT", Side: "Buy", Action: "CLOSE_FULL"})

	out, err := h.o.ResolvePending(context.Background(), pa.ID, true)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "kill_switch", out.Reason)
	assert.Empty(t, h.exchange.closeCalls, "manual confirmation must not bypass the kill switch")
	assert.Zero(t, h.exchange.positionCalls)
	assert.Len(t, h.pendings.GetAll(), 1, "entry stays queued until trading is re-enabled")
}

func TestTickBreakevenStopSkippedWhenNotProfitable(t *testing.T) {
	h := newHarness(t, baseConfig())
	losing := btcPosition()
	losing.MarkPrice = 46000
	losing.UnrealizedPnL = -1000
	h.exchange.positions = []bybit.Position{losing}
	h.provider.decisions = []decision.Decision{{
		Symbol: "BTCUSDT", Action: decision.ActionBreakevenStop, Confidence: 75, Reason: "protect", Risk: "low",
	}}

	res := h.o.Tick(context.Background())
	require.Len(t, res.Managed, 1)
	assert.True(t, res.Managed[0].Skipped)
	assert.Equal(t, "pnl_not_positive", res.Managed[0].Reason)
	assert.Zero(t, h.exchange.breakevenCalls, "no stop is placed on a losing position")

	ev, ok := h.log.LastOfType(events.TypeBreakevenStop)
	require.True(t, ok)
	assert.True(t, ev.Skipped)
	assert.Equal(t, "pnl_not_positive", ev.SkipReason)
}

func TestTickAutoOpenSuccessResetsFailureCounter(t *testing.T) {
	cfg := baseConfig()
	cfg.AutoOpenEnabled = true
	cfg.TargetPositions = 1
	cfg.FailureAlertThreshold = 2
	h := newHarness(t, cfg)
	h.exchange.markets = []bybit.Ticker{{Symbol: "SOLUSDT"}}
	h.provider.proposals = []decision.Proposal{{
		Symbol: "SOLUSDT", Signal: decision.SignalBuy, Confidence: 92, SizeUSD: 100, Leverage: 3,
	}}

	h.exchange.openErr = errors.New("order rejected")
	h.o.Tick(context.Background())

	*h.now = h.now.Add(2 * time.Hour)
	h.exchange.openErr = nil
	h.exchange.openOutcome = bybit.OrderOutcome{OK: true, NotionalUSD: 100}
	h.o.Tick(context.Background())

	*h.now = h.now.Add(2 * time.Hour)
	h.exchange.openErr = errors.New("order rejected")
	h.o.Tick(context.Background())

	assert.Zero(t, h.rec.Count(alert.KindRepeatedFailure),
		"a successful fill resets the consecutive-failure count")
}
