// Package engine sequences one automated trading cycle: risk gates, position
// enrichment, model decisions, guarded execution and auto-open, each an
// explicit stage so the control flow stays auditable stage by stage.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"tradepilot/pkg/alert"
	"tradepilot/pkg/bybit"
	"tradepilot/pkg/decision"
	"tradepilot/pkg/events"
	"tradepilot/pkg/pending"
	"tradepilot/pkg/risk"
)

// Exchange is the trading surface the orchestrator drives.
type Exchange interface {
	Positions(ctx context.Context) ([]bybit.Position, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]bybit.Kline, error)
	TopMarkets(ctx context.Context, limit int) ([]bybit.Ticker, error)
	OpenMarketPosition(ctx context.Context, req bybit.OpenRequest) (bybit.OrderOutcome, error)
	ClosePosition(ctx context.Context, pos bybit.Position, fraction float64) (bybit.OrderOutcome, error)
	SetBreakevenStop(ctx context.Context, pos bybit.Position) error
}

// DecisionSource produces proposals and per-position decisions.
type DecisionSource interface {
	Decisions(ctx context.Context, positions []decision.PositionContext) []decision.Decision
	Proposals(ctx context.Context, markets []decision.MarketContext, openSymbols []string) []decision.Proposal
}

// ActionOutcome is the per-decision result reported in a TickResult.
type ActionOutcome struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Action    decision.Action `json:"action"`
	OK        bool            `json:"ok"`
	Skipped   bool            `json:"skipped,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	PendingID string          `json:"pending_id,omitempty"`
}

// TickResult is the structured summary every tick returns. Ticks never fail
// to their trigger; failures are data.
type TickResult struct {
	Blocked         bool                 `json:"blocked,omitempty"`
	Skipped         bool                 `json:"skipped,omitempty"`
	Reason          string               `json:"reason,omitempty"`
	Summary         string               `json:"summary"`
	Managed         []ActionOutcome      `json:"managed"`
	Opened          []bybit.OrderOutcome `json:"opened"`
	PositionsBefore int                  `json:"positions_before"`
}

// Orchestrator runs the tick sequence. A mutex makes ticks single-flight:
// a concurrent trigger gets a structured skip, never a queued second run.
type Orchestrator struct {
	cfg      Config
	exchange Exchange
	provider DecisionSource
	guard    *risk.Guard
	log      *events.Log
	pendings *pending.Store
	locks    LockStore
	notifier alert.Notifier
	nowFn    func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.nowFn = now
		}
	}
}

// WithLocks injects the user position-lock store.
func WithLocks(l LockStore) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locks = l
		}
	}
}

// New constructs an Orchestrator.
func New(cfg Config, exchange Exchange, provider DecisionSource, guard *risk.Guard,
	log *events.Log, pendings *pending.Store, notifier alert.Notifier, opts ...Option) *Orchestrator {
	if notifier == nil {
		notifier = alert.Noop{}
	}
	o := &Orchestrator{
		cfg:      cfg,
		exchange: exchange,
		provider: provider,
		guard:    guard,
		log:      log,
		pendings: pendings,
		locks:    NewMapLocks(),
		notifier: notifier,
		nowFn:    time.Now,
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// tickState carries the working set through the stage sequence.
type tickState struct {
	ctx       context.Context
	now       time.Time
	recent    []events.Event
	positions []bybit.Position
	contexts  []decision.PositionContext
	decisions []decision.Decision
	result    *TickResult
}

// stage is one named step; run returns false to terminate the tick with the
// result assembled so far.
type stage struct {
	name string
	run  func(*tickState) bool
}

// Tick runs one complete cycle and always returns a structured result.
func (o *Orchestrator) Tick(ctx context.Context) TickResult {
	if !o.mu.TryLock() {
		return TickResult{Skipped: true, Reason: "tick_in_progress", Summary: "tick already running"}
	}
	defer o.mu.Unlock()

	st := &tickState{
		ctx:    ctx,
		now:    o.nowFn(),
		result: &TickResult{},
	}
	stages := []stage{
		{"kill_switch", o.stageKillSwitch},
		{"daily_loss", o.stageDailyLoss},
		{"throttle", o.stageThrottle},
		{"fetch_positions", o.stageFetchPositions},
		{"enrich", o.stageEnrich},
		{"decide", o.stageDecide},
		{"execute", o.stageExecute},
		{"auto_open", o.stageAutoOpen},
		{"summary", o.stageSummary},
	}
	for _, s := range stages {
		if !s.run(st) {
			logx.WithContext(ctx).Infof("engine: tick terminated at stage %s: %s", s.name, st.result.Reason)
			return *st.result
		}
	}
	return *st.result
}

func (o *Orchestrator) stageKillSwitch(st *tickState) bool {
	if o.guard.TradingEnabled() {
		return true
	}
	st.result.Blocked = true
	st.result.Reason = "kill_switch"
	st.result.Summary = "trading disabled by kill switch"
	return false
}

func (o *Orchestrator) stageDailyLoss(st *tickState) bool {
	st.recent = o.log.Recent(7)
	loss, exceeded := o.guard.DailyLossExceeded(st.recent)
	if !exceeded {
		return true
	}
	st.result.Blocked = true
	st.result.Reason = "daily_loss_limit"
	st.result.Summary = fmt.Sprintf("daily loss %.2f exceeds limit", loss)
	o.notifier.Fire(alert.KindRiskLimit, st.result.Summary)
	return false
}

func (o *Orchestrator) stageThrottle(st *tickState) bool {
	last, ok := o.log.LastOfType(events.TypeTick)
	if !ok {
		return true
	}
	window := time.Duration(o.cfg.TimeframeMinutes) * time.Minute
	elapsed := st.now.Sub(last.Timestamp)
	if elapsed >= window {
		return true
	}
	st.result.Skipped = true
	st.result.Reason = "throttled"
	st.result.Summary = fmt.Sprintf("last tick %s ago, timeframe %dm", elapsed.Round(time.Second), o.cfg.TimeframeMinutes)
	return false
}

func (o *Orchestrator) stageFetchPositions(st *tickState) bool {
	positions, err := o.exchange.Positions(st.ctx)
	if err != nil {
		st.result.Reason = "positions_unavailable"
		st.result.Summary = fmt.Sprintf("fetch positions: %v", err)
		return false
	}
	st.positions = positions
	st.result.PositionsBefore = len(positions)
	return true
}

// stageEnrich attaches a compact price-history string to each position, the
// point count adapting to the position count so the prompt stays in budget.
func (o *Orchestrator) stageEnrich(st *tickState) bool {
	points := decision.HistoryPoints(len(st.positions))
	interval := intervalString(o.cfg.TimeframeMinutes)
	timeframe := fmt.Sprintf("%dm", o.cfg.TimeframeMinutes)

	st.contexts = make([]decision.PositionContext, len(st.positions))
	for i := range st.positions {
		pc := decision.PositionContext{Position: st.positions[i], Timeframe: timeframe}
		klines, err := o.exchange.Klines(st.ctx, st.positions[i].Symbol, interval, o.cfg.HistoryCandles)
		if err != nil {
			logx.WithContext(st.ctx).Slowf("engine: klines for %s: %v", st.positions[i].Symbol, err)
		} else {
			pc.PriceHistory = bybit.CandleSummary(klines, interval, points)
		}
		st.contexts[i] = pc
	}
	return true
}

func (o *Orchestrator) stageDecide(st *tickState) bool {
	if len(st.positions) == 0 {
		return true
	}
	st.decisions = o.provider.Decisions(st.ctx, st.contexts)
	if len(st.decisions) == 0 {
		o.log.Append(events.Event{Type: events.TypeEmptyDecisions, SkipReason: "provider returned no decisions"})
	}
	return true
}

func (o *Orchestrator) stageExecute(st *tickState) bool {
	averaged := make(map[string]bool)
	for _, sym := range o.log.AveragedSymbols(7) {
		averaged[sym] = true
	}

	for i := range st.decisions {
		d := &st.decisions[i]
		pos, ok := findPosition(st.positions, d.Symbol)
		if !ok {
			continue
		}
		outcome := o.executeDecision(st, d, pos, averaged)
		st.result.Managed = append(st.result.Managed, outcome)
	}
	return true
}

func (o *Orchestrator) executeDecision(st *tickState, d *decision.Decision, pos bybit.Position, averaged map[string]bool) ActionOutcome {
	out := ActionOutcome{Symbol: pos.Symbol, Side: string(pos.Side), Action: d.Action}

	skip := func(reason string) ActionOutcome {
		out.Skipped = true
		out.Reason = reason
		o.log.Append(events.Event{
			Type: events.TypeSkip, Symbol: pos.Symbol, Side: string(pos.Side),
			Action: string(d.Action), Skipped: true, SkipReason: reason,
			PnLAtDecision: pos.UnrealizedPnL,
		})
		return out
	}

	if d.Action == decision.ActionDoNothing {
		out.Skipped = true
		if d.IsDegraded() {
			out.Reason = string(d.Degraded)
		} else {
			out.Reason = "do_nothing"
		}
		return out
	}
	if o.locks.Locked(pos.Symbol, string(pos.Side)) {
		return skip("locked")
	}
	if _, active := o.guard.CooldownActive(pos.Symbol, st.recent); active {
		return skip("cooldown")
	}
	if d.Action == decision.ActionAverageInOnce && averaged[pos.Symbol] {
		return skip("already_averaged")
	}
	if o.guard.Dangerous(d.Action) {
		if o.pendings.Has(pos.Symbol, string(d.Action)) {
			return skip("pending_exists")
		}
		pa := o.pendings.Add(pending.Action{
			Symbol: pos.Symbol, Side: string(pos.Side), Action: string(d.Action),
			Params:        actionParams(d),
			PnLAtDecision: pos.UnrealizedPnL,
		})
		o.log.Append(events.Event{
			Type: events.TypePendingCreated, Symbol: pos.Symbol, Side: string(pos.Side),
			Action: string(d.Action), PnLAtDecision: pos.UnrealizedPnL,
			Extra: map[string]any{"pending_id": pa.ID},
		})
		out.Skipped = true
		out.Reason = "pending_confirmation"
		out.PendingID = pa.ID
		return out
	}

	return o.performAction(st, d, pos)
}

// performAction executes one approved decision against the exchange and
// records the outcome.
func (o *Orchestrator) performAction(st *tickState, d *decision.Decision, pos bybit.Position) ActionOutcome {
	out := ActionOutcome{Symbol: pos.Symbol, Side: string(pos.Side), Action: d.Action}

	var (
		evType   events.Type
		outcome  bybit.OrderOutcome
		realized float64
		err      error
	)
	switch d.Action {
	case decision.ActionCloseFull:
		evType = events.TypeClose
		outcome, err = o.exchange.ClosePosition(st.ctx, pos, 1.0)
		realized = pos.UnrealizedPnL
	case decision.ActionClosePartial:
		evType = events.TypePartialClose
		outcome, err = o.exchange.ClosePosition(st.ctx, pos, d.CloseFraction)
		realized = pos.UnrealizedPnL * d.CloseFraction
	case decision.ActionBreakevenStop:
		evType = events.TypeBreakevenStop
		// a breakeven stop on a losing position would sit on the wrong side
		// of the mark price
		if pos.UnrealizedPnL <= 0 {
			outcome = bybit.OrderOutcome{Skipped: true, Reason: "pnl_not_positive", Symbol: pos.Symbol, Side: pos.Side}
			break
		}
		err = o.exchange.SetBreakevenStop(st.ctx, pos)
		outcome = bybit.OrderOutcome{OK: err == nil, Symbol: pos.Symbol, Side: pos.Side}
	case decision.ActionAverageInOnce:
		evType = events.TypeAverageIn
		size := d.AverageInUSD
		if size > o.cfg.MaxPositionSizeUSD {
			size = o.cfg.MaxPositionSizeUSD
		}
		outcome, err = o.exchange.OpenMarketPosition(st.ctx, bybit.OpenRequest{
			Symbol: pos.Symbol, Side: pos.Side, NotionalUSD: size,
			Leverage: pos.Leverage, MinLeverage: o.cfg.MinLeverage, MaxLeverage: o.cfg.MaxLeverage,
		})
	default:
		out.Skipped = true
		out.Reason = "do_nothing"
		return out
	}

	ev := events.Event{
		Type: evType, Symbol: pos.Symbol, Side: string(pos.Side), Action: string(d.Action),
		PnLAtDecision: pos.UnrealizedPnL, NotionalUSD: outcome.NotionalUSD,
	}
	switch {
	case err != nil:
		out.Reason = err.Error()
		ev.OK = events.Bool(false)
		ev.SkipReason = truncateReason(err.Error())
		o.recordFailure(pos.Symbol)
	case outcome.Skipped:
		out.Skipped = true
		out.Reason = outcome.Reason
		ev.Skipped = true
		ev.SkipReason = outcome.Reason
	case !outcome.OK:
		out.Reason = outcome.Reason
		ev.OK = events.Bool(false)
		ev.SkipReason = outcome.Reason
		o.recordFailure(pos.Symbol)
	default:
		out.OK = true
		ev.OK = events.Bool(true)
		ev.RealizedPnLEstimate = realized
		delete(o.failures, pos.Symbol)
	}
	o.log.Append(ev)
	return out
}

func (o *Orchestrator) recordFailure(symbol string) {
	o.failures[symbol]++
	if o.failures[symbol] == o.cfg.FailureAlertThreshold {
		o.notifier.Fire(alert.KindRepeatedFailure,
			fmt.Sprintf("%d consecutive execution failures on %s", o.failures[symbol], symbol))
	}
}

// stageAutoOpen fills empty position slots from ranked proposals, gated by
// the exposure check.
func (o *Orchestrator) stageAutoOpen(st *tickState) bool {
	if !o.cfg.AutoOpenEnabled {
		return true
	}
	if exposure, exceeded := o.guard.ExposureExceeded(st.positions); exceeded {
		o.notifier.Fire(alert.KindRiskLimit, fmt.Sprintf("exposure %.2f at limit, auto-open blocked", exposure))
		return true
	}
	slots := o.cfg.TargetPositions - len(st.positions)
	if capacity := o.cfg.ManagedPositionCap - len(st.positions); capacity < slots {
		slots = capacity
	}
	if slots <= 0 {
		return true
	}

	markets, err := o.exchange.TopMarkets(st.ctx, o.cfg.TopMarketsLimit)
	if err != nil {
		logx.WithContext(st.ctx).Errorf("engine: top markets: %v", err)
		return true
	}
	open := make(map[string]bool, len(st.positions))
	openSymbols := make([]string, 0, len(st.positions))
	for i := range st.positions {
		open[strings.ToUpper(st.positions[i].Symbol)] = true
		openSymbols = append(openSymbols, st.positions[i].Symbol)
	}

	interval := intervalString(o.cfg.TimeframeMinutes)
	points := decision.HistoryPoints(len(markets))
	contexts := make([]decision.MarketContext, 0, len(markets))
	for _, m := range markets {
		mc := decision.MarketContext{Ticker: m}
		if klines, err := o.exchange.Klines(st.ctx, m.Symbol, interval, o.cfg.HistoryCandles); err == nil {
			mc.PriceHistory = bybit.CandleSummary(klines, interval, points)
		}
		contexts = append(contexts, mc)
	}

	proposals := o.provider.Proposals(st.ctx, contexts, openSymbols)
	for _, p := range proposals {
		if slots <= 0 {
			break
		}
		if p.Confidence < o.cfg.AutoOpenConfidence || open[strings.ToUpper(p.Symbol)] {
			continue
		}

		size := p.SizeUSD
		if size <= 0 {
			size = o.cfg.MaxPositionSizeUSD * o.cfg.Aggressiveness
		}
		if size > o.cfg.MaxPositionSizeUSD {
			size = o.cfg.MaxPositionSizeUSD
		}
		side := bybit.SideBuy
		if p.Signal == decision.SignalSell {
			side = bybit.SideSell
		}

		outcome, err := o.exchange.OpenMarketPosition(st.ctx, bybit.OpenRequest{
			Symbol: p.Symbol, Side: side, NotionalUSD: size,
			Leverage: p.Leverage, MinLeverage: o.cfg.MinLeverage, MaxLeverage: o.cfg.MaxLeverage,
		})
		// every fill attempt is logged, success or not
		ev := events.Event{
			Type: events.TypeOpen, Symbol: p.Symbol, Side: string(side), Action: "OPEN",
			NotionalUSD: outcome.NotionalUSD,
			Extra:       map[string]any{"confidence": p.Confidence, "provider": p.Provider},
		}
		switch {
		case err != nil:
			ev.OK = events.Bool(false)
			ev.SkipReason = truncateReason(err.Error())
			o.recordFailure(p.Symbol)
		case outcome.Skipped:
			ev.Skipped = true
			ev.SkipReason = outcome.Reason
		case !outcome.OK:
			ev.OK = events.Bool(false)
			ev.SkipReason = outcome.Reason
			o.recordFailure(p.Symbol)
		default:
			ev.OK = events.Bool(true)
			open[strings.ToUpper(p.Symbol)] = true
			slots--
			delete(o.failures, p.Symbol)
		}
		o.log.Append(ev)
		st.result.Opened = append(st.result.Opened, outcome)
	}
	return true
}

func (o *Orchestrator) stageSummary(st *tickState) bool {
	var executed, skipped, failed int
	for _, m := range st.result.Managed {
		switch {
		case m.OK:
			executed++
		case m.Skipped:
			skipped++
		default:
			failed++
		}
	}
	opened := 0
	for _, op := range st.result.Opened {
		if op.OK {
			opened++
		}
	}
	st.result.Summary = fmt.Sprintf("positions=%d executed=%d skipped=%d failed=%d opened=%d",
		st.result.PositionsBefore, executed, skipped, failed, opened)

	o.log.Append(events.Event{
		Type: events.TypeTick,
		Extra: map[string]any{
			"positions": st.result.PositionsBefore,
			"executed":  executed,
			"skipped":   skipped,
			"failed":    failed,
			"opened":    opened,
		},
	})
	return true
}

// ResolvePending resolves a queued dangerous action. A rejected entry is
// simply removed; a confirmed one executes against the current position if it
// still exists. The kill switch covers this manual path too: with trading
// disabled the entry stays queued and nothing reaches the exchange.
func (o *Orchestrator) ResolvePending(ctx context.Context, id string, confirm bool) (ActionOutcome, error) {
	if !o.guard.TradingEnabled() {
		return ActionOutcome{Skipped: true, Reason: "kill_switch"}, nil
	}
	pa, err := o.pendings.Resolve(id)
	if err != nil {
		return ActionOutcome{}, err
	}
	out := ActionOutcome{Symbol: pa.Symbol, Side: pa.Side, Action: decision.Action(pa.Action)}
	if !confirm {
		out.Skipped = true
		out.Reason = "rejected"
		return out, nil
	}

	positions, err := o.exchange.Positions(ctx)
	if err != nil {
		out.Reason = fmt.Sprintf("fetch positions: %v", err)
		return out, nil
	}
	pos, ok := findPosition(positions, pa.Symbol)
	if !ok {
		out.Skipped = true
		out.Reason = "position_gone"
		return out, nil
	}

	d := decision.Decision{Symbol: pa.Symbol, Action: decision.Action(pa.Action)}
	if v, ok := pa.Params["close_fraction"].(float64); ok {
		d.CloseFraction = v
	}
	if v, ok := pa.Params["average_in_usd"].(float64); ok {
		d.AverageInUSD = v
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st := &tickState{ctx: ctx, now: o.nowFn(), result: &TickResult{}}
	return o.performAction(st, &d, pos), nil
}

func findPosition(positions []bybit.Position, symbol string) (bybit.Position, bool) {
	for i := range positions {
		if strings.EqualFold(positions[i].Symbol, symbol) {
			return positions[i], true
		}
	}
	return bybit.Position{}, false
}

func actionParams(d *decision.Decision) map[string]any {
	params := make(map[string]any)
	if d.CloseFraction > 0 {
		params["close_fraction"] = d.CloseFraction
	}
	if d.AverageInUSD > 0 {
		params["average_in_usd"] = d.AverageInUSD
	}
	return params
}

// intervalString maps a timeframe in minutes onto an exchange kline interval.
func intervalString(minutes int) string {
	if minutes >= 1440 {
		return "D"
	}
	return strconv.Itoa(minutes)
}

func truncateReason(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
