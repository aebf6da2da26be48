// Package risk is the model-independent safety layer: it never trusts
// decision-provider output and evaluates every check from exchange state and
// the event log alone.
package risk

import (
	"fmt"
	"time"

	"tradepilot/pkg/bybit"
	"tradepilot/pkg/decision"
	"tradepilot/pkg/events"
)

// Config is the immutable risk configuration threaded in at construction.
type Config struct {
	// TradingEnabled is the kill switch: when false every trading action is
	// refused before any other work.
	TradingEnabled bool `json:"trading_enabled" yaml:"trading_enabled"`
	// DailyLossLimitUSD blocks the whole tick once today's realized losses
	// exceed it. Zero disables the check.
	DailyLossLimitUSD float64 `json:"daily_loss_limit_usd" yaml:"daily_loss_limit_usd"`
	// MaxExposureUSD blocks new position opens once committed margin reaches
	// it. Zero disables the check.
	MaxExposureUSD float64 `json:"max_exposure_usd" yaml:"max_exposure_usd"`
	// CooldownMinutes refuses a new action on a symbol that traded within the
	// window. Zero disables the check.
	CooldownMinutes int `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	// StrictMode diverts dangerous actions to two-phase confirmation.
	StrictMode bool `json:"strict_mode" yaml:"strict_mode"`
}

// Guard evaluates the safety checks. All checks are pure functions of the
// already-loaded event and position lists; none performs I/O.
type Guard struct {
	cfg   Config
	nowFn func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.nowFn = now
		}
	}
}

// New constructs a Guard.
func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{cfg: cfg, nowFn: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TradingEnabled reports the kill-switch state.
func (g *Guard) TradingEnabled() bool { return g.cfg.TradingEnabled }

// StrictMode reports whether dangerous actions need confirmation.
func (g *Guard) StrictMode() bool { return g.cfg.StrictMode }

// realizedPnLTypes are the event types whose realized-PnL estimates feed the
// daily-loss tally.
var realizedPnLTypes = map[events.Type]bool{
	events.TypeClose:        true,
	events.TypePartialClose: true,
	events.TypeAverageIn:    true,
}

// DailyLoss sums realized PnL estimates over today's (UTC) close and
// average-in events. The returned value is negative when the day is at a loss.
func (g *Guard) DailyLoss(evs []events.Event) float64 {
	today := g.nowFn().UTC().Truncate(24 * time.Hour)
	var sum float64
	for i := range evs {
		ev := &evs[i]
		if !realizedPnLTypes[ev.Type] {
			continue
		}
		if ev.Timestamp.UTC().Before(today) {
			continue
		}
		sum += ev.RealizedPnLEstimate
	}
	return sum
}

// DailyLossExceeded reports whether today's cumulative loss exceeds the
// configured limit.
func (g *Guard) DailyLossExceeded(evs []events.Event) (loss float64, exceeded bool) {
	sum := g.DailyLoss(evs)
	if sum >= 0 {
		return 0, false
	}
	loss = -sum
	if g.cfg.DailyLossLimitUSD <= 0 {
		return loss, false
	}
	return loss, loss > g.cfg.DailyLossLimitUSD
}

// Exposure approximates the margin committed across open positions as
// size times entry price over leverage.
func (g *Guard) Exposure(positions []bybit.Position) float64 {
	var sum float64
	for i := range positions {
		sum += positions[i].MarginUSD()
	}
	return sum
}

// ExposureExceeded reports whether committed margin has reached the limit.
// Tripping blocks new opens only; existing-position management proceeds.
func (g *Guard) ExposureExceeded(positions []bybit.Position) (exposure float64, exceeded bool) {
	exposure = g.Exposure(positions)
	if g.cfg.MaxExposureUSD <= 0 {
		return exposure, false
	}
	return exposure, exposure >= g.cfg.MaxExposureUSD
}

// cooldownTypes are the trading events that start a per-symbol cooldown.
var cooldownTypes = map[events.Type]bool{
	events.TypeOpen:         true,
	events.TypeClose:        true,
	events.TypePartialClose: true,
	events.TypeAverageIn:    true,
}

// CooldownActive reports whether the symbol traded within the cooldown
// window, and if so how long remains.
func (g *Guard) CooldownActive(symbol string, evs []events.Event) (remaining time.Duration, active bool) {
	if g.cfg.CooldownMinutes <= 0 {
		return 0, false
	}
	window := time.Duration(g.cfg.CooldownMinutes) * time.Minute
	cutoff := g.nowFn().Add(-window)
	var latest time.Time
	for i := range evs {
		ev := &evs[i]
		if ev.Symbol != symbol || !cooldownTypes[ev.Type] {
			continue
		}
		if ev.Timestamp.After(cutoff) && ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	if latest.IsZero() {
		return 0, false
	}
	return latest.Add(window).Sub(g.nowFn()), true
}

// dangerousActions require two-phase confirmation under strict mode.
var dangerousActions = map[decision.Action]bool{
	decision.ActionCloseFull:     true,
	decision.ActionAverageInOnce: true,
}

// Dangerous reports whether strict mode intercepts the action.
func (g *Guard) Dangerous(action decision.Action) bool {
	return g.cfg.StrictMode && dangerousActions[action]
}

// Status is the derived, read-only risk snapshot. Computed on demand, never
// stored.
type Status struct {
	TradingEnabled    bool     `json:"trading_enabled"`
	DailyLossUSD      float64  `json:"daily_loss_usd"`
	DailyLossLimitUSD float64  `json:"daily_loss_limit_usd"`
	DailyLossTripped  bool     `json:"daily_loss_tripped"`
	ExposureUSD       float64  `json:"exposure_usd"`
	MaxExposureUSD    float64  `json:"max_exposure_usd"`
	ExposureTripped   bool     `json:"exposure_tripped"`
	CooldownMinutes   int      `json:"cooldown_minutes"`
	StrictMode        bool     `json:"strict_mode"`
	Alerts            []string `json:"alerts"`
}

// Status builds the snapshot from the supplied positions and events.
func (g *Guard) Status(positions []bybit.Position, evs []events.Event) Status {
	loss, lossTripped := g.DailyLossExceeded(evs)
	exposure, exposureTripped := g.ExposureExceeded(positions)

	st := Status{
		TradingEnabled:    g.cfg.TradingEnabled,
		DailyLossUSD:      loss,
		DailyLossLimitUSD: g.cfg.DailyLossLimitUSD,
		DailyLossTripped:  lossTripped,
		ExposureUSD:       exposure,
		MaxExposureUSD:    g.cfg.MaxExposureUSD,
		ExposureTripped:   exposureTripped,
		CooldownMinutes:   g.cfg.CooldownMinutes,
		StrictMode:        g.cfg.StrictMode,
	}
	if !st.TradingEnabled {
		st.Alerts = append(st.Alerts, "kill switch engaged: trading disabled")
	}
	if lossTripped {
		st.Alerts = append(st.Alerts, fmt.Sprintf("daily loss %.2f exceeds limit %.2f", loss, g.cfg.DailyLossLimitUSD))
	}
	if exposureTripped {
		st.Alerts = append(st.Alerts, fmt.Sprintf("exposure %.2f at or above limit %.2f", exposure, g.cfg.MaxExposureUSD))
	}
	return st
}
