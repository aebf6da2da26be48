// Package metrics derives observability stats from the event log. Everything
// here is a pure computation over events; nothing is stored.
package metrics

import (
	"sort"
	"time"

	"tradepilot/pkg/events"
)

// Summary is the aggregate view served by the metrics endpoint.
type Summary struct {
	WindowDays  int                  `json:"window_days"`
	Ticks       int                  `json:"ticks"`
	Executed    int                  `json:"executed"`
	Skipped     int                  `json:"skipped"`
	Failed      int                  `json:"failed"`
	RealizedPnL float64              `json:"realized_pnl"`
	VolumeUSD   float64              `json:"volume_usd"`
	Symbols     []events.SymbolStats `json:"symbols"`
	Daily       []DayPnL             `json:"daily"`
}

// DayPnL is one day's realized-PnL total.
type DayPnL struct {
	Date        string  `json:"date"`
	RealizedPnL float64 `json:"realized_pnl"`
	Trades      int     `json:"trades"`
}

// Aggregator computes summaries over an event log.
type Aggregator struct {
	log *events.Log
}

// New constructs an Aggregator.
func New(log *events.Log) *Aggregator {
	return &Aggregator{log: log}
}

// Summary aggregates the last N days of events.
func (a *Aggregator) Summary(days int) Summary {
	s := Summary{WindowDays: days}
	byDay := make(map[string]*DayPnL)

	for _, ev := range a.log.Recent(days) {
		if ev.Type == events.TypeTick {
			s.Ticks++
			continue
		}
		if !ev.Type.IsTrading() {
			if ev.Skipped {
				s.Skipped++
			}
			continue
		}
		switch {
		case ev.Skipped:
			s.Skipped++
		case ev.Failed():
			s.Failed++
		default:
			s.Executed++
		}
		s.RealizedPnL += ev.RealizedPnLEstimate
		s.VolumeUSD += ev.NotionalUSD

		if ev.RealizedPnLEstimate != 0 {
			day := ev.Timestamp.UTC().Format(time.DateOnly)
			d, ok := byDay[day]
			if !ok {
				d = &DayPnL{Date: day}
				byDay[day] = d
			}
			d.RealizedPnL += ev.RealizedPnLEstimate
			d.Trades++
		}
	}

	s.Symbols = a.log.SymbolStats(days)
	s.Daily = make([]DayPnL, 0, len(byDay))
	for _, d := range byDay {
		s.Daily = append(s.Daily, *d)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Date < s.Daily[j].Date })
	return s
}
