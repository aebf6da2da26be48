package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

const (
	defaultRetention = 14 * 24 * time.Hour
	defaultMaxEvents = 1000
)

// Sink mirrors appended events to an external store. Sink failures are logged
// and never propagate to the caller.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Log is an append-only, retention-bound event store. All mutation goes
// through a single mutex so concurrent appends cannot lose events; disk
// persistence is write-to-temp plus atomic rename.
type Log struct {
	mu     sync.RWMutex
	events []Event
	seq    int

	path      string
	retention time.Duration
	maxEvents int
	nowFn     func() time.Time
	sink      Sink
}

// Option configures a Log.
type Option func(*Log)

// WithRetention overrides the age cutoff applied on every write.
func WithRetention(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.retention = d
		}
	}
}

// WithMaxEvents overrides the count cap applied on every write.
func WithMaxEvents(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// WithSink mirrors appended events to an external store.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// NewLog constructs a Log. An empty path keeps the log in memory only;
// otherwise existing events are loaded from the file when present.
func NewLog(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:      path,
		retention: defaultRetention,
		maxEvents: defaultMaxEvents,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if path != "" {
		if err := l.load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Append records an event, applying both retention rules, and returns the
// stored copy with its assigned ID and timestamp.
func (l *Log) Append(ev Event) Event {
	l.mu.Lock()
	now := l.nowFn()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	l.seq++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%d-%04d", ev.Timestamp.UnixMilli(), l.seq)
	}
	l.events = append(l.events, ev)
	l.prune(now)
	// persist while still holding the lock so a slower append cannot rename
	// an older snapshot over a newer one
	if l.path != "" {
		if err := writeAtomic(l.path, l.events); err != nil {
			logx.Errorf("events: persist log: %v", err)
		}
	}
	l.mu.Unlock()
	if l.sink != nil {
		stored := ev
		threading.GoSafe(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.sink.Record(ctx, stored); err != nil {
				logx.Errorf("events: mirror event %s: %v", stored.ID, err)
			}
		})
	}
	return ev
}

// Recent returns events from the last N days, oldest first.
func (l *Log) Recent(days int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cutoff := l.nowFn().Add(-time.Duration(days) * 24 * time.Hour)
	var out []Event
	for _, ev := range l.events {
		if ev.Timestamp.After(cutoff) {
			out = append(out, ev)
		}
	}
	return out
}

// LastOfType returns the most recent event of the given type.
func (l *Log) LastOfType(t Type) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == t {
			return l.events[i], true
		}
	}
	return Event{}, false
}

// SymbolStats aggregates trading events per symbol over the last N days,
// sorted by volume descending.
func (l *Log) SymbolStats(days int) []SymbolStats {
	bySymbol := make(map[string]*SymbolStats)
	for _, ev := range l.Recent(days) {
		if !ev.Type.IsTrading() || ev.Symbol == "" {
			continue
		}
		st, ok := bySymbol[ev.Symbol]
		if !ok {
			st = &SymbolStats{Symbol: ev.Symbol}
			bySymbol[ev.Symbol] = st
		}
		st.Total++
		st.VolumeUSD += ev.NotionalUSD
		switch {
		case ev.Failed():
			st.Errors++
		case ev.RealizedPnLEstimate > 0:
			st.Wins++
		case ev.RealizedPnLEstimate < 0:
			st.Losses++
		}
	}
	out := make([]SymbolStats, 0, len(bySymbol))
	for _, st := range bySymbol {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VolumeUSD != out[j].VolumeUSD {
			return out[i].VolumeUSD > out[j].VolumeUSD
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// AveragedSymbols returns symbols with a successful average_in event within
// the last N days.
func (l *Log) AveragedSymbols(days int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ev := range l.Recent(days) {
		if ev.Type == TypeAverageIn && !ev.Failed() && ev.Symbol != "" && !seen[ev.Symbol] {
			seen[ev.Symbol] = true
			out = append(out, ev.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// Len reports the current event count.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// prune applies retention under l.mu: drop entries older than the retention
// window, then cap the total count keeping the most recent.
func (l *Log) prune(now time.Time) {
	cutoff := now.Add(-l.retention)
	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	l.events = kept
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *Log) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("events: read log %s: %w", l.path, err)
	}
	var stored []Event
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("events: decode log %s: %w", l.path, err)
	}
	l.events = stored
	l.seq = len(stored)
	return nil
}

func writeAtomic(path string, evs []Event) error {
	data, err := json.Marshal(evs)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".events-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
