package bybit

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"
)

const instrumentTTL = 1 * time.Hour

// instrumentCache is the two-tier instrument-parameter cache: an in-process
// map serving the current tick and an on-disk msgpack file shared across
// ticks, both bounded by a one-hour TTL. Quantity-validation errors from
// order placement invalidate the affected symbol in both tiers.
type instrumentCache struct {
	client *Client
	dir    string

	mu      sync.Mutex
	entries map[string]instrumentEntry
}

type instrumentEntry struct {
	Instrument Instrument `msgpack:"instrument"`
	FetchedAt  time.Time  `msgpack:"fetched_at"`
}

func newInstrumentCache(c *Client, dir string) *instrumentCache {
	ic := &instrumentCache{
		client:  c,
		dir:     dir,
		entries: make(map[string]instrumentEntry),
	}
	ic.loadDisk()
	return ic
}

// Instrument returns trading parameters for symbol, consulting the in-memory
// tier, then disk, then the exchange.
func (c *Client) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	return c.instruments.get(ctx, symbol)
}

// InvalidateInstrument drops the cached parameters for symbol in both tiers.
func (c *Client) InvalidateInstrument(symbol string) {
	c.instruments.invalidate(symbol)
}

func (ic *instrumentCache) get(ctx context.Context, symbol string) (Instrument, error) {
	now := ic.client.nowFn()
	ic.mu.Lock()
	if entry, ok := ic.entries[symbol]; ok && now.Sub(entry.FetchedAt) <= instrumentTTL {
		ic.mu.Unlock()
		return entry.Instrument, nil
	}
	ic.mu.Unlock()

	inst, err := ic.fetch(ctx, symbol)
	if err != nil {
		return Instrument{}, err
	}

	ic.mu.Lock()
	ic.entries[symbol] = instrumentEntry{Instrument: inst, FetchedAt: now}
	ic.mu.Unlock()
	ic.saveDisk()
	return inst, nil
}

func (ic *instrumentCache) invalidate(symbol string) {
	ic.mu.Lock()
	delete(ic.entries, symbol)
	ic.mu.Unlock()
	ic.saveDisk()
}

func (ic *instrumentCache) fetch(ctx context.Context, symbol string) (Instrument, error) {
	query := url.Values{}
	query.Set("category", "linear")
	query.Set("symbol", symbol)
	var result instrumentResult
	if err := ic.client.getPublic(ctx, "/v5/market/instruments-info", query, &result); err != nil {
		return Instrument{}, err
	}
	if len(result.List) == 0 {
		return Instrument{}, fmt.Errorf("bybit: instrument %s not found", symbol)
	}
	row := result.List[0]
	return Instrument{
		Symbol:      row.Symbol,
		MinQty:      parseFloat(row.LotSizeFilter.MinOrderQty),
		MaxQty:      parseFloat(row.LotSizeFilter.MaxOrderQty),
		QtyStep:     parseFloat(row.LotSizeFilter.QtyStep),
		MinLeverage: parseFloat(row.LeverageFilter.MinLeverage),
		MaxLeverage: parseFloat(row.LeverageFilter.MaxLeverage),
	}, nil
}

func (ic *instrumentCache) diskPath() string {
	if ic.dir == "" {
		return ""
	}
	return filepath.Join(ic.dir, "instruments.msgpack")
}

func (ic *instrumentCache) loadDisk() {
	path := ic.diskPath()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var stored map[string]instrumentEntry
	if err := msgpack.Unmarshal(data, &stored); err != nil {
		logx.Slowf("bybit: discard corrupt instrument cache %s: %v", path, err)
		_ = os.Remove(path)
		return
	}
	now := ic.client.nowFn()
	ic.mu.Lock()
	for symbol, entry := range stored {
		if now.Sub(entry.FetchedAt) <= instrumentTTL {
			ic.entries[symbol] = entry
		}
	}
	ic.mu.Unlock()
}

func (ic *instrumentCache) saveDisk() {
	path := ic.diskPath()
	if path == "" {
		return
	}
	ic.mu.Lock()
	snapshot := make(map[string]instrumentEntry, len(ic.entries))
	for symbol, entry := range ic.entries {
		snapshot[symbol] = entry
	}
	ic.mu.Unlock()

	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".instruments-*")
	if err != nil {
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err == nil && tmp.Close() == nil {
		_ = os.Rename(name, path)
		return
	}
	tmp.Close()
	os.Remove(name)
}
