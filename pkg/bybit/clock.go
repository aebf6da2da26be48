package bybit

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"
)

const clockOffsetTTL = 5 * time.Minute

// clockCache tracks the signed offset between exchange server time and local
// time. The offset is cached for five minutes, shared on disk across ticks,
// and invalidated eagerly when the exchange reports a timestamp-skew error.
type clockCache struct {
	client *Client

	mu        sync.Mutex
	offsetMs  int64
	fetchedAt time.Time
}

type clockDiskEntry struct {
	OffsetMs  int64     `msgpack:"offset_ms"`
	FetchedAt time.Time `msgpack:"fetched_at"`
}

func newClockCache(c *Client) *clockCache {
	cc := &clockCache{client: c}
	cc.loadDisk()
	return cc
}

// Timestamp returns the signing timestamp in milliseconds: local time plus
// the cached offset. A stale offset is refreshed best-effort; on failure the
// last known offset (possibly zero) is used.
func (cc *clockCache) Timestamp(ctx context.Context) int64 {
	cc.mu.Lock()
	stale := cc.client.nowFn().Sub(cc.fetchedAt) > clockOffsetTTL
	offset := cc.offsetMs
	cc.mu.Unlock()

	if stale {
		if err := cc.refresh(ctx); err != nil {
			logx.Slowf("bybit: clock sync failed, using cached offset %dms: %v", offset, err)
		}
		cc.mu.Lock()
		offset = cc.offsetMs
		cc.mu.Unlock()
	}
	return cc.client.nowFn().UnixMilli() + offset
}

// Invalidate drops the cached offset so the next signed call resyncs.
func (cc *clockCache) Invalidate() {
	cc.mu.Lock()
	cc.fetchedAt = time.Time{}
	cc.mu.Unlock()
	if path := cc.diskPath(); path != "" {
		_ = os.Remove(path)
	}
}

func (cc *clockCache) refresh(ctx context.Context) error {
	var result serverTimeResult
	if err := cc.client.getPublic(ctx, "/v5/market/time", url.Values{}, &result); err != nil {
		return err
	}
	serverMs := parseServerMillis(result)
	now := cc.client.nowFn()

	cc.mu.Lock()
	cc.offsetMs = serverMs - now.UnixMilli()
	cc.fetchedAt = now
	entry := clockDiskEntry{OffsetMs: cc.offsetMs, FetchedAt: cc.fetchedAt}
	cc.mu.Unlock()

	cc.saveDisk(entry)
	return nil
}

func parseServerMillis(r serverTimeResult) int64 {
	if nanos, err := strconv.ParseInt(r.TimeNano, 10, 64); err == nil && nanos > 0 {
		return nanos / int64(time.Millisecond)
	}
	if secs, err := strconv.ParseInt(r.TimeSecond, 10, 64); err == nil {
		return secs * 1000
	}
	return 0
}

func (cc *clockCache) diskPath() string {
	if cc.client.cfg.CacheDir == "" {
		return ""
	}
	return filepath.Join(cc.client.cfg.CacheDir, "clock_offset.msgpack")
}

func (cc *clockCache) loadDisk() {
	path := cc.diskPath()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var entry clockDiskEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		logx.Slowf("bybit: discard corrupt clock cache %s: %v", path, err)
		_ = os.Remove(path)
		return
	}
	if cc.client.nowFn().Sub(entry.FetchedAt) > clockOffsetTTL {
		return
	}
	cc.mu.Lock()
	cc.offsetMs = entry.OffsetMs
	cc.fetchedAt = entry.FetchedAt
	cc.mu.Unlock()
}

func (cc *clockCache) saveDisk(entry clockDiskEntry) {
	path := cc.diskPath()
	if path == "" {
		return
	}
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".clock-*")
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
