// Package pending implements the two-phase confirmation queue for dangerous
// trading actions. Entries wait for an explicit confirm/reject and expire
// after a TTL; a sweep runs on every read so expired entries never surface.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

const defaultTTL = 60 * time.Minute

// ErrNotFound is returned when resolving an unknown or expired entry.
var ErrNotFound = errors.New("pending: action not found")

// Action is one intercepted decision awaiting confirmation.
type Action struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          string         `json:"side"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	PnLAtDecision float64        `json:"pnl_at_decision"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Store is a TTL-bound in-memory queue with atomic file persistence.
type Store struct {
	mu      sync.Mutex
	entries map[string]Action
	seq     int

	path  string
	ttl   time.Duration
	nowFn func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the expiry window.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewStore constructs a Store. An empty path keeps entries in memory only.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{
		entries: make(map[string]Action),
		path:    path,
		ttl:     defaultTTL,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add creates a pending entry and returns it with its assigned ID.
func (s *Store) Add(a Action) Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	s.sweep(now)
	s.seq++
	a.ID = fmt.Sprintf("pa-%d-%03d", now.UnixMilli(), s.seq)
	a.CreatedAt = now
	s.entries[a.ID] = a
	s.persist()
	return a
}

// Has reports whether an equivalent symbol+action entry is already queued.
func (s *Store) Has(symbol, action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.nowFn())
	for _, e := range s.entries {
		if e.Symbol == symbol && e.Action == action {
			return true
		}
	}
	return false
}

// GetAll returns non-expired entries sorted by creation time.
func (s *Store) GetAll() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.nowFn())
	out := make([]Action, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve removes the entry regardless of outcome and returns its snapshot.
// The caller executes the action if confirmed. Resolving an unknown or
// expired ID returns ErrNotFound; no entry can be resolved twice.
func (s *Store) Resolve(id string) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.nowFn())
	e, ok := s.entries[id]
	if !ok {
		return Action{}, ErrNotFound
	}
	delete(s.entries, id)
	s.persist()
	return e, nil
}

// sweep removes entries older than the TTL. Caller holds s.mu.
func (s *Store) sweep(now time.Time) {
	var removed bool
	for id, e := range s.entries {
		if now.Sub(e.CreatedAt) > s.ttl {
			delete(s.entries, id)
			removed = true
		}
	}
	if removed {
		s.persist()
	}
}

func (s *Store) persist() {
	if s.path == "" {
		return
	}
	out := make([]Action, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	data, err := json.Marshal(out)
	if err != nil {
		logx.Errorf("pending: encode store: %v", err)
		return
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logx.Errorf("pending: mkdir %s: %v", dir, err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		logx.Errorf("pending: persist store: %v", err)
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err == nil {
		err = tmp.Close()
		if err == nil {
			err = os.Rename(name, s.path)
		}
	} else {
		tmp.Close()
	}
	if err != nil {
		os.Remove(name)
		logx.Errorf("pending: persist store: %v", err)
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pending: read store %s: %w", s.path, err)
	}
	var stored []Action
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("pending: decode store %s: %w", s.path, err)
	}
	for _, e := range stored {
		s.entries[e.ID] = e
	}
	s.seq = len(stored)
	return nil
}
