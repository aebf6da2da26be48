package engine

import (
	"strings"
	"sync"
)

// LockStore answers whether the user has locked a position against automated
// management.
type LockStore interface {
	Locked(symbol, side string) bool
}

// MapLocks is a mutex-guarded in-memory LockStore.
type MapLocks struct {
	mu    sync.RWMutex
	locks map[string]bool
}

// NewMapLocks constructs an empty MapLocks.
func NewMapLocks() *MapLocks {
	return &MapLocks{locks: make(map[string]bool)}
}

func lockKey(symbol, side string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToUpper(side)
}

// Lock marks a symbol+side as user-locked.
func (m *MapLocks) Lock(symbol, side string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[lockKey(symbol, side)] = true
}

// Unlock removes a lock.
func (m *MapLocks) Unlock(symbol, side string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, lockKey(symbol, side))
}

// Locked reports whether the symbol+side is locked.
func (m *MapLocks) Locked(symbol, side string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locks[lockKey(symbol, side)]
}
