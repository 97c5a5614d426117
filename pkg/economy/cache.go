package economy

import (
	"sync"
	"time"
)

// DefaultBalanceWindow is the freshness window for cached balances.
const DefaultBalanceWindow = 60 * time.Second

type balanceEntry struct {
	balance     float64
	refreshedAt time.Time
}

// BalanceCache is a thread-safe map of player id to last-known balance with
// per-entry freshness timestamps. Entries older than the window are stale for
// authoritative reads but remain usable as a degraded fallback while the
// store is unreachable.
type BalanceCache struct {
	mu      sync.RWMutex
	entries map[PlayerID]balanceEntry
	window  time.Duration
	nowFn   func() time.Time
}

// NewBalanceCache builds a cache with the given freshness window. A zero or
// negative window falls back to DefaultBalanceWindow.
func NewBalanceCache(window time.Duration, now func() time.Time) *BalanceCache {
	if window <= 0 {
		window = DefaultBalanceWindow
	}
	if now == nil {
		now = time.Now
	}
	return &BalanceCache{
		entries: make(map[PlayerID]balanceEntry),
		window:  window,
		nowFn:   now,
	}
}

// Get returns the cached balance when present and fresh.
func (cache *BalanceCache) Get(id PlayerID) (float64, bool) {
	cache.mu.RLock()
	entry, ok := cache.entries[id]
	cache.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if cache.nowFn().Sub(entry.refreshedAt) > cache.window {
		return 0, false
	}
	return entry.balance, true
}

// GetStale returns the cached balance regardless of age. Used only once the
// store is confirmed unreachable.
func (cache *BalanceCache) GetStale(id PlayerID) (float64, bool) {
	cache.mu.RLock()
	entry, ok := cache.entries[id]
	cache.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return entry.balance, true
}

// Contains reports whether the player has any cached entry, fresh or stale.
func (cache *BalanceCache) Contains(id PlayerID) bool {
	cache.mu.RLock()
	_, ok := cache.entries[id]
	cache.mu.RUnlock()
	return ok
}

// Put stores the balance with the current timestamp.
func (cache *BalanceCache) Put(id PlayerID, balance float64) {
	cache.mu.Lock()
	cache.entries[id] = balanceEntry{balance: balance, refreshedAt: cache.nowFn()}
	cache.mu.Unlock()
}

// Invalidate drops a single entry so the next read goes to the store.
func (cache *BalanceCache) Invalidate(id PlayerID) {
	cache.mu.Lock()
	delete(cache.entries, id)
	cache.mu.Unlock()
}

// InvalidateAll drops every entry.
func (cache *BalanceCache) InvalidateAll() {
	cache.mu.Lock()
	cache.entries = make(map[PlayerID]balanceEntry)
	cache.mu.Unlock()
}

// Len returns the number of cached entries.
func (cache *BalanceCache) Len() int {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return len(cache.entries)
}
