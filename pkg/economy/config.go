package economy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oreforge/economy/pkg/async"
)

// Configuration store defaults.
const (
	DefaultConfigWindow  = 5 * time.Minute
	DefaultConfigTimeout = 5 * time.Second
)

// Well-known configuration keys consumed by the ledger and its callers.
const (
	ConfigKeyInitialBalance = "initial_balance"
	ConfigKeyTaxRate        = "transaction_tax_rate"
	ConfigKeyTaxCollected   = "tax_collected"
)

type configEntry struct {
	value       Value
	refreshedAt time.Time
}

// ConfigStore is the persisted key/value store for tunable parameters. Reads
// resolve cache-first with store fallback; writes update the cache
// synchronously before the durable write is even attempted, so readers never
// observe the old value once a set has been issued.
type ConfigStore struct {
	conn      *Connector
	pool      *async.Pool
	logger    *zap.Logger
	mu        sync.RWMutex
	entries   map[string]configEntry
	window    time.Duration
	opTimeout time.Duration
	nowFn     func() time.Time
}

// ConfigStoreOption configures a ConfigStore.
type ConfigStoreOption func(*ConfigStore)

// WithConfigWindow overrides the cache freshness window.
func WithConfigWindow(window time.Duration) ConfigStoreOption {
	return func(store *ConfigStore) {
		if window > 0 {
			store.window = window
		}
	}
}

// WithConfigClock injects a clock, used by tests.
func WithConfigClock(now func() time.Time) ConfigStoreOption {
	return func(store *ConfigStore) {
		if now != nil {
			store.nowFn = now
		}
	}
}

// NewConfigStore wires a ConfigStore.
func NewConfigStore(conn *Connector, pool *async.Pool, logger *zap.Logger, options ...ConfigStoreOption) (*ConfigStore, error) {
	if conn == nil {
		return nil, WrapError("config", "connector", "missing", ErrInvalidServiceConfig)
	}
	if pool == nil {
		return nil, WrapError("config", "pool", "missing", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &ConfigStore{
		conn:      conn,
		pool:      pool,
		logger:    logger,
		entries:   make(map[string]configEntry),
		window:    DefaultConfigWindow,
		opTimeout: DefaultConfigTimeout,
		nowFn:     time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store, nil
}

// Get resolves a value cache-first, falling back to the store and finally to
// the caller-supplied default on total failure.
func (store *ConfigStore) Get(key string, fallback Value) *async.Future[Value] {
	return async.Submit(store.pool, func(ctx context.Context) Value {
		return store.resolve(ctx, key, fallback)
	})
}

// GetString resolves a string with best-effort coercion.
func (store *ConfigStore) GetString(key string, fallback string) *async.Future[string] {
	return async.Submit(store.pool, func(ctx context.Context) string {
		if coerced, ok := store.resolve(ctx, key, StringValue(fallback)).AsString(); ok {
			return coerced
		}
		return fallback
	})
}

// GetInt64 resolves an integer with best-effort coercion.
func (store *ConfigStore) GetInt64(key string, fallback int64) *async.Future[int64] {
	return async.Submit(store.pool, func(ctx context.Context) int64 {
		if coerced, ok := store.resolve(ctx, key, IntValue(fallback)).AsInt64(); ok {
			return coerced
		}
		return fallback
	})
}

// GetFloat64 resolves a float with best-effort coercion.
func (store *ConfigStore) GetFloat64(key string, fallback float64) *async.Future[float64] {
	return async.Submit(store.pool, func(ctx context.Context) float64 {
		return store.floatSync(ctx, key, fallback)
	})
}

// GetBool resolves a boolean with best-effort coercion.
func (store *ConfigStore) GetBool(key string, fallback bool) *async.Future[bool] {
	return async.Submit(store.pool, func(ctx context.Context) bool {
		if coerced, ok := store.resolve(ctx, key, BoolValue(fallback)).AsBool(); ok {
			return coerced
		}
		return fallback
	})
}

// Set updates the cache synchronously, then attempts the durable write on the
// pool. The future reports the durable write's outcome; the cached value has
// already changed regardless, so a false result means "visible locally,
// durability unknown".
func (store *ConfigStore) Set(key string, value Value) *async.Future[bool] {
	store.putCache(key, value)
	return async.Submit(store.pool, func(ctx context.Context) bool {
		return store.writeSync(ctx, key, value)
	})
}

// resolve is the synchronous resolution path shared by the typed accessors.
func (store *ConfigStore) resolve(ctx context.Context, key string, fallback Value) Value {
	if cached, ok := store.getCache(key, false); ok {
		return cached
	}
	handle, ok := store.conn.Ensure(ctx)
	if !ok {
		if stale, staleOK := store.getCache(key, true); staleOK {
			return stale
		}
		return fallback
	}
	opCtx, cancel := context.WithTimeout(ctx, store.opTimeout)
	defer cancel()
	value, found, err := handle.GetConfig(opCtx, key)
	if err != nil {
		store.logger.Warn("config read failed", zap.String("key", key), zap.Error(err))
		store.conn.MarkFailed()
		if stale, staleOK := store.getCache(key, true); staleOK {
			return stale
		}
		return fallback
	}
	if !found {
		return fallback
	}
	store.putCache(key, value)
	return value
}

func (store *ConfigStore) floatSync(ctx context.Context, key string, fallback float64) float64 {
	if coerced, ok := store.resolve(ctx, key, FloatValue(fallback)).AsFloat64(); ok {
		return coerced
	}
	return fallback
}

func (store *ConfigStore) writeSync(ctx context.Context, key string, value Value) bool {
	handle, ok := store.conn.Ensure(ctx)
	if !ok {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, store.opTimeout)
	defer cancel()
	if err := handle.SetConfig(opCtx, key, value); err != nil {
		store.logger.Warn("config write failed", zap.String("key", key), zap.Error(err))
		store.conn.MarkFailed()
		return false
	}
	return true
}

// addFloatSync performs the read-increment-write used for running counters
// such as collected tax. Not atomic across processes.
func (store *ConfigStore) addFloatSync(ctx context.Context, key string, delta float64) bool {
	current := store.floatSync(ctx, key, 0)
	updated := FloatValue(current + delta)
	store.putCache(key, updated)
	return store.writeSync(ctx, key, updated)
}

func (store *ConfigStore) getCache(key string, allowStale bool) (Value, bool) {
	store.mu.RLock()
	entry, ok := store.entries[key]
	store.mu.RUnlock()
	if !ok {
		return Value{}, false
	}
	if !allowStale && store.nowFn().Sub(entry.refreshedAt) > store.window {
		return Value{}, false
	}
	return entry.value, true
}

func (store *ConfigStore) putCache(key string, value Value) {
	store.mu.Lock()
	store.entries[key] = configEntry{value: value, refreshedAt: store.nowFn()}
	store.mu.Unlock()
}

// InvalidateCache drops every cached entry.
func (store *ConfigStore) InvalidateCache() {
	store.mu.Lock()
	store.entries = make(map[string]configEntry)
	store.mu.Unlock()
}
