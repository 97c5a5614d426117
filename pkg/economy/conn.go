package economy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnState is the connector's lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Connector defaults.
const (
	DefaultMaxReconnectAttempts = 10
	DefaultDialTimeout          = 5 * time.Second
	maxReconnectDelay           = 30 * time.Second
	reconnectDelayStep          = 5 * time.Second
)

// Connector owns the lifecycle of the store connection: connect, liveness
// check, disconnect, and automatic reconnection with bounded backoff. A
// single mutex guards every transition so concurrent callers never open two
// connections or schedule two reconnect timers.
type Connector struct {
	mu          sync.Mutex
	state       ConnState
	store       Store
	attempts    int
	pending     *time.Timer
	dialer      Dialer
	logger      *zap.Logger
	maxAttempts int
	dialTimeout time.Duration
	afterFn     func(time.Duration, func()) *time.Timer
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithMaxReconnectAttempts caps the automatic background retries. Reaching
// the cap never blocks manual attempts through EnsureConnected.
func WithMaxReconnectAttempts(maxAttempts int) ConnectorOption {
	return func(connector *Connector) {
		if maxAttempts > 0 {
			connector.maxAttempts = maxAttempts
		}
	}
}

// WithDialTimeout bounds a single connect attempt.
func WithDialTimeout(timeout time.Duration) ConnectorOption {
	return func(connector *Connector) {
		if timeout > 0 {
			connector.dialTimeout = timeout
		}
	}
}

// NewConnector wires a Connector in the Disconnected state.
func NewConnector(dialer Dialer, logger *zap.Logger, options ...ConnectorOption) (*Connector, error) {
	if dialer == nil {
		return nil, WrapError("connector", "dialer", "missing", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	connector := &Connector{
		state:       StateDisconnected,
		dialer:      dialer,
		logger:      logger,
		maxAttempts: DefaultMaxReconnectAttempts,
		dialTimeout: DefaultDialTimeout,
		afterFn:     time.AfterFunc,
	}
	for _, option := range options {
		if option != nil {
			option(connector)
		}
	}
	return connector, nil
}

// State returns the current lifecycle state.
func (connector *Connector) State() ConnState {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	return connector.state
}

// Connect attempts to establish a connection, verifying liveness with a ping
// before declaring success. On failure it schedules at most one pending
// reconnect with a delay of min(30s, attempts*5s) until the attempt cap is
// reached. Never returns an error; the boolean is the whole contract.
func (connector *Connector) Connect(ctx context.Context) bool {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	return connector.connectLocked(ctx)
}

func (connector *Connector) connectLocked(ctx context.Context) bool {
	if connector.state == StateConnected {
		return true
	}
	connector.state = StateConnecting

	dialCtx, cancel := context.WithTimeout(ctx, connector.dialTimeout)
	defer cancel()

	store, err := connector.dialer.Dial(dialCtx)
	if err == nil {
		if pingErr := store.Ping(dialCtx); pingErr != nil {
			_ = store.Close()
			err = pingErr
		}
	}
	if err != nil {
		connector.state = StateDisconnected
		connector.attempts++
		connector.logger.Warn("store connect failed",
			zap.Int("attempt", connector.attempts),
			zap.Int("max_attempts", connector.maxAttempts),
			zap.Error(err),
		)
		connector.scheduleReconnectLocked()
		return false
	}

	connector.store = store
	connector.state = StateConnected
	connector.attempts = 0
	connector.logger.Info("store connected")
	return true
}

func (connector *Connector) scheduleReconnectLocked() {
	if connector.attempts >= connector.maxAttempts {
		connector.logger.Warn("automatic reconnects exhausted; next operation will retry manually")
		return
	}
	if connector.pending != nil {
		return
	}
	delay := time.Duration(connector.attempts) * reconnectDelayStep
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	connector.pending = connector.afterFn(delay, func() {
		connector.mu.Lock()
		connector.pending = nil
		connector.connectLocked(context.Background())
		connector.mu.Unlock()
	})
	connector.logger.Info("store reconnect scheduled", zap.Duration("delay", delay))
}

// EnsureConnected returns true if already connected, otherwise attempts a
// single synchronous connect. Called before every store operation.
func (connector *Connector) EnsureConnected(ctx context.Context) bool {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	if connector.state == StateConnected {
		return true
	}
	return connector.connectLocked(ctx)
}

// Ensure returns a live store handle, connecting first when needed.
func (connector *Connector) Ensure(ctx context.Context) (Store, bool) {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	if connector.state != StateConnected && !connector.connectLocked(ctx) {
		return nil, false
	}
	return connector.store, true
}

// MarkFailed transitions back to Disconnected after a failed store operation
// so the next call dials afresh. The broken handle is released.
func (connector *Connector) MarkFailed() {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	if connector.state != StateConnected {
		return
	}
	if connector.store != nil {
		_ = connector.store.Close()
		connector.store = nil
	}
	connector.state = StateDisconnected
	connector.attempts++
	connector.scheduleReconnectLocked()
}

// Disconnect cancels any pending reconnect, releases the connection, and
// transitions to Disconnected. Idempotent.
func (connector *Connector) Disconnect() {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	if connector.pending != nil {
		connector.pending.Stop()
		connector.pending = nil
	}
	if connector.store != nil {
		_ = connector.store.Close()
		connector.store = nil
	}
	if connector.state != StateDisconnected {
		connector.logger.Info("store disconnected")
	}
	connector.state = StateDisconnected
}
