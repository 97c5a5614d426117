package economy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oreforge/economy/pkg/async"
)

var errStubDown = errors.New("stub store down")

// fakeClock is a mutable test clock shared by the cache and the ledger.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	clock.now = clock.now.Add(delta)
	clock.mu.Unlock()
}

// stubStore is an in-memory Store with the same mutation semantics the real
// adapter guarantees: atomic upsert-increment and conditional decrement.
type stubStore struct {
	mu       sync.Mutex
	down     bool
	failNext map[string]int
	accounts map[PlayerID]Account
	audits   []AuditRecord
	config   map[string]Value
	closed   int
}

func newStubStore() *stubStore {
	return &stubStore{
		failNext: make(map[string]int),
		accounts: make(map[PlayerID]Account),
		config:   make(map[string]Value),
	}
}

func (stub *stubStore) setDown(down bool) {
	stub.mu.Lock()
	stub.down = down
	stub.mu.Unlock()
}

// failOnce makes the named operation fail count times before recovering.
func (stub *stubStore) failOnce(operation string, count int) {
	stub.mu.Lock()
	stub.failNext[operation] = count
	stub.mu.Unlock()
}

func (stub *stubStore) check(operation string) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.down {
		return errStubDown
	}
	if remaining := stub.failNext[operation]; remaining > 0 {
		stub.failNext[operation] = remaining - 1
		return errStubDown
	}
	return nil
}

func (stub *stubStore) Ping(ctx context.Context) error {
	return stub.check("ping")
}

func (stub *stubStore) GetAccount(ctx context.Context, id PlayerID) (Account, bool, error) {
	if err := stub.check("get_account"); err != nil {
		return Account{}, false, err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	account, ok := stub.accounts[id]
	return account, ok, nil
}

func (stub *stubStore) CreateAccount(ctx context.Context, account Account) (bool, error) {
	if err := stub.check("create_account"); err != nil {
		return false, err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if _, exists := stub.accounts[account.ID]; exists {
		return false, nil
	}
	stub.accounts[account.ID] = account
	return true, nil
}

func (stub *stubStore) AddBalance(ctx context.Context, id PlayerID, name string, delta float64, initial float64, at time.Time) (float64, error) {
	if err := stub.check("add_balance"); err != nil {
		return 0, err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	account, ok := stub.accounts[id]
	if !ok {
		account = Account{ID: id, Name: name, Balance: initial}
	}
	account.Balance += delta
	if name != "" {
		account.Name = name
	}
	account.LastActivity = at
	stub.accounts[id] = account
	return account.Balance, nil
}

func (stub *stubStore) DeductBalance(ctx context.Context, id PlayerID, amount float64, at time.Time) (float64, bool, error) {
	if err := stub.check("deduct_balance"); err != nil {
		return 0, false, err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	account, ok := stub.accounts[id]
	if !ok || account.Balance < amount {
		return 0, false, nil
	}
	account.Balance -= amount
	account.LastActivity = at
	stub.accounts[id] = account
	return account.Balance, true, nil
}

func (stub *stubStore) TopAccounts(ctx context.Context, limit int) ([]Account, error) {
	if err := stub.check("top_accounts"); err != nil {
		return nil, err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	accounts := make([]Account, 0, len(stub.accounts))
	for _, account := range stub.accounts {
		accounts = append(accounts, account)
	}
	for i := 0; i < len(accounts); i++ {
		for j := i + 1; j < len(accounts); j++ {
			if accounts[j].Balance > accounts[i].Balance {
				accounts[i], accounts[j] = accounts[j], accounts[i]
			}
		}
	}
	if len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

func (stub *stubStore) AppendAudit(ctx context.Context, record AuditRecord) error {
	if err := stub.check("append_audit"); err != nil {
		return err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.audits = append(stub.audits, record)
	return nil
}

func (stub *stubStore) ListAudit(ctx context.Context, id PlayerID, limit int) ([]AuditRecord, error) {
	if err := stub.check("list_audit"); err != nil {
		return nil, err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	records := make([]AuditRecord, 0)
	for index := len(stub.audits) - 1; index >= 0 && len(records) < limit; index-- {
		if stub.audits[index].Player == id {
			records = append(records, stub.audits[index])
		}
	}
	return records, nil
}

func (stub *stubStore) GetConfig(ctx context.Context, key string) (Value, bool, error) {
	if err := stub.check("get_config"); err != nil {
		return Value{}, false, err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	value, ok := stub.config[key]
	return value, ok, nil
}

func (stub *stubStore) SetConfig(ctx context.Context, key string, value Value) error {
	if err := stub.check("set_config"); err != nil {
		return err
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.config[key] = value
	return nil
}

func (stub *stubStore) Close() error {
	stub.mu.Lock()
	stub.closed++
	stub.mu.Unlock()
	return nil
}

func (stub *stubStore) balanceOf(test *testing.T, id PlayerID) float64 {
	test.Helper()
	stub.mu.Lock()
	defer stub.mu.Unlock()
	account, ok := stub.accounts[id]
	if !ok {
		test.Fatalf("no stored account for %s", id)
	}
	return account.Balance
}

func (stub *stubStore) auditsFor(id PlayerID, kind Kind) []AuditRecord {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	matches := make([]AuditRecord, 0)
	for _, record := range stub.audits {
		if record.Player == id && record.Kind == kind {
			matches = append(matches, record)
		}
	}
	return matches
}

func (stub *stubStore) auditCount() int {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return len(stub.audits)
}

func (stub *stubStore) seed(id PlayerID, name string, balance float64) {
	stub.mu.Lock()
	stub.accounts[id] = Account{ID: id, Name: name, Balance: balance}
	stub.mu.Unlock()
}

// stubDialer hands the same stub store to every dial, optionally failing.
type stubDialer struct {
	mu      sync.Mutex
	store   *stubStore
	dialErr error
	dials   int
}

func (dialer *stubDialer) Dial(ctx context.Context) (Store, error) {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	dialer.dials++
	if dialer.dialErr != nil {
		return nil, dialer.dialErr
	}
	return dialer.store, nil
}

func (dialer *stubDialer) setDialErr(err error) {
	dialer.mu.Lock()
	dialer.dialErr = err
	dialer.mu.Unlock()
}

func (dialer *stubDialer) dialCount() int {
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	return dialer.dials
}

// testEnv bundles the fully wired component graph over the stub store.
type testEnv struct {
	clock  *fakeClock
	stub   *stubStore
	dialer *stubDialer
	conn   *Connector
	cache  *BalanceCache
	config *ConfigStore
	audit  *AuditTrail
	pool   *async.Pool
	ledger *Ledger
}

func newTestEnv(test *testing.T) *testEnv {
	test.Helper()
	clock := newFakeClock()
	stub := newStubStore()
	dialer := &stubDialer{store: stub}
	conn, err := NewConnector(dialer, zap.NewNop())
	if err != nil {
		test.Fatalf("connector: %v", err)
	}
	// Keep scheduled reconnects inert so tests control every dial.
	conn.afterFn = func(delay time.Duration, fn func()) *time.Timer {
		return time.NewTimer(time.Hour)
	}
	pool := async.NewPool(4, 16)
	test.Cleanup(pool.Close)
	config, err := NewConfigStore(conn, pool, zap.NewNop(), WithConfigClock(clock.Now))
	if err != nil {
		test.Fatalf("config store: %v", err)
	}
	audit, err := NewAuditTrail(conn, pool, zap.NewNop())
	if err != nil {
		test.Fatalf("audit trail: %v", err)
	}
	cache := NewBalanceCache(DefaultBalanceWindow, clock.Now)
	ledger, err := NewLedger(conn, cache, config, audit, pool, zap.NewNop(), WithLedgerClock(clock.Now))
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	return &testEnv{
		clock:  clock,
		stub:   stub,
		dialer: dialer,
		conn:   conn,
		cache:  cache,
		config: config,
		audit:  audit,
		pool:   pool,
		ledger: ledger,
	}
}

func (env *testEnv) await(test *testing.T, future *async.Future[bool]) bool {
	test.Helper()
	result, err := future.Await(context.Background())
	if err != nil {
		test.Fatalf("await: %v", err)
	}
	return result
}

func (env *testEnv) awaitBalance(test *testing.T, future *async.Future[float64]) float64 {
	test.Helper()
	result, err := future.Await(context.Background())
	if err != nil {
		test.Fatalf("await: %v", err)
	}
	return result
}

func newPlayerID(test *testing.T) PlayerID {
	test.Helper()
	return PlayerIDFromUUID(uuid.New())
}

func mustUUID(test *testing.T, raw string) uuid.UUID {
	test.Helper()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		test.Fatalf("parse uuid %q: %v", raw, err)
	}
	return parsed
}
