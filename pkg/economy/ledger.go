package economy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oreforge/economy/pkg/async"
)

// Ledger defaults.
const (
	DefaultInitialBalance   = 100.0
	DefaultOperationTimeout = 5 * time.Second
	DefaultTopLimit         = 10
	maxTopLimit             = 100
)

// Ledger is the authoritative API for balance queries and mutations. It
// composes the store connector, the balance cache, the audit trail, and the
// configuration store. Every public operation is scheduled on the worker
// pool and always resolves to a safe result; callers never see a ledger
// fault distinct from "operation returned false".
type Ledger struct {
	conn           *Connector
	cache          *BalanceCache
	config         *ConfigStore
	audit          *AuditTrail
	pool           *async.Pool
	logger         *zap.Logger
	opLogger       OperationLogger
	nowFn          func() time.Time
	opTimeout      time.Duration
	initialBalance float64
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithOperationLogger wires a logger that receives every mutating operation.
func WithOperationLogger(opLogger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.opLogger = opLogger
	}
}

// WithInitialBalance overrides the last-resort default balance used when both
// the store and the configuration store are unreachable.
func WithInitialBalance(balance float64) LedgerOption {
	return func(ledger *Ledger) {
		if balance >= 0 {
			ledger.initialBalance = balance
		}
	}
}

// WithLedgerClock injects a clock, used by tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(ledger *Ledger) {
		if now != nil {
			ledger.nowFn = now
		}
	}
}

// WithOperationTimeout bounds a single store round trip.
func WithOperationTimeout(timeout time.Duration) LedgerOption {
	return func(ledger *Ledger) {
		if timeout > 0 {
			ledger.opTimeout = timeout
		}
	}
}

// NewLedger wires a Ledger.
func NewLedger(conn *Connector, cache *BalanceCache, config *ConfigStore, audit *AuditTrail, pool *async.Pool, logger *zap.Logger, options ...LedgerOption) (*Ledger, error) {
	if conn == nil {
		return nil, WrapError("ledger", "connector", "missing", ErrInvalidServiceConfig)
	}
	if cache == nil {
		return nil, WrapError("ledger", "cache", "missing", ErrInvalidServiceConfig)
	}
	if config == nil {
		return nil, WrapError("ledger", "config", "missing", ErrInvalidServiceConfig)
	}
	if audit == nil {
		return nil, WrapError("ledger", "audit", "missing", ErrInvalidServiceConfig)
	}
	if pool == nil {
		return nil, WrapError("ledger", "pool", "missing", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := &Ledger{
		conn:           conn,
		cache:          cache,
		config:         config,
		audit:          audit,
		pool:           pool,
		logger:         logger,
		nowFn:          time.Now,
		opTimeout:      DefaultOperationTimeout,
		initialBalance: DefaultInitialBalance,
	}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// Cache exposes the balance cache for operator tooling.
func (ledger *Ledger) Cache() *BalanceCache {
	return ledger.cache
}

// GetBalance resolves a balance: fresh cache hit, then store read, then
// stale cache, then the configured initial balance. Always returns a usable
// number.
func (ledger *Ledger) GetBalance(id PlayerID) *async.Future[float64] {
	return async.Submit(ledger.pool, func(ctx context.Context) float64 {
		return ledger.balanceSync(ctx, id)
	})
}

// HasBalance reports whether the player covers amount, short-circuiting on a
// fresh cache hit without a store round trip.
func (ledger *Ledger) HasBalance(id PlayerID, amount float64) *async.Future[bool] {
	return async.Submit(ledger.pool, func(ctx context.Context) bool {
		return ledger.hasBalanceSync(ctx, id, amount)
	})
}

// AccountExists reports whether the player has an account. On store failure
// it defaults to true: a fail-open policy so infrastructure outages never
// block existing players.
func (ledger *Ledger) AccountExists(id PlayerID) *async.Future[bool] {
	return async.Submit(ledger.pool, func(ctx context.Context) bool {
		if ledger.cache.Contains(id) {
			return true
		}
		handle, ok := ledger.conn.Ensure(ctx)
		if !ok {
			return true
		}
		opCtx, cancel := context.WithTimeout(ctx, ledger.opTimeout)
		defer cancel()
		account, found, err := handle.GetAccount(opCtx, id)
		if err != nil {
			ledger.conn.MarkFailed()
			ledger.logger.Warn("account lookup failed, defaulting to exists", zap.String("player", id.String()), zap.Error(err))
			return true
		}
		if found {
			ledger.cache.Put(id, account.Balance)
		}
		return found
	})
}

// CreateAccount creates the account when absent. Idempotent: an existing
// account reports success untouched. Fails closed on store failure.
func (ledger *Ledger) CreateAccount(id PlayerID, name string, initialBalance float64) *async.Future[bool] {
	return async.Submit(ledger.pool, func(ctx context.Context) bool {
		success := ledger.createAccountSync(ctx, id, name, initialBalance)
		ledger.logOperation(ctx, OperationLog{
			Operation: operationCreate,
			Player:    id,
			Kind:      KindAdmin,
			Amount:    initialBalance,
			Reason:    name,
			Success:   success,
		})
		return success
	})
}

// Deposit increases the balance by amount, creating the account with
// initial+amount when absent, and appends a DEPOSIT audit record.
func (ledger *Ledger) Deposit(id PlayerID, amount float64, reason string) *async.Future[bool] {
	return ledger.DepositKind(id, amount, reason, KindDeposit)
}

// DepositKind is Deposit with an explicit audit kind, used by the shop,
// lottery, and admin callers.
func (ledger *Ledger) DepositKind(id PlayerID, amount float64, reason string, kind Kind) *async.Future[bool] {
	return async.Submit(ledger.pool, func(ctx context.Context) bool {
		success := ledger.depositSync(ctx, id, amount, reason, kind, true)
		ledger.logOperation(ctx, OperationLog{
			Operation: operationDeposit,
			Player:    id,
			Kind:      kind,
			Amount:    amount,
			Reason:    reason,
			Success:   success,
		})
		return success
	})
}

// Withdraw decreases the balance by amount when covered, appending a
// WITHDRAW audit record. Insufficient funds is a normal false result with no
// mutation and no record.
func (ledger *Ledger) Withdraw(id PlayerID, amount float64, reason string) *async.Future[bool] {
	return ledger.WithdrawKind(id, amount, reason, KindWithdraw)
}

// WithdrawKind is Withdraw with an explicit audit kind.
func (ledger *Ledger) WithdrawKind(id PlayerID, amount float64, reason string, kind Kind) *async.Future[bool] {
	return async.Submit(ledger.pool, func(ctx context.Context) bool {
		success := ledger.withdrawSync(ctx, id, amount, reason, kind, true)
		ledger.logOperation(ctx, OperationLog{
			Operation: operationWithdraw,
			Player:    id,
			Kind:      kind,
			Amount:    amount,
			Reason:    reason,
			Success:   success,
		})
		return success
	})
}

// Transfer moves amount from one player to another, collecting
// amount*taxRate on top from the source. The protocol is sequential: verify
// funds, debit source for amount+tax, credit destination, and on a failed
// credit compensate the source best-effort. A successful transfer appends a
// TRANSFER and a TAX audit record and adds the tax to the running
// tax_collected counter.
func (ledger *Ledger) Transfer(fromID PlayerID, toID PlayerID, amount float64, reason string, taxRate float64) *async.Future[bool] {
	return async.Submit(ledger.pool, func(ctx context.Context) bool {
		success := ledger.transferSync(ctx, fromID, toID, amount, reason, taxRate)
		ledger.logOperation(ctx, OperationLog{
			Operation:    operationTransfer,
			Player:       fromID,
			Counterparty: &toID,
			Kind:         KindTransfer,
			Amount:       amount,
			Reason:       reason,
			Success:      success,
		})
		return success
	})
}

// TopAccounts reads the richest accounts straight from the store, bypassing
// the cache. Returns an empty list on store failure rather than a stale
// approximation.
func (ledger *Ledger) TopAccounts(limit int) *async.Future[[]Account] {
	return async.Submit(ledger.pool, func(ctx context.Context) []Account {
		if limit <= 0 {
			limit = DefaultTopLimit
		}
		if limit > maxTopLimit {
			limit = maxTopLimit
		}
		handle, ok := ledger.conn.Ensure(ctx)
		if !ok {
			return []Account{}
		}
		opCtx, cancel := context.WithTimeout(ctx, ledger.opTimeout)
		defer cancel()
		accounts, err := handle.TopAccounts(opCtx, limit)
		if err != nil {
			ledger.conn.MarkFailed()
			ledger.logger.Warn("top accounts query failed", zap.Error(err))
			return []Account{}
		}
		return accounts
	})
}

// balanceSync is the shared synchronous resolution path. It runs inside a
// pool task and never submits further tasks, so a bounded pool cannot
// deadlock on itself.
func (ledger *Ledger) balanceSync(ctx context.Context, id PlayerID) float64 {
	if balance, ok := ledger.cache.Get(id); ok {
		return balance
	}
	handle, ok := ledger.conn.Ensure(ctx)
	if !ok {
		return ledger.degradedBalance(ctx, id)
	}
	opCtx, cancel := context.WithTimeout(ctx, ledger.opTimeout)
	defer cancel()
	account, found, err := handle.GetAccount(opCtx, id)
	if err != nil {
		ledger.conn.MarkFailed()
		ledger.logger.Warn("balance read failed, degrading to cache", zap.String("player", id.String()), zap.Error(err))
		return ledger.degradedBalance(ctx, id)
	}
	if !found {
		// Lazily created on first deposit; report the configured default.
		return ledger.initialSync(ctx)
	}
	ledger.cache.Put(id, account.Balance)
	return account.Balance
}

func (ledger *Ledger) degradedBalance(ctx context.Context, id PlayerID) float64 {
	if stale, ok := ledger.cache.GetStale(id); ok {
		return stale
	}
	return ledger.initialSync(ctx)
}

func (ledger *Ledger) hasBalanceSync(ctx context.Context, id PlayerID, amount float64) bool {
	if balance, ok := ledger.cache.Get(id); ok {
		return balance >= amount
	}
	return ledger.balanceSync(ctx, id) >= amount
}

func (ledger *Ledger) initialSync(ctx context.Context) float64 {
	return ledger.config.floatSync(ctx, ConfigKeyInitialBalance, ledger.initialBalance)
}

func (ledger *Ledger) createAccountSync(ctx context.Context, id PlayerID, name string, initialBalance float64) bool {
	if initialBalance < 0 {
		return false
	}
	handle, ok := ledger.conn.Ensure(ctx)
	if !ok {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, ledger.opTimeout)
	defer cancel()
	created, err := handle.CreateAccount(opCtx, Account{
		ID:           id,
		Name:         name,
		Balance:      initialBalance,
		LastActivity: ledger.nowFn(),
	})
	if err != nil {
		ledger.conn.MarkFailed()
		ledger.logger.Warn("account create failed", zap.String("player", id.String()), zap.Error(err))
		return false
	}
	if created {
		ledger.cache.Put(id, initialBalance)
	}
	return true
}

func (ledger *Ledger) depositSync(ctx context.Context, id PlayerID, rawAmount float64, reason string, kind Kind, writeAudit bool) bool {
	amount, err := NewAmount(rawAmount)
	if err != nil {
		return false
	}
	handle, ok := ledger.conn.Ensure(ctx)
	if !ok {
		return false
	}
	initial := ledger.initialSync(ctx)
	opCtx, cancel := context.WithTimeout(ctx, ledger.opTimeout)
	defer cancel()
	newBalance, err := handle.AddBalance(opCtx, id, "", amount.Float64(), initial, ledger.nowFn())
	if err != nil {
		ledger.conn.MarkFailed()
		ledger.logger.Warn("deposit failed", zap.String("player", id.String()), zap.Float64("amount", amount.Float64()), zap.Error(err))
		return false
	}
	ledger.cache.Put(id, newBalance)
	if writeAudit {
		ledger.recordAudit(ctx, id, nil, kind, amount, reason)
	}
	return true
}

func (ledger *Ledger) withdrawSync(ctx context.Context, id PlayerID, rawAmount float64, reason string, kind Kind, writeAudit bool) bool {
	amount, err := NewAmount(rawAmount)
	if err != nil {
		return false
	}
	if !ledger.hasBalanceSync(ctx, id, amount.Float64()) {
		return false
	}
	handle, ok := ledger.conn.Ensure(ctx)
	if !ok {
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, ledger.opTimeout)
	defer cancel()
	newBalance, matched, err := handle.DeductBalance(opCtx, id, amount.Float64(), ledger.nowFn())
	if err != nil {
		ledger.conn.MarkFailed()
		ledger.logger.Warn("withdraw failed", zap.String("player", id.String()), zap.Float64("amount", amount.Float64()), zap.Error(err))
		return false
	}
	if !matched {
		// Raced to insufficient funds; the conditional decrement did not
		// apply, so there is no mutation to document.
		ledger.cache.Invalidate(id)
		return false
	}
	ledger.cache.Put(id, newBalance)
	if writeAudit {
		ledger.recordAudit(ctx, id, nil, kind, amount, reason)
	}
	return true
}

func (ledger *Ledger) transferSync(ctx context.Context, fromID PlayerID, toID PlayerID, rawAmount float64, reason string, taxRate float64) bool {
	if fromID == toID {
		return false
	}
	amount, err := NewAmount(rawAmount)
	if err != nil {
		return false
	}
	if taxRate < 0 {
		taxRate = 0
	}
	tax := amount.Float64() * taxRate
	total := amount.Float64() + tax

	if !ledger.hasBalanceSync(ctx, fromID, total) {
		return false
	}
	debitReason := fmt.Sprintf("transfer to %s: %s", toID, reason)
	if !ledger.withdrawSync(ctx, fromID, total, debitReason, KindTransfer, false) {
		return false
	}
	creditReason := fmt.Sprintf("transfer from %s: %s", fromID, reason)
	if !ledger.depositSync(ctx, toID, amount.Float64(), creditReason, KindTransfer, false) {
		ledger.compensate(ctx, fromID, toID, total, debitReason)
		return false
	}

	ledger.recordAudit(ctx, fromID, &toID, KindTransfer, amount, reason)
	if tax > 0 {
		if taxAmount, taxErr := NewAmount(tax); taxErr == nil {
			ledger.recordAudit(ctx, fromID, nil, KindTax, taxAmount, "transfer tax")
		}
		if !ledger.config.addFloatSync(ctx, ConfigKeyTaxCollected, tax) {
			ledger.logger.Warn("tax counter update failed", zap.Float64("tax", tax))
		}
	}
	return true
}

// compensate returns total to the source after the credit leg of a transfer
// failed. Best-effort: a failed compensation is an actual loss of funds and
// is escalated for manual reconciliation, never retried automatically.
func (ledger *Ledger) compensate(ctx context.Context, fromID PlayerID, toID PlayerID, total float64, debitReason string) {
	totalAmount, err := NewAmount(total)
	if err != nil {
		return
	}
	ledger.recordAudit(ctx, fromID, &toID, KindWithdraw, totalAmount, debitReason)
	if ledger.depositSync(ctx, fromID, total, "refund of failed transfer", KindDeposit, true) {
		ledger.logOperation(ctx, OperationLog{
			Operation:    operationCompensate,
			Player:       fromID,
			Counterparty: &toID,
			Kind:         KindDeposit,
			Amount:       total,
			Reason:       "refund of failed transfer",
			Success:      true,
		})
		return
	}
	ledger.logger.Error("transfer compensation failed, funds lost pending manual reconciliation",
		zap.String("player", fromID.String()),
		zap.String("counterparty", toID.String()),
		zap.Float64("amount", total),
		zap.Bool("funds_lost", true),
	)
}

func (ledger *Ledger) recordAudit(ctx context.Context, player PlayerID, counterparty *PlayerID, kind Kind, amount Amount, reason string) {
	record, err := NewAuditRecord(player, counterparty, kind, amount, reason, ledger.nowFn())
	if err != nil {
		ledger.logger.Warn("audit record rejected", zap.String("player", player.String()), zap.Error(err))
		return
	}
	ledger.audit.Record(ctx, record)
}

func (ledger *Ledger) logOperation(ctx context.Context, entry OperationLog) {
	if ledger.opLogger == nil {
		return
	}
	ledger.opLogger.LogOperation(ctx, entry)
}
