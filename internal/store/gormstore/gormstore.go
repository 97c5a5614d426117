package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oreforge/economy/pkg/economy"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectAudit     = "audit"
	errorSubjectConfig    = "config"
	errorCodeAdd          = "add_balance"
	errorCodeAppend       = "append"
	errorCodeCreate       = "create"
	errorCodeDeduct       = "deduct_balance"
	errorCodeGet          = "get"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodePing         = "ping"
	errorCodeSet          = "set"
	errorCodeTop          = "top"

	sqlAddBalance = `
		insert into accounts(player_id, name, balance, last_activity)
		values(?, ?, ?, ?)
		on conflict(player_id) do update set
			balance = accounts.balance + ?,
			name = case when excluded.name <> '' then excluded.name else accounts.name end,
			last_activity = excluded.last_activity
		returning balance
	`

	sqlDeductBalance = `
		update accounts
		set balance = balance - ?, last_activity = ?
		where player_id = ? and balance >= ?
		returning balance
	`
)

// Store implements economy.Store using GORM over postgres or sqlite. Balance
// mutations go through single atomic statements so concurrent deposits and
// withdrawals serialize at the database, not in application code.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping performs the liveness round trip used by the connector.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePing, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodePing, err)
	}
	return nil
}

// GetAccount looks up a single account by player id.
func (store *Store) GetAccount(ctx context.Context, id economy.PlayerID) (economy.Account, bool, error) {
	var row Account
	err := store.db.WithContext(ctx).Where("player_id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return economy.Account{}, false, nil
	}
	if err != nil {
		return economy.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(row)
	if err != nil {
		return economy.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, true, nil
}

// CreateAccount inserts the account when absent and reports whether a row
// was created.
func (store *Store) CreateAccount(ctx context.Context, account economy.Account) (bool, error) {
	row := Account{
		PlayerID:     account.ID.String(),
		Name:         account.Name,
		Balance:      account.Balance,
		LastActivity: account.LastActivity,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "player_id"}}, DoNothing: true}).
		Create(&row)
	if isDuplicateKey(result.Error) {
		return false, nil
	}
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeCreate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// AddBalance is the atomic insert-or-increment upsert behind deposits.
func (store *Store) AddBalance(ctx context.Context, id economy.PlayerID, name string, delta float64, initial float64, at time.Time) (float64, error) {
	var row sqlBalance
	result := store.db.WithContext(ctx).
		Raw(sqlAddBalance, id.String(), name, initial+delta, at, delta).
		Scan(&row)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeAdd, result.Error)
	}
	return row.Balance, nil
}

// DeductBalance is the conditional atomic decrement behind withdrawals. The
// balance guard lives in the statement so two racing withdrawals can never
// both succeed past the available funds.
func (store *Store) DeductBalance(ctx context.Context, id economy.PlayerID, amount float64, at time.Time) (float64, bool, error) {
	var row sqlBalance
	result := store.db.WithContext(ctx).
		Raw(sqlDeductBalance, amount, at, id.String(), amount).
		Scan(&row)
	if result.Error != nil {
		return 0, false, wrapStoreError(errorSubjectAccount, errorCodeDeduct, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, false, nil
	}
	return row.Balance, true, nil
}

// TopAccounts returns the richest accounts, balance descending.
func (store *Store) TopAccounts(ctx context.Context, limit int) ([]economy.Account, error) {
	var rows []Account
	err := store.db.WithContext(ctx).
		Order("balance desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeTop, err)
	}
	accounts := make([]economy.Account, 0, len(rows))
	for _, row := range rows {
		account, mapErr := mapAccount(row)
		if mapErr != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, mapErr)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// AppendAudit inserts one immutable audit row.
func (store *Store) AppendAudit(ctx context.Context, record economy.AuditRecord) error {
	var counterparty *string
	if record.Counterparty != nil {
		value := record.Counterparty.String()
		counterparty = &value
	}
	row := AuditEntry{
		PlayerID:       record.Player.String(),
		CounterpartyID: counterparty,
		Kind:           record.Kind.String(),
		Amount:         record.Amount,
		Reason:         record.Reason,
		CreatedAt:      record.CreatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectAudit, errorCodeAppend, err)
	}
	return nil
}

// ListAudit returns the newest audit rows for a player.
func (store *Store) ListAudit(ctx context.Context, id economy.PlayerID, limit int) ([]economy.AuditRecord, error) {
	var rows []AuditEntry
	err := store.db.WithContext(ctx).
		Where("player_id = ?", id.String()).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	records := make([]economy.AuditRecord, 0, len(rows))
	for _, row := range rows {
		record, mapErr := mapAuditEntry(row)
		if mapErr != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, mapErr)
		}
		records = append(records, record)
	}
	return records, nil
}

// GetConfig loads a configuration value by key.
func (store *Store) GetConfig(ctx context.Context, key string) (economy.Value, bool, error) {
	var row ConfigEntry
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return economy.Value{}, false, nil
	}
	if err != nil {
		return economy.Value{}, false, wrapStoreError(errorSubjectConfig, errorCodeGet, err)
	}
	var value economy.Value
	if err := json.Unmarshal(row.Value, &value); err != nil {
		return economy.Value{}, false, wrapStoreError(errorSubjectConfig, errorCodeInvalid, err)
	}
	return value, true, nil
}

// SetConfig upserts a configuration value.
func (store *Store) SetConfig(ctx context.Context, key string, value economy.Value) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeInvalid, err)
	}
	row := ConfigEntry{Key: key, Value: datatypes.JSON(payload)}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectConfig, errorCodeSet, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapStoreError(subject string, code string, err error) error {
	return economy.WrapError(errorOperationStore, subject, code, err)
}

type sqlBalance struct {
	Balance float64
}

func mapAccount(row Account) (economy.Account, error) {
	playerID, err := economy.NewPlayerID(row.PlayerID)
	if err != nil {
		return economy.Account{}, err
	}
	return economy.Account{
		ID:           playerID,
		Name:         row.Name,
		Balance:      row.Balance,
		LastActivity: row.LastActivity,
	}, nil
}

func mapAuditEntry(row AuditEntry) (economy.AuditRecord, error) {
	playerID, err := economy.NewPlayerID(row.PlayerID)
	if err != nil {
		return economy.AuditRecord{}, err
	}
	kind, err := economy.ParseKind(row.Kind)
	if err != nil {
		return economy.AuditRecord{}, err
	}
	var counterparty *economy.PlayerID
	if row.CounterpartyID != nil {
		parsed, parseErr := economy.NewPlayerID(*row.CounterpartyID)
		if parseErr != nil {
			return economy.AuditRecord{}, parseErr
		}
		counterparty = &parsed
	}
	return economy.AuditRecord{
		Player:       playerID,
		Counterparty: counterparty,
		Kind:         kind,
		Amount:       row.Amount,
		Reason:       row.Reason,
		CreatedAt:    row.CreatedAt,
	}, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
