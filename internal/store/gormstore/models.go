package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	PlayerID     string    `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null;default:''"`
	Balance      float64   `gorm:"not null;default:0;index:idx_accounts_balance"`
	LastActivity time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// AuditEntry mirrors the append-only audit table.
type AuditEntry struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	PlayerID       string    `gorm:"type:uuid;not null;index:idx_audit_player_created,priority:1"`
	CounterpartyID *string   `gorm:"type:uuid"`
	Kind           string    `gorm:"size:16;not null"`
	Amount         float64   `gorm:"not null"`
	Reason         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null;index:idx_audit_player_created,priority:2"`
}

func (AuditEntry) TableName() string { return "audit" }

// ConfigEntry mirrors the config table.
type ConfigEntry struct {
	Key   string         `gorm:"primaryKey;size:64"`
	Value datatypes.JSON `gorm:"not null"`
}

func (ConfigEntry) TableName() string { return "config" }
