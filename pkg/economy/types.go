package economy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlayerID identifies an account owner by the game server's stable UUID.
type PlayerID struct {
	value uuid.UUID
}

// NewPlayerID parses and validates a player identifier.
func NewPlayerID(raw string) (PlayerID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return PlayerID{}, fmt.Errorf("%w: %v", ErrInvalidPlayerID, err)
	}
	if parsed == uuid.Nil {
		return PlayerID{}, fmt.Errorf("%w: nil uuid", ErrInvalidPlayerID)
	}
	return PlayerID{value: parsed}, nil
}

// PlayerIDFromUUID wraps an already-parsed UUID.
func PlayerIDFromUUID(id uuid.UUID) PlayerID {
	return PlayerID{value: id}
}

// String returns the canonical UUID form.
func (id PlayerID) String() string {
	return id.value.String()
}

// UUID returns the underlying identifier.
func (id PlayerID) UUID() uuid.UUID {
	return id.value
}

// IsZero reports whether the identifier is unset.
func (id PlayerID) IsZero() bool {
	return id.value == uuid.Nil
}

// Amount is a strictly positive, finite money amount.
type Amount float64

// NewAmount validates a mutation amount.
func NewAmount(raw float64) (Amount, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, fmt.Errorf("%w: not finite", ErrInvalidAmount)
	}
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// Float64 returns the raw amount.
func (amount Amount) Float64() float64 {
	return float64(amount)
}

// Kind enumerates audit transaction kinds.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindTransfer Kind = "transfer"
	KindTax      Kind = "tax"
	KindShop     Kind = "shop"
	KindLottery  Kind = "lottery"
	KindAdmin    Kind = "admin"
)

// ParseKind validates a stored kind string.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(raw)
	switch kind {
	case KindDeposit, KindWithdraw, KindTransfer, KindTax, KindShop, KindLottery, KindAdmin:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// String returns the stored representation.
func (kind Kind) String() string {
	return string(kind)
}

// Account is the balance record owned by one player.
type Account struct {
	ID           PlayerID
	Name         string
	Balance      float64
	LastActivity time.Time
}

// AuditRecord is one immutable line in the audit trail.
type AuditRecord struct {
	Player       PlayerID
	Counterparty *PlayerID
	Kind         Kind
	Amount       float64
	Reason       string
	CreatedAt    time.Time
}

// NewAuditRecord validates an audit record before it is appended.
func NewAuditRecord(player PlayerID, counterparty *PlayerID, kind Kind, amount Amount, reason string, createdAt time.Time) (AuditRecord, error) {
	if player.IsZero() {
		return AuditRecord{}, fmt.Errorf("%w: audit record without player", ErrInvalidPlayerID)
	}
	if _, err := ParseKind(kind.String()); err != nil {
		return AuditRecord{}, err
	}
	return AuditRecord{
		Player:       player,
		Counterparty: counterparty,
		Kind:         kind,
		Amount:       amount.Float64(),
		Reason:       reason,
		CreatedAt:    createdAt,
	}, nil
}
