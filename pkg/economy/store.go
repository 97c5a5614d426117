package economy

import (
	"context"
	"time"
)

// Store is the persistence contract consumed by the ledger, the audit trail,
// and the configuration store. Balance mutations are atomic at this layer:
// AddBalance is an insert-or-increment upsert and DeductBalance a conditional
// decrement, so two racing callers can never both observe a pre-mutation
// balance and overwrite each other.
type Store interface {
	// Ping is the liveness round trip used by the connector.
	Ping(ctx context.Context) error

	GetAccount(ctx context.Context, id PlayerID) (Account, bool, error)
	// CreateAccount inserts the account if absent and reports whether a row
	// was created; an existing account is left untouched.
	CreateAccount(ctx context.Context, account Account) (bool, error)
	// AddBalance increments the balance by delta, creating the account with
	// initial+delta when absent, and returns the new balance. A non-empty
	// name refreshes the stored display name.
	AddBalance(ctx context.Context, id PlayerID, name string, delta float64, initial float64, at time.Time) (float64, error)
	// DeductBalance decrements the balance by amount only when the stored
	// balance covers it, returning the new balance and whether a row matched.
	DeductBalance(ctx context.Context, id PlayerID, amount float64, at time.Time) (float64, bool, error)
	TopAccounts(ctx context.Context, limit int) ([]Account, error)

	AppendAudit(ctx context.Context, record AuditRecord) error
	ListAudit(ctx context.Context, id PlayerID, limit int) ([]AuditRecord, error)

	GetConfig(ctx context.Context, key string) (Value, bool, error)
	SetConfig(ctx context.Context, key string, value Value) error

	Close() error
}

// Dialer opens a fresh store handle. The connector owns the handle's
// lifecycle and closes it on disconnect.
type Dialer interface {
	Dial(ctx context.Context) (Store, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Store, error)

// Dial implements Dialer.
func (dial DialerFunc) Dial(ctx context.Context) (Store, error) {
	return dial(ctx)
}
