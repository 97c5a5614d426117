package httpapi

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BalanceEnvelope returns a resolved balance.
type BalanceEnvelope struct {
	PlayerID string  `json:"player_id"`
	Balance  float64 `json:"balance"`
}

// ExistsEnvelope reports account existence.
type ExistsEnvelope struct {
	PlayerID string `json:"player_id"`
	Exists   bool   `json:"exists"`
}

// ResultEnvelope reports a boolean operation outcome.
type ResultEnvelope struct {
	Success bool `json:"success"`
}

// CreateAccountRequest creates an account explicitly.
type CreateAccountRequest struct {
	PlayerID       string   `json:"player_id" binding:"required"`
	Name           string   `json:"name"`
	InitialBalance *float64 `json:"initial_balance"`
}

// MutationRequest is the body for deposits and withdrawals.
type MutationRequest struct {
	Amount float64 `json:"amount" binding:"required"`
	Reason string  `json:"reason"`
	Kind   string  `json:"kind"`
}

// TransferRequest moves funds between two players.
type TransferRequest struct {
	FromID string  `json:"from_id" binding:"required"`
	ToID   string  `json:"to_id" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
	Reason string  `json:"reason"`
}

// TopEntry is one row of the richest-accounts listing.
type TopEntry struct {
	PlayerID string  `json:"player_id"`
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
}

// TopEnvelope wraps the richest-accounts listing.
type TopEnvelope struct {
	Accounts []TopEntry `json:"accounts"`
}

// AuditEntryPayload is one audit record in the reporting read path.
type AuditEntryPayload struct {
	PlayerID       string  `json:"player_id"`
	CounterpartyID string  `json:"counterparty_id,omitempty"`
	Kind           string  `json:"kind"`
	Amount         float64 `json:"amount"`
	Reason         string  `json:"reason"`
	CreatedUnixUTC int64   `json:"created_unix_utc"`
}

// AuditEnvelope wraps the audit listing.
type AuditEnvelope struct {
	Records []AuditEntryPayload `json:"records"`
}

// InvalidateRequest clears one or all cached balances.
type InvalidateRequest struct {
	PlayerID string `json:"player_id"`
}

// ConfigEnvelope returns a configuration value as a JSON scalar.
type ConfigEnvelope struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
	Found bool        `json:"found"`
}
