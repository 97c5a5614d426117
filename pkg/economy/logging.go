package economy

import (
	"context"

	"go.uber.org/zap"
)

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one ledger operation and its outcome.
type OperationLog struct {
	Operation    string
	Player       PlayerID
	Counterparty *PlayerID
	Kind         Kind
	Amount       float64
	Reason       string
	Success      bool
}

const (
	operationDeposit    = "deposit"
	operationWithdraw   = "withdraw"
	operationTransfer   = "transfer"
	operationCreate     = "create_account"
	operationCompensate = "compensate"
)

// ZapOperationLogger forwards operation logs to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("player", entry.Player.String()),
		zap.String("kind", entry.Kind.String()),
		zap.Float64("amount", entry.Amount),
		zap.String("reason", entry.Reason),
		zap.Bool("success", entry.Success),
	}
	if entry.Counterparty != nil {
		fields = append(fields, zap.String("counterparty", entry.Counterparty.String()))
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
