package economy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oreforge/economy/pkg/async"
)

// DefaultAuditListLimit bounds the reporting read path.
const DefaultAuditListLimit = 50

const maxAuditListLimit = 500

// AuditTrail appends an immutable record for every balance mutation. A
// failed append is logged and the balance change stands; the record is the
// best-effort secondary effect.
type AuditTrail struct {
	conn      *Connector
	pool      *async.Pool
	logger    *zap.Logger
	opTimeout time.Duration
}

// NewAuditTrail wires an AuditTrail.
func NewAuditTrail(conn *Connector, pool *async.Pool, logger *zap.Logger) (*AuditTrail, error) {
	if conn == nil {
		return nil, WrapError("audit", "connector", "missing", ErrInvalidServiceConfig)
	}
	if pool == nil {
		return nil, WrapError("audit", "pool", "missing", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditTrail{
		conn:      conn,
		pool:      pool,
		logger:    logger,
		opTimeout: DefaultConfigTimeout,
	}, nil
}

// Record appends one audit record. Pure append; never updates or deletes.
// Returns false when the append could not be made durable.
func (trail *AuditTrail) Record(ctx context.Context, record AuditRecord) bool {
	handle, ok := trail.conn.Ensure(ctx)
	if !ok {
		trail.logger.Warn("audit append skipped, store unreachable",
			zap.String("player", record.Player.String()),
			zap.String("kind", record.Kind.String()),
			zap.Float64("amount", record.Amount),
		)
		return false
	}
	opCtx, cancel := context.WithTimeout(ctx, trail.opTimeout)
	defer cancel()
	if err := handle.AppendAudit(opCtx, record); err != nil {
		trail.conn.MarkFailed()
		trail.logger.Warn("audit append failed",
			zap.String("player", record.Player.String()),
			zap.String("kind", record.Kind.String()),
			zap.Float64("amount", record.Amount),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Recent returns the newest records for a player, for external reporting
// only; the ledger never reads the trail back.
func (trail *AuditTrail) Recent(id PlayerID, limit int) *async.Future[[]AuditRecord] {
	return async.Submit(trail.pool, func(ctx context.Context) []AuditRecord {
		if limit <= 0 {
			limit = DefaultAuditListLimit
		}
		if limit > maxAuditListLimit {
			limit = maxAuditListLimit
		}
		handle, ok := trail.conn.Ensure(ctx)
		if !ok {
			return []AuditRecord{}
		}
		opCtx, cancel := context.WithTimeout(ctx, trail.opTimeout)
		defer cancel()
		records, err := handle.ListAudit(opCtx, id, limit)
		if err != nil {
			trail.conn.MarkFailed()
			trail.logger.Warn("audit list failed", zap.String("player", id.String()), zap.Error(err))
			return []AuditRecord{}
		}
		return records
	})
}
