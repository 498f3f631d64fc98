// Package trail records user-visible actions in the action log.
package trail

import (
	"context"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
)

// Action kinds.
const (
	AuditOpen         = "audit_open"
	AuditClose        = "audit_close"
	AuditDelete       = "audit_delete"
	AuditLotDeduction = "audit_lot_deduction"
	AuditMergeFailure = "audit_merge_failure"
	LotCreate         = "lot_create"
	LotUpdate         = "lot_update"
	LotDelete         = "lot_delete"
	LotReselect       = "lot_reselect"
)

// Store appends actions to the action_log table. A failed write is logged
// and otherwise ignored.
type Store struct {
	db     store.DBTX
	logger *zap.Logger
}

// NewStore creates a trail writer.
func NewStore(db store.DBTX, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// LogAction records one action. A zero actor ID or record ID is stored as NULL.
func (s *Store) LogAction(ctx context.Context, actor model.Actor, kind, description, table string, recordID int64) {
	var actorID, record *int64
	if actor.ID > 0 {
		actorID = &actor.ID
	}
	if recordID > 0 {
		record = &recordID
	}

	if err := store.AppendActionLog(ctx, s.db, actorID, kind, description, table, record); err != nil {
		s.logger.Warn("writing action log",
			zap.String("action", kind),
			zap.String("table", table),
			zap.Int64("record_id", recordID),
			zap.Error(err),
		)
	}
}
