package audit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
)

// CountedTotals are the optional quantities a client may send with a
// submission. Missing values are derived: the physical total from the lot
// counts, the system quantity from the canonical store.
type CountedTotals struct {
	SystemQuantity   *int `json:"system_quantity"`
	PhysicalQuantity *int `json:"physical_quantity"`
}

// SubmitInput is one counted product.
type SubmitInput struct {
	SessionID   int64              `json:"session_id" validate:"required,gt=0"`
	ProductCode string             `json:"product_code" validate:"required,max=100"`
	Lots        model.LotBreakdown `json:"lots"`
	Totals      CountedTotals      `json:"totals"`
	Notes       string             `json:"notes" validate:"max=2000"`
	// DiscrepancyType is accepted from older clients and ignored; the type
	// is always derived from the quantities.
	DiscrepancyType string `json:"discrepancy_type,omitempty"`
}

// SubmitItem records a counted product in an open session. Submitting the
// same product and primary lot again replaces the earlier record.
func (s *Service) SubmitItem(ctx context.Context, actor model.Actor, in SubmitInput) (*model.ReconciledItem, error) {
	if err := s.require(ctx, actor, model.CapItemsSubmit); err != nil {
		return nil, err
	}

	in.ProductCode = strings.TrimSpace(in.ProductCode)
	in.Notes = strings.TrimSpace(in.Notes)
	if err := s.validate.Struct(in); err != nil {
		return nil, InvalidFields(err)
	}

	physical := -1
	if in.Totals.PhysicalQuantity != nil {
		physical = max(0, *in.Totals.PhysicalQuantity)
	}
	lots := in.Lots.Normalize(max(0, physical))
	if len(lots) == 0 {
		return nil, codedError(ErrMissingLotNumber, "at least one lot needs a lot number")
	}
	if physical < 0 {
		physical = model.SumCounted(lots)
	}

	elevated := s.authz.Authorize(ctx, actor, model.CapItemsViewAll)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := store.GetAuditSession(ctx, tx, in.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, newError(KindNotFound, "audit session %d not found", in.SessionID)
	}
	if !session.IsOpen() {
		return nil, codedError(ErrAlreadyClosed, "audit session %d is closed", in.SessionID)
	}
	if !session.AcceptsItems() {
		return nil, codedError(ErrClosing, "audit session %d is being closed", in.SessionID)
	}

	system := 0
	if in.Totals.SystemQuantity != nil {
		system = max(0, *in.Totals.SystemQuantity)
	} else if session.LocationID != nil {
		system, err = store.SumOnHand(ctx, tx, in.ProductCode, *session.LocationID)
		if err != nil {
			return nil, err
		}
	}

	primary := lots[0].LotNumber
	existing, err := store.FindReconciledItem(ctx, tx, session.ID, in.ProductCode, primary)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.RecordedByActor(actor) && !elevated {
		return nil, newError(KindForbidden, "item %s/%s was recorded by another operator", in.ProductCode, primary)
	}

	item, err := store.UpsertReconciledItem(ctx, tx, &model.ReconciledItem{
		AuditSessionID:   session.ID,
		ProductCode:      in.ProductCode,
		PrimaryLot:       primary,
		Lots:             lots,
		SystemQuantity:   system,
		PhysicalQuantity: physical,
		DiscrepancyType:  model.ClassifyDiscrepancy(physical, system),
		Notes:            in.Notes,
		PendingDeduction: model.HasNonconforming(lots),
		RecordedBy:       actorRef(actor),
		RecordedAt:       s.clock(),
	})
	if err != nil {
		return nil, err
	}

	if err := store.RefreshAuditCounters(ctx, tx, session.ID); err != nil {
		return nil, err
	}
	session, err = store.GetAuditSession(ctx, tx, session.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing item: %w", err)
	}

	s.logger.Debug("item recorded",
		zap.Int64("session_id", session.ID),
		zap.Int64("item_id", item.ID),
		zap.String("product", item.ProductCode),
		zap.String("discrepancy", item.DiscrepancyType),
		zap.Bool("resubmitted", existing != nil),
	)
	s.metrics.ItemsSubmitted.Inc()
	s.emitSessionUpdated(ctx, session, item.ID)
	if item.PendingDeduction {
		s.emitter.Emit(ctx, events.ItemDeductionPending, map[string]any{
			"session_id":   session.ID,
			"item_id":      item.ID,
			"product_code": item.ProductCode,
			"lots":         item.Lots,
		})
	}

	return item, nil
}

// RemoveItem deletes an item from an open session.
func (s *Service) RemoveItem(ctx context.Context, actor model.Actor, itemID int64) error {
	if err := s.require(ctx, actor, model.CapItemsSubmit); err != nil {
		return err
	}
	elevated := s.authz.Authorize(ctx, actor, model.CapItemsViewAll)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := store.GetReconciledItem(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return newError(KindNotFound, "item %d not found", itemID)
	}

	session, err := store.GetAuditSession(ctx, tx, item.AuditSessionID)
	if err != nil {
		return err
	}
	if session == nil || !session.IsOpen() {
		return newError(KindConflict, "audit session of item %d is closed", itemID)
	}
	if !session.AcceptsItems() {
		return codedError(ErrClosing, "audit session of item %d is being closed", itemID)
	}
	if !item.RecordedByActor(actor) && !elevated {
		return newError(KindForbidden, "item %d was recorded by another operator", itemID)
	}

	if err := store.DeleteReconciledItem(ctx, tx, itemID); err != nil {
		return err
	}
	if err := store.RefreshAuditCounters(ctx, tx, session.ID); err != nil {
		return err
	}
	session, err = store.GetAuditSession(ctx, tx, session.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing item removal: %w", err)
	}

	s.emitSessionUpdated(ctx, session, itemID)
	return nil
}

// ListItems returns a session's items, most recent first. Operators without
// view_all only see their own.
func (s *Service) ListItems(ctx context.Context, actor model.Actor, sessionID int64) ([]model.ReconciledItem, error) {
	var recordedBy *int64
	if !s.authz.Authorize(ctx, actor, model.CapItemsViewAll) {
		id := actor.ID
		recordedBy = &id
	}

	session, err := store.GetAuditSession(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, newError(KindNotFound, "audit session %d not found", sessionID)
	}

	return store.ListReconciledItems(ctx, s.db, sessionID, recordedBy)
}

func (s *Service) emitSessionUpdated(ctx context.Context, session *model.AuditSession, itemID int64) {
	s.emitter.Emit(ctx, events.SessionUpdated, map[string]any{
		"session_id":    session.ID,
		"item_id":       itemID,
		"items_total":   session.ItemsTotal,
		"items_scanned": session.ItemsScanned,
		"discrepancies": session.Discrepancies,
	})
}
