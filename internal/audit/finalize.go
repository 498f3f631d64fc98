package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/events"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
	"github.com/erazemk/popis/internal/trail"
)

// productGroup is every item of one product in a session, in recorded order.
type productGroup struct {
	productCode string
	items       []model.ReconciledItem
}

// productMerge is the outcome of merging one product group.
type productMerge struct {
	lots        int
	failedItems []int64
	deductions  []string
	err         error
}

// finalize merges every item of an open session into the canonical lot store
// and closes the session. Each product is merged in its own transaction and
// each item inside it under a savepoint, so a failing item is rolled back and
// skipped while the rest of the session still merges. Only a session that
// cannot be loaded, has no location, or whose items cannot be read aborts
// the close.
func (s *Service) finalize(ctx context.Context, actor model.Actor, id int64) (*model.AuditSession, error) {
	// Once merging starts it runs to the end, even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	started := time.Now()

	session, err := store.GetAuditSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, newError(KindNotFound, "audit session %d not found", id)
	}
	if !session.IsOpen() {
		return nil, codedError(ErrAlreadyClosed, "audit session %d is already closed", id)
	}
	if session.LocationID == nil {
		return nil, codedError(ErrMissingLocation, "audit session %d has no location", id)
	}
	loc, err := store.GetActiveLocation(ctx, s.db, *session.LocationID)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, codedError(ErrMissingLocation, "location of audit session %d no longer exists", id)
	}

	claimed, err := store.ClaimAuditMerge(ctx, s.db, id, s.clock())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, s.claimConflict(ctx, id)
	}

	items, err := store.ListReconciledItems(ctx, s.db, id, nil)
	if err != nil {
		if _, rerr := store.ReleaseAuditMerge(ctx, s.db, id); rerr != nil {
			s.logger.Error("releasing audit merge", zap.Int64("session_id", id), zap.Error(rerr))
		}
		return nil, fmt.Errorf("loading items of audit session %d: %w", id, err)
	}

	log := s.logger.With(zap.Int64("session_id", id), zap.String("location", loc.Code))
	now := s.clock()

	var (
		merged         []string
		totalLots      int
		failedItems    int
		failedProducts int
	)
	for _, g := range groupByProduct(items) {
		res := s.mergeProduct(ctx, log, loc.ID, g, now)
		failedItems += len(res.failedItems)
		for _, itemID := range res.failedItems {
			s.trail.LogAction(ctx, actor, trail.AuditMergeFailure,
				fmt.Sprintf("item %d of %s was not merged into audit %s", itemID, g.productCode, session.Code),
				"reconciled_items", itemID)
		}
		if res.err != nil {
			failedProducts++
			log.Error("product merge failed", zap.String("product", g.productCode), zap.Error(res.err))
			s.trail.LogAction(ctx, actor, trail.AuditMergeFailure,
				fmt.Sprintf("product %s was not merged into audit %s: %v", g.productCode, session.Code, res.err),
				"audit_sessions", id)
			continue
		}

		totalLots += res.lots
		merged = append(merged, g.productCode)
		for _, note := range res.deductions {
			s.trail.LogAction(ctx, actor, trail.AuditLotDeduction, note, "audit_sessions", id)
		}
	}

	closed, err := store.CloseAuditSession(ctx, s.db, id, s.clock())
	if err != nil {
		return nil, err
	}
	if !closed {
		return nil, codedError(ErrAlreadyClosed, "audit session %d was closed concurrently", id)
	}

	session, err = store.GetAuditSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveMerge(started, totalLots, failedItems, failedProducts)
	s.metrics.Sessions.WithLabelValues("closed").Inc()
	log.Info("audit session closed",
		zap.Int("items", len(items)),
		zap.Int("products", len(merged)),
		zap.Int("lots", totalLots),
		zap.Int("failed_items", failedItems),
		zap.Int("failed_products", failedProducts),
		zap.Duration("took", time.Since(started)),
	)

	s.emitter.Emit(ctx, events.InventoryChanged, map[string]any{
		"location_id":   loc.ID,
		"product_codes": merged,
		"source":        "audit",
		"session_id":    id,
	})
	s.emitter.Emit(ctx, events.SessionClosed, session)
	s.trail.LogAction(ctx, actor, trail.AuditClose,
		fmt.Sprintf("closed audit %q (%s): %d items, %d lots merged, %d items failed",
			session.Name, session.Code, len(items), totalLots, failedItems),
		"audit_sessions", id)

	return session, nil
}

// claimConflict explains why a merge claim on session id was not taken.
func (s *Service) claimConflict(ctx context.Context, id int64) error {
	session, err := store.GetAuditSession(ctx, s.db, id)
	if err != nil {
		return err
	}
	switch {
	case session == nil:
		return newError(KindNotFound, "audit session %d not found", id)
	case !session.IsOpen():
		return codedError(ErrAlreadyClosed, "audit session %d is already closed", id)
	default:
		return codedError(ErrClosing, "audit session %d is already being closed", id)
	}
}

// mergeProduct writes one product's lots and reselects its active lot in a
// single transaction.
func (s *Service) mergeProduct(ctx context.Context, log *zap.Logger, locationID int64, g productGroup, now time.Time) productMerge {
	var res productMerge

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		res.err = fmt.Errorf("beginning transaction: %w", err)
		return res
	}
	defer tx.Rollback()

	for _, item := range g.items {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT merge_item`); err != nil {
			res.err = fmt.Errorf("creating savepoint: %w", err)
			return res
		}

		lots, notes, err := mergeItem(ctx, tx, locationID, item, now)
		if err != nil {
			log.Warn("skipping item",
				zap.Int64("item_id", item.ID),
				zap.String("product", item.ProductCode),
				zap.Error(err),
			)
			res.failedItems = append(res.failedItems, item.ID)
			if _, err := tx.ExecContext(ctx, `ROLLBACK TO merge_item`); err != nil {
				res.err = fmt.Errorf("rolling back item %d: %w", item.ID, err)
				return res
			}
		} else {
			res.lots += lots
			res.deductions = append(res.deductions, notes...)
		}

		if _, err := tx.ExecContext(ctx, `RELEASE merge_item`); err != nil {
			res.err = fmt.Errorf("releasing savepoint: %w", err)
			return res
		}
	}

	chosen, err := store.ReselectActiveLot(ctx, tx, g.productCode, locationID)
	if err != nil {
		res.err = err
		return res
	}
	if err := tx.Commit(); err != nil {
		res.err = fmt.Errorf("committing product %s: %w", g.productCode, err)
		return res
	}

	s.metrics.LotReselections.WithLabelValues("merge").Inc()
	if chosen != nil {
		log.Debug("active lot selected",
			zap.String("product", g.productCode),
			zap.String("lot", chosen.LotNumber),
			zap.String("expiry", chosen.ExpiryDate),
		)
	}
	return res
}

// mergeItem ingests every lot of one item. It returns the number of lots
// written and a trail note for each lot that had rejected units.
func mergeItem(ctx context.Context, tx *sql.Tx, locationID int64, item model.ReconciledItem, now time.Time) (int, []string, error) {
	var (
		written int
		notes   []string
	)
	for _, lot := range item.Lots {
		if lot.LotNumber == "" {
			continue
		}
		qty := lot.RealQuantity()
		if _, err := store.IngestLot(ctx, tx, item.ProductCode, lot.LotNumber, locationID, qty, lot.ExpiryDate, now); err != nil {
			return 0, nil, err
		}
		written++
		if lot.NonconformingQuantity > 0 {
			notes = append(notes, fmt.Sprintf("lot %s of %s: counted %d, deducted %d nonconforming, final %d",
				lot.LotNumber, item.ProductCode, lot.CountedQuantity, lot.NonconformingQuantity, qty))
		}
	}
	return written, notes, nil
}

// groupByProduct groups items per product in first-seen order. Items are
// replayed oldest first so the latest count of a lot wins.
func groupByProduct(items []model.ReconciledItem) []productGroup {
	index := make(map[string]int)
	var groups []productGroup
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		n, ok := index[item.ProductCode]
		if !ok {
			n = len(groups)
			index[item.ProductCode] = n
			groups = append(groups, productGroup{productCode: item.ProductCode})
		}
		groups[n].items = append(groups[n].items, item)
	}
	return groups
}
