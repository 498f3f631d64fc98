package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/erazemk/popis/internal/model"
)

const itemSelect = `SELECT id, audit_session_id, product_code, primary_lot, lots,
        system_quantity, physical_quantity, discrepancy_type, notes,
        pending_deduction, recorded_by, recorded_at
 FROM reconciled_items`

// UpsertReconciledItem records an item, replacing the one with the same
// (session, product, primary lot) key in place.
func UpsertReconciledItem(ctx context.Context, db DBTX, item *model.ReconciledItem) (*model.ReconciledItem, error) {
	lots, err := json.Marshal(item.Lots)
	if err != nil {
		return nil, fmt.Errorf("encoding lots: %w", err)
	}

	var id int64
	err = db.QueryRowContext(ctx,
		`INSERT INTO reconciled_items (audit_session_id, product_code, primary_lot, lots,
		     system_quantity, physical_quantity, discrepancy_type, notes,
		     pending_deduction, recorded_by, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (audit_session_id, product_code, primary_lot) DO UPDATE SET
		     lots              = excluded.lots,
		     system_quantity   = excluded.system_quantity,
		     physical_quantity = excluded.physical_quantity,
		     discrepancy_type  = excluded.discrepancy_type,
		     notes             = excluded.notes,
		     pending_deduction = excluded.pending_deduction,
		     recorded_at       = excluded.recorded_at
		 RETURNING id`,
		item.AuditSessionID, item.ProductCode, item.PrimaryLot, string(lots),
		item.SystemQuantity, item.PhysicalQuantity, item.DiscrepancyType, item.Notes,
		item.PendingDeduction, item.RecordedBy, item.RecordedAt,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("recording item: %w", err)
	}

	return GetReconciledItem(ctx, db, id)
}

// GetReconciledItem returns an item by ID.
func GetReconciledItem(ctx context.Context, db DBTX, id int64) (*model.ReconciledItem, error) {
	item, err := scanReconciledItem(db.QueryRowContext(ctx, itemSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// FindReconciledItem returns the item with the given idempotency key, if any.
func FindReconciledItem(ctx context.Context, db DBTX, sessionID int64, productCode, primaryLot string) (*model.ReconciledItem, error) {
	item, err := scanReconciledItem(db.QueryRowContext(ctx,
		itemSelect+` WHERE audit_session_id = ? AND product_code = ? AND primary_lot = ?`,
		sessionID, productCode, primaryLot,
	))
	if err != nil {
		return nil, fmt.Errorf("finding item: %w", err)
	}
	return item, nil
}

// ListReconciledItems returns a session's items, most recent first. When
// recordedBy is non-nil only that actor's items are returned.
func ListReconciledItems(ctx context.Context, db DBTX, sessionID int64, recordedBy *int64) ([]model.ReconciledItem, error) {
	query := itemSelect + ` WHERE audit_session_id = ?`
	args := []any{sessionID}
	if recordedBy != nil {
		query += ` AND recorded_by = ?`
		args = append(args, *recordedBy)
	}
	query += ` ORDER BY recorded_at DESC, id DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []model.ReconciledItem
	for rows.Next() {
		item, err := scanReconciledItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// DeleteReconciledItem removes a single item.
func DeleteReconciledItem(ctx context.Context, db DBTX, id int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM reconciled_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting item: %w", err)
	}
	return nil
}

func scanReconciledItem(row rowScanner) (*model.ReconciledItem, error) {
	item := &model.ReconciledItem{}
	var lots string
	var notes sql.NullString
	var recordedBy sql.NullInt64
	err := row.Scan(&item.ID, &item.AuditSessionID, &item.ProductCode, &item.PrimaryLot, &lots,
		&item.SystemQuantity, &item.PhysicalQuantity, &item.DiscrepancyType, &notes,
		&item.PendingDeduction, &recordedBy, &item.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(lots), &item.Lots); err != nil {
		return nil, fmt.Errorf("decoding lots of item %d: %w", item.ID, err)
	}
	item.Notes = notes.String
	if recordedBy.Valid {
		item.RecordedBy = &recordedBy.Int64
	}
	return item, nil
}
