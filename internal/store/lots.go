package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/erazemk/popis/internal/model"
)

const lotSelect = `SELECT id, product_code, lot_number, location_id, quantity_on_hand,
        expiry_date, active, last_ingested_at
 FROM canonical_lots`

// IngestLot writes a counted quantity into the canonical store. An existing
// lot gets its quantity, expiry and ingestion time replaced; a new one is
// inserted inactive. Callers must reselect the active lot afterwards.
func IngestLot(ctx context.Context, db DBTX, productCode, lotNumber string, locationID int64, quantity int, expiry string, now time.Time) (*model.CanonicalLot, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO canonical_lots (product_code, lot_number, location_id, quantity_on_hand,
		     expiry_date, active, last_ingested_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (product_code, lot_number, location_id) DO UPDATE SET
		     quantity_on_hand = excluded.quantity_on_hand,
		     expiry_date      = excluded.expiry_date,
		     last_ingested_at = excluded.last_ingested_at
		 RETURNING id`,
		productCode, lotNumber, locationID, quantity, expiry, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("ingesting lot %s/%s: %w", productCode, lotNumber, err)
	}
	return GetCanonicalLot(ctx, db, id)
}

// CreateCanonicalLot inserts a lot entered by hand. It fails with
// ErrDuplicate when the lot already exists at the location.
func CreateCanonicalLot(ctx context.Context, db DBTX, productCode, lotNumber string, locationID int64, quantity int, expiry string, now time.Time) (*model.CanonicalLot, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO canonical_lots (product_code, lot_number, location_id, quantity_on_hand,
		     expiry_date, active, last_ingested_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		productCode, lotNumber, locationID, quantity, expiry, now,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("creating lot %s/%s: %w", productCode, lotNumber, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("creating lot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting lot id: %w", err)
	}
	return GetCanonicalLot(ctx, db, id)
}

// UpdateCanonicalLot replaces a lot's quantity and expiry.
func UpdateCanonicalLot(ctx context.Context, db DBTX, id int64, quantity int, expiry string, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE canonical_lots SET quantity_on_hand = ?, expiry_date = ?, last_ingested_at = ?
		 WHERE id = ?`,
		quantity, expiry, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating lot: %w", err)
	}
	return nil
}

// DeleteCanonicalLot removes a lot.
func DeleteCanonicalLot(ctx context.Context, db DBTX, id int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM canonical_lots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting lot: %w", err)
	}
	return nil
}

// GetCanonicalLot returns a lot by ID.
func GetCanonicalLot(ctx context.Context, db DBTX, id int64) (*model.CanonicalLot, error) {
	lot, err := scanCanonicalLot(db.QueryRowContext(ctx, lotSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting lot: %w", err)
	}
	return lot, nil
}

// ListCanonicalLots returns lots filtered by product and/or location. Empty
// productCode or zero locationID leave that filter off.
func ListCanonicalLots(ctx context.Context, db DBTX, productCode string, locationID int64) ([]model.CanonicalLot, error) {
	query := lotSelect + ` WHERE 1=1`
	var args []any
	if productCode != "" {
		query += ` AND product_code = ?`
		args = append(args, productCode)
	}
	if locationID > 0 {
		query += ` AND location_id = ?`
		args = append(args, locationID)
	}
	query += ` ORDER BY location_id, product_code, lot_number`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing lots: %w", err)
	}
	defer rows.Close()

	var lots []model.CanonicalLot
	for rows.Next() {
		lot, err := scanCanonicalLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lot: %w", err)
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

// SumOnHand returns the recorded quantity of a product at a location.
func SumOnHand(ctx context.Context, db DBTX, productCode string, locationID int64) (int, error) {
	var total int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity_on_hand), 0) FROM canonical_lots
		 WHERE product_code = ? AND location_id = ?`,
		productCode, locationID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing on-hand quantity: %w", err)
	}
	return total, nil
}

// LotPair identifies the scope of one active-lot decision.
type LotPair struct {
	ProductCode string
	LocationID  int64
}

// ListLotPairs returns every (product, location) pair present in the canonical store.
func ListLotPairs(ctx context.Context, db DBTX) ([]LotPair, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT product_code, location_id FROM canonical_lots
		 ORDER BY location_id, product_code`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing lot pairs: %w", err)
	}
	defer rows.Close()

	var pairs []LotPair
	for rows.Next() {
		var p LotPair
		if err := rows.Scan(&p.ProductCode, &p.LocationID); err != nil {
			return nil, fmt.Errorf("scanning lot pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// ReselectActiveLot re-derives the active lot of a product at a location from
// scratch. The lot with the earliest expiry wins (ties: lowest id); when no
// lot has an expiry, the most recently ingested one wins (ties: highest id).
// Every other lot of the pair is deactivated. Run it in the same transaction
// as the write that made it necessary. It returns the chosen lot, or nil when
// the pair has no lots.
func ReselectActiveLot(ctx context.Context, db DBTX, productCode string, locationID int64) (*model.CanonicalLot, error) {
	lots, err := ListCanonicalLots(ctx, db, productCode, locationID)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}

	chosen := pickActiveLot(lots)

	_, err = db.ExecContext(ctx,
		`UPDATE canonical_lots SET active = (id = ?)
		 WHERE product_code = ? AND location_id = ?`,
		chosen.ID, productCode, locationID,
	)
	if err != nil {
		return nil, fmt.Errorf("reselecting active lot for %s: %w", productCode, err)
	}

	chosen.Active = true
	return &chosen, nil
}

// pickActiveLot applies the expiry-first policy to a non-empty lot list.
func pickActiveLot(lots []model.CanonicalLot) model.CanonicalLot {
	var dated []model.CanonicalLot
	for _, l := range lots {
		if l.ExpiryDate != "" {
			dated = append(dated, l)
		}
	}

	if len(dated) > 0 {
		sort.SliceStable(dated, func(i, j int) bool {
			if dated[i].ExpiryDate != dated[j].ExpiryDate {
				return model.ExpiryBefore(dated[i].ExpiryDate, dated[j].ExpiryDate)
			}
			return dated[i].ID < dated[j].ID
		})
		return dated[0]
	}

	undated := append([]model.CanonicalLot(nil), lots...)
	sort.SliceStable(undated, func(i, j int) bool {
		if !undated[i].LastIngestedAt.Equal(undated[j].LastIngestedAt) {
			return undated[i].LastIngestedAt.After(undated[j].LastIngestedAt)
		}
		return undated[i].ID > undated[j].ID
	})
	return undated[0]
}

func scanCanonicalLot(row rowScanner) (*model.CanonicalLot, error) {
	l := &model.CanonicalLot{}
	err := row.Scan(&l.ID, &l.ProductCode, &l.LotNumber, &l.LocationID, &l.QuantityOnHand,
		&l.ExpiryDate, &l.Active, &l.LastIngestedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}
