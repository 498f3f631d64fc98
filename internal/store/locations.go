package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/popis/internal/model"
)

const locationColumns = `id, code, name, created_at, deleted_at`

// CreateLocation creates a new location. Codes are unique among live locations.
func CreateLocation(ctx context.Context, db DBTX, code, name string) (*model.Location, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO locations (code, name) VALUES (?, ?)`,
		code, name,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("creating location %q: %w", code, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("creating location: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting location id: %w", err)
	}

	return GetLocation(ctx, db, id)
}

// GetLocation returns a location by ID, including soft-deleted ones.
func GetLocation(ctx context.Context, db DBTX, id int64) (*model.Location, error) {
	l := &model.Location{}
	err := db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE id = ?`, id,
	).Scan(&l.ID, &l.Code, &l.Name, &l.CreatedAt, &l.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting location: %w", err)
	}
	return l, nil
}

// GetActiveLocation returns a live location by ID, or nil when it is unknown or deleted.
func GetActiveLocation(ctx context.Context, db DBTX, id int64) (*model.Location, error) {
	l, err := GetLocation(ctx, db, id)
	if err != nil || l == nil || l.DeletedAt != nil {
		return nil, err
	}
	return l, nil
}

// ListLocations returns all non-deleted locations.
func ListLocations(ctx context.Context, db DBTX) ([]model.Location, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE deleted_at IS NULL ORDER BY code`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing locations: %w", err)
	}
	defer rows.Close()

	var locations []model.Location
	for rows.Next() {
		var l model.Location
		if err := rows.Scan(&l.ID, &l.Code, &l.Name, &l.CreatedAt, &l.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning location: %w", err)
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// DeleteLocation soft-deletes a location. Its lots and past audits are kept.
func DeleteLocation(ctx context.Context, db DBTX, id int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE locations SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deleting location: %w", err)
	}
	return nil
}
