package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/erazemk/popis/internal/model"
)

const auditSelect = `SELECT a.id, a.code, a.name, a.location_id, a.opened_by, a.state,
        a.items_total, a.items_scanned, a.discrepancies, a.created_at, a.closed_at,
        a.merging_at, COALESCE(l.code, ''), COALESCE(l.name, '')
 FROM audit_sessions a
 LEFT JOIN locations l ON l.id = a.location_id`

// CreateAuditSession inserts a new open session. The single-open rule is
// enforced by a partial unique index, so a concurrent second open fails here
// with ErrDuplicate rather than passing a separate existence check.
func CreateAuditSession(ctx context.Context, db DBTX, code, name string, locationID int64, openedBy *int64, createdAt time.Time) (*model.AuditSession, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO audit_sessions (code, name, location_id, opened_by, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		code, name, locationID, openedBy, model.AuditStateOpen, createdAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("creating audit session: %w", ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("creating audit session: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting audit session id: %w", err)
	}

	return GetAuditSession(ctx, db, id)
}

// GetAuditSession returns a session by ID.
func GetAuditSession(ctx context.Context, db DBTX, id int64) (*model.AuditSession, error) {
	s, err := scanAuditSession(db.QueryRowContext(ctx, auditSelect+` WHERE a.id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("getting audit session: %w", err)
	}
	return s, nil
}

// GetOpenAuditSession returns the open session, if any.
func GetOpenAuditSession(ctx context.Context, db DBTX) (*model.AuditSession, error) {
	s, err := scanAuditSession(db.QueryRowContext(ctx,
		auditSelect+` WHERE a.state = ?`, model.AuditStateOpen,
	))
	if err != nil {
		return nil, fmt.Errorf("getting open audit session: %w", err)
	}
	return s, nil
}

// ListAuditSessions returns sessions, most recent first, optionally filtered by state.
func ListAuditSessions(ctx context.Context, db DBTX, state string) ([]model.AuditSession, error) {
	query := auditSelect
	var args []any
	if state != "" {
		query += ` WHERE a.state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY a.created_at DESC, a.id DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.AuditSession
	for rows.Next() {
		s, err := scanAuditSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CloseAuditSession moves an open session to closed. It reports false when
// the session was not open anymore, which makes closing one-shot.
func CloseAuditSession(ctx context.Context, db DBTX, id int64, closedAt time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE audit_sessions SET state = ?, closed_at = ? WHERE id = ? AND state = ?`,
		model.AuditStateClosed, closedAt, id, model.AuditStateOpen,
	)
	if err != nil {
		return false, fmt.Errorf("closing audit session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("closing audit session: %w", err)
	}
	return n == 1, nil
}

// ClaimAuditMerge marks an open session as being merged. Items can no longer
// be added or removed once the claim is taken. It reports false when the
// session is not open or another close already holds the claim.
func ClaimAuditMerge(ctx context.Context, db DBTX, id int64, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE audit_sessions SET merging_at = ?
		 WHERE id = ? AND state = ? AND merging_at IS NULL`,
		at, id, model.AuditStateOpen,
	)
	if err != nil {
		return false, fmt.Errorf("claiming audit merge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming audit merge: %w", err)
	}
	return n == 1, nil
}

// ReleaseAuditMerge drops the merge claim of a session that is still open.
func ReleaseAuditMerge(ctx context.Context, db DBTX, id int64) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE audit_sessions SET merging_at = NULL WHERE id = ? AND state = ?`,
		id, model.AuditStateOpen,
	)
	if err != nil {
		return false, fmt.Errorf("releasing audit merge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("releasing audit merge: %w", err)
	}
	return n == 1, nil
}

// ReleaseAuditMerges drops merge claims left on open sessions by a process
// that stopped mid-close, so the close can be run again. It must only run
// while no close is in progress, i.e. at startup. It returns the number of
// sessions released.
func ReleaseAuditMerges(ctx context.Context, db DBTX) (int, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE audit_sessions SET merging_at = NULL
		 WHERE state = ? AND merging_at IS NOT NULL`,
		model.AuditStateOpen,
	)
	if err != nil {
		return 0, fmt.Errorf("releasing audit merges: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("releasing audit merges: %w", err)
	}
	return int(n), nil
}

// DeleteAuditSession removes a session; its items go with it (ON DELETE CASCADE).
func DeleteAuditSession(ctx context.Context, db DBTX, id int64) (bool, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM audit_sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting audit session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting audit session: %w", err)
	}
	return n == 1, nil
}

// RefreshAuditCounters recomputes a session's counters from its items.
func RefreshAuditCounters(ctx context.Context, db DBTX, id int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE audit_sessions SET
		     items_total   = (SELECT COUNT(*) FROM reconciled_items WHERE audit_session_id = ?1),
		     items_scanned = (SELECT COUNT(*) FROM reconciled_items WHERE audit_session_id = ?1),
		     discrepancies = (SELECT COUNT(*) FROM reconciled_items
		                      WHERE audit_session_id = ?1 AND discrepancy_type != ?2)
		 WHERE id = ?1`,
		id, model.DiscrepancyMatches,
	)
	if err != nil {
		return fmt.Errorf("refreshing audit counters: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditSession(row rowScanner) (*model.AuditSession, error) {
	s := &model.AuditSession{}
	var locationID, openedBy sql.NullInt64
	err := row.Scan(&s.ID, &s.Code, &s.Name, &locationID, &openedBy, &s.State,
		&s.ItemsTotal, &s.ItemsScanned, &s.Discrepancies, &s.CreatedAt, &s.ClosedAt,
		&s.MergingAt, &s.LocationCode, &s.LocationName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if locationID.Valid {
		s.LocationID = &locationID.Int64
	}
	if openedBy.Valid {
		s.OpenedBy = &openedBy.Int64
	}
	return s, nil
}
