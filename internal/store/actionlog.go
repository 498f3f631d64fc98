package store

import (
	"context"
	"fmt"
	"time"
)

// ActionLogEntry is one immutable row of the action trail.
type ActionLogEntry struct {
	ID          int64     `json:"id"`
	ActorID     *int64    `json:"actor_id,omitempty"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	TableName   string    `json:"table_name"`
	RecordID    *int64    `json:"record_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendActionLog appends an entry to the action trail.
func AppendActionLog(ctx context.Context, db DBTX, actorID *int64, action, description, table string, recordID *int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO action_log (actor_id, action, description, table_name, record_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		actorID, action, description, table, recordID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending action log: %w", err)
	}
	return nil
}

// ListActionLog returns trail entries for a table (and record, when recordID > 0), oldest first.
func ListActionLog(ctx context.Context, db DBTX, table string, recordID int64) ([]ActionLogEntry, error) {
	query := `SELECT id, actor_id, action, description, table_name, record_id, created_at
	          FROM action_log WHERE table_name = ?`
	args := []any{table}
	if recordID > 0 {
		query += ` AND record_id = ?`
		args = append(args, recordID)
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing action log: %w", err)
	}
	defer rows.Close()

	var entries []ActionLogEntry
	for rows.Next() {
		var e ActionLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Description, &e.TableName, &e.RecordID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning action log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
