package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erazemk/popis/internal/model"
)

const userColumns = `id, username, password_hash, role, created_at, deleted_at`

// CreateUser creates a new user.
func CreateUser(ctx context.Context, db DBTX, username, passwordHash, role string) (*model.User, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`,
		username, passwordHash, role,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("creating user %q: %w", username, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting user id: %w", err)
	}

	return GetUser(ctx, db, id)
}

// GetUser returns a user by ID, including soft-deleted ones.
func GetUser(ctx context.Context, db DBTX, id int64) (*model.User, error) {
	return scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id,
	))
}

// GetUserByUsername returns the live user with the given username.
func GetUserByUsername(ctx context.Context, db DBTX, username string) (*model.User, error) {
	return scanUser(db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ? AND deleted_at IS NULL`, username,
	))
}

// DeleteUser soft-deletes a user.
func DeleteUser(ctx context.Context, db DBTX, id int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE users SET deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}
