package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// EnsureSetting returns the stored value for key, storing generate() first
// when the key is absent. INSERT OR IGNORE plus a re-read keeps concurrent
// first runs from disagreeing.
func EnsureSetting(ctx context.Context, db DBTX, key string, generate func() (string, error)) (string, error) {
	candidate, err := generate()
	if err != nil {
		return "", fmt.Errorf("generating %s: %w", key, err)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, key, candidate,
	); err != nil {
		return "", fmt.Errorf("storing %s: %w", key, err)
	}

	var value string
	if err := db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value); err != nil {
		return "", fmt.Errorf("querying %s: %w", key, err)
	}
	return value, nil
}

// GetJWTSecret returns the persisted token signing secret, generating one on first use.
func GetJWTSecret(ctx context.Context, db DBTX) (string, error) {
	return EnsureSetting(ctx, db, "jwt_secret", func() (string, error) {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return hex.EncodeToString(buf), nil
	})
}
