package store

import (
	"context"
	"testing"

	"github.com/erazemk/popis/internal/db"
)

func TestGetJWTSecret_GeneratesAndPersists(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	secret1, err := GetJWTSecret(ctx, database)
	if err != nil {
		t.Fatal(err)
	}
	if len(secret1) != 64 { // 32 bytes = 64 hex chars
		t.Fatalf("expected 64 hex chars, got %d", len(secret1))
	}

	secret2, err := GetJWTSecret(ctx, database)
	if err != nil {
		t.Fatal(err)
	}
	if secret1 != secret2 {
		t.Fatalf("expected same secret, got %q and %q", secret1, secret2)
	}
}

func TestEnsureSettingKeepsFirstValue(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	first, err := EnsureSetting(ctx, database, "node", func() (string, error) { return "1", nil })
	if err != nil {
		t.Fatal(err)
	}
	second, err := EnsureSetting(ctx, database, "node", func() (string, error) { return "2", nil })
	if err != nil {
		t.Fatal(err)
	}
	if first != "1" || second != "1" {
		t.Errorf("expected both reads to return 1, got %q and %q", first, second)
	}
}
