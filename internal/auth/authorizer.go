package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
)

// RoleAuthorizer grants capabilities from the operator's current role. The
// role is read on every call so that a demotion takes effect immediately.
type RoleAuthorizer struct {
	db     store.DBTX
	logger *zap.Logger
}

// NewRoleAuthorizer creates an authorizer backed by the users table.
func NewRoleAuthorizer(db store.DBTX, logger *zap.Logger) *RoleAuthorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleAuthorizer{db: db, logger: logger}
}

// Authorize reports whether actor may use capability. Lookup failures and
// deleted users are denied.
func (a *RoleAuthorizer) Authorize(ctx context.Context, actor model.Actor, capability string) bool {
	user, err := store.GetUser(ctx, a.db, actor.ID)
	if err != nil {
		a.logger.Error("authorization lookup failed",
			zap.Int64("user_id", actor.ID),
			zap.String("capability", capability),
			zap.Error(err),
		)
		return false
	}
	if user == nil || user.DeletedAt != nil {
		return false
	}
	return model.RoleHasCapability(user.Role, capability)
}

// PasswordVerifier checks a secret against the operator's stored bcrypt hash.
type PasswordVerifier struct {
	db store.DBTX
}

// NewPasswordVerifier creates a verifier backed by the users table.
func NewPasswordVerifier(db store.DBTX) *PasswordVerifier {
	return &PasswordVerifier{db: db}
}

// VerifyCredential reports whether secret is the actor's password.
func (v *PasswordVerifier) VerifyCredential(ctx context.Context, actor model.Actor, secret string) bool {
	if secret == "" {
		return false
	}
	user, err := store.GetUser(ctx, v.db, actor.ID)
	if err != nil || user == nil || user.DeletedAt != nil {
		return false
	}
	return CheckPassword(user.PasswordHash, secret)
}

// HashPassword hashes a password with bcrypt's default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
