package model

import (
	"fmt"
	"time"
)

// User represents an operator account used by the built-in authorizer and
// credential verifier.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Roles.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// RoleAtLeast checks if role meets or exceeds the minimum required role.
func RoleAtLeast(role, minimum string) bool {
	levels := map[string]int{
		RoleAdmin:   3,
		RoleManager: 2,
		RoleUser:    1,
	}
	r, m := levels[role], levels[minimum]
	return r > 0 && m > 0 && r >= m
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// ValidatePassword checks password length requirements.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

// Actor identifies who performs an operation.
type Actor struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}
