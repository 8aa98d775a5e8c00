package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserNotFound is returned when no user matches a lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidPassword is returned when a password does not match.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrDuplicateUser is returned when a username or email is already taken.
	ErrDuplicateUser = errors.New("user already exists")
)

// User is an account that can sign in.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash []byte
	Roles        []string
}

// UserStore looks up users and verifies their passwords. Lookups by
// username and email are case-insensitive.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)

	// VerifyPassword returns ErrInvalidPassword on a mismatch. Other errors
	// mean the store could not answer.
	VerifyPassword(ctx context.Context, user *User, password string) error
}

// ConsumedCodeStore remembers authorization codes that have already been
// exchanged. Only used when single-use codes are enabled.
type ConsumedCodeStore interface {
	// MarkConsumed records key for ttl and reports whether it was already
	// recorded. The check and the write are atomic.
	MarkConsumed(ctx context.Context, key string, ttl time.Duration) (alreadyConsumed bool, err error)
}

// CodeKey derives the consumed-code key for a sealed code, so stores never
// hold a usable code.
func CodeKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// dummyHash is compared against when the user has no hash so that a missing
// account costs the same as a wrong password.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// ComparePassword checks password against user's bcrypt hash.
func ComparePassword(user *User, password string) error {
	hash := dummyHash
	if user != nil && len(user.PasswordHash) > 0 {
		hash = user.PasswordHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if user == nil || len(user.PasswordHash) == 0 || err != nil {
		return ErrInvalidPassword
	}
	return nil
}
