// Package sqlite stores users and their roles in a SQLite database using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/sentaku/authserver/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	email         TEXT,
	password_hash BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_username ON users (username COLLATE NOCASE);
CREATE UNIQUE INDEX IF NOT EXISTS users_email ON users (email COLLATE NOCASE) WHERE email IS NOT NULL;

CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	role    TEXT NOT NULL,
	PRIMARY KEY (user_id, role)
);
`

// UserStore implements storage.UserStore on SQLite.
type UserStore struct {
	db         *sql.DB
	bcryptCost int
}

var _ storage.UserStore = (*UserStore)(nil)

// Open opens (creating if needed) the database at dsn and applies the schema.
// dsn is anything modernc.org/sqlite accepts, e.g. "file:users.db" or
// ":memory:".
func Open(ctx context.Context, dsn string) (*UserStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one connection keeps ":memory:" databases coherent and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &UserStore{db: db}, nil
}

// SetBcryptCost changes the cost used by AddUser.
func (s *UserStore) SetBcryptCost(cost int) { s.bcryptCost = cost }

// Close closes the underlying database connection.
func (s *UserStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is usable. Used by health checks.
func (s *UserStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddUser hashes password and inserts u with its roles.
func (s *UserStore) AddUser(ctx context.Context, u storage.User, password string) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("user id and username are required")
	}
	hash, err := storage.HashPassword(password, s.bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var email sql.NullString
	if u.Email != "" {
		email = sql.NullString{String: u.Email, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, email, hash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateUser, u.Username)
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	for _, role := range u.Roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_roles (user_id, role) VALUES (?, ?)`, u.ID, role,
		); err != nil {
			return fmt.Errorf("inserting role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user: %w", err)
	}
	return nil
}

// FindByUsername implements storage.UserStore.
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.findOne(ctx, `username = ? COLLATE NOCASE`, username)
}

// FindByEmail implements storage.UserStore.
func (s *UserStore) FindByEmail(ctx context.Context, email string) (*storage.User, error) {
	if email == "" {
		return nil, storage.ErrUserNotFound
	}
	return s.findOne(ctx, `email = ? COLLATE NOCASE`, email)
}

// FindByID implements storage.UserStore.
func (s *UserStore) FindByID(ctx context.Context, id string) (*storage.User, error) {
	return s.findOne(ctx, `id = ?`, id)
}

// VerifyPassword implements storage.UserStore.
func (s *UserStore) VerifyPassword(ctx context.Context, user *storage.User, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return storage.ComparePassword(user, password)
}

func (s *UserStore) findOne(ctx context.Context, where string, arg string) (*storage.User, error) {
	var (
		u     storage.User
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash FROM users WHERE `+where, arg,
	).Scan(&u.ID, &u.Username, &email, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.Email = email.String

	u.Roles, err = s.roles(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserStore) roles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roles: %w", err)
	}
	return roles, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func rollback(tx *sql.Tx) { _ = tx.Rollback() }
