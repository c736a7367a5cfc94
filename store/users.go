// Package store persists user accounts in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-books-api/models"
)

var (
	// ErrUserExists is returned when the username or email is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL
);
`

// Users is a SQLite-backed user repository.
type Users struct {
	db *sql.DB
}

// OpenUsers opens (creating if needed) the user database at path and
// applies the schema.
func OpenUsers(path string) (*Users, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open user db: %w", err)
	}
	// SQLite handles one writer at a time; more connections just queue
	// on the file lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply user schema: %w", err)
	}
	return &Users{db: db}, nil
}

// Create inserts a new active user. Username and email collisions
// surface as ErrUserExists.
func (u *Users) Create(ctx context.Context, username, email, hashedPassword string) (*models.User, error) {
	var exists int
	err := u.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE username = ? OR email = ?`,
		username, email,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check user uniqueness: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("username %q or email %q: %w", username, email, ErrUserExists)
	}

	now := time.Now().UTC()
	res, err := u.db.ExecContext(ctx,
		`INSERT INTO users (username, email, hashed_password, is_active, created_at)
		 VALUES (?, ?, ?, 1, ?)`,
		username, email, hashedPassword, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted id: %w", err)
	}

	return &models.User{
		ID:             id,
		Username:       username,
		Email:          email,
		HashedPassword: hashedPassword,
		IsActive:       true,
		CreatedAt:      now,
	}, nil
}

// GetByUsername returns the user with the given username.
func (u *Users) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return u.get(ctx, `username = ?`, username)
}

// GetByEmail returns the user with the given email.
func (u *Users) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return u.get(ctx, `email = ?`, email)
}

func (u *Users) get(ctx context.Context, where string, arg any) (*models.User, error) {
	row := u.db.QueryRowContext(ctx,
		`SELECT id, username, email, hashed_password, is_active, created_at
		 FROM users WHERE `+where, arg,
	)

	var user models.User
	var active int
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.HashedPassword, &active, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%v: %w", arg, ErrUserNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.IsActive = active != 0
	return &user, nil
}

// Ping verifies database connectivity.
func (u *Users) Ping(ctx context.Context) error {
	return u.db.PingContext(ctx)
}

// Close releases the database handle.
func (u *Users) Close() error {
	return u.db.Close()
}
