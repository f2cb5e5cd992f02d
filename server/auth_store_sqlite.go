package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guidedflow/guidedflow"

	_ "modernc.org/sqlite"
)

const authSQLiteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT,
	role TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	token TEXT NOT NULL UNIQUE,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_auth_sessions_token ON auth_sessions(token);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_user ON auth_sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_expires ON auth_sessions(expires_at);
`

// AuthSQLiteStore persists user and login session records in SQLite.
type AuthSQLiteStore struct {
	db *sql.DB
}

// NewAuthSQLiteStore creates a new SQLite-backed auth store using an existing database connection.
func NewAuthSQLiteStore(db *sql.DB) (*AuthSQLiteStore, error) {
	if db == nil {
		return nil, errors.New("auth sqlite store: db is nil")
	}

	if _, err := db.Exec(authSQLiteSchema); err != nil {
		return nil, fmt.Errorf("auth sqlite store create schema: %w", err)
	}

	return &AuthSQLiteStore{db: db}, nil
}

// CreateUser adds a new user record.
func (s *AuthSQLiteStore) CreateUser(ctx context.Context, rec UserRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, email, name, role, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Email,
		nullIfEmpty(rec.Name),
		string(rec.Role),
		rec.PasswordHash,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isAuthSQLiteUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("auth sqlite store create user: %w", err)
	}
	return nil
}

// GetUserByEmail retrieves a user by email address.
func (s *AuthSQLiteStore) GetUserByEmail(ctx context.Context, email string) (UserRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, name, role, password_hash, created_at, updated_at
FROM users
WHERE email = ?`, strings.ToLower(email))

	rec, err := scanUserRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRecord{}, false, nil
		}
		return UserRecord{}, false, err
	}
	return rec, true, nil
}

// GetUserByID retrieves a user by ID.
func (s *AuthSQLiteStore) GetUserByID(ctx context.Context, id string) (UserRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, email, name, role, password_hash, created_at, updated_at
FROM users
WHERE id = ?`, id)

	rec, err := scanUserRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserRecord{}, false, nil
		}
		return UserRecord{}, false, err
	}
	return rec, true, nil
}

// UpdateUser modifies an existing user record.
func (s *AuthSQLiteStore) UpdateUser(ctx context.Context, rec UserRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE users
SET email = ?, name = ?, role = ?, password_hash = ?, updated_at = ?
WHERE id = ?`,
		strings.ToLower(rec.Email),
		nullIfEmpty(rec.Name),
		string(rec.Role),
		rec.PasswordHash,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("auth sqlite store update user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("auth sqlite store update user affected rows: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateAuthSession creates a new login session for a user.
func (s *AuthSQLiteStore) CreateAuthSession(ctx context.Context, sess AuthSessionRecord) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_sessions (id, user_id, token, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)`,
		sess.ID,
		sess.UserID,
		sess.Token,
		sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("auth sqlite store create session: %w", err)
	}
	return nil
}

// GetAuthSessionByToken retrieves a login session by token.
func (s *AuthSQLiteStore) GetAuthSessionByToken(ctx context.Context, token string) (AuthSessionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, token, expires_at, created_at
FROM auth_sessions
WHERE token = ?`, token)

	sess, err := scanAuthSessionRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthSessionRecord{}, false, nil
		}
		return AuthSessionRecord{}, false, err
	}

	// Check if session is expired
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		return AuthSessionRecord{}, false, ErrAuthSessionExpired
	}

	return sess, true, nil
}

// DeleteAuthSession removes a login session by ID.
func (s *AuthSQLiteStore) DeleteAuthSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("auth sqlite store delete session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("auth sqlite store delete session affected rows: %w", err)
	}
	if affected == 0 {
		return ErrAuthSessionNotFound
	}
	return nil
}

// DeleteUserAuthSessions removes all login sessions for a user.
func (s *AuthSQLiteStore) DeleteUserAuthSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("auth sqlite store delete user sessions: %w", err)
	}
	return nil
}

// CleanExpiredAuthSessions removes all expired login sessions.
func (s *AuthSQLiteStore) CleanExpiredAuthSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("auth sqlite store clean expired sessions: %w", err)
	}
	return nil
}

// Close is a no-op since we share the database connection.
func (s *AuthSQLiteStore) Close() error {
	return nil
}

func scanUserRecord(scanner recordScanner) (UserRecord, error) {
	var (
		id           string
		email        string
		name         sql.NullString
		role         string
		passwordHash string
		createdAt    string
		updatedAt    string
	)
	if err := scanner.Scan(&id, &email, &name, &role, &passwordHash, &createdAt, &updatedAt); err != nil {
		return UserRecord{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return UserRecord{}, fmt.Errorf("auth sqlite store parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return UserRecord{}, fmt.Errorf("auth sqlite store parse updated_at: %w", err)
	}

	return UserRecord{
		ID:           id,
		Email:        email,
		Name:         name.String,
		Role:         guidedflow.Role(role),
		PasswordHash: passwordHash,
		CreatedAt:    created,
		UpdatedAt:    updated,
	}, nil
}

func scanAuthSessionRecord(scanner recordScanner) (AuthSessionRecord, error) {
	var (
		id        string
		userID    string
		token     string
		expiresAt string
		createdAt string
	)
	if err := scanner.Scan(&id, &userID, &token, &expiresAt, &createdAt); err != nil {
		return AuthSessionRecord{}, err
	}

	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return AuthSessionRecord{}, fmt.Errorf("auth sqlite store parse expires_at: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return AuthSessionRecord{}, fmt.Errorf("auth sqlite store parse created_at: %w", err)
	}

	return AuthSessionRecord{
		ID:        id,
		UserID:    userID,
		Token:     token,
		ExpiresAt: expires,
		CreatedAt: created,
	}, nil
}

func isAuthSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed: users.id") ||
		strings.Contains(msg, "UNIQUE constraint failed: users.email")
}

var _ AuthStore = (*AuthSQLiteStore)(nil)
