package server

import (
	"context"
	"errors"
	"time"

	"github.com/guidedflow/guidedflow"
)

// UserRecord represents a stored user account.
type UserRecord struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Name         string          `json:"name,omitempty"`
	Role         guidedflow.Role `json:"role"`
	PasswordHash string          `json:"-"` // Never expose in JSON
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AuthSessionRecord represents an active login session. Distinct from
// SessionRecord, which is a guided flow session.
type AuthSessionRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"-"` // The actual token
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Sentinel errors for auth store operations.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserExists          = errors.New("user already exists")
	ErrAuthSessionNotFound = errors.New("auth session not found")
	ErrAuthSessionExpired  = errors.New("auth session expired")
)

// AuthStore defines the interface for user and login session persistence.
type AuthStore interface {
	// CreateUser adds a new user record.
	CreateUser(ctx context.Context, rec UserRecord) error

	// GetUserByEmail retrieves a user by email address.
	GetUserByEmail(ctx context.Context, email string) (UserRecord, bool, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id string) (UserRecord, bool, error)

	// UpdateUser modifies an existing user record.
	UpdateUser(ctx context.Context, rec UserRecord) error

	// CreateAuthSession creates a new login session for a user.
	CreateAuthSession(ctx context.Context, sess AuthSessionRecord) error

	// GetAuthSessionByToken retrieves a login session by token.
	GetAuthSessionByToken(ctx context.Context, token string) (AuthSessionRecord, bool, error)

	// DeleteAuthSession removes a login session by ID.
	DeleteAuthSession(ctx context.Context, id string) error

	// DeleteUserAuthSessions removes all login sessions for a user.
	DeleteUserAuthSessions(ctx context.Context, userID string) error

	// CleanExpiredAuthSessions removes all expired login sessions.
	CleanExpiredAuthSessions(ctx context.Context) error
}
