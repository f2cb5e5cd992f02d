package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/guidedflow/guidedflow"
)

const (
	// SessionDuration defines how long a login session is valid.
	SessionDuration = 7 * 24 * time.Hour // 7 days

	// AuthCookieName is the name of the session cookie.
	AuthCookieName = "guidedflow_session"
)

// LoginRequest is the JSON body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/auth/login.
type LoginResponse struct {
	User  *UserResponse `json:"user"`
	Token string        `json:"token"`
}

// UserResponse is the public user data returned in auth responses.
type UserResponse struct {
	ID        string          `json:"id"`
	Email     string          `json:"email"`
	Name      string          `json:"name,omitempty"`
	Role      guidedflow.Role `json:"role"`
	CreatedAt time.Time       `json:"created_at"`
}

// RegisterRequest is the JSON body for POST /api/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// handleLogin authenticates a user and creates a login session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.authStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "auth store not configured")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	// Validate required fields
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "password is required")
		return
	}

	// Get user by email
	user, ok, err := s.authStore.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
		return
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
		return
	}

	// Generate session token
	token, err := generateSessionToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to generate session token")
		return
	}

	// Create session
	now := time.Now().UTC()
	sess := AuthSessionRecord{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: now.Add(SessionDuration),
		CreatedAt: now,
	}

	if err := s.authStore.CreateAuthSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	setSessionCookie(w, token, sess.ExpiresAt)

	writeJSON(w, http.StatusOK, LoginResponse{
		User:  publicUser(user),
		Token: token,
	})
}

// handleLogout invalidates the current login session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.authStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "auth store not configured")
		return
	}

	token := extractSessionToken(r)
	if token == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sess, ok, err := s.authStore.GetAuthSessionByToken(r.Context(), token)
	if err != nil && !errors.Is(err, ErrAuthSessionExpired) {
		s.logger.Warn("logout session lookup failed", "error", err)
	}

	if ok {
		if err := s.authStore.DeleteAuthSession(r.Context(), sess.ID); err != nil {
			s.logger.Warn("logout session delete failed", "error", err)
		}
	}

	// Clear cookie
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the current authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if s.authStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "auth store not configured")
		return
	}

	token := extractSessionToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no session token provided")
		return
	}

	sess, ok, err := s.authStore.GetAuthSessionByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrAuthSessionExpired) {
			writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "session has expired")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session token")
		return
	}

	user, ok, err := s.authStore.GetUserByID(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user not found")
		return
	}

	writeJSON(w, http.StatusOK, *publicUser(user))
}

// handleRegister creates a new user account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.authStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "auth store not configured")
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	// Validate required fields
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "password is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "password must be at least 8 characters")
		return
	}

	// Check if user exists
	_, exists, err := s.authStore.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "USER_EXISTS", "a user with this email already exists")
		return
	}

	// Hash password
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "HASH_ERROR", "failed to hash password")
		return
	}

	// Self-registration defaults to agent, matching the original intake
	// flow; customers never register.
	role := guidedflow.RoleAgent
	if req.Role != "" {
		role = guidedflow.ParseRole(req.Role)
	}

	// Create user
	now := time.Now().UTC()
	user := UserRecord{
		ID:           uuid.New().String(),
		Email:        strings.ToLower(req.Email),
		Name:         req.Name,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.authStore.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusConflict, "USER_EXISTS", "a user with this email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	// Generate session token
	token, err := generateSessionToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_ERROR", "failed to generate session token")
		return
	}

	// Create session
	sess := AuthSessionRecord{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: now.Add(SessionDuration),
		CreatedAt: now,
	}

	if err := s.authStore.CreateAuthSession(r.Context(), sess); err != nil {
		s.logger.Warn("failed to create session after registration", "user_id", user.ID, "error", err)
	}

	setSessionCookie(w, token, sess.ExpiresAt)

	writeJSON(w, http.StatusCreated, LoginResponse{
		User:  publicUser(user),
		Token: token,
	})
}

func publicUser(user UserRecord) *UserResponse {
	return &UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
	}
}

func setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// extractSessionToken extracts the session token from the request.
// It checks the Authorization header first, then the cookie.
func extractSessionToken(r *http.Request) string {
	// Check Authorization header (Bearer token)
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	// Check cookie
	cookie, err := r.Cookie(AuthCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	return ""
}

// generateSessionToken creates a cryptographically secure random token.
func generateSessionToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
