package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/guidedflow/guidedflow"
	"github.com/guidedflow/guidedflow/bus"
	"github.com/guidedflow/guidedflow/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Guides      GuideStore
	Sessions    SessionStore
	Escalations EscalationStore
	Analytics   AnalyticsStore
	AuthStore   AuthStore
	Bus         bus.EventBus
	EventStore  bus.EventStore
	Mailer      Mailer
	CORSOrigin  string
	MaxBody     int64
	Logger      *slog.Logger
}

// Server is the guided flow HTTP API server.
type Server struct {
	guides      GuideStore
	sessions    SessionStore
	escalations EscalationStore
	analytics   AnalyticsStore
	authStore   AuthStore
	bus         bus.EventBus
	eventStore  bus.EventStore
	mailer      Mailer
	corsOrigin  string
	maxBody     int64
	logger      *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		guides:      cfg.Guides,
		sessions:    cfg.Sessions,
		escalations: cfg.Escalations,
		analytics:   cfg.Analytics,
		authStore:   cfg.AuthStore,
		bus:         cfg.Bus,
		eventStore:  cfg.EventStore,
		mailer:      cfg.Mailer,
		corsOrigin:  corsOrigin,
		maxBody:     maxBody,
		logger:      logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Auth routes
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/me", s.handleMe)

	// Guide routes
	mux.HandleFunc("GET /api/guides", s.requireRole(s.handleListGuides, guidedflow.RoleCustomer, guidedflow.RoleAgent, guidedflow.RoleAdmin))
	mux.HandleFunc("POST /api/guides", s.requireRole(s.handleCreateGuide, guidedflow.RoleAdmin))
	mux.HandleFunc("GET /api/guides/{id}", s.requireRole(s.handleGetGuide, guidedflow.RoleCustomer, guidedflow.RoleAgent, guidedflow.RoleAdmin))
	mux.HandleFunc("POST /api/guides/{id}/versions", s.requireRole(s.handleCreateGuideVersion, guidedflow.RoleAdmin))
	mux.HandleFunc("GET /api/guides/{id}/versions/{version_id}", s.requireRole(s.handleGetGuideVersion, guidedflow.RoleCustomer, guidedflow.RoleAgent, guidedflow.RoleAdmin))

	// Session routes
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /api/sessions/{id}/customer-context", s.handlePatchCustomerContext)
	mux.HandleFunc("PATCH /api/sessions/{id}/crm-context", s.requireRole(s.handlePatchCRMContext, guidedflow.RoleAgent, guidedflow.RoleAdmin))
	mux.HandleFunc("PATCH /api/sessions/{id}/agent-context", s.requireRole(s.handlePatchAgentContext, guidedflow.RoleAgent, guidedflow.RoleAdmin))
	mux.HandleFunc("POST /api/sessions/{id}/complete", s.handleCompleteSession)

	// Event routes
	mux.HandleFunc("POST /api/events", s.handleLogEvent)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	if s.eventStore != nil && s.bus != nil {
		mux.Handle("GET /api/sessions/{session_id}/events/stream", sse.NewHandler(s.eventStore, s.bus))
	}

	// Escalation routes
	mux.HandleFunc("POST /api/escalations", s.handleCreateEscalation)

	// Admin analytics routes
	mux.HandleFunc("GET /api/admin/analytics/overview", s.requireRole(s.handleAnalyticsOverview, guidedflow.RoleAdmin))
	mux.HandleFunc("GET /api/admin/analytics/sessions", s.requireRole(s.handleAnalyticsSessions, guidedflow.RoleAdmin))
	mux.HandleFunc("GET /api/admin/analytics/daily", s.requireRole(s.handleAnalyticsDaily, guidedflow.RoleAdmin))
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// currentUser resolves the authenticated user from the request token.
func (s *Server) currentUser(r *http.Request) (UserRecord, bool, error) {
	if s.authStore == nil {
		return UserRecord{}, false, nil
	}
	token := extractSessionToken(r)
	if token == "" {
		return UserRecord{}, false, nil
	}
	sess, ok, err := s.authStore.GetAuthSessionByToken(r.Context(), token)
	if err != nil || !ok {
		return UserRecord{}, false, err
	}
	return s.authStore.GetUserByID(r.Context(), sess.UserID)
}

// requireRole wraps a handler with role enforcement. The request must
// carry a valid token for a user whose role is in the allowed set.
func (s *Server) requireRole(next http.HandlerFunc, roles ...guidedflow.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authStore == nil {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "auth store not configured")
			return
		}

		user, ok, err := s.currentUser(r)
		if err != nil {
			if errors.Is(err, ErrAuthSessionExpired) {
				writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "session has expired")
				return
			}
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}

		for _, role := range roles {
			if user.Role == role {
				next(w, r.WithContext(withUser(r.Context(), user)))
				return
			}
		}
		writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
