package server

import (
	"context"
	"time"

	"github.com/guidedflow/guidedflow"
)

// SessionRecord represents a stored flow session. Context maps are
// replaced wholesale on patch, matching the API's PATCH semantics.
type SessionRecord struct {
	ID             string          `json:"id"`
	Role           guidedflow.Role `json:"role"`
	GuideVersionID string          `json:"guide_version_id"`
	Locale         string          `json:"locale,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Progress mirrors the client's resume state (current step, answers).
	Progress map[string]any `json:"progress,omitempty"`

	CustomerContext map[string]any `json:"customer_context,omitempty"`
	CRMContext      map[string]any `json:"crm_context,omitempty"`
	AgentContext    map[string]any `json:"agent_context,omitempty"`
}

// Completed reports whether the session has reached its end.
func (r SessionRecord) Completed() bool {
	return r.CompletedAt != nil && !r.CompletedAt.IsZero()
}

// SessionContextKind selects which context map a patch targets.
type SessionContextKind string

const (
	ContextCustomer SessionContextKind = "customer"
	ContextCRM      SessionContextKind = "crm"
	ContextAgent    SessionContextKind = "agent"
)

// SessionCounts is an aggregate over all stored sessions.
type SessionCounts struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
}

// SessionStore provides flow session persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, bool, error)

	// SetContext replaces one of the session's context maps.
	SetContext(ctx context.Context, id string, kind SessionContextKind, data map[string]any) error

	// CompleteSession marks the session completed at the given time.
	// Completing an already completed session is a no-op.
	CompleteSession(ctx context.Context, id string, at time.Time) error

	// ListRecentSessions returns sessions newest-first, up to limit.
	ListRecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)

	CountSessions(ctx context.Context) (SessionCounts, error)
}
