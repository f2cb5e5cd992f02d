package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guidedflow/guidedflow"
)

type contextKey string

const userContextKey contextKey = "user"

func withUser(ctx context.Context, user UserRecord) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

func userFrom(ctx context.Context) (UserRecord, bool) {
	user, ok := ctx.Value(userContextKey).(UserRecord)
	return user, ok
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Guides ---

// CreateGuideRequest is the JSON body for POST /api/guides.
type CreateGuideRequest struct {
	Slug          string   `json:"slug"`
	Title         string   `json:"title"`
	Category      string   `json:"category,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	DefaultLocale string   `json:"default_locale,omitempty"`
}

func (s *Server) handleListGuides(w http.ResponseWriter, r *http.Request) {
	records, err := s.guides.ListGuides(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []GuideRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetGuide(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.guides.GetGuide(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("guide %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreateGuide(w http.ResponseWriter, r *http.Request) {
	var req CreateGuideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	if strings.TrimSpace(req.Slug) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "slug is required")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "title is required")
		return
	}

	createdBy := ""
	if user, ok := userFrom(r.Context()); ok {
		createdBy = user.ID
	}

	locale := req.DefaultLocale
	if locale == "" {
		locale = "en"
	}

	rec := GuideRecord{
		ID:            uuid.New().String(),
		Slug:          req.Slug,
		Title:         req.Title,
		Category:      req.Category,
		Tags:          req.Tags,
		DefaultLocale: locale,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.guides.CreateGuide(r.Context(), rec); err != nil {
		if errors.Is(err, ErrGuideExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("guide %q already exists", rec.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// CreateVersionRequest is the JSON body for POST /api/guides/{id}/versions.
type CreateVersionRequest struct {
	Graph           json.RawMessage `json:"graph"`
	Locales         []string        `json:"locales,omitempty"`
	CRMNoteTemplate string          `json:"crm_note_template,omitempty"`
}

func (s *Server) handleCreateGuideVersion(w http.ResponseWriter, r *http.Request) {
	guideID := r.PathValue("id")

	_, ok, err := s.guides.GetGuide(r.Context(), guideID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("guide %q not found", guideID))
		return
	}

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if len(req.Graph) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "graph is required")
		return
	}

	var graph guidedflow.Graph
	if err := json.Unmarshal(req.Graph, &graph); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", fmt.Sprintf("invalid graph: %v", err))
		return
	}

	// Validate the graph as authored. Unknown step and input types are
	// warnings, not rejections; they normalize to their fallbacks when the
	// stored graph is loaded for a session.
	diags := graph.Validate()
	if guidedflow.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "graph validation failed", diagMessages(diags)...)
		return
	}

	locales := req.Locales
	if len(locales) == 0 {
		locales = []string{"en"}
	}

	rec := GuideVersionRecord{
		ID:              uuid.New().String(),
		GuideID:         guideID,
		Status:          VersionStatusPublished,
		Locales:         locales,
		Graph:           req.Graph,
		CRMNoteTemplate: req.CRMNoteTemplate,
		CreatedAt:       time.Now().UTC(),
	}

	stored, err := s.guides.CreateVersion(r.Context(), rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	// New versions publish immediately; the guide always serves its
	// latest version.
	if err := s.guides.SetCurrentVersion(r.Context(), guideID, stored.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetGuideVersion(w http.ResponseWriter, r *http.Request) {
	guideID := r.PathValue("id")
	versionID := r.PathValue("version_id")

	rec, ok, err := s.guides.GetVersion(r.Context(), guideID, versionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("version %q not found", versionID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Sessions ---

// CreateSessionRequest is the JSON body for POST /api/sessions.
type CreateSessionRequest struct {
	Role           string `json:"role"`
	GuideVersionID string `json:"guide_version_id"`
	Locale         string `json:"locale,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.GuideVersionID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "guide_version_id is required")
		return
	}

	rec := SessionRecord{
		ID:              uuid.New().String(),
		Role:            guidedflow.ParseRole(req.Role),
		GuideVersionID:  req.GuideVersionID,
		Locale:          req.Locale,
		StartedAt:       time.Now().UTC(),
		Progress:        map[string]any{},
		CustomerContext: map[string]any{},
		CRMContext:      map[string]any{},
		AgentContext:    map[string]any{},
	}

	if err := s.sessions.CreateSession(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePatchCustomerContext(w http.ResponseWriter, r *http.Request) {
	s.patchSessionContext(w, r, ContextCustomer)
}

func (s *Server) handlePatchCRMContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.patchSessionContext(w, r, ContextCRM) {
		return
	}

	// CRM submissions feed analytics; record and fan out.
	event := guidedflow.NewEvent(guidedflow.ActionCRMFormSubmitted, id)
	s.recordEvent(r.Context(), event)
}

func (s *Server) handlePatchAgentContext(w http.ResponseWriter, r *http.Request) {
	s.patchSessionContext(w, r, ContextAgent)
}

// patchSessionContext replaces one context map. Reports whether the
// patch was applied and the response written as success.
func (s *Server) patchSessionContext(w http.ResponseWriter, r *http.Request, kind SessionContextKind) bool {
	id := r.PathValue("id")

	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return false
	}

	if err := s.sessions.SetContext(r.Context(), id, kind, data); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id))
			return false
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return false
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	return true
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessions.CompleteSession(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// --- Events ---

func (s *Server) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	var event guidedflow.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(event.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "session_id is required")
		return
	}
	if strings.TrimSpace(string(event.Action)) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "action is required")
		return
	}
	if !guidedflow.KnownEventAction(event.Action) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("unknown event action %q", event.Action))
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	stored, err := s.eventStore.Append(r.Context(), event)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if s.bus != nil {
		s.bus.Publish(stored)
	}

	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	id := r.PathValue("id")
	events, err := s.eventStore.List(r.Context(), id, 0, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if events == nil {
		events = []guidedflow.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// recordEvent appends an event and publishes it, logging failures
// instead of surfacing them; server-side events are best effort.
func (s *Server) recordEvent(ctx context.Context, event guidedflow.Event) {
	if s.eventStore == nil {
		return
	}
	stored, err := s.eventStore.Append(ctx, event)
	if err != nil {
		s.logger.Warn("append event", "action", event.Action, "session_id", event.SessionID, "error", err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(stored)
	}
}

// --- Escalations ---

// CreateEscalationRequest is the JSON body for POST /api/escalations.
type CreateEscalationRequest struct {
	SessionID       string                   `json:"session_id"`
	GuideID         string                   `json:"guide_id,omitempty"`
	StepID          string                   `json:"step_id"`
	Category        string                   `json:"category,omitempty"`
	Message         string                   `json:"message"`
	HistorySnapshot []guidedflow.StepAnswers `json:"history_snapshot,omitempty"`
	Contact         map[string]string        `json:"contact,omitempty"`
}

func (s *Server) handleCreateEscalation(w http.ResponseWriter, r *http.Request) {
	var req CreateEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "session_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "message is required")
		return
	}

	category := req.Category
	if strings.TrimSpace(category) == "" {
		category = "general"
	}

	rec := EscalationRecord{
		Escalation: guidedflow.Escalation{
			ID:              uuid.New().String(),
			SessionID:       req.SessionID,
			GuideID:         req.GuideID,
			StepID:          req.StepID,
			Category:        category,
			Message:         req.Message,
			HistorySnapshot: req.HistorySnapshot,
			Contact:         req.Contact,
			CreatedAt:       time.Now().UTC(),
		},
		DeliveryStatus: DeliveryPending,
	}

	if err := s.escalations.CreateEscalation(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	event := guidedflow.NewEvent(guidedflow.ActionEscalationSubmitted, rec.SessionID).
		WithStep(rec.StepID).
		WithProp("category", rec.Category)
	s.recordEvent(r.Context(), event)

	// Mail delivery is best effort: the escalation stands either way,
	// only the recorded delivery status differs.
	rec = s.deliverEscalation(r.Context(), rec)

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) deliverEscalation(ctx context.Context, rec EscalationRecord) EscalationRecord {
	if s.mailer == nil || !s.mailer.Enabled() {
		return rec
	}

	status := DeliverySent
	deliveryErr := ""
	if err := s.mailer.SendEscalation(ctx, rec); err != nil {
		status = DeliveryFailed
		deliveryErr = err.Error()
		s.logger.Warn("escalation mail delivery failed", "escalation_id", rec.ID, "error", err)
	}

	if err := s.escalations.SetDeliveryStatus(ctx, rec.ID, status, deliveryErr); err != nil {
		s.logger.Warn("persist delivery status", "escalation_id", rec.ID, "error", err)
		return rec
	}
	rec.DeliveryStatus = status
	rec.DeliveryError = deliveryErr
	return rec
}

// --- Analytics ---

// AnalyticsOverview is the response for GET /api/admin/analytics/overview.
type AnalyticsOverview struct {
	TotalSessions     int64   `json:"total_sessions"`
	CompletedSessions int64   `json:"completed_sessions"`
	CompletionRate    float64 `json:"completion_rate"`
	TotalEscalations  int64   `json:"total_escalations"`
	EscalationRate    float64 `json:"escalation_rate"`
}

func (s *Server) handleAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	counts, err := s.sessions.CountSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	escalations, err := s.escalations.CountEscalations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	overview := AnalyticsOverview{
		TotalSessions:     counts.Total,
		CompletedSessions: counts.Completed,
		TotalEscalations:  escalations,
	}
	if counts.Total > 0 {
		overview.CompletionRate = float64(counts.Completed) / float64(counts.Total) * 100
		overview.EscalationRate = float64(escalations) / float64(counts.Total) * 100
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleAnalyticsSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.sessions.ListRecentSessions(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAnalyticsDaily(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "analytics store not configured")
		return
	}
	rollups, err := s.analytics.ListDailyRollups(r.Context(), 90)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if rollups == nil {
		rollups = []DailyRollupRow{}
	}
	writeJSON(w, http.StatusOK, rollups)
}

func diagMessages(diags []guidedflow.Diagnostic) []string {
	out := make([]string, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Message)
	}
	return out
}
