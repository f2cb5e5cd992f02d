package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the guide, session,
// escalation, and analytics stores. Useful for tests and ephemeral runs.
type MemoryStore struct {
	mu          sync.RWMutex
	guides      []GuideRecord
	versions    map[string][]GuideVersionRecord // keyed by guide id
	sessions    map[string]SessionRecord
	escalations []EscalationRecord
	rollups     map[string]DailyRollupRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string][]GuideVersionRecord),
		sessions: make(map[string]SessionRecord),
		rollups:  make(map[string]DailyRollupRow),
	}
}

// --- GuideStore ---

func (s *MemoryStore) ListGuides(_ context.Context) ([]GuideRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GuideRecord, len(s.guides))
	copy(out, s.guides)
	return out, nil
}

func (s *MemoryStore) GetGuide(_ context.Context, id string) (GuideRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.guides {
		if rec.ID == id {
			return rec, true, nil
		}
	}
	return GuideRecord{}, false, nil
}

func (s *MemoryStore) CreateGuide(_ context.Context, rec GuideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.guides {
		if existing.ID == rec.ID {
			return ErrGuideExists
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.guides = append(s.guides, rec)
	return nil
}

func (s *MemoryStore) SetCurrentVersion(_ context.Context, guideID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.guides {
		if s.guides[i].ID == guideID {
			s.guides[i].CurrentVersionID = versionID
			return nil
		}
	}
	return ErrGuideNotFound
}

func (s *MemoryStore) CreateVersion(_ context.Context, rec GuideVersionRecord) (GuideVersionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = VersionStatusDraft
	}
	if rec.Version == 0 {
		max := 0
		for _, existing := range s.versions[rec.GuideID] {
			if existing.Version > max {
				max = existing.Version
			}
		}
		rec.Version = max + 1
	}
	s.versions[rec.GuideID] = append(s.versions[rec.GuideID], rec)
	return rec, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, guideID, versionID string) (GuideVersionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.versions[guideID] {
		if rec.ID == versionID {
			return rec, true, nil
		}
	}
	return GuideVersionRecord{}, false, nil
}

// --- SessionStore ---

func (s *MemoryStore) CreateSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok, nil
}

func (s *MemoryStore) SetContext(_ context.Context, id string, kind SessionContextKind, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	switch kind {
	case ContextCustomer:
		rec.CustomerContext = data
	case ContextCRM:
		rec.CRMContext = data
	case ContextAgent:
		rec.AgentContext = data
	default:
		return ErrSessionNotFound
	}
	s.sessions[id] = rec
	return nil
}

func (s *MemoryStore) CompleteSession(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if rec.Completed() {
		return nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()
	rec.CompletedAt = &at
	s.sessions[id] = rec
	return nil
}

func (s *MemoryStore) ListRecentSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountSessions(_ context.Context) (SessionCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := SessionCounts{Total: int64(len(s.sessions))}
	for _, rec := range s.sessions {
		if rec.Completed() {
			counts.Completed++
		}
	}
	return counts, nil
}

// --- EscalationStore ---

func (s *MemoryStore) CreateEscalation(_ context.Context, rec EscalationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.DeliveryStatus == "" {
		rec.DeliveryStatus = DeliveryPending
	}
	s.escalations = append(s.escalations, rec)
	return nil
}

func (s *MemoryStore) GetEscalation(_ context.Context, id string) (EscalationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.escalations {
		if rec.ID == id {
			return rec, true, nil
		}
	}
	return EscalationRecord{}, false, nil
}

func (s *MemoryStore) SetDeliveryStatus(_ context.Context, id string, status DeliveryStatus, deliveryErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.escalations {
		if s.escalations[i].ID == id {
			s.escalations[i].DeliveryStatus = status
			s.escalations[i].DeliveryError = deliveryErr
			return nil
		}
	}
	return ErrEscalationNotFound
}

func (s *MemoryStore) ListRecentEscalations(_ context.Context, limit int) ([]EscalationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EscalationRecord, len(s.escalations))
	copy(out, s.escalations)
	// Stored in insertion order; newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountEscalations(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.escalations)), nil
}

// --- AnalyticsStore ---

func (s *MemoryStore) AggregateDaily(_ context.Context, since time.Time) ([]DailyRollupRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	rollups := make(map[string]*DailyRollupRow)
	day := func(date string) *DailyRollupRow {
		row, ok := rollups[date]
		if !ok {
			row = &DailyRollupRow{Date: date, UpdatedAt: now}
			rollups[date] = row
		}
		return row
	}

	for _, rec := range s.sessions {
		if rec.StartedAt.Before(since) {
			continue
		}
		row := day(rec.StartedAt.UTC().Format("2006-01-02"))
		row.SessionsStarted++
		if rec.Completed() {
			row.SessionsCompleted++
		}
	}
	for _, rec := range s.escalations {
		if rec.CreatedAt.Before(since) {
			continue
		}
		day(rec.CreatedAt.UTC().Format("2006-01-02")).Escalations++
	}

	out := make([]DailyRollupRow, 0, len(rollups))
	for _, row := range rollups {
		out = append(out, *row)
	}
	sortDailyRollups(out)
	return out, nil
}

func (s *MemoryStore) UpsertDailyRollups(_ context.Context, rollups []DailyRollupRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rollups {
		s.rollups[row.Date] = row
	}
	return nil
}

func (s *MemoryStore) ListDailyRollups(_ context.Context, limit int) ([]DailyRollupRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DailyRollupRow, 0, len(s.rollups))
	for _, row := range s.rollups {
		out = append(out, row)
	}
	sortDailyRollups(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ GuideStore      = (*MemoryStore)(nil)
	_ SessionStore    = (*MemoryStore)(nil)
	_ EscalationStore = (*MemoryStore)(nil)
	_ AnalyticsStore  = (*MemoryStore)(nil)
)
