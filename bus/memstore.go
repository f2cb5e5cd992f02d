package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/guidedflow/guidedflow"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]guidedflow.Event // sessionID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]guidedflow.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event guidedflow.Event) (guidedflow.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Seq = uint64(len(s.events[event.SessionID])) + 1
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return event, nil
}

func (s *MemEventStore) List(_ context.Context, sessionID string, afterSeq uint64, limit int) ([]guidedflow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []guidedflow.Event
	for _, e := range s.events[sessionID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (s *MemEventStore) CountByAction(_ context.Context) (map[guidedflow.EventAction]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[guidedflow.EventAction]int64)
	for _, events := range s.events {
		for _, e := range events {
			counts[e.Action]++
		}
	}
	return counts, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
