package bus

import (
	"context"

	"github.com/guidedflow/guidedflow"
)

// EventStore persists flow events for replay and analytics.
type EventStore interface {
	// Append stores an event, assigning its id and per-session sequence
	// number, and returns the stored event.
	Append(ctx context.Context, event guidedflow.Event) (guidedflow.Event, error)

	// List returns events for a session in sequence order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]guidedflow.Event, error)

	// LatestSeq returns the highest Seq for a session (0 if no events).
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)

	// CountByAction returns the number of stored events per action tag,
	// across all sessions.
	CountByAction(ctx context.Context) (map[guidedflow.EventAction]int64, error)
}
