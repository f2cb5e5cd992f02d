package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guidedflow/guidedflow"

	_ "modernc.org/sqlite"
)

const eventSQLiteSchema = `
CREATE TABLE IF NOT EXISTS flow_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	action TEXT NOT NULL,
	step_id TEXT,
	time TEXT NOT NULL,
	props TEXT NOT NULL,
	UNIQUE(session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_flow_events_session
ON flow_events(session_id, seq);`

// SQLiteStoreConfig configures the SQLite event store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes events older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteEventStore persists flow events to a SQLite database.
// It satisfies the EventStore interface and supports WAL mode for
// concurrent read access and an optional background pruner goroutine.
type SQLiteEventStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteEventStore opens (or creates) a SQLite event store.
func NewSQLiteEventStore(cfg SQLiteStoreConfig) (*SQLiteEventStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("event sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event sqlite store set WAL mode: %w", err)
	}

	if _, err := db.Exec(eventSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event sqlite store create schema: %w", err)
	}

	s := &SQLiteEventStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}

	return s, nil
}

// Append stores an event, assigning the next per-session sequence number.
func (s *SQLiteEventStore) Append(ctx context.Context, event guidedflow.Event) (guidedflow.Event, error) {
	props := event.Props
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return guidedflow.Event{}, fmt.Errorf("event sqlite store marshal props: %w", err)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return guidedflow.Event{}, fmt.Errorf("event sqlite store begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM flow_events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq); err != nil {
		return guidedflow.Event{}, fmt.Errorf("event sqlite store next seq: %w", err)
	}
	event.Seq = uint64(seq.Int64) + 1 // #nosec G115 -- seq is always non-negative

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flow_events (id, session_id, seq, action, step_id, time, props)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.SessionID,
		event.Seq,
		string(event.Action),
		event.StepID,
		event.Time.UTC().Format(time.RFC3339Nano),
		string(propsJSON),
	); err != nil {
		return guidedflow.Event{}, fmt.Errorf("event sqlite store append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return guidedflow.Event{}, fmt.Errorf("event sqlite store commit: %w", err)
	}
	return event, nil
}

// List returns events for a session, optionally filtered by afterSeq and limit.
func (s *SQLiteEventStore) List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]guidedflow.Event, error) {
	query := `SELECT id, session_id, seq, action, step_id, time, props
	           FROM flow_events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event sqlite store list: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LatestSeq returns the highest Seq for a session (0 if no events).
func (s *SQLiteEventStore) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM flow_events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("event sqlite store latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil // #nosec G115 -- seq is always non-negative
}

// CountByAction returns the number of stored events per action tag.
func (s *SQLiteEventStore) CountByAction(ctx context.Context) (map[guidedflow.EventAction]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM flow_events GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("event sqlite store count by action: %w", err)
	}
	defer rows.Close()

	counts := make(map[guidedflow.EventAction]int64)
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("event sqlite store scan count: %w", err)
		}
		counts[guidedflow.EventAction(action)] = count
	}
	return counts, rows.Err()
}

// Close stops the background pruner and closes the database connection.
func (s *SQLiteEventStore) Close() error {
	select {
	case <-s.stop:
		// Already closed.
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (s *SQLiteEventStore) Prune(ctx context.Context) error {
	if s.cfg.RetentionAge <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_events WHERE time < ?`, cutoff,
	); err != nil {
		return fmt.Errorf("event sqlite store prune by age: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) pruneLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.Prune(context.Background())
		}
	}
}

func scanEvents(rows *sql.Rows) ([]guidedflow.Event, error) {
	var events []guidedflow.Event
	for rows.Next() {
		var (
			id        string
			sessionID string
			seq       int64
			action    string
			stepID    sql.NullString
			timestamp string
			propsRaw  string
		)
		if err := rows.Scan(&id, &sessionID, &seq, &action, &stepID, &timestamp, &propsRaw); err != nil {
			return nil, fmt.Errorf("event sqlite store scan: %w", err)
		}

		at, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return nil, fmt.Errorf("event sqlite store parse time: %w", err)
		}

		var props map[string]any
		if propsRaw != "" {
			if err := json.Unmarshal([]byte(propsRaw), &props); err != nil {
				return nil, fmt.Errorf("event sqlite store unmarshal props: %w", err)
			}
		}

		events = append(events, guidedflow.Event{
			ID:        id,
			SessionID: sessionID,
			Seq:       uint64(seq), // #nosec G115 -- seq is always non-negative
			Action:    guidedflow.EventAction(action),
			StepID:    stepID.String,
			Time:      at,
			Props:     props,
		})
	}
	return events, rows.Err()
}

// Compile-time interface check.
var _ EventStore = (*SQLiteEventStore)(nil)
