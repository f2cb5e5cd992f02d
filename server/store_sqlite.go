package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guidedflow/guidedflow"

	_ "modernc.org/sqlite"
)

const guideSQLiteSchema = `
CREATE TABLE IF NOT EXISTS guides (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL,
	title TEXT NOT NULL,
	category TEXT,
	tags TEXT,
	current_version_id TEXT,
	default_locale TEXT,
	created_by TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_guides_slug ON guides(slug);

CREATE TABLE IF NOT EXISTS guide_versions (
	id TEXT PRIMARY KEY,
	guide_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	locales TEXT,
	graph BLOB NOT NULL,
	crm_note_template TEXT,
	created_at TEXT NOT NULL,
	UNIQUE(guide_id, version),
	FOREIGN KEY(guide_id) REFERENCES guides(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_guide_versions_guide ON guide_versions(guide_id);

CREATE TABLE IF NOT EXISTS flow_sessions (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	guide_version_id TEXT NOT NULL,
	locale TEXT,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	progress BLOB,
	customer_context BLOB,
	crm_context BLOB,
	agent_context BLOB
);

CREATE INDEX IF NOT EXISTS idx_flow_sessions_started ON flow_sessions(started_at);

CREATE TABLE IF NOT EXISTS escalations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	guide_id TEXT,
	step_id TEXT NOT NULL,
	category TEXT NOT NULL,
	message TEXT NOT NULL,
	history_snapshot BLOB,
	contact BLOB,
	delivery_status TEXT NOT NULL,
	delivery_error TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escalations_session ON escalations(session_id);

CREATE TABLE IF NOT EXISTS analytics_daily (
	date TEXT PRIMARY KEY,
	sessions_started INTEGER NOT NULL DEFAULT 0,
	sessions_completed INTEGER NOT NULL DEFAULT 0,
	escalations INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);`

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists guides, sessions, escalations, and analytics
// rollups in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite-backed store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store enable foreign keys: %w", err)
	}

	if _, err := db.Exec(guideSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// --- GuideStore ---

func (s *SQLiteStore) ListGuides(ctx context.Context) ([]GuideRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, slug, title, category, tags, current_version_id, default_locale, created_by, created_at
FROM guides
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list guides: %w", err)
	}
	defer rows.Close()

	var records []GuideRecord
	for rows.Next() {
		rec, err := scanGuideRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list guides rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) GetGuide(ctx context.Context, id string) (GuideRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, slug, title, category, tags, current_version_id, default_locale, created_by, created_at
FROM guides
WHERE id = ?`, id)

	rec, err := scanGuideRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GuideRecord{}, false, nil
		}
		return GuideRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) CreateGuide(ctx context.Context, rec GuideRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tags, err := marshalStringList(rec.Tags)
	if err != nil {
		return fmt.Errorf("sqlite store marshal guide tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO guides (id, slug, title, category, tags, current_version_id, default_locale, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Slug,
		rec.Title,
		nullIfEmpty(rec.Category),
		tags,
		nullIfEmpty(rec.CurrentVersionID),
		nullIfEmpty(rec.DefaultLocale),
		nullIfEmpty(rec.CreatedBy),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err, "guides.id") {
			return ErrGuideExists
		}
		return fmt.Errorf("sqlite store create guide: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetCurrentVersion(ctx context.Context, guideID, versionID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE guides SET current_version_id = ? WHERE id = ?`, versionID, guideID)
	if err != nil {
		return fmt.Errorf("sqlite store set current version: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store set current version affected rows: %w", err)
	}
	if affected == 0 {
		return ErrGuideNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateVersion(ctx context.Context, rec GuideVersionRecord) (GuideVersionRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = VersionStatusDraft
	}

	locales, err := marshalStringList(rec.Locales)
	if err != nil {
		return GuideVersionRecord{}, fmt.Errorf("sqlite store marshal version locales: %w", err)
	}
	graph := rec.Graph
	if len(graph) == 0 {
		graph = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GuideVersionRecord{}, fmt.Errorf("sqlite store create version begin: %w", err)
	}
	defer tx.Rollback()

	if rec.Version == 0 {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
SELECT MAX(version) FROM guide_versions WHERE guide_id = ?`, rec.GuideID).Scan(&max); err != nil {
			return GuideVersionRecord{}, fmt.Errorf("sqlite store next version number: %w", err)
		}
		rec.Version = int(max.Int64) + 1
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO guide_versions (id, guide_id, version, status, locales, graph, crm_note_template, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.GuideID,
		rec.Version,
		rec.Status,
		locales,
		[]byte(graph),
		nullIfEmpty(rec.CRMNoteTemplate),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return GuideVersionRecord{}, fmt.Errorf("sqlite store create version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return GuideVersionRecord{}, fmt.Errorf("sqlite store create version commit: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, guideID, versionID string) (GuideVersionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, guide_id, version, status, locales, graph, crm_note_template, created_at
FROM guide_versions
WHERE guide_id = ? AND id = ?`, guideID, versionID)

	rec, err := scanGuideVersionRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GuideVersionRecord{}, false, nil
		}
		return GuideVersionRecord{}, false, err
	}
	return rec, true, nil
}

// --- SessionStore ---

func (s *SQLiteStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	progress, err := marshalContextMap(rec.Progress)
	if err != nil {
		return fmt.Errorf("sqlite store marshal session progress: %w", err)
	}
	customer, err := marshalContextMap(rec.CustomerContext)
	if err != nil {
		return fmt.Errorf("sqlite store marshal customer context: %w", err)
	}
	crm, err := marshalContextMap(rec.CRMContext)
	if err != nil {
		return fmt.Errorf("sqlite store marshal crm context: %w", err)
	}
	agentCtx, err := marshalContextMap(rec.AgentContext)
	if err != nil {
		return fmt.Errorf("sqlite store marshal agent context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO flow_sessions (id, role, guide_version_id, locale, started_at, completed_at, progress, customer_context, crm_context, agent_context)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		string(rec.Role),
		rec.GuideVersionID,
		nullIfEmpty(rec.Locale),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(rec.CompletedAt),
		progress,
		customer,
		crm,
		agentCtx,
	)
	if err != nil {
		return fmt.Errorf("sqlite store create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, role, guide_version_id, locale, started_at, completed_at, progress, customer_context, crm_context, agent_context
FROM flow_sessions
WHERE id = ?`, id)

	rec, err := scanSessionRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) SetContext(ctx context.Context, id string, kind SessionContextKind, data map[string]any) error {
	var column string
	switch kind {
	case ContextCustomer:
		column = "customer_context"
	case ContextCRM:
		column = "crm_context"
	case ContextAgent:
		column = "agent_context"
	default:
		return fmt.Errorf("sqlite store unknown context kind %q", kind)
	}

	payload, err := marshalContextMap(data)
	if err != nil {
		return fmt.Errorf("sqlite store marshal %s context: %w", kind, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE flow_sessions SET `+column+` = ? WHERE id = ?`, payload, id)
	if err != nil {
		return fmt.Errorf("sqlite store set %s context: %w", kind, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store set context affected rows: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE flow_sessions
SET completed_at = ?
WHERE id = ? AND completed_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("sqlite store complete session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store complete session affected rows: %w", err)
	}
	if affected == 0 {
		// Either missing or already completed; disambiguate.
		_, ok, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (s *SQLiteStore) ListRecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := `
SELECT id, role, guide_version_id, locale, started_at, completed_at, progress, customer_context, crm_context, agent_context
FROM flow_sessions
ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list recent sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		rec, err := scanSessionRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list recent sessions rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) CountSessions(ctx context.Context) (SessionCounts, error) {
	var counts SessionCounts
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COUNT(completed_at)
FROM flow_sessions`).Scan(&counts.Total, &counts.Completed)
	if err != nil {
		return SessionCounts{}, fmt.Errorf("sqlite store count sessions: %w", err)
	}
	return counts, nil
}

// --- EscalationStore ---

func (s *SQLiteStore) CreateEscalation(ctx context.Context, rec EscalationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.DeliveryStatus == "" {
		rec.DeliveryStatus = DeliveryPending
	}

	snapshot, err := marshalHistorySnapshot(rec.HistorySnapshot)
	if err != nil {
		return fmt.Errorf("sqlite store marshal history snapshot: %w", err)
	}
	contact, err := marshalStringMap(rec.Contact)
	if err != nil {
		return fmt.Errorf("sqlite store marshal escalation contact: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO escalations (id, session_id, guide_id, step_id, category, message, history_snapshot, contact, delivery_status, delivery_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SessionID,
		nullIfEmpty(rec.GuideID),
		rec.StepID,
		rec.Category,
		rec.Message,
		snapshot,
		contact,
		string(rec.DeliveryStatus),
		nullIfEmpty(rec.DeliveryError),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite store create escalation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEscalation(ctx context.Context, id string) (EscalationRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_id, guide_id, step_id, category, message, history_snapshot, contact, delivery_status, delivery_error, created_at
FROM escalations
WHERE id = ?`, id)

	rec, err := scanEscalationRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EscalationRecord{}, false, nil
		}
		return EscalationRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) SetDeliveryStatus(ctx context.Context, id string, status DeliveryStatus, deliveryErr string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE escalations
SET delivery_status = ?, delivery_error = ?
WHERE id = ?`,
		string(status), nullIfEmpty(deliveryErr), id)
	if err != nil {
		return fmt.Errorf("sqlite store set delivery status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite store set delivery status affected rows: %w", err)
	}
	if affected == 0 {
		return ErrEscalationNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRecentEscalations(ctx context.Context, limit int) ([]EscalationRecord, error) {
	query := `
SELECT id, session_id, guide_id, step_id, category, message, history_snapshot, contact, delivery_status, delivery_error, created_at
FROM escalations
ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list recent escalations: %w", err)
	}
	defer rows.Close()

	var records []EscalationRecord
	for rows.Next() {
		rec, err := scanEscalationRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list recent escalations rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) CountEscalations(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escalations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite store count escalations: %w", err)
	}
	return count, nil
}

// --- AnalyticsStore ---

func (s *SQLiteStore) AggregateDaily(ctx context.Context, since time.Time) ([]DailyRollupRow, error) {
	cutoff := since.UTC().Format(time.RFC3339Nano)
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

	// substr over the RFC3339 text gives the UTC calendar day.
	rows, err := s.db.QueryContext(ctx, `
SELECT substr(started_at, 1, 10), COUNT(*), COUNT(completed_at)
FROM flow_sessions
WHERE started_at >= ?
GROUP BY substr(started_at, 1, 10)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite store aggregate sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var date string
		var started, completed int64
		if err := rows.Scan(&date, &started, &completed); err != nil {
			return nil, fmt.Errorf("sqlite store aggregate sessions scan: %w", err)
		}
		row := day(date)
		row.SessionsStarted = started
		row.SessionsCompleted = completed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store aggregate sessions rows: %w", err)
	}

	escRows, err := s.db.QueryContext(ctx, `
SELECT substr(created_at, 1, 10), COUNT(*)
FROM escalations
WHERE created_at >= ?
GROUP BY substr(created_at, 1, 10)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite store aggregate escalations: %w", err)
	}
	defer escRows.Close()
	for escRows.Next() {
		var date string
		var count int64
		if err := escRows.Scan(&date, &count); err != nil {
			return nil, fmt.Errorf("sqlite store aggregate escalations scan: %w", err)
		}
		day(date).Escalations = count
	}
	if err := escRows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store aggregate escalations rows: %w", err)
	}

	out := make([]DailyRollupRow, 0, len(rollups))
	for _, row := range rollups {
		out = append(out, *row)
	}
	sortDailyRollups(out)
	return out, nil
}

func (s *SQLiteStore) UpsertDailyRollups(ctx context.Context, rollups []DailyRollupRow) error {
	if len(rollups) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store upsert rollups begin: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rollups {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO analytics_daily (date, sessions_started, sessions_completed, escalations, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET
	sessions_started = excluded.sessions_started,
	sessions_completed = excluded.sessions_completed,
	escalations = excluded.escalations,
	updated_at = excluded.updated_at`,
			row.Date,
			row.SessionsStarted,
			row.SessionsCompleted,
			row.Escalations,
			row.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("sqlite store upsert rollup %s: %w", row.Date, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store upsert rollups commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDailyRollups(ctx context.Context, limit int) ([]DailyRollupRow, error) {
	query := `
SELECT date, sessions_started, sessions_completed, escalations, updated_at
FROM analytics_daily
ORDER BY date DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list rollups: %w", err)
	}
	defer rows.Close()

	var rollups []DailyRollupRow
	for rows.Next() {
		var row DailyRollupRow
		var updatedAt string
		if err := rows.Scan(&row.Date, &row.SessionsStarted, &row.SessionsCompleted, &row.Escalations, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite store list rollups scan: %w", err)
		}
		row.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite store parse rollup updated_at: %w", err)
		}
		rollups = append(rollups, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list rollups rows: %w", err)
	}
	return rollups, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for sharing with other stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- scan helpers ---

type recordScanner interface {
	Scan(dest ...any) error
}

func scanGuideRecord(scanner recordScanner) (GuideRecord, error) {
	var (
		id             string
		slug           string
		title          string
		category       sql.NullString
		tagsRaw        sql.NullString
		currentVersion sql.NullString
		defaultLocale  sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)
	if err := scanner.Scan(&id, &slug, &title, &category, &tagsRaw, &currentVersion, &defaultLocale, &createdBy, &createdAt); err != nil {
		return GuideRecord{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return GuideRecord{}, fmt.Errorf("sqlite store parse guide created_at: %w", err)
	}
	tags, err := unmarshalStringList(tagsRaw.String)
	if err != nil {
		return GuideRecord{}, fmt.Errorf("sqlite store unmarshal guide tags: %w", err)
	}

	return GuideRecord{
		ID:               id,
		Slug:             slug,
		Title:            title,
		Category:         category.String,
		Tags:             tags,
		CurrentVersionID: currentVersion.String,
		DefaultLocale:    defaultLocale.String,
		CreatedBy:        createdBy.String,
		CreatedAt:        created,
	}, nil
}

func scanGuideVersionRecord(scanner recordScanner) (GuideVersionRecord, error) {
	var (
		id         string
		guideID    string
		version    int
		status     string
		localesRaw sql.NullString
		graphRaw   []byte
		crmNote    sql.NullString
		createdAt  string
	)
	if err := scanner.Scan(&id, &guideID, &version, &status, &localesRaw, &graphRaw, &crmNote, &createdAt); err != nil {
		return GuideVersionRecord{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return GuideVersionRecord{}, fmt.Errorf("sqlite store parse version created_at: %w", err)
	}
	locales, err := unmarshalStringList(localesRaw.String)
	if err != nil {
		return GuideVersionRecord{}, fmt.Errorf("sqlite store unmarshal version locales: %w", err)
	}

	return GuideVersionRecord{
		ID:              id,
		GuideID:         guideID,
		Version:         version,
		Status:          status,
		Locales:         locales,
		Graph:           json.RawMessage(append([]byte(nil), graphRaw...)),
		CRMNoteTemplate: crmNote.String,
		CreatedAt:       created,
	}, nil
}

func scanSessionRecord(scanner recordScanner) (SessionRecord, error) {
	var (
		id             string
		role           string
		guideVersionID string
		locale         sql.NullString
		startedAt      string
		completedAt    sql.NullString
		progressRaw    []byte
		customerRaw    []byte
		crmRaw         []byte
		agentRaw       []byte
	)
	if err := scanner.Scan(&id, &role, &guideVersionID, &locale, &startedAt, &completedAt, &progressRaw, &customerRaw, &crmRaw, &agentRaw); err != nil {
		return SessionRecord{}, err
	}

	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sqlite store parse session started_at: %w", err)
	}

	var completedPtr *time.Time
	if completedAt.Valid && strings.TrimSpace(completedAt.String) != "" {
		parsed, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return SessionRecord{}, fmt.Errorf("sqlite store parse session completed_at: %w", err)
		}
		completedPtr = &parsed
	}

	progress, err := unmarshalContextMap(progressRaw)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sqlite store unmarshal session progress: %w", err)
	}
	customer, err := unmarshalContextMap(customerRaw)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sqlite store unmarshal customer context: %w", err)
	}
	crm, err := unmarshalContextMap(crmRaw)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sqlite store unmarshal crm context: %w", err)
	}
	agentCtx, err := unmarshalContextMap(agentRaw)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("sqlite store unmarshal agent context: %w", err)
	}

	return SessionRecord{
		ID:              id,
		Role:            guidedflow.Role(role),
		GuideVersionID:  guideVersionID,
		Locale:          locale.String,
		StartedAt:       started,
		CompletedAt:     completedPtr,
		Progress:        progress,
		CustomerContext: customer,
		CRMContext:      crm,
		AgentContext:    agentCtx,
	}, nil
}

func scanEscalationRecord(scanner recordScanner) (EscalationRecord, error) {
	var (
		id            string
		sessionID     string
		guideID       sql.NullString
		stepID        string
		category      string
		message       string
		snapshotRaw   []byte
		contactRaw    []byte
		deliveryState string
		deliveryErr   sql.NullString
		createdAt     string
	)
	if err := scanner.Scan(&id, &sessionID, &guideID, &stepID, &category, &message, &snapshotRaw, &contactRaw, &deliveryState, &deliveryErr, &createdAt); err != nil {
		return EscalationRecord{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return EscalationRecord{}, fmt.Errorf("sqlite store parse escalation created_at: %w", err)
	}

	var snapshot []guidedflow.StepAnswers
	if len(snapshotRaw) > 0 {
		if err := json.Unmarshal(snapshotRaw, &snapshot); err != nil {
			return EscalationRecord{}, fmt.Errorf("sqlite store unmarshal history snapshot: %w", err)
		}
	}
	var contact map[string]string
	if len(contactRaw) > 0 {
		if err := json.Unmarshal(contactRaw, &contact); err != nil {
			return EscalationRecord{}, fmt.Errorf("sqlite store unmarshal escalation contact: %w", err)
		}
	}

	return EscalationRecord{
		Escalation: guidedflow.Escalation{
			ID:              id,
			SessionID:       sessionID,
			GuideID:         guideID.String,
			StepID:          stepID,
			Category:        category,
			Message:         message,
			HistorySnapshot: snapshot,
			Contact:         contact,
			CreatedAt:       created,
		},
		DeliveryStatus: DeliveryStatus(deliveryState),
		DeliveryError:  deliveryErr.String,
	}, nil
}

// --- marshal helpers ---

func marshalStringList(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalStringList(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func marshalContextMap(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(data)
}

func unmarshalContextMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return map[string]any{}, nil
	}
	return data, nil
}

func marshalStringMap(data map[string]string) ([]byte, error) {
	if data == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(data)
}

func marshalHistorySnapshot(snapshot []guidedflow.StepAnswers) ([]byte, error) {
	if snapshot == nil {
		return []byte(`[]`), nil
	}
	return json.Marshal(snapshot)
}

func isSQLiteUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: "+constraint)
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func sortDailyRollups(rollups []DailyRollupRow) {
	// Newest first, matching ListDailyRollups.
	sort.Slice(rollups, func(i, j int) bool {
		return rollups[i].Date > rollups[j].Date
	})
}

var (
	_ GuideStore      = (*SQLiteStore)(nil)
	_ SessionStore    = (*SQLiteStore)(nil)
	_ EscalationStore = (*SQLiteStore)(nil)
	_ AnalyticsStore  = (*SQLiteStore)(nil)
)
