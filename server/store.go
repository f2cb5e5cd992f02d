package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrGuideExists        = errors.New("guide already exists")
	ErrGuideNotFound      = errors.New("guide not found")
	ErrVersionNotFound    = errors.New("guide version not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrEscalationNotFound = errors.New("escalation not found")
)

// Guide version lifecycle states.
const (
	VersionStatusDraft     = "draft"
	VersionStatusReview    = "review"
	VersionStatusPublished = "published"
)

// GuideRecord represents a stored guide. A guide is the stable identity;
// its content lives in versions, one of which is current.
type GuideRecord struct {
	ID               string    `json:"id"`
	Slug             string    `json:"slug"`
	Title            string    `json:"title"`
	Category         string    `json:"category,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	CurrentVersionID string    `json:"current_version_id,omitempty"`
	DefaultLocale    string    `json:"default_locale,omitempty"`
	CreatedBy        string    `json:"created_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// GuideVersionRecord is one immutable revision of a guide's step graph.
type GuideVersionRecord struct {
	ID      string `json:"id"`
	GuideID string `json:"guide_id"`

	// Version is the per-guide revision number, assigned by the store on
	// create (0 on input means "next").
	Version int    `json:"version"`
	Status  string `json:"status"`

	Locales []string `json:"locales,omitempty"`

	// Graph is the step graph as submitted, stored verbatim.
	Graph json.RawMessage `json:"graph"`

	CRMNoteTemplate string    `json:"crm_note_template,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// GuideStore provides guide and guide-version persistence.
type GuideStore interface {
	ListGuides(ctx context.Context) ([]GuideRecord, error)
	GetGuide(ctx context.Context, id string) (GuideRecord, bool, error)
	CreateGuide(ctx context.Context, rec GuideRecord) error

	// SetCurrentVersion points the guide at the given version id.
	SetCurrentVersion(ctx context.Context, guideID, versionID string) error

	// CreateVersion stores a version, assigning the next per-guide version
	// number when rec.Version is zero, and returns the stored record.
	CreateVersion(ctx context.Context, rec GuideVersionRecord) (GuideVersionRecord, error)

	GetVersion(ctx context.Context, guideID, versionID string) (GuideVersionRecord, bool, error)
}
