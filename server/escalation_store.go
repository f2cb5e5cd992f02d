package server

import (
	"context"

	"github.com/guidedflow/guidedflow"
)

// DeliveryStatus tracks the outcome of the escalation email handoff.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// EscalationRecord is a stored escalation plus its delivery outcome.
// The embedded escalation is immutable once written; only the delivery
// fields are updated afterwards.
type EscalationRecord struct {
	guidedflow.Escalation

	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	DeliveryError  string         `json:"delivery_error,omitempty"`
}

// EscalationStore provides escalation persistence.
type EscalationStore interface {
	CreateEscalation(ctx context.Context, rec EscalationRecord) error
	GetEscalation(ctx context.Context, id string) (EscalationRecord, bool, error)

	// SetDeliveryStatus records the outcome of the mail handoff.
	SetDeliveryStatus(ctx context.Context, id string, status DeliveryStatus, deliveryErr string) error

	// ListRecentEscalations returns escalations newest-first, up to limit.
	ListRecentEscalations(ctx context.Context, limit int) ([]EscalationRecord, error)

	CountEscalations(ctx context.Context) (int64, error)
}
