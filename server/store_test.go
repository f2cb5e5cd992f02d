package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guidedflow/guidedflow"
)

// Compile-time interface checks.
var (
	_ GuideStore      = (*MemoryStore)(nil)
	_ SessionStore    = (*MemoryStore)(nil)
	_ EscalationStore = (*MemoryStore)(nil)
)

func TestMemoryStore_GuideCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := GuideRecord{
		ID:        "g-1",
		Slug:      "reset-password",
		Title:     "Reset your password",
		Category:  "account",
		CreatedAt: time.Now().UTC(),
	}

	if err := s.CreateGuide(ctx, rec); err != nil {
		t.Fatalf("CreateGuide: unexpected error: %v", err)
	}
	if err := s.CreateGuide(ctx, rec); err != ErrGuideExists {
		t.Fatalf("CreateGuide duplicate: got %v, want ErrGuideExists", err)
	}

	got, ok, err := s.GetGuide(ctx, "g-1")
	if err != nil {
		t.Fatalf("GetGuide: unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("GetGuide: expected ok=true")
	}
	if got.Slug != "reset-password" || got.Title != "Reset your password" {
		t.Fatalf("GetGuide: got %+v", got)
	}

	_, ok, err = s.GetGuide(ctx, "missing")
	if err != nil {
		t.Fatalf("GetGuide missing: unexpected error: %v", err)
	}
	if ok {
		t.Fatal("GetGuide missing: expected ok=false")
	}

	guides, err := s.ListGuides(ctx)
	if err != nil {
		t.Fatalf("ListGuides: unexpected error: %v", err)
	}
	if len(guides) != 1 {
		t.Fatalf("ListGuides: got %d guides, want 1", len(guides))
	}
}

func TestMemoryStore_VersionAutoIncrement(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateGuide(ctx, GuideRecord{ID: "g-1", Slug: "g", Title: "G"}); err != nil {
		t.Fatalf("CreateGuide: %v", err)
	}

	v1, err := s.CreateVersion(ctx, GuideVersionRecord{
		ID:      "v-1",
		GuideID: "g-1",
		Graph:   json.RawMessage(`{"steps":[]}`),
	})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("first version = %d, want 1", v1.Version)
	}
	if v1.Status != VersionStatusDraft {
		t.Fatalf("default status = %q, want %q", v1.Status, VersionStatusDraft)
	}

	v2, err := s.CreateVersion(ctx, GuideVersionRecord{
		ID:      "v-2",
		GuideID: "g-1",
		Status:  VersionStatusPublished,
		Graph:   json.RawMessage(`{"steps":[]}`),
	})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("second version = %d, want 2", v2.Version)
	}

	if err := s.SetCurrentVersion(ctx, "g-1", v2.ID); err != nil {
		t.Fatalf("SetCurrentVersion: %v", err)
	}
	guide, _, err := s.GetGuide(ctx, "g-1")
	if err != nil {
		t.Fatalf("GetGuide: %v", err)
	}
	if guide.CurrentVersionID != "v-2" {
		t.Fatalf("current_version_id = %q, want v-2", guide.CurrentVersionID)
	}

	if err := s.SetCurrentVersion(ctx, "missing", v2.ID); err != ErrGuideNotFound {
		t.Fatalf("SetCurrentVersion missing: got %v, want ErrGuideNotFound", err)
	}
}

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := SessionRecord{
		ID:             "s-1",
		Role:           guidedflow.RoleCustomer,
		GuideVersionID: "v-1",
		StartedAt:      time.Now().UTC(),
	}
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.SetContext(ctx, "s-1", ContextCustomer, map[string]any{"device": "router"}); err != nil {
		t.Fatalf("SetContext customer: %v", err)
	}
	if err := s.SetContext(ctx, "s-1", ContextCRM, map[string]any{"ticket": "T-9"}); err != nil {
		t.Fatalf("SetContext crm: %v", err)
	}
	if err := s.SetContext(ctx, "missing", ContextCustomer, nil); err != ErrSessionNotFound {
		t.Fatalf("SetContext missing: got %v, want ErrSessionNotFound", err)
	}

	got, ok, err := s.GetSession(ctx, "s-1")
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if got.CustomerContext["device"] != "router" {
		t.Fatalf("customer context = %+v", got.CustomerContext)
	}
	if got.CRMContext["ticket"] != "T-9" {
		t.Fatalf("crm context = %+v", got.CRMContext)
	}
	if got.Completed() {
		t.Fatal("session unexpectedly completed")
	}

	at := time.Now().UTC()
	if err := s.CompleteSession(ctx, "s-1", at); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	// Completing again is a no-op.
	if err := s.CompleteSession(ctx, "s-1", at.Add(time.Hour)); err != nil {
		t.Fatalf("CompleteSession again: %v", err)
	}

	got, _, _ = s.GetSession(ctx, "s-1")
	if !got.Completed() {
		t.Fatal("session not completed")
	}
	if !got.CompletedAt.Equal(at) {
		t.Fatalf("completed_at = %v, want %v (first completion wins)", got.CompletedAt, at)
	}

	counts, err := s.CountSessions(ctx)
	if err != nil {
		t.Fatalf("CountSessions: %v", err)
	}
	if counts.Total != 1 || counts.Completed != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestMemoryStore_ListRecentSessionsOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"s-old", "s-mid", "s-new"} {
		err := s.CreateSession(ctx, SessionRecord{
			ID:             id,
			Role:           guidedflow.RoleCustomer,
			GuideVersionID: "v",
			StartedAt:      base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateSession(%s): %v", id, err)
		}
	}

	recent, err := s.ListRecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentSessions: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d sessions, want 2", len(recent))
	}
	if recent[0].ID != "s-new" || recent[1].ID != "s-mid" {
		t.Fatalf("order = %s, %s; want s-new, s-mid", recent[0].ID, recent[1].ID)
	}
}

func TestMemoryStore_EscalationDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := EscalationRecord{
		Escalation: guidedflow.Escalation{
			ID:        "e-1",
			SessionID: "s-1",
			StepID:    "step-a",
			Category:  "billing",
			Message:   "need help",
		},
	}
	if err := s.CreateEscalation(ctx, rec); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	got, ok, err := s.GetEscalation(ctx, "e-1")
	if err != nil || !ok {
		t.Fatalf("GetEscalation: ok=%v err=%v", ok, err)
	}
	if got.DeliveryStatus != DeliveryPending {
		t.Fatalf("initial delivery status = %q, want pending", got.DeliveryStatus)
	}

	if err := s.SetDeliveryStatus(ctx, "e-1", DeliveryFailed, "connection refused"); err != nil {
		t.Fatalf("SetDeliveryStatus: %v", err)
	}
	got, _, _ = s.GetEscalation(ctx, "e-1")
	if got.DeliveryStatus != DeliveryFailed || got.DeliveryError != "connection refused" {
		t.Fatalf("delivery = %q / %q", got.DeliveryStatus, got.DeliveryError)
	}

	if err := s.SetDeliveryStatus(ctx, "missing", DeliverySent, ""); err != ErrEscalationNotFound {
		t.Fatalf("SetDeliveryStatus missing: got %v, want ErrEscalationNotFound", err)
	}

	count, err := s.CountEscalations(ctx)
	if err != nil {
		t.Fatalf("CountEscalations: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
