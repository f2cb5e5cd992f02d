// Package sse provides a Server-Sent Events handler for streaming flow
// events to HTTP clients. It supports replaying stored events and
// subscribing to live events via the event bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/guidedflow/guidedflow"
	"github.com/guidedflow/guidedflow/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of a flow event sent
// over the SSE stream.
type sseEvent struct {
	ID        string         `json:"id,omitempty"`
	Action    string         `json:"action"`
	SessionID string         `json:"session_id"`
	StepID    string         `json:"step_id,omitempty"`
	Time      time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
	Props     map[string]any `json:"props,omitempty"`
}

func toSSEEvent(e guidedflow.Event) sseEvent {
	return sseEvent{
		ID:        e.ID,
		Action:    string(e.Action),
		SessionID: e.SessionID,
		StepID:    e.StepID,
		Time:      e.Time,
		Seq:       e.Seq,
		Props:     e.Props,
	}
}

// Handler serves an SSE stream of flow events for a given session. It
// first replays stored events from the EventStore, then subscribes to
// live events via the EventBus. Duplicate events (by sequence number)
// are skipped.
//
// The handler expects a "session_id" path value (Go 1.22+ ServeMux) and
// an optional "after" query parameter with the last-seen sequence number.
//
// SSE format:
//
//	id: {seq}
//	event: {action}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds. The stream
// closes when a session_completed event is sent or the client disconnects.
type Handler struct {
	store bus.EventStore
	bus   bus.EventBus
}

// NewHandler creates a new Handler with the given EventStore and EventBus.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{
		store: store,
		bus:   eb,
	}
}

// ServeHTTP implements http.Handler. It streams events for the session
// identified by the "session_id" path value.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Parse optional ?after= cursor.
	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe to live events before replaying stored events, to avoid
	// missing events that arrive between replay and subscription.
	sub := h.bus.Subscribe(sessionID)
	defer sub.Close()

	var lastSeq uint64
	if afterSeq > 0 {
		lastSeq = afterSeq
	}

	finished, err := h.replayStored(ctx, w, flusher, sessionID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	h.streamLive(ctx, w, flusher, sub, &lastSeq)
}

// replayStored replays events from the store, writing them to the SSE
// stream. It returns true if a session_completed event was sent (stream
// should close) or if the context was cancelled.
func (h *Handler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sessionID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	events, err := h.store.List(ctx, sessionID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}

		if evt.Action == guidedflow.ActionSessionCompleted {
			return true, nil
		}
	}

	return false, nil
}

// streamLive streams events from the live subscription, deduplicating
// against already-sent sequence numbers.
func (h *Handler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Subscription closed.
				return
			}

			// Dedup: skip events already sent during replay.
			if evt.Seq != 0 && evt.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			if evt.Seq > *lastSeq {
				*lastSeq = evt.Seq
			}

			if evt.Action == guidedflow.ActionSessionCompleted {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt guidedflow.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Action, data)
	return err
}
