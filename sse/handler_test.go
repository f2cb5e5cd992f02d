package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guidedflow/guidedflow"
	"github.com/guidedflow/guidedflow/bus"
	"github.com/guidedflow/guidedflow/sse"
)

type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// parseSSEMessages reads SSE messages from the response body string.
func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Empty line = end of message.
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
			continue
		}

		if strings.HasPrefix(line, ": ") {
			// Comment line (heartbeat).
			continue
		}

		if strings.HasPrefix(line, "id: ") {
			current.ID = strings.TrimPrefix(line, "id: ")
		} else if strings.HasPrefix(line, "event: ") {
			current.Event = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}

	return msgs
}

// setupTestServer creates a test mux with the SSE handler registered.
func setupTestServer(store bus.EventStore, eb bus.EventBus) *httptest.Server {
	handler := sse.NewHandler(store, eb)
	mux := http.NewServeMux()
	mux.Handle("GET /sessions/{session_id}/events/stream", handler)
	return httptest.NewServer(mux)
}

func testEvent(sessionID string, action guidedflow.EventAction, stepID string) guidedflow.Event {
	return guidedflow.NewEvent(action, sessionID).WithStep(stepID)
}

func readAll(resp *http.Response) string {
	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			body.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return body.String()
}

func TestHandler_ReplayFromStore(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	sessionID := "sess-replay"
	ctx := context.Background()

	events := []guidedflow.Event{
		testEvent(sessionID, guidedflow.ActionStepCompleted, "step-1"),
		testEvent(sessionID, guidedflow.ActionStepCompleted, "step-2"),
		testEvent(sessionID, guidedflow.ActionEscalationSubmitted, "step-2"),
		testEvent(sessionID, guidedflow.ActionSessionCompleted, ""),
	}
	for _, e := range events {
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/" + sessionID + "/events/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}

	// The stream closes after session_completed, so the body is finite.
	msgs := parseSSEMessages(readAll(resp))
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}

	if msgs[0].ID != "1" {
		t.Errorf("expected id 1, got %s", msgs[0].ID)
	}
	if msgs[0].Event != "step_completed" {
		t.Errorf("expected event step_completed, got %s", msgs[0].Event)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(msgs[0].Data), &parsed); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if parsed["action"] != "step_completed" {
		t.Errorf("expected action step_completed, got %v", parsed["action"])
	}
	if parsed["session_id"] != sessionID {
		t.Errorf("expected session_id %s, got %v", sessionID, parsed["session_id"])
	}

	if msgs[3].Event != "session_completed" {
		t.Errorf("expected last event session_completed, got %s", msgs[3].Event)
	}
	if msgs[3].ID != "4" {
		t.Errorf("expected id 4, got %s", msgs[3].ID)
	}
}

func TestHandler_AfterCursorSkipsReplayed(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	sessionID := "sess-cursor"
	ctx := context.Background()

	for _, e := range []guidedflow.Event{
		testEvent(sessionID, guidedflow.ActionStepCompleted, "step-1"),
		testEvent(sessionID, guidedflow.ActionStepCompleted, "step-2"),
		testEvent(sessionID, guidedflow.ActionSessionCompleted, ""),
	} {
		if _, err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/" + sessionID + "/events/stream?after=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	msgs := parseSSEMessages(readAll(resp))
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after cursor, got %d", len(msgs))
	}
	if msgs[0].ID != "3" || msgs[0].Event != "session_completed" {
		t.Errorf("got message %+v", msgs[0])
	}
}

func TestHandler_InvalidAfterParameter(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/s/events/stream?after=nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandler_LiveSubscription(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	sessionID := "sess-live"
	ctx := context.Background()

	ts := setupTestServer(store, eb)
	defer ts.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		ts.URL+"/sessions/"+sessionID+"/events/stream", nil)
	if err != nil {
		t.Fatal(err)
	}

	bodyCh := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			bodyCh <- ""
			return
		}
		defer resp.Body.Close()
		bodyCh <- readAll(resp)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(200 * time.Millisecond)

	for _, e := range []guidedflow.Event{
		testEvent(sessionID, guidedflow.ActionStepCompleted, "step-1"),
		testEvent(sessionID, guidedflow.ActionSessionCompleted, ""),
	} {
		stored, err := store.Append(ctx, e)
		if err != nil {
			t.Fatal(err)
		}
		eb.Publish(stored)
	}

	select {
	case body := <-bodyCh:
		msgs := parseSSEMessages(body)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 live messages, got %d: %q", len(msgs), body)
		}
		if msgs[0].Event != "step_completed" || msgs[1].Event != "session_completed" {
			t.Errorf("got messages %+v", msgs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream to close")
	}
}

func TestHandler_DedupAcrossReplayAndLive(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	sessionID := "sess-dedup"
	ctx := context.Background()

	first, err := store.Append(ctx, testEvent(sessionID, guidedflow.ActionStepCompleted, "step-1"))
	if err != nil {
		t.Fatal(err)
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		ts.URL+"/sessions/"+sessionID+"/events/stream", nil)
	if err != nil {
		t.Fatal(err)
	}

	bodyCh := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			bodyCh <- ""
			return
		}
		defer resp.Body.Close()
		bodyCh <- readAll(resp)
	}()

	time.Sleep(200 * time.Millisecond)

	// Republish the already-replayed event, then complete.
	eb.Publish(first)
	done, err := store.Append(ctx, testEvent(sessionID, guidedflow.ActionSessionCompleted, ""))
	if err != nil {
		t.Fatal(err)
	}
	eb.Publish(done)

	select {
	case body := <-bodyCh:
		msgs := parseSSEMessages(body)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages (replay + completion), got %d: %q", len(msgs), body)
		}
		if msgs[0].ID != "1" || msgs[1].ID != "2" {
			t.Errorf("got ids %s, %s", msgs[0].ID, msgs[1].ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream to close")
	}
}
