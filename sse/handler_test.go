package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/runrelay/bus"
	"github.com/petal-labs/runrelay/core"
	"github.com/petal-labs/runrelay/runtime"
	"github.com/petal-labs/runrelay/sse"
)

// broadcasters is a Subscriber over a fixed set of runs.
type broadcasters map[string]*bus.Broadcaster

func (b broadcasters) Subscribe(_ context.Context, runID string) (bus.Subscription, error) {
	br, ok := b[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
	}
	return br.Subscribe(), nil
}

func publish(b *bus.Broadcaster, runID string, n int) {
	for i := 0; i < n; i++ {
		b.Publish(runtime.Event{
			Kind:    runtime.EventMessage,
			RunID:   runID,
			Time:    time.Date(2025, 1, 15, 9, 0, i, 0, time.UTC),
			Payload: map[string]any{"i": float64(i)},
		})
	}
}

// sseMessage represents a parsed SSE message from the stream.
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
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, ": "):
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

func setupTestServer(subs sse.Subscriber) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/stream", sse.NewHandler(subs))
	return httptest.NewServer(mux)
}

func readAll(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return readAll(t, req)
}

func TestHandler_ReplaysCompletedRun(t *testing.T) {
	b := bus.NewBroadcaster(bus.BroadcasterConfig{})
	publish(b, "run-1", 3)
	b.Publish(runtime.Event{Kind: runtime.EventStatus, RunID: "run-1", Status: core.StatusSuccess, Time: time.Now()})
	b.Complete()

	ts := setupTestServer(broadcasters{"run-1": b})
	defer ts.Close()

	resp, body := get(t, ts.URL+"/runs/run-1/stream", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %s", ct)
	}

	msgs := parseSSEMessages(body)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "1" || msgs[0].Event != "message" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[3].ID != "4" || msgs[3].Event != "status" {
		t.Errorf("last message = %+v", msgs[3])
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(msgs[3].Data), &data); err != nil {
		t.Fatal(err)
	}
	if data["eventType"] != "status" || data["runId"] != "run-1" || data["status"] != "success" || data["seq"] != float64(4) {
		t.Errorf("data = %v", data)
	}
	if _, ok := data["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestHandler_LiveEventsUntilComplete(t *testing.T) {
	b := bus.NewBroadcaster(bus.BroadcasterConfig{})
	ts := setupTestServer(broadcasters{"run-1": b})
	defer ts.Close()

	done := make(chan string, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/runs/run-1/stream")
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- string(body)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	publish(b, "run-1", 2)
	b.Complete()

	select {
	case body := <-done:
		msgs := parseSSEMessages(body)
		if len(msgs) != 2 || msgs[1].ID != "2" {
			t.Fatalf("messages = %+v", msgs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after completion")
	}
}

func TestHandler_Cursor(t *testing.T) {
	b := bus.NewBroadcaster(bus.BroadcasterConfig{})
	publish(b, "run-1", 5)
	b.Complete()
	ts := setupTestServer(broadcasters{"run-1": b})
	defer ts.Close()

	tests := []struct {
		name    string
		query   string
		header  map[string]string
		wantIDs []string
	}{
		{"no cursor", "", nil, []string{"1", "2", "3", "4", "5"}},
		{"after query", "?after=3", nil, []string{"4", "5"}},
		{"last event id", "", map[string]string{"Last-Event-ID": "4"}, []string{"5"}},
		{"header wins", "?after=1", map[string]string{"Last-Event-ID": "4"}, []string{"5"}},
		{"past the end", "?after=9", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := get(t, ts.URL+"/runs/run-1/stream"+tt.query, tt.header)
			msgs := parseSSEMessages(body)
			if len(msgs) != len(tt.wantIDs) {
				t.Fatalf("got %d messages, want %d: %s", len(msgs), len(tt.wantIDs), body)
			}
			for i, id := range tt.wantIDs {
				if msgs[i].ID != id {
					t.Errorf("message %d id = %s, want %s", i, msgs[i].ID, id)
				}
			}
		})
	}
}

func TestHandler_Errors(t *testing.T) {
	b := bus.NewBroadcaster(bus.BroadcasterConfig{})
	ts := setupTestServer(broadcasters{"run-1": b})
	defer ts.Close()

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantErr  string
	}{
		{"unknown run", "/runs/missing/stream", http.StatusNotFound, "NOT_FOUND"},
		{"bad cursor", "/runs/run-1/stream?after=abc", http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, ts.URL+tt.path, nil)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var env struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal([]byte(body), &env); err != nil {
				t.Fatalf("decode %q: %v", body, err)
			}
			if env.Error.Code != tt.wantErr {
				t.Errorf("code = %s, want %s", env.Error.Code, tt.wantErr)
			}
		})
	}
}

func TestHandler_Heartbeat(t *testing.T) {
	b := bus.NewBroadcaster(bus.BroadcasterConfig{})
	h := sse.NewHandler(broadcasters{"run-1": b})
	h.Heartbeat = 20 * time.Millisecond

	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/stream", h)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/run-1/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before heartbeat")
			}
			if line == ": ping" {
				b.Complete()
				return
			}
		case <-timeout:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestHandler_ClientDisconnectReleasesSubscription(t *testing.T) {
	b := bus.NewBroadcaster(bus.BroadcasterConfig{})
	ts := setupTestServer(broadcasters{"run-1": b})
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/run-1/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if b.SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", b.SubscriberCount())
	}
	cancel()
	_ = resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
