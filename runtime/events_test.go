package runtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/petal-labs/runrelay/core"
)

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventCreated, "run-1")
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if e.RunID != "run-1" || e.Kind != EventCreated {
		t.Errorf("got %+v", e)
	}
	if e.Time.IsZero() {
		t.Error("expected timestamp")
	}
	if e.Payload == nil {
		t.Error("expected initialized payload")
	}
}

func TestEvent_Builders(t *testing.T) {
	e := Event{Kind: EventStatus, RunID: "run-1"}.
		WithStatus(core.StatusFailed).
		WithPayload("message", "boom")

	if !e.IsTerminal() {
		t.Error("failed status should be terminal")
	}
	if e.Payload["message"] != "boom" {
		t.Errorf("payload = %v", e.Payload)
	}
}

func TestMultiEventHandler(t *testing.T) {
	var a, b int
	h := MultiEventHandler(
		func(Event) { a++ },
		nil,
		func(Event) { b++ },
	)
	h(NewEvent(EventMessage, "run-1"))
	h(NewEvent(EventMessage, "run-1"))

	if a != 2 || b != 2 {
		t.Errorf("a=%d b=%d, want 2 and 2", a, b)
	}
}

func TestChannelEventHandler_DropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	h := ChannelEventHandler(ch)

	h(NewEvent(EventMessage, "run-1"))
	h(NewEvent(EventMessage, "run-1")) // dropped, must not block

	if len(ch) != 1 {
		t.Errorf("len(ch) = %d, want 1", len(ch))
	}
}

func TestEvent_Wire(t *testing.T) {
	ts := time.Date(2025, 1, 15, 9, 30, 0, 0, time.FixedZone("EST", -5*3600))
	e := Event{Kind: EventStatus, RunID: "run-1", Status: core.StatusRunning, Time: ts, Seq: 7}.
		WithPayload("state", "running")

	data, err := json.Marshal(e.Wire())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"eventType":"status","runId":"run-1","status":"running","payload":{"state":"running"},"timestamp":"2025-01-15T14:30:00Z","seq":7}`
	if string(data) != want {
		t.Errorf("wire = %s\nwant  %s", data, want)
	}

	bare, err := json.Marshal(Event{Kind: EventMessage, RunID: "run-1", Time: ts.UTC(), Payload: map[string]any{}}.Wire())
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"eventType":"message","runId":"run-1","timestamp":"2025-01-15T14:30:00Z","seq":0}`; string(bare) != want {
		t.Errorf("wire = %s", bare)
	}
}
