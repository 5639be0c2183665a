package worker

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func readAllFrames(t *testing.T, input string) []sseFrame {
	t.Helper()
	r := newSSEReader(strings.NewReader(input))
	var frames []sseFrame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestSSEReader_Frames(t *testing.T) {
	input := ": ping\n\n" +
		"id: 1\nevent: status\ndata: {\"a\":1}\n\n" +
		"data: line one\r\ndata: line two\r\n\r\n" +
		"retry: 1000\nevent: note\n\n" +
		"data: partial"

	frames := readAllFrames(t, input)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %+v", len(frames), frames)
	}

	if frames[0].ID != "1" || frames[0].Event != "status" || frames[0].Data != `{"a":1}` {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Data != "line one\nline two" || !frames[1].HasData {
		t.Errorf("frame 1 data = %q", frames[1].Data)
	}
	if frames[2].Event != "note" || frames[2].HasData {
		t.Errorf("frame 2 = %+v", frames[2])
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name      string
		frame     sseFrame
		wantID    string
		wantEvent string
		wantState string
		wantErr   bool
	}{
		{
			name:      "worker json body",
			frame:     sseFrame{Data: `{"id":"e1","event":"status","timestamp":"2025-01-15T10:00:00","payload":{"state":"running"}}`, HasData: true},
			wantID:    "e1",
			wantEvent: "status",
			wantState: "running",
		},
		{
			name:      "frame fields as fallback",
			frame:     sseFrame{ID: "7", Event: "progress", Data: `{"payload":{"step":"news"}}`, HasData: true},
			wantID:    "7",
			wantEvent: "progress",
		},
		{
			name:      "no data",
			frame:     sseFrame{Event: "heartbeat"},
			wantEvent: "heartbeat",
		},
		{
			name:    "not json",
			frame:   sseFrame{Data: "hello", HasData: true},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeFrame(tt.frame)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeFrame: %v", err)
			}
			if ev.ID != tt.wantID || ev.Event != tt.wantEvent || ev.State() != tt.wantState {
				t.Errorf("got %+v", ev)
			}
		})
	}
}

func TestDecodeFrame_Timestamp(t *testing.T) {
	ev, err := decodeFrame(sseFrame{Data: `{"event":"status","timestamp":"2025-01-15T10:00:00.5"}`, HasData: true})
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	want := time.Date(2025, 1, 15, 10, 0, 0, 500000000, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, want)
	}
}
