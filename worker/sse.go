package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/petal-labs/runrelay/core"
)

// sseFrame is one raw Server-Sent Events frame.
type sseFrame struct {
	ID      string
	Event   string
	Data    string
	HasData bool
}

// sseReader splits a text/event-stream body into frames. Frames are
// terminated by a blank line; comment lines starting with ':' are skipped and
// multi-line data is joined with '\n'. A trailing frame without its blank
// line terminator is discarded.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends cleanly.
func (s *sseReader) Next() (sseFrame, error) {
	var (
		frame   sseFrame
		data    []string
		started bool
	)
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sseFrame{}, io.EOF
			}
			return sseFrame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !started {
				continue
			}
			frame.Data = strings.Join(data, "\n")
			frame.HasData = len(data) > 0
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			frame.Event = value
		case "id":
			frame.ID = value
		default:
			// retry and unknown fields are ignored
			continue
		}
		started = true
	}
}

// decodeFrame turns a frame into a StreamEvent. The JSON body, when present,
// supplies event, timestamp and payload and takes precedence over the frame
// fields. Frames whose data is not a JSON object are rejected.
func decodeFrame(frame sseFrame) (StreamEvent, error) {
	ev := StreamEvent{ID: frame.ID, Event: frame.Event}
	if !frame.HasData {
		return ev, nil
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(frame.Data), &body); err != nil {
		return StreamEvent{}, fmt.Errorf("decode event data: %w", err)
	}

	if id, ok := body["id"].(string); ok && ev.ID == "" {
		ev.ID = id
	}
	if name, ok := body["event"].(string); ok {
		ev.Event = name
	}
	if ts, ok := body["timestamp"].(string); ok {
		ev.Timestamp = core.ParseTimestamp(ts, time.Time{})
	}
	if payload, ok := body["payload"].(map[string]any); ok {
		ev.Payload = payload
	}
	return ev, nil
}
