// ABOUTME: Line-delimited JSON framing for the event stream
// ABOUTME: One event per line, timestamps RFC3339 with millisecond precision

package bus

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/2389/coven-mesh/internal/fault"
)

// frameTimeLayout is RFC3339 truncated to milliseconds.
const frameTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Frame is the wire form of one event.
type Frame struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// EncodeFrame writes one event as a single JSON line.
func EncodeFrame(w io.Writer, ev Event) error {
	frame := Frame{
		ID:        ev.ID,
		Topic:     ev.Topic,
		Type:      ev.Type,
		Timestamp: ev.Timestamp.UTC().Format(frameTimeLayout),
		Payload:   ev.Payload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding event frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing event frame: %w", err)
	}
	return nil
}

// DecodeFrame parses one JSON line back into an event. The payload
// comes back in generic JSON form.
func DecodeFrame(line []byte) (Event, error) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return Event{}, fault.BadRequestf("event frame is malformed: %v", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
	if err != nil {
		return Event{}, fault.BadRequestf("event frame timestamp %q is malformed", frame.Timestamp)
	}
	return Event{
		ID:        frame.ID,
		Topic:     frame.Topic,
		Type:      frame.Type,
		Timestamp: ts,
		Payload:   frame.Payload,
	}, nil
}
