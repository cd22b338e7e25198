// Package stream is the event distribution core: producers turn bus state
// into frames, the hub fans frames out to connected clients.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// Frame is one unit of delivery to clients of a concrete topic.
type Frame struct {
	Topic string          `json:"topic"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Payload returns raw unchanged when it is valid JSON and as a JSON string
// otherwise, so producers never have to reject a backend value.
func Payload(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// writeSSE encodes f in text/event-stream framing. Multi-line data is split
// across data fields.
func writeSSE(w *bufio.Writer, f Frame) error {
	if f.ID != "" {
		w.WriteString("id: ")
		w.WriteString(sanitizeField(f.ID))
		w.WriteByte('\n')
	}
	if f.Event != "" {
		w.WriteString("event: ")
		w.WriteString(sanitizeField(f.Event))
		w.WriteByte('\n')
	}
	data := f.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		w.WriteString("data: ")
		w.Write(bytes.TrimRight(line, "\r"))
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
	return w.Flush()
}

func sanitizeField(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}
