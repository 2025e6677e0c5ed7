package sse

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hupe1980/aguimesh/core"
)

// ContentType is the media type of an SSE response.
const ContentType = "text/event-stream"

var keepaliveRecord = []byte(": keepalive\n\n")

// Encoder frames events as SSE records.
type Encoder struct{}

// Encode returns the record for ev: "data: <json>\n\n". Event JSON never
// contains a raw line break, so one data line always suffices.
func (Encoder) Encode(ev core.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	rec := make([]byte, 0, len(payload)+8)
	rec = append(rec, "data: "...)
	rec = append(rec, payload...)
	rec = append(rec, '\n', '\n')
	return rec, nil
}

// WriteEvent writes one event record to w.
func (e Encoder) WriteEvent(w io.Writer, ev core.Event) error {
	rec, err := e.Encode(ev)
	if err != nil {
		return err
	}
	_, err = w.Write(rec)
	return err
}

// WriteKeepalive writes a comment record, ignored by SSE clients.
func (Encoder) WriteKeepalive(w io.Writer) error {
	_, err := w.Write(keepaliveRecord)
	return err
}
