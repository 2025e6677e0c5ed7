package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/aguimesh/core"
)

// Record is one decoded SSE record: either a comment (keepalive) or an
// event.
type Record struct {
	Comment string
	Event   core.Event
}

// IsKeepalive reports whether r is a keepalive comment.
func (r Record) IsKeepalive() bool { return r.Comment != "" }

// ParseSSE decodes wire bytes into records. Each record must end with a
// blank line.
func ParseSSE(data []byte) ([]Record, error) {
	var (
		out   []Record
		cur   Record
		has   bool
		lines []string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(lines) > 0 {
				if err := json.Unmarshal([]byte(strings.Join(lines, "\n")), &cur.Event); err != nil {
					return out, fmt.Errorf("record %d: %w", len(out), err)
				}
			}
			if has || len(lines) > 0 {
				out = append(out, cur)
			}
			cur, has, lines = Record{}, false, nil
		case strings.HasPrefix(line, ":"):
			cur.Comment = strings.TrimSpace(strings.TrimPrefix(line, ":"))
			has = true
		case strings.HasPrefix(line, "data: "):
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		default:
			return out, fmt.Errorf("unexpected line %q", line)
		}
	}
	if has || len(lines) > 0 {
		return out, fmt.Errorf("unterminated record")
	}
	return out, sc.Err()
}

// ParseEvents decodes wire bytes and returns only the events.
func ParseEvents(data []byte) ([]core.Event, error) {
	recs, err := ParseSSE(data)
	var out []core.Event
	for _, r := range recs {
		if !r.IsKeepalive() {
			out = append(out, r.Event)
		}
	}
	return out, err
}

// Kinds lists the kinds of events in order.
func Kinds(events []core.Event) []core.Kind {
	out := make([]core.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
