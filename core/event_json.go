package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// required lists, per known kind, the wire fields that must be present.
// Required fields are always written, so on the wire they are present even
// when empty.
var required = map[Kind][]string{
	KindRunStarted:                 {"run_id"},
	KindRunFinished:                {"run_id"},
	KindRunError:                   {"message"},
	KindTextMessageStart:           {"message_id", "role"},
	KindTextMessageContent:         {"message_id", "delta"},
	KindTextMessageEnd:             {"message_id"},
	KindToolCallStart:              {"tool_call_id", "tool_call_name"},
	KindToolCallArgs:               {"tool_call_id", "delta"},
	KindToolCallEnd:                {"tool_call_id"},
	KindToolCallResult:             {"tool_call_id", "content"},
	KindThinkingTextMessageContent: {"delta"},
}

// payloadFields may legitimately be empty: a tool returning nothing, an
// empty stream chunk. Every other required field is an identifier and must
// be non-empty.
var payloadFields = map[string]bool{
	"content": true,
	"delta":   true,
}

// stringFields returns the string-valued wire fields of e in output order.
func (e *Event) stringFields() []struct {
	name string
	ptr  *string
} {
	return []struct {
		name string
		ptr  *string
	}{
		{"run_id", &e.RunID},
		{"thread_id", &e.ThreadID},
		{"parent_run_id", &e.ParentRunID},
		{"message_id", &e.MessageID},
		{"parent_message_id", &e.ParentMessageID},
		{"role", &e.Role},
		{"delta", &e.Delta},
		{"tool_call_id", &e.ToolCallID},
		{"tool_call_name", &e.ToolCallName},
		{"content", &e.Content},
		{"message", &e.Message},
		{"code", &e.Code},
		{"step_name", &e.StepName},
		{"name", &e.Name},
		{"source", &e.Source},
	}
}

func (e *Event) rawFields() []struct {
	name string
	ptr  *json.RawMessage
} {
	return []struct {
		name string
		ptr  *json.RawMessage
	}{
		{"value", &e.Value},
		{"snapshot", &e.Snapshot},
		{"delta", &e.Patch},
		{"messages", &e.Messages},
		{"result", &e.Result},
		{"event", &e.Raw},
	}
}

// Validate checks structural validity: the identifier fields required by
// the event's kind are non-empty. Payload fields (content, delta) may be
// empty. Unknown kinds only need a non-empty type.
func (e Event) Validate() error {
	if e.Kind == "" {
		return &ProtocolViolation{Kind: ViolationInvalidEvent, Detail: "missing type"}
	}
	if e.Kind == KindStateDelta && len(e.Patch) == 0 {
		return &ProtocolViolation{Kind: ViolationInvalidEvent, EventKind: e.Kind, Detail: "missing field delta"}
	}
	present := map[string]bool{}
	for _, f := range e.stringFields() {
		present[f.name] = *f.ptr != ""
	}
	for _, name := range required[e.Kind] {
		if !present[name] && !payloadFields[name] {
			return &ProtocolViolation{
				Kind:      ViolationInvalidEvent,
				EventKind: e.Kind,
				ID:        e.EntityID(),
				Detail:    "missing field " + name,
			}
		}
	}
	return nil
}

// MarshalJSON writes the wire form: "type" first, populated fields, unknown
// fields, then "timestamp". The output never contains a raw line break.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	written := map[string]bool{}
	first := true
	write := func(name string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		nb, _ := json.Marshal(name)
		buf.Write(nb)
		buf.WriteByte(':')
		buf.Write(b)
		written[name] = true
		return nil
	}

	if err := write("type", string(e.Kind)); err != nil {
		return nil, err
	}
	need := map[string]bool{}
	for _, name := range required[e.Kind] {
		need[name] = true
	}
	for _, f := range e.stringFields() {
		if f.name == "delta" && e.Kind == KindStateDelta {
			continue
		}
		if *f.ptr == "" && !need[f.name] {
			continue
		}
		if err := write(f.name, *f.ptr); err != nil {
			return nil, err
		}
	}
	for _, f := range e.rawFields() {
		if len(*f.ptr) == 0 || written[f.name] {
			continue
		}
		if err := write(f.name, *f.ptr); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		if k == "type" || k == "timestamp" || written[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := write(k, e.Extra[k]); err != nil {
			return nil, err
		}
	}

	if err := write("timestamp", e.Timestamp); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the wire form. Keys the model does not recognise are
// kept in Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*e = Event{}

	rawType, ok := fields["type"]
	if !ok {
		return fmt.Errorf("event: missing type")
	}
	var kind string
	if err := json.Unmarshal(rawType, &kind); err != nil {
		return fmt.Errorf("event: type: %w", err)
	}
	e.Kind = Kind(kind)
	delete(fields, "type")

	if ts, ok := fields["timestamp"]; ok {
		if err := json.Unmarshal(ts, &e.Timestamp); err != nil {
			var f float64
			if err := json.Unmarshal(ts, &f); err != nil {
				return fmt.Errorf("event: timestamp: %w", err)
			}
			e.Timestamp = int64(f)
		}
		delete(fields, "timestamp")
	}

	if e.Kind == KindStateDelta {
		if d, ok := fields["delta"]; ok {
			e.Patch = append(json.RawMessage(nil), d...)
			delete(fields, "delta")
		}
	}
	for _, f := range e.stringFields() {
		v, ok := fields[f.name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, f.ptr); err != nil {
			// Not a string: leave it for the raw fields or Extra.
			continue
		}
		delete(fields, f.name)
	}
	for _, f := range e.rawFields() {
		v, ok := fields[f.name]
		if !ok || f.name == "delta" {
			continue
		}
		*f.ptr = append(json.RawMessage(nil), v...)
		delete(fields, f.name)
	}

	if len(fields) > 0 {
		e.Extra = fields
	}
	return nil
}
