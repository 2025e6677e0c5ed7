package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/hupe1980/aguimesh/core"
)

// JSON decodes AG-UI JSON records. Both the snake_case wire form and the
// camelCase form with upper-case types ("TEXT_MESSAGE_START", "messageId")
// used by other AG-UI SDKs are accepted.
func JSON() core.Translator {
	return core.TranslatorFunc(func(item any) ([]core.Event, error) {
		var data []byte
		switch v := item.(type) {
		case []byte:
			data = v
		case json.RawMessage:
			data = v
		case string:
			data = []byte(v)
		case map[string]any:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, core.NewTranslationError(item, err)
			}
			data = b
		default:
			return nil, core.NewTranslationError(item, fmt.Errorf("unsupported item type"))
		}
		ev, err := decodeRecord(data)
		if err != nil {
			return nil, core.NewTranslationError(item, err)
		}
		return []core.Event{ev}, nil
	})
}

// JSONFactory returns a factory producing JSON translators.
func JSONFactory() core.TranslatorFactory {
	return func() core.Translator { return JSON() }
}

func decodeRecord(data []byte) (core.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return core.Event{}, fmt.Errorf("decode record: %w", err)
	}
	norm := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		norm[snakeCase(k)] = v
	}
	if raw, ok := norm["type"]; ok {
		var kind string
		if err := json.Unmarshal(raw, &kind); err != nil {
			return core.Event{}, fmt.Errorf("decode type: %w", err)
		}
		b, _ := json.Marshal(strings.ToLower(kind))
		norm["type"] = b
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return core.Event{}, err
	}
	var ev core.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return core.Event{}, err
	}
	return ev, nil
}

// snakeCase converts "toolCallId" to "tool_call_id"; snake_case input is
// returned unchanged.
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
