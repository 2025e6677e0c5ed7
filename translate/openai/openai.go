// Package openai translates OpenAI Chat Completions stream chunks into
// canonical events.
package openai

import (
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/aguimesh/core"
)

type toolState struct {
	id, name string
}

// Translator maps openai.ChatCompletionChunk values. Text deltas open an
// assistant message with an invented id; tool call deltas are keyed by their
// stream index. A finish_reason closes everything still open.
type Translator struct {
	textID string
	tools  map[int64]*toolState
	order  []int64
	newID  func() string
}

// New returns a translator for one run.
func New() *Translator {
	return &Translator{tools: map[int64]*toolState{}, newID: core.NewID}
}

// Factory returns a core.TranslatorFactory for the router.
func Factory() core.TranslatorFactory {
	return func() core.Translator { return New() }
}

// Translate implements core.Translator.
func (t *Translator) Translate(item any) ([]core.Event, error) {
	var chunk openai.ChatCompletionChunk
	switch v := item.(type) {
	case openai.ChatCompletionChunk:
		chunk = v
	case *openai.ChatCompletionChunk:
		if v == nil {
			return nil, core.NewTranslationError(item, fmt.Errorf("nil chunk"))
		}
		chunk = *v
	default:
		return nil, core.NewTranslationError(item, fmt.Errorf("unsupported item type"))
	}

	var out []core.Event
	for _, ch := range chunk.Choices {
		// A run streams one assistant turn; n>1 completions have no mapping.
		if ch.Index != 0 {
			return nil, core.NewTranslationError(item, fmt.Errorf("choice %d: only single-choice streams are supported", ch.Index))
		}
		if ch.Delta.Content != "" {
			if t.textID == "" {
				t.textID = t.newID()
				out = append(out, core.TextMessageStart(t.textID, core.RoleAssistant))
			}
			out = append(out, core.TextMessageContent(t.textID, ch.Delta.Content))
		}
		for _, tc := range ch.Delta.ToolCalls {
			st, ok := t.tools[tc.Index]
			if !ok {
				if tc.ID == "" {
					return nil, core.NewTranslationError(item, fmt.Errorf("tool call delta for unknown index %d has no id", tc.Index))
				}
				if tc.Function.Name == "" {
					return nil, core.NewTranslationError(item, fmt.Errorf("tool call %s has no name", tc.ID))
				}
				parent := t.textID
				out = append(out, t.closeText()...)
				st = &toolState{id: tc.ID, name: tc.Function.Name}
				t.tools[tc.Index] = st
				t.order = append(t.order, tc.Index)
				start := core.ToolCallStart(st.id, st.name)
				start.ParentMessageID = parent
				out = append(out, start)
			}
			if tc.Function.Arguments != "" {
				out = append(out, core.ToolCallArgs(st.id, tc.Function.Arguments))
			}
		}
		if ch.FinishReason != "" {
			out = append(out, t.closeAll()...)
		}
	}
	return out, nil
}

// Finish closes whatever the stream left open.
func (t *Translator) Finish() ([]core.Event, error) {
	return t.closeAll(), nil
}

func (t *Translator) closeText() []core.Event {
	if t.textID == "" {
		return nil
	}
	ev := core.TextMessageEnd(t.textID)
	t.textID = ""
	return []core.Event{ev}
}

func (t *Translator) closeAll() []core.Event {
	out := t.closeText()
	for _, idx := range t.order {
		out = append(out, core.ToolCallEnd(t.tools[idx].id))
	}
	t.tools = map[int64]*toolState{}
	t.order = nil
	return out
}
