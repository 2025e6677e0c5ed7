// Package anthropic translates Anthropic Messages stream events into
// canonical events.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/aguimesh/core"
)

type blockKind int

const (
	blockText blockKind = iota
	blockTool
	blockThinking
	blockIgnored
)

type block struct {
	kind blockKind
	id   string
}

// Translator maps anthropic.MessageStreamEventUnion values. Text blocks
// become assistant messages with id "<message id>:<index>", tool_use and
// server_tool_use blocks become tool calls, thinking blocks become thinking
// events. Pings and signature deltas produce nothing.
type Translator struct {
	messageID string
	blocks    map[int64]block
	order     []int64
	newID     func() string
}

// New returns a translator for one run.
func New() *Translator {
	return &Translator{blocks: map[int64]block{}, newID: core.NewID}
}

// Factory returns a core.TranslatorFactory for the router.
func Factory() core.TranslatorFactory {
	return func() core.Translator { return New() }
}

// Translate implements core.Translator.
func (t *Translator) Translate(item any) ([]core.Event, error) {
	var ev anthropic.MessageStreamEventUnion
	switch v := item.(type) {
	case anthropic.MessageStreamEventUnion:
		ev = v
	case *anthropic.MessageStreamEventUnion:
		if v == nil {
			return nil, core.NewTranslationError(item, fmt.Errorf("nil stream event"))
		}
		ev = *v
	default:
		return nil, core.NewTranslationError(item, fmt.Errorf("unsupported item type"))
	}

	switch ev.Type {
	case "message_start":
		t.messageID = ev.Message.ID
		if t.messageID == "" {
			t.messageID = t.newID()
		}
		return nil, nil
	case "content_block_start":
		return t.startBlock(item, ev)
	case "content_block_delta":
		return t.delta(item, ev)
	case "content_block_stop":
		b, ok := t.blocks[ev.Index]
		if !ok {
			return nil, core.NewTranslationError(item, fmt.Errorf("stop for unknown block %d", ev.Index))
		}
		t.remove(ev.Index)
		return closeBlock(b), nil
	case "message_delta", "ping":
		return nil, nil
	case "message_stop":
		return t.closeAll(), nil
	default:
		return nil, core.NewTranslationError(item, fmt.Errorf("unknown stream event type %q", ev.Type))
	}
}

// Finish closes blocks a truncated stream left open.
func (t *Translator) Finish() ([]core.Event, error) {
	return t.closeAll(), nil
}

func (t *Translator) startBlock(item any, ev anthropic.MessageStreamEventUnion) ([]core.Event, error) {
	if t.messageID == "" {
		t.messageID = t.newID()
	}
	cb := ev.ContentBlock
	var out []core.Event
	var b block
	switch cb.Type {
	case "text":
		b = block{kind: blockText, id: fmt.Sprintf("%s:%d", t.messageID, ev.Index)}
		out = append(out, core.TextMessageStart(b.id, core.RoleAssistant))
		if cb.Text != "" {
			out = append(out, core.TextMessageContent(b.id, cb.Text))
		}
	case "tool_use", "server_tool_use":
		if cb.ID == "" || cb.Name == "" {
			return nil, core.NewTranslationError(item, fmt.Errorf("tool block %d lacks id or name", ev.Index))
		}
		b = block{kind: blockTool, id: cb.ID}
		start := core.ToolCallStart(cb.ID, cb.Name)
		start.ParentMessageID = t.messageID
		out = append(out, start)
	case "thinking":
		b = block{kind: blockThinking}
		out = append(out, core.Event{Kind: core.KindThinkingTextMessageStart, Timestamp: core.NowMillis()})
		if cb.Thinking != "" {
			out = append(out, core.ThinkingContent(cb.Thinking))
		}
	case "redacted_thinking":
		b = block{kind: blockIgnored}
	default:
		return nil, core.NewTranslationError(item, fmt.Errorf("unknown content block type %q", cb.Type))
	}
	t.blocks[ev.Index] = b
	t.order = append(t.order, ev.Index)
	return out, nil
}

func (t *Translator) delta(item any, ev anthropic.MessageStreamEventUnion) ([]core.Event, error) {
	b, ok := t.blocks[ev.Index]
	if !ok {
		return nil, core.NewTranslationError(item, fmt.Errorf("delta for unknown block %d", ev.Index))
	}
	d := ev.Delta
	switch d.Type {
	case "text_delta":
		if d.Text == "" {
			return nil, nil
		}
		return []core.Event{core.TextMessageContent(b.id, d.Text)}, nil
	case "input_json_delta":
		if d.PartialJSON == "" {
			return nil, nil
		}
		return []core.Event{core.ToolCallArgs(b.id, d.PartialJSON)}, nil
	case "thinking_delta":
		if d.Thinking == "" {
			return nil, nil
		}
		return []core.Event{core.ThinkingContent(d.Thinking)}, nil
	case "signature_delta":
		return nil, nil
	case "citations_delta":
		return []core.Event{core.Custom("citation", json.RawMessage(d.RawJSON()))}, nil
	default:
		return nil, core.NewTranslationError(item, fmt.Errorf("unknown delta type %q", d.Type))
	}
}

func (t *Translator) remove(idx int64) {
	delete(t.blocks, idx)
	for i, v := range t.order {
		if v == idx {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *Translator) closeAll() []core.Event {
	var out []core.Event
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, closeBlock(t.blocks[t.order[i]])...)
	}
	t.blocks = map[int64]block{}
	t.order = nil
	return out
}

func closeBlock(b block) []core.Event {
	switch b.kind {
	case blockText:
		return []core.Event{core.TextMessageEnd(b.id)}
	case blockTool:
		return []core.Event{core.ToolCallEnd(b.id)}
	case blockThinking:
		return []core.Event{{Kind: core.KindThinkingTextMessageEnd, Timestamp: core.NowMillis()}}
	default:
		return nil
	}
}
