package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the AG-UI event discriminator written as the "type" field on the
// wire. Kinds outside the known set are valid and pass through unmodified.
type Kind string

// Known event kinds.
const (
	KindRunStarted   Kind = "run_started"
	KindRunFinished  Kind = "run_finished"
	KindRunError     Kind = "run_error"
	KindStepStarted  Kind = "step_started"
	KindStepFinished Kind = "step_finished"

	KindTextMessageStart   Kind = "text_message_start"
	KindTextMessageContent Kind = "text_message_content"
	KindTextMessageEnd     Kind = "text_message_end"

	KindToolCallStart  Kind = "tool_call_start"
	KindToolCallArgs   Kind = "tool_call_args"
	KindToolCallEnd    Kind = "tool_call_end"
	KindToolCallResult Kind = "tool_call_result"

	KindThinkingStart              Kind = "thinking_start"
	KindThinkingEnd                Kind = "thinking_end"
	KindThinkingTextMessageStart   Kind = "thinking_text_message_start"
	KindThinkingTextMessageContent Kind = "thinking_text_message_content"
	KindThinkingTextMessageEnd     Kind = "thinking_text_message_end"

	KindStateSnapshot    Kind = "state_snapshot"
	KindStateDelta       Kind = "state_delta"
	KindMessagesSnapshot Kind = "messages_snapshot"
	KindRaw              Kind = "raw"
	KindCustom           Kind = "custom"
)

// Category groups kinds by the role they play in the protocol.
type Category int

// Event categories.
const (
	CategoryUnknown Category = iota
	CategoryRunLifecycle
	CategoryMessageLifecycle
	CategoryMessageContent
	CategoryToolLifecycle
	CategoryToolContent
	CategoryToolResult
	CategoryThinkingContent
	CategoryError
	CategoryCustomState
)

var categories = map[Kind]Category{
	KindRunStarted:                 CategoryRunLifecycle,
	KindRunFinished:                CategoryRunLifecycle,
	KindRunError:                   CategoryError,
	KindStepStarted:                CategoryCustomState,
	KindStepFinished:               CategoryCustomState,
	KindTextMessageStart:           CategoryMessageLifecycle,
	KindTextMessageContent:         CategoryMessageContent,
	KindTextMessageEnd:             CategoryMessageLifecycle,
	KindToolCallStart:              CategoryToolLifecycle,
	KindToolCallArgs:               CategoryToolContent,
	KindToolCallEnd:                CategoryToolLifecycle,
	KindToolCallResult:             CategoryToolResult,
	KindThinkingStart:              CategoryThinkingContent,
	KindThinkingEnd:                CategoryThinkingContent,
	KindThinkingTextMessageStart:   CategoryThinkingContent,
	KindThinkingTextMessageContent: CategoryThinkingContent,
	KindThinkingTextMessageEnd:     CategoryThinkingContent,
	KindStateSnapshot:              CategoryCustomState,
	KindStateDelta:                 CategoryCustomState,
	KindMessagesSnapshot:           CategoryCustomState,
	KindRaw:                        CategoryCustomState,
	KindCustom:                     CategoryCustomState,
}

// Category reports the category of k. Unknown kinds map to CategoryUnknown.
func (k Kind) Category() Category { return categories[k] }

// Known reports whether k belongs to the closed set of recognised kinds.
func (k Kind) Known() bool {
	_, ok := categories[k]
	return ok
}

// Terminal reports whether k ends a run.
func (k Kind) Terminal() bool { return k == KindRunFinished || k == KindRunError }

func (c Category) String() string {
	switch c {
	case CategoryRunLifecycle:
		return "run-lifecycle"
	case CategoryMessageLifecycle:
		return "message-lifecycle"
	case CategoryMessageContent:
		return "message-content"
	case CategoryToolLifecycle:
		return "tool-lifecycle"
	case CategoryToolContent:
		return "tool-content"
	case CategoryToolResult:
		return "tool-result"
	case CategoryThinkingContent:
		return "thinking-content"
	case CategoryError:
		return "error"
	case CategoryCustomState:
		return "custom-state"
	default:
		return "unknown"
	}
}

// Roles a text message may carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Event is one canonical AG-UI record. It is a flat value: Kind selects which
// of the fields are meaningful. After emission it should be treated as
// immutable. Fields the model does not know are preserved in Extra so that
// forward-compatible events survive a decode/encode cycle.
type Event struct {
	Kind      Kind
	Timestamp int64 // epoch milliseconds

	RunID       string
	ThreadID    string
	ParentRunID string

	MessageID       string
	ParentMessageID string
	Role            string
	Delta           string

	ToolCallID   string
	ToolCallName string
	Content      string

	Message string
	Code    string

	StepName string
	Name     string

	Value    json.RawMessage // custom
	Snapshot json.RawMessage // state_snapshot
	Patch    json.RawMessage // state_delta, written as "delta"
	Messages json.RawMessage // messages_snapshot
	Result   json.RawMessage // run_finished
	Raw      json.RawMessage // raw, written as "event"
	Source   string          // raw

	Extra map[string]json.RawMessage
}

// Time returns the event timestamp as a UTC time.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp).UTC() }

// EntityID returns the message or tool call id an event refers to, or "".
func (e Event) EntityID() string {
	switch e.Kind.Category() {
	case CategoryMessageLifecycle, CategoryMessageContent:
		return e.MessageID
	case CategoryToolLifecycle, CategoryToolContent, CategoryToolResult:
		return e.ToolCallID
	}
	return ""
}

// NewID returns a new random identifier.
func NewID() string { return uuid.NewString() }

// NowMillis is the timestamp source used by constructors.
func NowMillis() int64 { return time.Now().UnixMilli() }

// RunStarted builds a run_started event.
func RunStarted(runID, threadID string) Event {
	return Event{Kind: KindRunStarted, RunID: runID, ThreadID: threadID, Timestamp: NowMillis()}
}

// RunFinished builds a run_finished event.
func RunFinished(runID, threadID string) Event {
	return Event{Kind: KindRunFinished, RunID: runID, ThreadID: threadID, Timestamp: NowMillis()}
}

// RunError builds a run_error event.
func RunError(message, code string) Event {
	return Event{Kind: KindRunError, Message: message, Code: code, Timestamp: NowMillis()}
}

// TextMessageStart builds a text_message_start event.
func TextMessageStart(messageID, role string) Event {
	return Event{Kind: KindTextMessageStart, MessageID: messageID, Role: role, Timestamp: NowMillis()}
}

// TextMessageContent builds a text_message_content event.
func TextMessageContent(messageID, delta string) Event {
	return Event{Kind: KindTextMessageContent, MessageID: messageID, Delta: delta, Timestamp: NowMillis()}
}

// TextMessageEnd builds a text_message_end event.
func TextMessageEnd(messageID string) Event {
	return Event{Kind: KindTextMessageEnd, MessageID: messageID, Timestamp: NowMillis()}
}

// ToolCallStart builds a tool_call_start event.
func ToolCallStart(toolCallID, name string) Event {
	return Event{Kind: KindToolCallStart, ToolCallID: toolCallID, ToolCallName: name, Timestamp: NowMillis()}
}

// ToolCallArgs builds a tool_call_args event.
func ToolCallArgs(toolCallID, delta string) Event {
	return Event{Kind: KindToolCallArgs, ToolCallID: toolCallID, Delta: delta, Timestamp: NowMillis()}
}

// ToolCallEnd builds a tool_call_end event.
func ToolCallEnd(toolCallID string) Event {
	return Event{Kind: KindToolCallEnd, ToolCallID: toolCallID, Timestamp: NowMillis()}
}

// ToolCallResult builds a tool_call_result event.
func ToolCallResult(toolCallID, content string) Event {
	return Event{Kind: KindToolCallResult, ToolCallID: toolCallID, Content: content, Timestamp: NowMillis()}
}

// ThinkingContent builds a thinking_text_message_content event.
func ThinkingContent(delta string) Event {
	return Event{Kind: KindThinkingTextMessageContent, Delta: delta, Timestamp: NowMillis()}
}

// StateSnapshot builds a state_snapshot event.
func StateSnapshot(snapshot json.RawMessage) Event {
	return Event{Kind: KindStateSnapshot, Snapshot: snapshot, Timestamp: NowMillis()}
}

// Custom builds a custom event. Value is marshalled eagerly; a value that
// cannot be marshalled is stored as JSON null.
func Custom(name string, value any) Event {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Event{Kind: KindCustom, Name: name, Value: raw, Timestamp: NowMillis()}
}
