package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Wire codes carried by run_error events.
const (
	CodeProtocolViolation = "protocol_violation"
	CodeTranslationError  = "translation_error"
	CodeAgentFailure      = "agent_failure"
	CodeTimeout           = "timeout"
)

var (
	// ErrClientDisconnected reports that the downstream client went away. It
	// is not a run failure: no terminal event is written.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrNotFound is returned by stores for missing entities.
	ErrNotFound = errors.New("not found")
)

// ViolationKind names one broken ordering rule.
type ViolationKind string

// Violation kinds recognised by the protocol state machine.
const (
	ViolationDuplicateRunStart      ViolationKind = "duplicate_run_start"
	ViolationDuplicateMessageStart  ViolationKind = "duplicate_message_start"
	ViolationUnknownMessage         ViolationKind = "unknown_message"
	ViolationDuplicateToolCallStart ViolationKind = "duplicate_tool_call_start"
	ViolationUnknownToolCall        ViolationKind = "unknown_tool_call"
	ViolationResultBeforeEnd        ViolationKind = "result_before_end"
	ViolationDuplicateResult        ViolationKind = "duplicate_result"
	ViolationDuplicateEnd           ViolationKind = "duplicate_end"
	ViolationInvalidEvent           ViolationKind = "invalid_event"
)

// ProtocolViolation is an ordering or structural rule broken by the producer.
type ProtocolViolation struct {
	Kind      ViolationKind
	EventKind Kind
	ID        string
	Detail    string
}

func (v *ProtocolViolation) Error() string {
	msg := "protocol violation: " + string(v.Kind)
	if v.EventKind != "" {
		msg += " on " + string(v.EventKind)
	}
	if v.ID != "" {
		msg += fmt.Sprintf(" (id %q)", v.ID)
	}
	if v.Detail != "" {
		msg += ": " + v.Detail
	}
	return msg
}

// TranslationError reports a framework-native item a translator could not map.
type TranslationError struct {
	Item  string // short description of the offending item
	Cause error
}

func (e *TranslationError) Error() string {
	if e.Cause == nil {
		return "translation error: " + e.Item
	}
	return fmt.Sprintf("translation error: %s: %v", e.Item, e.Cause)
}

func (e *TranslationError) Unwrap() error { return e.Cause }

// NewTranslationError builds a TranslationError for item.
func NewTranslationError(item any, cause error) *TranslationError {
	return &TranslationError{Item: fmt.Sprintf("%T", item), Cause: cause}
}

// AgentFailure wraps an error returned (or a panic raised) by an agent.
type AgentFailure struct {
	Agent string
	Cause error
	Panic bool
}

func (e *AgentFailure) Error() string {
	if e.Panic {
		return fmt.Sprintf("agent %s panicked: %v", e.Agent, e.Cause)
	}
	return fmt.Sprintf("agent %s failed: %v", e.Agent, e.Cause)
}

func (e *AgentFailure) Unwrap() error { return e.Cause }

// TimeoutExceeded reports that a run hit its overall deadline.
type TimeoutExceeded struct {
	After time.Duration
}

func (e *TimeoutExceeded) Error() string {
	return fmt.Sprintf("run timed out after %s", e.After)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutExceeded) Is(target error) bool { return target == context.DeadlineExceeded }

// StorageFailure wraps a failed store write. It is advisory only and never
// reaches the client stream.
type StorageFailure struct {
	Op    string
	ID    string
	Cause error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Cause)
}

func (e *StorageFailure) Unwrap() error { return e.Cause }

// CodeOf maps err to the run_error code clients see.
func CodeOf(err error) string {
	var (
		pv *ProtocolViolation
		te *TranslationError
		to *TimeoutExceeded
	)
	switch {
	case errors.As(err, &pv):
		return CodeProtocolViolation
	case errors.As(err, &te):
		return CodeTranslationError
	case errors.As(err, &to):
		return CodeTimeout
	default:
		return CodeAgentFailure
	}
}

// Redactor turns a run failure into the message written to the client.
type Redactor func(err error) string

// SafeRedactor hides internal detail behind a generic message per code.
func SafeRedactor(err error) string {
	switch CodeOf(err) {
	case CodeProtocolViolation:
		return "Agent produced an invalid event sequence"
	case CodeTranslationError:
		return "Agent output could not be translated"
	case CodeTimeout:
		return "Agent execution timed out"
	default:
		return "Agent execution failed"
	}
}

// FullRedactor exposes the original error message.
func FullRedactor(err error) string { return err.Error() }

// RedactorFor returns the redactor for an error detail policy ("safe" or
// "full"). Anything else resolves to safe.
func RedactorFor(policy string) Redactor {
	if policy == "full" {
		return FullRedactor
	}
	return SafeRedactor
}
