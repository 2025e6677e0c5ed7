// Package tool runs local functions inside an agent and reports each call on
// the run's event stream as tool_call_start, tool_call_args, tool_call_end and
// tool_call_result.
//
// The engine does not interpret tools. This package is a convenience for
// agents that execute their own tools rather than delegating them to the
// client.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/aguimesh/core"
)

// Tool is a named capability an agent can invoke.
type Tool interface {
	// Name is the identifier reported as tool_call_name.
	Name() string

	// Description is shown to models and clients.
	Description() string

	// Parameters is a JSON schema for the arguments, or nil.
	Parameters() json.RawMessage

	// Call executes the tool. args is the raw JSON argument object.
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// Error codes carried by *Error.
const (
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeExecution        = "EXECUTION_ERROR"
	CodeUnknownTool      = "UNKNOWN_TOOL"
)

// Error reports a failed tool call.
type Error struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an *Error.
func NewError(tool, message, code string) *Error {
	return &Error{Tool: tool, Message: message, Code: code}
}

// Definition describes t the way clients declare tools in RunInput.Tools.
func Definition(t Tool) core.ToolDefinition {
	return core.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
}

// Set is a name-indexed collection of tools.
type Set map[string]Tool

// NewSet indexes tools by name. Later tools replace earlier ones with the
// same name.
func NewSet(tools ...Tool) Set {
	s := make(Set, len(tools))
	for _, t := range tools {
		s[t.Name()] = t
	}
	return s
}

// Definitions lists the set's tools.
func (s Set) Definitions() []core.ToolDefinition {
	out := make([]core.ToolDefinition, 0, len(s))
	for _, t := range s {
		out = append(out, Definition(t))
	}
	return out
}
