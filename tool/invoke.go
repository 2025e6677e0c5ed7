package tool

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/aguimesh/core"
)

// Options configures Invoke.
type Options struct {
	// CallID is the tool_call_id. A fresh id is used when empty.
	CallID string

	// ParentMessageID links the call to an assistant message.
	ParentMessageID string

	// ErrorAsResult reports a failed call as a tool_call_result carrying
	// the error text instead of returning the error.
	ErrorAsResult bool
}

// Invoke calls t with args and emits the call on rc. It returns the result
// content as reported in tool_call_result: strings verbatim, anything else
// as JSON.
func Invoke(rc *core.RunContext, t Tool, args json.RawMessage, optFns ...func(o *Options)) (string, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CallID == "" {
		opts.CallID = core.NewID()
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	start := core.ToolCallStart(opts.CallID, t.Name())
	start.ParentMessageID = opts.ParentMessageID
	if err := rc.EmitAll(start, core.ToolCallArgs(opts.CallID, string(args)), core.ToolCallEnd(opts.CallID)); err != nil {
		return "", err
	}

	out, err := t.Call(rc.Context(), args)
	if err != nil {
		rc.Logger.Warn("tool call failed", "tool", t.Name(), "tool_call_id", opts.CallID, "error", err)
		if !opts.ErrorAsResult {
			return "", err
		}
		content := err.Error()
		if emitErr := rc.Emit(core.ToolCallResult(opts.CallID, content)); emitErr != nil {
			return "", emitErr
		}
		return content, nil
	}

	content, err := resultContent(out)
	if err != nil {
		return "", &Error{Tool: t.Name(), Message: err.Error(), Code: CodeExecution, Err: err}
	}
	if err := rc.Emit(core.ToolCallResult(opts.CallID, content)); err != nil {
		return "", err
	}
	return content, nil
}

// InvokeByName looks the tool up in s and invokes it.
func (s Set) InvokeByName(rc *core.RunContext, name string, args json.RawMessage, optFns ...func(o *Options)) (string, error) {
	t, ok := s[name]
	if !ok {
		return "", NewError(name, fmt.Sprintf("tool %q is not registered", name), CodeUnknownTool)
	}
	return Invoke(rc, t, args, optFns...)
}

func resultContent(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	case json.RawMessage:
		return string(r), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
