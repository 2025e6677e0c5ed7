package tool

import (
	"context"
	"encoding/json"
	"errors"
)

// FunctionTool exposes a typed Go function as a Tool. Arguments are decoded
// from JSON into A before fn runs. A FunctionTool is safe for concurrent use
// when fn is.
type FunctionTool[A any] struct {
	name        string
	description string
	parameters  json.RawMessage
	fn          func(ctx context.Context, args A) (any, error)
}

// NewFunctionTool wraps fn. parameters may be nil.
//
// Example:
//
//	add := tool.NewFunctionTool("add", "Add numbers",
//	    json.RawMessage(`{"type":"object","properties":{"numbers":{"type":"array"}}}`),
//	    func(_ context.Context, args struct{ Numbers []float64 `json:"numbers"` }) (any, error) {
//	        var sum float64
//	        for _, n := range args.Numbers {
//	            sum += n
//	        }
//	        return sum, nil
//	    })
func NewFunctionTool[A any](name, description string, parameters json.RawMessage, fn func(ctx context.Context, args A) (any, error)) *FunctionTool[A] {
	return &FunctionTool[A]{name: name, description: description, parameters: parameters, fn: fn}
}

// Name implements Tool.
func (t *FunctionTool[A]) Name() string { return t.name }

// Description implements Tool.
func (t *FunctionTool[A]) Description() string { return t.description }

// Parameters implements Tool.
func (t *FunctionTool[A]) Parameters() json.RawMessage { return t.parameters }

// Call implements Tool. Decode failures yield CodeInvalidArguments; errors
// from fn that are not already an *Error yield CodeExecution.
func (t *FunctionTool[A]) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var a A
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &Error{Tool: t.name, Message: err.Error(), Code: CodeInvalidArguments, Err: err}
		}
	}

	out, err := t.fn(ctx, a)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &Error{Tool: t.name, Message: err.Error(), Code: CodeExecution, Err: err}
	}
	return out, nil
}
