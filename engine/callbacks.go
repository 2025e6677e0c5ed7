package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/logging"
	"github.com/hupe1980/aguimesh/protocol"
)

// CallbackType names a point in the run lifecycle where callbacks execute.
//
// Available callback types:
//   - BeforeRun/AfterRun: around a complete run
//   - OnEvent: after each event was written to the client
//   - OnWarning: when the protocol machine drops or repairs an event
//   - OnError: when a run ends with an error
//
// Callbacks are executed synchronously. Only a BeforeRun callback can stop a
// run, by returning an error before anything is streamed. Errors from the
// other types are logged and otherwise ignored.
type CallbackType string

const (
	// CallbackBeforeRun is triggered once the run input is prepared and
	// before the agent starts.
	CallbackBeforeRun CallbackType = "before_run"

	// CallbackAfterRun is triggered after the stream ended and the recorder
	// was flushed. Result is set.
	CallbackAfterRun CallbackType = "after_run"

	// CallbackOnEvent is triggered for every event written to the client.
	// It runs on the writer goroutine and must not block.
	CallbackOnEvent CallbackType = "on_event"

	// CallbackOnWarning is triggered for each protocol warning.
	CallbackOnWarning CallbackType = "on_warning"

	// CallbackOnError is triggered when the run ended with an error,
	// including client disconnects and timeouts.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries the run information available at a callback point.
// Fields that do not apply to a callback type are left zero.
type CallbackContext struct {
	CallbackType CallbackType

	AgentID  string
	RunID    string
	ThreadID string

	// Input is the prepared run input (ids assigned, system message
	// injected, state seeded).
	Input core.RunInput

	// Event is set for CallbackOnEvent.
	Event *core.Event

	// Warning is set for CallbackOnWarning.
	Warning *protocol.Warning

	// Result is set for CallbackAfterRun and CallbackOnError.
	Result *Result

	// Err is set for CallbackOnError.
	Err error
}

// Callback is a run lifecycle hook.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackBeforeRun,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("starting %s on thread %s", cc.AgentID, cc.ThreadID)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds the callbacks of an engine.
//
// Callbacks are executed in registration order, and the first error stops
// the remaining callbacks of that type. Registration and execution are safe
// for concurrent use; a callback registered while a run is executing
// callbacks of the same type takes effect from the next execution.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(NewLoggingCallback(CallbackAfterRun, logger))
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// Has reports whether any callback is registered for callbackType.
func (cm *CallbackManager) Has(callbackType CallbackType) bool {
	if cm == nil {
		return false
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.callbacks[callbackType]) > 0
}

// ExecuteCallbacks executes all callbacks registered for callbackType and
// returns the first error. A nil manager executes nothing.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback logs lifecycle points to a logging.Logger.
//
// Example:
//
//	callback := NewLoggingCallback(CallbackOnError, logger)
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the callback point with the run ids and, when present, the
// event kind, the warning and the error. Errors are logged at error level.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	args := []any{
		"callback", string(c.callbackType),
		"agent_id", callbackCtx.AgentID,
		"run_id", callbackCtx.RunID,
		"thread_id", callbackCtx.ThreadID,
	}
	if callbackCtx.Event != nil {
		args = append(args, "event", string(callbackCtx.Event.Kind))
	}
	if callbackCtx.Warning != nil {
		args = append(args, "warning", callbackCtx.Warning.Message)
	}
	if callbackCtx.Result != nil {
		args = append(args, "status", string(callbackCtx.Result.Status), "events", callbackCtx.Result.Events)
	}
	if callbackCtx.Err != nil {
		c.logger.Error("run callback", append(args, "error", callbackCtx.Err)...)
		return nil
	}
	c.logger.Debug("run callback", args...)
	return nil
}
