package core

// Agent is the black-box computation behind a run. Run emits items through
// rc (canonical events or framework-native values for a translator) and
// returns when the turn is complete. A returned error, or a panic, surfaces
// as a run_error event; the engine never retries.
//
// Implementations must:
//   - Respect rc.Context() cancellation at every blocking point
//   - Emit only through rc.Emit, never from goroutines outliving Run
type Agent interface {
	Run(rc *RunContext) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(rc *RunContext) error

// Run calls f.
func (f AgentFunc) Run(rc *RunContext) error { return f(rc) }

// Describer is implemented by agents that expose a human readable summary in
// the agent listing.
type Describer interface {
	Description() string
}
