// Package engine routes runs to registered agents and streams them as AG-UI
// events.
//
// # Core Responsibilities
//
// Agent Management:
//   - Thread-safe agent registry keyed by id
//   - Per-agent translator, protocol policy, timeout and system message
//   - Sorted listing with descriptions
//
// Run Orchestration:
//   - Streaming (Stream) and collecting (Collect) execution
//   - Bounded concurrency (ErrTooManyRuns) and explicit Stop
//   - Context-aware cancellation: a client disconnect stops the agent
//
// Persistence and Observability:
//   - A store.Recorder observes every event written to the client
//   - Thread state is seeded from a core.StateStore and saved per policy
//   - One telemetry span per run; callbacks at each lifecycle point
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Engine                            │
//	│  ┌──────────┐  ┌────────────┐  ┌──────────┐  ┌────────┐  │
//	│  │  Agent   │─▶│ Translator │─▶│ Protocol │─▶│  SSE   │──┼─▶ client
//	│  │goroutine │  │   (Pipe)   │  │ Machine  │  │ writer │  │
//	│  └──────────┘  └────────────┘  └──────────┘  └───┬────┘  │
//	│                                                  │       │
//	│            observers (write order)  ◀────────────┘       │
//	│  ┌──────────┐  ┌────────────┐  ┌──────────────────────┐  │
//	│  │ Recorder │  │ Telemetry  │  │  on_event callbacks  │  │
//	│  └────┬─────┘  └────────────┘  └──────────────────────┘  │
//	└───────┼──────────────────────────────────────────────────┘
//	        ▼
//	   core.Store
//
// Each stage is a pull-based core.Source: nothing is produced ahead of what
// the client has accepted, except for the single event the transport holds
// while writing.
//
// # Usage Patterns
//
// Basic Setup:
//
//	e := engine.New(func(o *engine.Options) {
//	    o.Store = store.NewInMemoryStore()
//	    o.ErrorDetail = "safe"
//	})
//	e.Register("echo", echoAgent)
//
// Streaming Execution:
//
//	res, err := e.Stream(ctx, "echo", input, w)
//	if errors.Is(err, engine.ErrAgentNotFound) {
//	    http.NotFound(w, r)
//	}
//
// Collecting Execution:
//
//	out, err := e.Collect(ctx, "echo", input)
//	if err != nil {
//	    return err
//	}
//	if out.HasError {
//	    log.Println(out.Result.Err)
//	}
//
// # Error Handling
//
//   - Immediate errors: unknown agent, saturation and before_run callbacks
//     are returned before anything is written
//   - Run failures: agent errors and panics, translation errors and
//     protocol violations become a single run_error on the stream
//   - Transport errors: timeouts and client disconnects are returned
//   - Storage errors: logged only, they never reach the client
package engine
