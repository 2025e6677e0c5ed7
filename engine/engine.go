package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/logging"
	"github.com/hupe1980/aguimesh/protocol"
	"github.com/hupe1980/aguimesh/sse"
	"github.com/hupe1980/aguimesh/store"
	"github.com/hupe1980/aguimesh/telemetry"
	"github.com/hupe1980/aguimesh/translate"
)

var (
	// ErrAgentNotFound is returned for an agent id nobody registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrTooManyRuns is returned when MaxConcurrentRuns runs are in flight.
	ErrTooManyRuns = errors.New("too many concurrent runs")

	// ErrRunNotFound is returned by Stop for a run that is not active.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunStopped is the cause recorded for a run cancelled through Stop.
	ErrRunStopped = errors.New("run stopped")
)

// Options configures an Engine instance using the functional options pattern.
//
// Every field has a default suited to development and tests: an in-memory
// store, a no-op logger, no telemetry and the transport defaults (30s
// keepalive, 300s timeout, blocking backpressure, strict protocol).
//
// Example:
//
//	e := engine.New(func(o *engine.Options) {
//	    o.Store = sqliteStore
//	    o.Logger = logger
//	    o.ErrorDetail = "full"
//	    o.MaxConcurrentRuns = 50
//	})
type Options struct {
	// Store persists threads, messages, tool calls and runs. If it also
	// implements core.StateStore, thread state is loaded and saved.
	Store core.Store

	// Logger provides structured logging. A *logging.RunLogger gets the
	// agent and run ids attached per run.
	Logger logging.Logger

	// ErrorDetail is "safe" (generic client messages) or "full" (the
	// original error text).
	ErrorDetail string

	// MaxConcurrentRuns limits runs in flight. Zero means unlimited.
	MaxConcurrentRuns int

	// Timeout bounds a run. Zero disables the deadline.
	Timeout time.Duration

	// KeepaliveInterval is the idle time after which a keepalive comment is
	// written. Zero disables keepalives.
	KeepaliveInterval time.Duration

	Backpressure sse.Backpressure

	// Policy is the protocol policy for agents without an override.
	Policy protocol.Policy

	// StatePolicy decides when thread state is saved.
	StatePolicy store.StatePolicy

	// StoreWriteTimeout bounds each store write and the final flush.
	StoreWriteTimeout time.Duration

	Callbacks *CallbackManager
	Telemetry *telemetry.Telemetry

	// Clock stamps synthesized events and persisted entities.
	Clock func() time.Time
}

// AgentConfig holds per-agent settings given at registration.
type AgentConfig struct {
	// Translator creates the per-run translator for the agent's items.
	// Defaults to translate.IdentityFactory.
	Translator core.TranslatorFactory

	// Policy overrides the engine's protocol policy.
	Policy *protocol.Policy

	// Timeout and KeepaliveInterval override the engine settings when
	// non-zero.
	Timeout           time.Duration
	KeepaliveInterval time.Duration

	// SystemMessage returns the system prompt prepended to the input
	// messages. An empty string injects nothing.
	SystemMessage func(input core.RunInput) string

	// Description is shown in the agent listing. Agents implementing
	// core.Describer provide their own when this is empty.
	Description string
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID          string
	Description string
	Agent       core.Agent
}

type registration struct {
	agent core.Agent
	cfg   AgentConfig
}

type activeRun struct {
	cancel  context.CancelFunc
	stopped bool
}

// Engine routes runs to registered agents and streams them to clients.
//
// The Engine is the central coordination point of a deployment. For every
// run it assembles the pipeline
//
//	agent -> translator -> protocol machine -> SSE transport
//
// and attaches the recorder, telemetry and callbacks as observers of what is
// actually written to the client.
//
// Core Responsibilities:
//   - Agent Registry: Thread-safe registration and lookup by id
//   - Run Preparation: ids, system message injection, state seeding
//   - Run Management: bounded concurrency, Stop, active run tracking
//   - Persistence: a store.Recorder per run, flushed before Stream returns
//
// Concurrency Model:
//   - The registry and the active run set are guarded by separate mutexes
//   - Each run starts one agent goroutine; emission is synchronous so the
//     agent never runs ahead of the client
//   - Observers run on the writer goroutine, in write order
//
// Example Usage:
//
//	e := engine.New()
//	e.Register("echo", echoAgent)
//
//	res, err := e.Stream(ctx, "echo", core.RunInput{Messages: msgs}, w)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.Status, res.Events)
type Engine struct {
	store     core.Store
	logger    logging.Logger
	redact    core.Redactor
	callbacks *CallbackManager
	telemetry *telemetry.Telemetry
	opts      Options

	limiter *runLimiter

	// Agent registry
	agents map[string]registration
	mu     sync.RWMutex

	// Active runs by run id
	active   map[string]*activeRun
	activeMu sync.Mutex
}

// New creates an Engine with defaults for every option left unset.
//
// Examples:
//
//	// Minimal setup with all defaults
//	e := New()
//
//	// Production setup
//	e := New(func(o *Options) {
//	    o.Store = mongoStore
//	    o.Logger = logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	    o.Telemetry = telemetry.New()
//	})
//
// The Engine does not take ownership of the store; callers close it.
func New(
	optFns ...func(o *Options),
) *Engine {
	opts := Options{
		Store:             store.NewInMemoryStore(),
		Logger:            logging.NoOpLogger{},
		ErrorDetail:       "safe",
		Timeout:           300 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		Backpressure:      sse.BackpressureBlock,
		Policy:            protocol.Strict(),
		StatePolicy:       store.StateAlways,
		StoreWriteTimeout: 10 * time.Second,
		Telemetry:         telemetry.Noop(),
		Clock:             time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = store.NewInMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Engine{
		store:     opts.Store,
		logger:    opts.Logger,
		redact:    core.RedactorFor(opts.ErrorDetail),
		callbacks: opts.Callbacks,
		telemetry: opts.Telemetry,
		opts:      opts,
		limiter:   newRunLimiter(opts.MaxConcurrentRuns),
		agents:    make(map[string]registration),
		active:    make(map[string]*activeRun),
	}
}

// Store returns the engine's store.
func (e *Engine) Store() core.Store { return e.store }

// Register adds an agent under id, replacing any agent registered before.
//
// Example:
//
//	e.Register("assistant", openaiAgent, func(c *engine.AgentConfig) {
//	    c.SystemMessage = func(core.RunInput) string { return "Be brief." }
//	    c.Description = "General assistant"
//	})
//
// Runs already in flight keep the agent they started with.
func (e *Engine) Register(id string, agent core.Agent, optFns ...func(c *AgentConfig)) {
	cfg := AgentConfig{Translator: translate.IdentityFactory()}
	for _, fn := range optFns {
		fn(&cfg)
	}
	if cfg.Translator == nil {
		cfg.Translator = translate.IdentityFactory()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[id] = registration{agent: agent, cfg: cfg}
}

// RegisterFunc registers a function as an agent.
func (e *Engine) RegisterFunc(id string, fn func(rc *core.RunContext) error, optFns ...func(c *AgentConfig)) {
	e.Register(id, core.AgentFunc(fn), optFns...)
}

// Unregister removes an agent. It reports whether the agent existed.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.agents[id]
	delete(e.agents, id)
	return ok
}

// Agents returns the registered agent ids, sorted.
func (e *Engine) Agents() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Agent returns the registered agent id and its description.
func (e *Engine) Agent(id string) (AgentInfo, bool) {
	reg, ok := e.lookup(id)
	if !ok {
		return AgentInfo{}, false
	}
	desc := reg.cfg.Description
	if d, ok := reg.agent.(core.Describer); ok && desc == "" {
		desc = d.Description()
	}
	return AgentInfo{ID: id, Description: desc, Agent: reg.agent}, true
}

func (e *Engine) lookup(id string) (registration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.agents[id]
	return reg, ok
}

// Stop cancels an active run. The client receives a run_error and the run
// is persisted as cancelled.
func (e *Engine) Stop(runID string) error {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	run, ok := e.active[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	run.stopped = true
	run.cancel()
	return nil
}

// Active returns the ids of the runs in flight, sorted.
func (e *Engine) Active() []string {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) track(runID string, cancel context.CancelFunc) error {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if _, ok := e.active[runID]; ok {
		return fmt.Errorf("run %s is already active", runID)
	}
	e.active[runID] = &activeRun{cancel: cancel}
	return nil
}

func (e *Engine) untrack(runID string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, runID)
}

func (e *Engine) stopped(runID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	run, ok := e.active[runID]
	return ok && run.stopped
}

// runLogger attaches the run ids when the configured logger supports it.
func (e *Engine) runLogger(agentID, runID, threadID string) logging.Logger {
	if rl, ok := e.logger.(*logging.RunLogger); ok {
		return rl.WithComponent("engine").WithAgent(agentID).WithRun(runID, threadID)
	}
	return e.logger
}
