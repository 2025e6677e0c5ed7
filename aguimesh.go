// Package aguimesh assembles a runnable AG-UI service from a config.Config:
// the process logger, the store backend, the engine and the declared agents.
// Most applications interact with this package by:
//  1. Loading a config with config.Load (or using config.Default)
//  2. Building a Mesh via New
//  3. Serving it over HTTP with Serve, or running agents directly through
//     Mesh.Engine
//
// Everything here is wiring; the streaming pipeline itself lives in the
// engine, protocol and sse packages.
package aguimesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/aguimesh/agent"
	"github.com/hupe1980/aguimesh/config"
	"github.com/hupe1980/aguimesh/core"
	"github.com/hupe1980/aguimesh/engine"
	"github.com/hupe1980/aguimesh/internal/util"
	"github.com/hupe1980/aguimesh/logging"
	"github.com/hupe1980/aguimesh/protocol"
	"github.com/hupe1980/aguimesh/server"
	"github.com/hupe1980/aguimesh/sse"
	"github.com/hupe1980/aguimesh/store"
	"github.com/hupe1980/aguimesh/telemetry"
)

// Options tunes Mesh construction beyond what the config file covers.
type Options struct {
	// LogOutput receives process logs. Defaults to stderr.
	LogOutput io.Writer

	// Logger replaces the logger built from the log section.
	Logger logging.Logger

	// Telemetry defaults to the global OpenTelemetry providers.
	Telemetry *telemetry.Telemetry

	// Callbacks are handed to the engine.
	Callbacks *engine.CallbackManager
}

// Mesh is a configured engine plus the resources it owns.
type Mesh struct {
	Engine *engine.Engine
	Config *config.Config
	Logger logging.Logger

	logCtx  context.Context
	closers []func(ctx context.Context) error
}

// New builds a Mesh from cfg. The store connection is opened here; call
// Close to release it.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Mesh, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := Options{LogOutput: os.Stderr}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.New()
	}

	m := &Mesh{Config: cfg}
	if opts.Logger != nil {
		m.Logger = opts.Logger
	} else {
		m.Logger, m.logCtx = NewLogger(ctx, cfg, opts.LogOutput)
	}

	st, closeStore, err := NewStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		m.closers = append(m.closers, closeStore)
	}

	// Validate has already accepted every enum below.
	policy, _ := cfg.Protocol.Policy()
	backpressure, _ := sse.ParseBackpressure(cfg.SSE.Backpressure)
	statePolicy, _ := store.ParseStatePolicy(cfg.Storage.StatePolicy)

	m.Engine = engine.New(func(o *engine.Options) {
		o.Store = st
		o.Logger = m.Logger
		o.ErrorDetail = cfg.ErrorDetail()
		o.MaxConcurrentRuns = cfg.Server.MaxConcurrentRuns
		o.Timeout = cfg.SSE.Timeout.D()
		o.KeepaliveInterval = cfg.SSE.KeepaliveInterval.D()
		o.Backpressure = backpressure
		o.Policy = policy
		o.StatePolicy = statePolicy
		o.StoreWriteTimeout = cfg.Storage.WriteTimeout.D()
		o.Callbacks = opts.Callbacks
		o.Telemetry = opts.Telemetry
	})

	built := make(map[string]core.Agent, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if err := m.register(a, built); err != nil {
			_ = m.Close(ctx)
			return nil, err
		}
	}

	m.Logger.Info("mesh ready",
		"agents", len(cfg.Agents),
		"storage", cfg.Storage.Driver,
		"error_detail", cfg.ErrorDetail())
	return m, nil
}

// register adds a to the engine. built holds the agents registered so far,
// adapted to emit core events, for use as composite children.
func (m *Mesh) register(a config.AgentConfig, built map[string]core.Agent) error {
	var (
		ag         core.Agent
		translator core.TranslatorFactory
		err        error
	)
	if a.Composite() {
		ag, err = NewComposite(a, built)
	} else {
		ag, translator, err = NewAgent(a)
	}
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.ID, err)
	}
	built[a.ID] = agent.Translated(ag, translator)

	var override *protocol.Policy
	if a.Protocol != nil {
		p, err := a.Protocol.Policy()
		if err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
		override = &p
	}

	var system *util.Template
	if a.SystemMessage != "" {
		t, err := util.ParseTemplate(a.SystemMessage)
		if err != nil {
			return fmt.Errorf("agent %s: system_message: %w", a.ID, err)
		}
		system = t
	}

	m.Engine.Register(a.ID, ag, func(c *engine.AgentConfig) {
		c.Translator = translator
		c.Policy = override
		c.Timeout = a.Timeout.D()
		c.Description = a.Description
		if system != nil {
			c.SystemMessage = func(input core.RunInput) string {
				text, err := system.Render(input.State)
				if err != nil {
					m.Logger.Warn("system message render failed", "agent_id", a.ID, "error", err)
					return a.SystemMessage
				}
				return text
			}
		}
	})
	m.Logger.Debug("agent registered", "agent_id", a.ID, "provider", a.Provider, "model", a.Model)
	return nil
}

// Handler returns the HTTP API for the mesh.
func (m *Mesh) Handler() *server.Server {
	return server.New(m.Engine, func(o *server.Options) {
		o.Logger = m.Logger
		o.LogContext = m.logCtx
	})
}

// Serve listens on the configured address until ctx is done.
func (m *Mesh) Serve(ctx context.Context) error {
	return m.Handler().ListenAndServe(ctx, m.Config.Server.Addr, m.Config.Server.ShutdownTimeout.D())
}

// Close releases the store connection.
func (m *Mesh) Close(ctx context.Context) error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i](ctx))
	}
	m.closers = nil
	return errors.Join(errs...)
}

// NewLogger builds the process logger for cfg.Log. For the clue format the
// returned context carries the clue logger; it is nil otherwise.
func NewLogger(ctx context.Context, cfg *config.Config, w io.Writer) (logging.Logger, context.Context) {
	level, _ := logging.ParseLevel(cfg.Log.Level)
	switch cfg.Log.Format {
	case "charm":
		return logging.NewCharmLogger(w, level), nil
	case "clue":
		l := logging.NewClueLogger(ctx, level == logging.LogLevelDebug)
		return l, l.Context()
	default:
		return logging.NewLogger(&logging.LoggerConfig{
			Level:       level,
			Format:      cfg.Log.Format,
			Output:      w,
			Component:   "aguimesh",
			CustomAttrs: map[string]any{},
		}), nil
	}
}
