// Package logging provides a minimal logging interface and adapters for the
// streaming engine.
//
// The Logger interface defines the standard logging methods (Debug, Info,
// Warn, Error) that the engine, transport and recorder use. This package
// includes:
//
//   - Logger interface for dependency injection
//   - RunLogger built on log/slog, and NewSlogAdapter for an existing *slog.Logger
//   - ClueLogger delegating to goa.design/clue/log
//   - CharmLogger delegating to charmbracelet/log for terminals
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
package logging
