package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string ("debug", "info", ...) to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Logger defines the minimal logging interface used throughout the engine.
// Args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewSlogAdapter adapts an existing *slog.Logger. *slog.Logger already has
// the Logger method set.
func NewSlogAdapter(logger *slog.Logger) Logger { return logger }

// RunLogger is a slog based Logger carrying run scope: component, agent,
// run and thread ids. The With* methods return a new logger and leave the
// receiver untouched.
type RunLogger struct {
	base      *slog.Logger
	component string
	attrs     []any
	logger    *slog.Logger
}

// LoggerConfig configures construction of a RunLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json or text
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// NewLogger builds a RunLogger from cfg. A nil cfg logs JSON at info level
// to stdout.
func NewLogger(cfg *LoggerConfig) *RunLogger {
	if cfg == nil {
		cfg = &LoggerConfig{Level: LogLevelInfo, Format: "json"}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	base := slog.New(handler)
	if len(cfg.CustomAttrs) > 0 {
		keys := make([]string, 0, len(cfg.CustomAttrs))
		for k := range cfg.CustomAttrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			base = base.With(k, cfg.CustomAttrs[k])
		}
	}
	return (&RunLogger{base: base}).rebuild(cfg.Component, nil)
}

// NewSlogLogger is NewLogger writing to stdout.
func NewSlogLogger(level LogLevel, format string, addSource bool) *RunLogger {
	if format == "" {
		format = "json"
	}
	return NewLogger(&LoggerConfig{Level: level, Format: format, AddSource: addSource})
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// rebuild derives a logger with the given component and attributes. The
// component is kept apart so that replacing it never duplicates the key.
func (l *RunLogger) rebuild(component string, attrs []any) *RunLogger {
	nl := &RunLogger{base: l.base, component: component, attrs: attrs, logger: l.base}
	if component != "" {
		nl.logger = nl.logger.With("component", component)
	}
	if len(attrs) > 0 {
		nl.logger = nl.logger.With(attrs...)
	}
	return nl
}

func (l *RunLogger) with(args ...any) *RunLogger {
	attrs := make([]any, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, args...)
	return l.rebuild(l.component, attrs)
}

// WithContext adds a key/value attribute to every entry.
func (l *RunLogger) WithContext(key string, value any) *RunLogger { return l.with(key, value) }

// WithComponent sets the logical component (engine, transport, recorder, ...).
func (l *RunLogger) WithComponent(c string) *RunLogger { return l.rebuild(c, l.attrs) }

// WithAgent attaches the agent id.
func (l *RunLogger) WithAgent(agentID string) *RunLogger { return l.with("agent_id", agentID) }

// WithRun attaches run and thread ids.
func (l *RunLogger) WithRun(runID, threadID string) *RunLogger {
	return l.with("run_id", runID, "thread_id", threadID)
}

// Debug logs at debug level.
func (l *RunLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Info logs at info level.
func (l *RunLogger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Warn logs at warn level.
func (l *RunLogger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Error logs at error level.
func (l *RunLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// LogRun records the outcome of one run: info when it completed, warn when
// it ended with err.
func (l *RunLogger) LogRun(status string, events, keepalives, dropped int, dur time.Duration, err error) {
	args := []any{
		"status", status,
		"event_count", events,
		"keepalive_count", keepalives,
		"dropped_count", dropped,
		"duration", dur,
	}
	if err != nil {
		l.logger.Warn("run ended with error", append(args, "error", err.Error())...)
		return
	}
	l.logger.Info("run completed", args...)
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}
