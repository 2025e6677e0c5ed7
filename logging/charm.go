package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// CharmLogger writes human friendly, colourised lines through
// charmbracelet/log. The CLI uses it when attached to a terminal.
type CharmLogger struct {
	l *log.Logger
}

// NewCharmLogger creates a CharmLogger writing to w (stderr when nil).
func NewCharmLogger(w io.Writer, level LogLevel) *CharmLogger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{
		Level:           charmLevel(level),
		ReportTimestamp: true,
	})
	return &CharmLogger{l: l}
}

func charmLevel(l LogLevel) log.Level {
	switch l {
	case LogLevelDebug:
		return log.DebugLevel
	case LogLevelWarn:
		return log.WarnLevel
	case LogLevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func (c *CharmLogger) Debug(msg string, args ...any) { c.l.Debug(msg, args...) }
func (c *CharmLogger) Info(msg string, args ...any)  { c.l.Info(msg, args...) }
func (c *CharmLogger) Warn(msg string, args ...any)  { c.l.Warn(msg, args...) }
func (c *CharmLogger) Error(msg string, args ...any) { c.l.Error(msg, args...) }
