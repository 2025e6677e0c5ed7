package logging

import (
	"context"
	"errors"

	"goa.design/clue/log"
)

// ClueLogger delegates to goa.design/clue/log. Formatting and debug settings
// are read from the context it was built with.
type ClueLogger struct {
	ctx context.Context
}

// NewClueLogger returns a Logger writing through clue. When ctx carries no
// clue logger one is attached with JSON (or terminal) formatting.
func NewClueLogger(ctx context.Context, debug bool) *ClueLogger {
	if ctx == nil {
		ctx = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return &ClueLogger{ctx: ctx}
}

// Context returns the clue-enabled context, for handing to other clue users.
func (c *ClueLogger) Context() context.Context { return c.ctx }

// Debug emits a debug-level log message with structured key-value pairs.
func (c *ClueLogger) Debug(msg string, args ...any) {
	log.Debug(c.ctx, fielders(msg, args)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (c *ClueLogger) Info(msg string, args ...any) {
	log.Info(c.ctx, fielders(msg, args)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (c *ClueLogger) Warn(msg string, args ...any) {
	log.Warn(c.ctx, fielders(msg, args)...)
}

// Error emits an error-level log message. An "error" key, if present, is
// passed to clue as the error value.
func (c *ClueLogger) Error(msg string, args ...any) {
	var err error
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok && k == "error" {
			switch v := args[i+1].(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			}
		}
	}
	log.Error(c.ctx, err, fielders(msg, args)...)
}

func fielders(msg string, args []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(args); i += 2 {
		k, ok := args[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(args) {
			v = args[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}
