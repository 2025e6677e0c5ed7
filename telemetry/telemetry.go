// Package telemetry instruments runs with OpenTelemetry spans and metrics.
//
// The engine opens one span per run and feeds every written event to the
// run's Observe method. Metrics and Tracer are small interfaces so tests and
// embedders can swap the OTEL-backed implementations for their own.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/aguimesh/core"
)

// Metric names.
const (
	MetricRuns          = "aguimesh.runs"
	MetricEvents        = "aguimesh.events"
	MetricDroppedEvents = "aguimesh.events.dropped"
	MetricRunDuration   = "aguimesh.run.duration"
)

type (
	// Metrics records counters and timers. Tags are key/value pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the subset of trace.Span the engine uses.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Telemetry bundles a tracer and a metrics recorder.
type Telemetry struct {
	Tracer  Tracer
	Metrics Metrics
	// Now is used for run durations.
	Now func() time.Time
}

// New returns Telemetry backed by the global OTEL providers. Configure them
// with otel.SetTracerProvider and otel.SetMeterProvider before the first run.
func New() *Telemetry {
	return &Telemetry{Tracer: NewOtelTracer(), Metrics: NewOtelMetrics(), Now: time.Now}
}

// Noop returns Telemetry that records nothing.
func Noop() *Telemetry {
	return &Telemetry{Tracer: NoopTracer{}, Metrics: NoopMetrics{}, Now: time.Now}
}

// Run instruments a single run. It is used from the transport's writer
// goroutine only.
type Run struct {
	t     *Telemetry
	span  Span
	agent string
	start time.Time
}

// StartRun opens the run span.
func (t *Telemetry) StartRun(ctx context.Context, agentID, runID, threadID string) (context.Context, *Run) {
	ctx, span := t.Tracer.Start(ctx, "aguimesh.run", trace.WithSpanKind(trace.SpanKindServer))
	span.AddEvent("run.start", "agent_id", agentID, "run_id", runID, "thread_id", threadID)
	return ctx, &Run{t: t, span: span, agent: agentID, start: t.Now()}
}

// Observe counts ev and records lifecycle, tool and error events on the span.
// Content deltas are only counted.
func (r *Run) Observe(ev core.Event) {
	r.t.Metrics.IncCounter(MetricEvents, 1, "agent", r.agent, "kind", string(ev.Kind))
	switch ev.Kind.Category() {
	case core.CategoryRunLifecycle, core.CategoryMessageLifecycle, core.CategoryToolLifecycle, core.CategoryToolResult:
		r.span.AddEvent(string(ev.Kind), "id", ev.EntityID())
	case core.CategoryError:
		r.span.AddEvent(string(ev.Kind), "code", ev.Code)
	}
}

// End closes the span with the run's outcome.
func (r *Run) End(status core.RunStatus, dropped int, err error) {
	r.t.Metrics.IncCounter(MetricRuns, 1, "agent", r.agent, "status", string(status))
	r.t.Metrics.RecordTimer(MetricRunDuration, r.t.Now().Sub(r.start), "agent", r.agent, "status", string(status))
	if dropped > 0 {
		r.t.Metrics.IncCounter(MetricDroppedEvents, float64(dropped), "agent", r.agent)
	}
	if err != nil {
		r.span.RecordError(err)
	}
	if status == core.RunStatusCompleted {
		r.span.SetStatus(codes.Ok, "")
	} else {
		r.span.SetStatus(codes.Error, string(status))
	}
	r.span.End()
}
