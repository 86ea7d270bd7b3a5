package ctxstack

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/model"
)

// TraceparentHeader is the W3C trace-context header name.
const TraceparentHeader = "traceparent"

var w3c = propagation.TraceContext{}

// Inject writes the current span of ctx into carrier as a W3C traceparent
// header. It reports false, writing nothing, when no span is open.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) bool {
	tc, ok := CurrentParent(ctx)
	if !ok {
		return false
	}
	w3c.Inject(trace.ContextWithSpanContext(ctx, toSpanContext(tc)), carrier)
	return true
}

// Extract reads a W3C traceparent from carrier. When one is present, the
// returned context carries a new stack whose base frame is the remote span,
// so records opened under it join the caller's trace. Otherwise ctx is
// returned unchanged with false.
func Extract(ctx context.Context, carrier propagation.TextMapCarrier, logger *slog.Logger) (context.Context, bool) {
	sc := trace.SpanContextFromContext(w3c.Extract(context.Background(), carrier))
	if !sc.IsValid() {
		return ctx, false
	}
	s := NewStack(logger)
	s.Push(fromSpanContext(sc))
	return NewContext(ctx, s), true
}

// Traceparent formats the current span of ctx as a traceparent header value.
func Traceparent(ctx context.Context) (string, bool) {
	carrier := propagation.MapCarrier{}
	if !Inject(ctx, carrier) {
		return "", false
	}
	return carrier.Get(TraceparentHeader), true
}

// ParseTraceparent parses a traceparent header value
// ("{version}-{trace_id}-{span_id}-{flags}") into a remote trace context.
func ParseTraceparent(value string) (model.TraceContext, bool) {
	carrier := propagation.MapCarrier{TraceparentHeader: value}
	sc := trace.SpanContextFromContext(w3c.Extract(context.Background(), carrier))
	if !sc.IsValid() {
		return model.TraceContext{}, false
	}
	return fromSpanContext(sc), true
}

func toSpanContext(tc model.TraceContext) trace.SpanContext {
	var flags trace.TraceFlags
	if tc.Sampled {
		flags = flags.WithSampled(true)
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID(tc.TraceID),
		SpanID:     trace.SpanID(tc.SpanID),
		TraceFlags: flags,
		Remote:     tc.IsRemote,
	})
}

func fromSpanContext(sc trace.SpanContext) model.TraceContext {
	return model.TraceContext{
		TraceID:  model.TraceID(sc.TraceID()),
		SpanID:   model.SpanID(sc.SpanID()),
		IsRemote: true,
		Sampled:  sc.IsSampled(),
	}
}
