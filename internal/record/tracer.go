// Package record opens, mutates and closes spans and logs. Parents come from
// the ctxstack carried by the context; finished records are handed to a
// Processor.
package record

import (
	"context"
	"log/slog"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiroku/internal/ctxstack"
	"github.com/ashita-ai/kiroku/internal/ids"
	"github.com/ashita-ai/kiroku/internal/model"
)

// Processor receives records from the tracer. OnStart gets the pending
// placeholder of a span that just opened; OnEnd gets every finished span and
// log. Both must return quickly and must not block on I/O.
type Processor interface {
	OnStart(rec model.SpanRecord)
	OnEnd(rec model.SpanRecord)
}

type noopProcessor struct{}

func (noopProcessor) OnStart(model.SpanRecord) {}
func (noopProcessor) OnEnd(model.SpanRecord)   {}

// Config configures a Tracer. Zero fields take production defaults.
type Config struct {
	ServiceName string
	IDs         ids.IDGenerator
	Clock       ids.Clock
	Processor   Processor
	// Sampler decides at each trace root whether the trace is exported.
	// Descendants inherit the decision. Defaults to sampling everything.
	Sampler sdktrace.Sampler
	// MinLevel drops logs below this level. Spans are not filtered.
	MinLevel model.Level
	Logger   *slog.Logger
}

// Tracer creates spans and logs. Safe for concurrent use.
type Tracer struct {
	service  string
	ids      ids.IDGenerator
	clock    ids.Clock
	proc     Processor
	sampler  sdktrace.Sampler
	minLevel model.Level
	logger   *slog.Logger

	linted sync.Map // template -> struct{}
}

// New returns a tracer for cfg.
func New(cfg Config) *Tracer {
	t := &Tracer{
		service:  cfg.ServiceName,
		ids:      cfg.IDs,
		clock:    cfg.Clock,
		proc:     cfg.Processor,
		sampler:  cfg.Sampler,
		minLevel: cfg.MinLevel,
		logger:   cfg.Logger,
	}
	if t.ids == nil {
		t.ids = ids.RandomIDGenerator{}
	}
	if t.clock == nil {
		t.clock = ids.NewWallClock(nil)
	}
	if t.proc == nil {
		t.proc = noopProcessor{}
	}
	if t.sampler == nil {
		t.sampler = sdktrace.AlwaysSample()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Start opens a span named by template under the innermost open span of ctx
// and makes it the current span of the returned context. The caller must
// call End on the returned span.
func (t *Tracer) Start(ctx context.Context, level model.Level, template string, attrs ...model.Attr) (context.Context, *Span) {
	ctx, stack := ctxstack.Ensure(ctx, t.logger)
	rec := t.newRecord(stack, model.KindSpan, level, template, attrs)
	rec.StartTime = t.clock.NowNanos()
	stack.Push(rec.Context)

	s := &Span{tracer: t, stack: stack, rec: rec}
	if rec.Context.Sampled {
		pending := rec.Clone()
		pending.Pending = true
		t.proc.OnStart(pending)
	}
	return ctx, s
}

// Log records a zero-duration log under the innermost open span of ctx.
// Logs below the configured minimum level are dropped.
func (t *Tracer) Log(ctx context.Context, level model.Level, template string, attrs ...model.Attr) {
	if level < t.minLevel {
		return
	}
	rec := t.newRecord(ctxstack.FromContext(ctx), model.KindLog, level, template, attrs)
	rec.StartTime = t.clock.NowNanos()
	rec.EndTime = rec.StartTime
	if rec.Context.Sampled {
		t.proc.OnEnd(rec)
	}
}

// Instrument runs fn inside a span. The span is closed on every exit path.
// A returned error is recorded as an exception and returned unchanged; a
// panic is recorded and re-raised after the span closes.
func (t *Tracer) Instrument(ctx context.Context, template string, attrs []model.Attr, fn func(context.Context) error) (err error) {
	ctx, span := t.Start(ctx, model.LevelInfo, template, attrs...)
	defer func() {
		if r := recover(); r != nil {
			span.recordPanic(r)
			span.End()
			panic(r)
		}
		span.End()
	}()

	err = fn(ctx)
	if err != nil {
		span.RecordException(err)
	}
	return err
}

func (t *Tracer) newRecord(stack *ctxstack.Stack, kind model.RecordKind, level model.Level, template string, attrs []model.Attr) model.SpanRecord {
	rec := model.SpanRecord{
		SpanName:    template,
		MsgTemplate: template,
		ServiceName: t.service,
		Level:       level,
		Kind:        kind,
		Status:      model.Status{Code: model.StatusUnset},
	}
	for _, a := range attrs {
		t.setAttr(&rec, a.Key, a.Value)
	}

	var parent model.TraceContext
	hasParent := false
	if stack != nil {
		parent, hasParent = stack.Current()
	}
	if hasParent {
		p := parent
		rec.Parent = &p
		rec.Context = model.TraceContext{
			TraceID: parent.TraceID,
			SpanID:  t.ids.NewSpanID(),
			Sampled: parent.Sampled,
		}
	} else {
		traceID := t.ids.NewTraceID()
		rec.Context = model.TraceContext{
			TraceID: traceID,
			SpanID:  t.ids.NewSpanID(),
			Sampled: t.sample(traceID, template),
		}
	}

	msg, err := Render(template, rec.Attributes)
	rec.Name = msg
	if err != nil {
		t.logger.Debug("record: template error", "template", template, "error", err)
		rec.Attributes.Set(TemplateErrorKey, model.String(err.Error()))
	}
	if looksPreformatted(template, attrs) {
		if _, seen := t.linted.LoadOrStore(template, struct{}{}); !seen {
			t.logger.Debug("record: template looks built from runtime values; pass them as attributes",
				"template", template)
		}
	}
	return rec
}

func (t *Tracer) sample(traceID model.TraceID, name string) bool {
	res := t.sampler.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID(traceID),
		Name:          name,
		Kind:          trace.SpanKindInternal,
	})
	return res.Decision == sdktrace.RecordAndSample
}

// setAttr stores a user attribute, refusing keys in the reserved namespace.
func (t *Tracer) setAttr(rec *model.SpanRecord, key string, v model.Value) {
	if model.IsReservedKey(key) {
		t.logger.Warn("record: attribute uses reserved prefix; dropped",
			"key", key, "prefix", model.ReservedPrefix)
		return
	}
	rec.Attributes.Set(key, v)
}
