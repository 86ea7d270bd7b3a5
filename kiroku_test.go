package kiroku_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku"
	"github.com/ashita-ai/kiroku/internal/fallback"
	"github.com/ashita-ai/kiroku/internal/model"
)

func newTest(t *testing.T, opts ...kiroku.Option) (*kiroku.Kiroku, *kiroku.MemorySink) {
	t.Helper()
	k, sink, err := kiroku.NewTest(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k, sink
}

func TestSpanWithNestedLog(t *testing.T) {
	k, sink := newTest(t)
	ctx := context.Background()

	ctx, outer := k.Span(ctx, "outer")
	k.Info(ctx, "inner")
	outer.End()
	require.NoError(t, k.ForceFlush(context.Background()))

	spans := sink.Spans()
	require.Len(t, spans, 2)
	log, span := spans[0], spans[1]

	assert.Equal(t, model.TraceIDFromUint64(1), span.Context.TraceID)
	assert.Equal(t, model.SpanIDFromUint64(1), span.Context.SpanID)
	assert.Nil(t, span.Parent)
	assert.Equal(t, int64(time.Second), span.StartTime)
	assert.Equal(t, int64(3*time.Second), span.EndTime)
	assert.Equal(t, "test", span.ServiceName)

	assert.Equal(t, model.KindLog, log.Kind)
	assert.Equal(t, model.SpanIDFromUint64(2), log.Context.SpanID)
	require.NotNil(t, log.Parent)
	assert.Equal(t, span.Context.SpanID, log.Parent.SpanID)
	assert.Equal(t, int64(2*time.Second), log.StartTime)
	assert.Equal(t, log.StartTime, log.EndTime)
}

func TestTemplateRendering(t *testing.T) {
	k, sink := newTest(t)
	ctx := context.Background()

	_, span := k.Span(ctx, "charge {order}", kiroku.A("order", 42), kiroku.A("kiroku.span_type", "x"))
	span.End()
	require.NoError(t, k.ForceFlush(ctx))

	spans := sink.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "charge 42", spans[0].Name)
	assert.Equal(t, "charge {order}", spans[0].SpanName)
	_, reserved := spans[0].Attributes.Get("kiroku.span_type")
	assert.False(t, reserved)
}

func TestEndTwiceIsIgnored(t *testing.T) {
	k, sink := newTest(t)
	_, span := k.Span(context.Background(), "once")
	span.End()
	span.End()
	require.NoError(t, k.ForceFlush(context.Background()))
	assert.Len(t, sink.Spans(), 1)
}

func TestInstrumentRecordsError(t *testing.T) {
	k, sink := newTest(t)
	boom := errors.New("boom")

	err := k.Instrument(context.Background(), "job", func(ctx context.Context) error {
		k.Warn(ctx, "retrying")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, k.ForceFlush(context.Background()))

	spans := sink.Spans()
	require.Len(t, spans, 2)
	job := spans[1]
	assert.Equal(t, model.StatusError, job.Status.Code)
	assert.True(t, job.IsException)
	require.Len(t, job.Events, 1)
	assert.Equal(t, model.ExceptionEventName, job.Events[0].Name)
	require.NotNil(t, spans[0].Parent)
	assert.Equal(t, job.Context.SpanID, spans[0].Parent.SpanID)
}

func TestMinLevelDropsLogs(t *testing.T) {
	k, sink := newTest(t, kiroku.WithMinLevel(kiroku.LevelWarn))
	ctx := context.Background()
	k.Debug(ctx, "hidden")
	k.Error(ctx, "shown")
	require.NoError(t, k.ForceFlush(ctx))

	spans := sink.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "shown", spans[0].Name)
}

func TestLevelHelpers(t *testing.T) {
	k, sink := newTest(t, kiroku.WithMinLevel(kiroku.LevelTrace))
	ctx := context.Background()
	k.Trace(ctx, "t")
	k.Debug(ctx, "d")
	k.Info(ctx, "i")
	k.Notice(ctx, "n")
	k.Warn(ctx, "w")
	k.Error(ctx, "e")
	k.Fatal(ctx, "f")
	require.NoError(t, k.ForceFlush(ctx))

	want := []kiroku.Level{kiroku.LevelTrace, kiroku.LevelDebug, kiroku.LevelInfo, kiroku.LevelNotice,
		kiroku.LevelWarn, kiroku.LevelError, kiroku.LevelFatal}
	spans := sink.Spans()
	require.Len(t, spans, len(want))
	for i, lvl := range want {
		assert.Equal(t, lvl, spans[i].Level)
	}
}

func TestSampleRateZeroExportsNothing(t *testing.T) {
	k, sink := newTest(t, kiroku.WithSampleRate(0))
	ctx, span := k.Span(context.Background(), "root")
	k.Info(ctx, "child")
	span.End()
	require.NoError(t, k.ForceFlush(context.Background()))
	assert.Empty(t, sink.Spans())
	assert.Empty(t, sink.PendingSpans())
}

func TestForkNestsUnderCaller(t *testing.T) {
	k, sink := newTest(t)
	ctx, span := k.Span(context.Background(), "parent")

	done := make(chan struct{})
	go func(ctx context.Context) {
		defer close(done)
		_, child := k.Span(ctx, "worker")
		child.End()
	}(kiroku.Fork(ctx))
	<-done

	cur, ok := kiroku.CurrentSpan(ctx)
	require.True(t, ok)
	assert.Equal(t, span.Context().SpanID, cur.SpanID)
	span.End()
	require.NoError(t, k.ForceFlush(context.Background()))

	spans := sink.Spans()
	require.Len(t, spans, 2)
	require.NotNil(t, spans[0].Parent)
	assert.Equal(t, spans[1].Context.SpanID, spans[0].Parent.SpanID)
}

func TestMetricsAreDelivered(t *testing.T) {
	k, sink := newTest(t)
	counter, err := k.Meter("app").Int64Counter("jobs")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, k.ForceFlush(context.Background()))
	var found bool
	for _, p := range sink.Metrics() {
		if p.Name == "jobs" {
			found = true
			assert.InDelta(t, 3.0, p.Value, 1e-9)
		}
	}
	assert.True(t, found, "jobs counter not delivered")
}

func TestFailedDeliveryIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.krk")
	down := kiroku.NewMemorySink("down")
	down.Fail = func(model.Batch) error {
		return &kiroku.SinkError{Sink: "down", Kind: kiroku.KindTransient, Err: errors.New("503")}
	}
	k, err := kiroku.New(
		kiroku.WithIDGenerator(kiroku.NewIncrementalIDGenerator()),
		kiroku.WithClock(kiroku.NewTimeGenerator()),
		kiroku.WithOnlySinks(down),
		kiroku.WithFallbackPath(path),
	)
	require.NoError(t, err)
	assert.Equal(t, path, k.FallbackPath())

	ctx, span := k.Span(context.Background(), "outer")
	k.Info(ctx, "inner")
	span.End()
	require.NoError(t, k.Shutdown(context.Background()))
	assert.True(t, down.Closed())

	records, err := fallback.ReadFile(path, nil)
	require.NoError(t, err)
	counts := map[fallback.RecordType]int{}
	for _, r := range records {
		counts[r.Type()]++
	}
	assert.Equal(t, 1, counts[fallback.TypeStartSpan])
	assert.Equal(t, 1, counts[fallback.TypeRecordLog])
	assert.Equal(t, 1, counts[fallback.TypeEndSpan])
	assert.Positive(t, k.Stats().Persisted)
}

func TestConsoleSinkFromOptions(t *testing.T) {
	var out bytes.Buffer
	k, err := kiroku.New(
		kiroku.WithClock(kiroku.NewTimeGenerator()),
		kiroku.WithoutFallback(),
		kiroku.WithConsole(true),
		kiroku.WithConsoleWriter(&out, false),
	)
	require.NoError(t, err)
	k.Warn(context.Background(), "disk at {pct}%", kiroku.A("pct", 91))
	require.NoError(t, k.Shutdown(context.Background()))
	assert.Contains(t, out.String(), "disk at 91%")
}

func TestNewRejectsInvalidOverrides(t *testing.T) {
	_, err := kiroku.New(kiroku.WithoutFallback(), kiroku.WithSampleRate(2))
	assert.Error(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	k, sink, err := kiroku.NewTest()
	require.NoError(t, err)
	require.NoError(t, k.Shutdown(context.Background()))
	require.NoError(t, k.Shutdown(context.Background()))
	assert.True(t, sink.Closed())
}
