package metrics

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
)

type recordingEmitter struct {
	mu     sync.Mutex
	points []model.MetricPoint
}

func (r *recordingEmitter) EmitMetrics(points []model.MetricPoint) {
	r.mu.Lock()
	r.points = append(r.points, points...)
	r.mu.Unlock()
}

func (r *recordingEmitter) byName() map[string][]model.MetricPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]model.MetricPoint)
	for _, p := range r.points {
		out[p.Name] = append(out[p.Name], p)
	}
	return out
}

func TestProviderEmitsOnFlush(t *testing.T) {
	em := &recordingEmitter{}
	p := New(Config{
		Emitter:     em,
		Interval:    time.Hour,
		ServiceName: "svc",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	meter := p.Meter("test")
	ctx := context.Background()

	requests, err := meter.Int64Counter("requests", metric.WithUnit("{request}"))
	require.NoError(t, err)
	requests.Add(ctx, 2, metric.WithAttributes(attribute.String("route", "/a")))
	requests.Add(ctx, 3, metric.WithAttributes(attribute.String("route", "/a")))

	latency, err := meter.Float64Histogram("latency", metric.WithExplicitBucketBoundaries(10, 100))
	require.NoError(t, err)
	latency.Record(ctx, 5)
	latency.Record(ctx, 50)

	queue, err := meter.Int64Gauge("queue")
	require.NoError(t, err)
	queue.Record(ctx, 7)

	require.NoError(t, p.ForceFlush(ctx))
	got := em.byName()

	require.Len(t, got["requests"], 1)
	req := got["requests"][0]
	assert.Equal(t, model.MetricCounter, req.Type)
	assert.True(t, req.IsMonotonic)
	assert.InDelta(t, 5.0, req.Value, 1e-9)
	assert.Equal(t, "{request}", req.Unit)
	v, ok := req.Attributes.Get("route")
	require.True(t, ok)
	assert.Equal(t, "/a", v.AsString())

	require.Len(t, got["latency"], 1)
	h := got["latency"][0].Histogram
	require.NotNil(t, h)
	assert.Equal(t, uint64(2), h.Count)
	assert.Equal(t, []float64{10, 100}, h.Bounds)
	assert.Equal(t, []uint64{1, 1, 0}, h.BucketCounts)
	require.NotNil(t, h.Min)
	assert.InDelta(t, 5.0, *h.Min, 1e-9)

	require.Len(t, got["queue"], 1)
	assert.Equal(t, model.MetricGauge, got["queue"][0].Type)
	assert.InDelta(t, 7.0, got["queue"][0].Value, 1e-9)
}

func TestNilEmitterIsSafe(t *testing.T) {
	p := New(Config{Interval: time.Hour})
	c, err := p.Meter("x").Int64Counter("c")
	require.NoError(t, err)
	c.Add(context.Background(), 1)
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}
