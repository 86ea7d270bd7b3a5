// Package metrics aggregates application metrics with the OpenTelemetry SDK
// and hands the collected points to the export pipeline, so metrics travel
// the same delivery path as spans.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ashita-ai/kiroku/internal/model"
)

// DefaultInterval is the collection period used when Config.Interval is zero.
const DefaultInterval = 60 * time.Second

// Emitter receives collected points. *export.Pipeline implements it.
type Emitter interface {
	EmitMetrics(points []model.MetricPoint)
}

// Config configures a Provider.
type Config struct {
	Emitter     Emitter
	Interval    time.Duration
	ServiceName string
	Logger      *slog.Logger
}

// Provider owns a MeterProvider whose reader exports into an Emitter.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// New returns a Provider collecting every cfg.Interval.
func New(cfg Config) *Provider {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	exp := &exporter{emitter: cfg.Emitter, logger: cfg.Logger}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))

	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if cfg.ServiceName != "" {
		opts = append(opts, sdkmetric.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		)))
	}
	return &Provider{mp: sdkmetric.NewMeterProvider(opts...)}
}

// Meter returns a named meter.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return p.mp.Meter(name, opts...)
}

// MeterProvider exposes the underlying provider, e.g. for otel.SetMeterProvider.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.mp }

// ForceFlush collects and emits immediately.
func (p *Provider) ForceFlush(ctx context.Context) error { return p.mp.ForceFlush(ctx) }

// Shutdown performs a final collection and stops the reader.
func (p *Provider) Shutdown(ctx context.Context) error { return p.mp.Shutdown(ctx) }

// exporter adapts sdkmetric.Exporter to an Emitter.
type exporter struct {
	emitter Emitter
	logger  *slog.Logger
}

func (e *exporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (e *exporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *exporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	points := Convert(rm)
	if len(points) == 0 || e.emitter == nil {
		return nil
	}
	e.logger.Debug("metrics: collected", "points", len(points))
	e.emitter.EmitMetrics(points)
	return nil
}

func (e *exporter) ForceFlush(context.Context) error { return nil }
func (e *exporter) Shutdown(context.Context) error   { return nil }

// Convert flattens collected metrics into points. Sums become counters,
// gauges keep their last value and histograms keep explicit buckets.
func Convert(rm *metricdata.ResourceMetrics) []model.MetricPoint {
	var out []model.MetricPoint
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			base := model.MetricPoint{Name: m.Name, Description: m.Description, Unit: m.Unit}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				out = appendSum(out, base, data)
			case metricdata.Sum[float64]:
				out = appendSum(out, base, data)
			case metricdata.Gauge[int64]:
				out = appendGauge(out, base, data)
			case metricdata.Gauge[float64]:
				out = appendGauge(out, base, data)
			case metricdata.Histogram[int64]:
				out = appendHistogram(out, base, data)
			case metricdata.Histogram[float64]:
				out = appendHistogram(out, base, data)
			}
		}
	}
	return out
}

func appendSum[N int64 | float64](out []model.MetricPoint, base model.MetricPoint, s metricdata.Sum[N]) []model.MetricPoint {
	for _, dp := range s.DataPoints {
		p := base
		p.Type = model.MetricCounter
		p.IsMonotonic = s.IsMonotonic
		p.StartTime = dp.StartTime.UnixNano()
		p.Time = dp.Time.UnixNano()
		p.Value = float64(dp.Value)
		p.Attributes = attrs(dp.Attributes)
		out = append(out, p)
	}
	return out
}

func appendGauge[N int64 | float64](out []model.MetricPoint, base model.MetricPoint, g metricdata.Gauge[N]) []model.MetricPoint {
	for _, dp := range g.DataPoints {
		p := base
		p.Type = model.MetricGauge
		p.Time = dp.Time.UnixNano()
		p.Value = float64(dp.Value)
		p.Attributes = attrs(dp.Attributes)
		out = append(out, p)
	}
	return out
}

func appendHistogram[N int64 | float64](out []model.MetricPoint, base model.MetricPoint, h metricdata.Histogram[N]) []model.MetricPoint {
	for _, dp := range h.DataPoints {
		p := base
		p.Type = model.MetricHistogram
		p.StartTime = dp.StartTime.UnixNano()
		p.Time = dp.Time.UnixNano()
		p.Value = float64(dp.Sum)
		p.Attributes = attrs(dp.Attributes)
		hd := &model.HistogramData{
			Count:        dp.Count,
			Sum:          float64(dp.Sum),
			Bounds:       append([]float64(nil), dp.Bounds...),
			BucketCounts: append([]uint64(nil), dp.BucketCounts...),
		}
		if v, ok := dp.Min.Value(); ok {
			f := float64(v)
			hd.Min = &f
		}
		if v, ok := dp.Max.Value(); ok {
			f := float64(v)
			hd.Max = &f
		}
		p.Histogram = hd
		out = append(out, p)
	}
	return out
}

func attrs(set attribute.Set) model.Attributes {
	if set.Len() == 0 {
		return nil
	}
	out := make(model.Attributes, 0, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		out = append(out, model.KV(string(kv.Key), kv.Value.AsInterface()))
	}
	return out
}
