package otlphttp

import (
	"cmp"
	"slices"

	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Attribute keys the sink adds to every exported span. They live in the
// reserved namespace so user attributes cannot collide with them.
const (
	AttrSpanType    = "kiroku.span_type"
	AttrMsgTemplate = "kiroku.msg_template"
	AttrMsg         = "kiroku.msg"
	AttrLevelNum    = "kiroku.level_num"
	AttrIsException = "kiroku.is_exception"
)

// Span types carried in AttrSpanType.
const (
	SpanTypeSpan    = "span"
	SpanTypeLog     = "log"
	SpanTypePending = "pending_span"
)

const (
	scopeName    = "github.com/ashita-ai/kiroku"
	sampledFlags = 0x01
)

func stringKV(key, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func intKV(key string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func boolKV(key string, v bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v}}}
}

// anyValue converts a recorded value to its OTLP form. Empty values become
// an AnyValue with no variant set.
func anyValue(v model.Value) *commonpb.AnyValue {
	switch v.Kind() {
	case model.KindBool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case model.KindInt64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case model.KindFloat64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case model.KindString:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	case model.KindSlice:
		items := v.AsSlice()
		values := make([]*commonpb.AnyValue, len(items))
		for i, item := range items {
			values[i] = anyValue(item)
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: values}}}
	case model.KindMap:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{Values: keyValues(v.AsMap())}}}
	default:
		return &commonpb.AnyValue{}
	}
}

func keyValues(attrs []model.Attr) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, len(attrs))
	for i, a := range attrs {
		out[i] = &commonpb.KeyValue{Key: a.Key, Value: anyValue(a.Value)}
	}
	return out
}

func statusOf(s model.Status) *tracepb.Status {
	code := tracepb.Status_STATUS_CODE_UNSET
	switch s.Code {
	case model.StatusOK:
		code = tracepb.Status_STATUS_CODE_OK
	case model.StatusError:
		code = tracepb.Status_STATUS_CODE_ERROR
	}
	return &tracepb.Status{Code: code, Message: s.Message}
}

func spanType(rec *model.SpanRecord) string {
	switch {
	case rec.Pending:
		return SpanTypePending
	case rec.Kind == model.KindLog:
		return SpanTypeLog
	}
	return SpanTypeSpan
}

func toSpan(rec *model.SpanRecord) *tracepb.Span {
	attrs := keyValues(rec.Attributes)
	attrs = append(attrs,
		stringKV(AttrSpanType, spanType(rec)),
		stringKV(AttrMsgTemplate, rec.MsgTemplate),
		stringKV(AttrMsg, rec.Name),
		intKV(AttrLevelNum, int64(rec.Level)),
	)
	if rec.IsException {
		attrs = append(attrs, boolKV(AttrIsException, true))
	}

	name := rec.SpanName
	if name == "" {
		name = rec.Name
	}
	end := rec.EndTime
	if rec.Pending {
		end = rec.StartTime
	}
	span := &tracepb.Span{
		TraceId:           rec.Context.TraceID[:],
		SpanId:            rec.Context.SpanID[:],
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(rec.StartTime), //nolint:gosec // timestamps are positive unix nanos
		EndTimeUnixNano:   uint64(end),           //nolint:gosec // timestamps are positive unix nanos
		Attributes:        attrs,
		Status:            statusOf(rec.Status),
	}
	if rec.Context.Sampled {
		span.Flags = sampledFlags
	}
	if rec.Parent != nil {
		span.ParentSpanId = rec.Parent.SpanID[:]
	}
	for _, e := range rec.Events {
		span.Events = append(span.Events, &tracepb.Span_Event{
			Name:         e.Name,
			TimeUnixNano: uint64(e.Time), //nolint:gosec // timestamps are positive unix nanos
			Attributes:   keyValues(e.Attributes),
		})
	}
	return span
}

// resource describes the process a group of records came from.
type resource struct {
	instanceID  string
	environment string
	version     string
}

func (r resource) proto(serviceName string) *resourcepb.Resource {
	if serviceName == "" {
		serviceName = "unknown_service"
	}
	attrs := []*commonpb.KeyValue{
		stringKV("service.name", serviceName),
		stringKV("service.instance.id", r.instanceID),
		stringKV("telemetry.sdk.name", "kiroku"),
		stringKV("telemetry.sdk.language", "go"),
	}
	if r.version != "" {
		attrs = append(attrs, stringKV("telemetry.sdk.version", r.version))
	}
	if r.environment != "" {
		attrs = append(attrs, stringKV("deployment.environment.name", r.environment))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

// traceRequest groups spans by service name, keeping batch order within
// each group.
func (r resource) traceRequest(spans []model.SpanRecord) *coltracepb.ExportTraceServiceRequest {
	byService := make(map[string][]*tracepb.Span)
	var order []string
	for i := range spans {
		svc := spans[i].ServiceName
		if _, ok := byService[svc]; !ok {
			order = append(order, svc)
		}
		byService[svc] = append(byService[svc], toSpan(&spans[i]))
	}

	req := &coltracepb.ExportTraceServiceRequest{}
	for _, svc := range order {
		req.ResourceSpans = append(req.ResourceSpans, &tracepb.ResourceSpans{
			Resource: r.proto(svc),
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: scopeName, Version: r.version},
				Spans: byService[svc],
			}},
		})
	}
	return req
}

func numberPoint(p *model.MetricPoint) *metricspb.NumberDataPoint {
	return &metricspb.NumberDataPoint{
		Attributes:        keyValues(p.Attributes),
		StartTimeUnixNano: uint64(p.StartTime), //nolint:gosec // timestamps are positive unix nanos
		TimeUnixNano:      uint64(p.Time),      //nolint:gosec // timestamps are positive unix nanos
		Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: p.Value},
	}
}

func histogramPoint(p *model.MetricPoint) *metricspb.HistogramDataPoint {
	dp := &metricspb.HistogramDataPoint{
		Attributes:        keyValues(p.Attributes),
		StartTimeUnixNano: uint64(p.StartTime), //nolint:gosec // timestamps are positive unix nanos
		TimeUnixNano:      uint64(p.Time),      //nolint:gosec // timestamps are positive unix nanos
	}
	if h := p.Histogram; h != nil {
		sum := h.Sum
		dp.Count = h.Count
		dp.Sum = &sum
		dp.ExplicitBounds = h.Bounds
		dp.BucketCounts = h.BucketCounts
		dp.Min = h.Min
		dp.Max = h.Max
	}
	return dp
}

// metricsRequest folds points sharing a name and type into one metric.
func (r resource) metricsRequest(serviceName string, points []model.MetricPoint) *colmetricpb.ExportMetricsServiceRequest {
	type key struct {
		name string
		typ  model.MetricType
	}
	metrics := make(map[key]*metricspb.Metric)
	var order []key
	for i := range points {
		p := &points[i]
		k := key{p.Name, p.Type}
		m, ok := metrics[k]
		if !ok {
			m = &metricspb.Metric{Name: p.Name, Description: p.Description, Unit: p.Unit}
			switch p.Type {
			case model.MetricCounter:
				m.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
					AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
					IsMonotonic:            p.IsMonotonic,
				}}
			case model.MetricHistogram:
				m.Data = &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
					AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
				}}
			default:
				m.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{}}
			}
			metrics[k] = m
			order = append(order, k)
		}
		switch d := m.Data.(type) {
		case *metricspb.Metric_Sum:
			d.Sum.DataPoints = append(d.Sum.DataPoints, numberPoint(p))
		case *metricspb.Metric_Histogram:
			d.Histogram.DataPoints = append(d.Histogram.DataPoints, histogramPoint(p))
		case *metricspb.Metric_Gauge:
			d.Gauge.DataPoints = append(d.Gauge.DataPoints, numberPoint(p))
		}
	}
	slices.SortStableFunc(order, func(a, b key) int { return cmp.Compare(a.name, b.name) })

	out := make([]*metricspb.Metric, len(order))
	for i, k := range order {
		out[i] = metrics[k]
	}
	return &colmetricpb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: r.proto(serviceName),
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: scopeName, Version: r.version},
				Metrics: out,
			}},
		}},
	}
}
