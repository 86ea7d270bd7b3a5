package otlphttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
)

type collector struct {
	mu      sync.Mutex
	status  int
	traces  []*coltracepb.ExportTraceServiceRequest
	metrics []*colmetricpb.ExportMetricsServiceRequest
	headers []http.Header
}

func (c *collector) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "bad gzip", http.StatusBadRequest)
			return
		}
		raw, err := io.ReadAll(zr)
		if err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.headers = append(c.headers, r.Header.Clone())
		switch r.URL.Path {
		case tracesPath:
			req := &coltracepb.ExportTraceServiceRequest{}
			if err := proto.Unmarshal(raw, req); err != nil {
				http.Error(w, "bad proto", http.StatusBadRequest)
				return
			}
			c.traces = append(c.traces, req)
		case metricsPath:
			req := &colmetricpb.ExportMetricsServiceRequest{}
			if err := proto.Unmarshal(raw, req); err != nil {
				http.Error(w, "bad proto", http.StatusBadRequest)
				return
			}
			c.metrics = append(c.metrics, req)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if c.status != 0 {
			http.Error(w, "nope", c.status)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func newTestSink(t *testing.T, c *collector) *Sink {
	t.Helper()
	srv := httptest.NewServer(c.handler(t))
	t.Cleanup(srv.Close)
	s, err := New(Config{
		Endpoint:    srv.URL + "/",
		Token:       "secret",
		ServiceName: "svc",
		Environment: "test",
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return s
}

func sampleBatch() model.Batch {
	outer := model.TraceContext{TraceID: model.TraceIDFromUint64(1), SpanID: model.SpanIDFromUint64(1), Sampled: true}
	return model.Batch{Spans: []model.SpanRecord{
		{
			Name: "hello world", SpanName: "hello {name}", MsgTemplate: "hello {name}", ServiceName: "svc",
			Context: model.TraceContext{TraceID: outer.TraceID, SpanID: model.SpanIDFromUint64(2), Sampled: true},
			Parent:  &outer, StartTime: 2e9, EndTime: 2e9, Level: model.LevelInfo, Kind: model.KindLog,
			Attributes: model.Attributes{model.KV("name", "world"), model.KV("tags", []string{"a"})},
		},
		{
			Name: "outer", SpanName: "outer", MsgTemplate: "outer", ServiceName: "svc",
			Context: outer, StartTime: 1e9, EndTime: 3e9, Level: model.LevelError, Kind: model.KindSpan,
			Status:      model.Status{Code: model.StatusError, Message: "boom"},
			IsException: true,
			Events: []model.Event{{Name: model.ExceptionEventName, Time: 25e8,
				Attributes: model.Attributes{model.KV(model.ExceptionTypeKey, "*errors.errorString")}}},
		},
	}}
}

func attrMap(kvs []*commonpb.KeyValue) map[string]*commonpb.AnyValue {
	out := make(map[string]*commonpb.AnyValue, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = kv.GetValue()
	}
	return out
}

func TestSendSpans(t *testing.T) {
	c := &collector{}
	s := newTestSink(t, c)
	require.NoError(t, s.Send(context.Background(), sampleBatch()))

	require.Len(t, c.traces, 1)
	hdr := c.headers[0]
	assert.Equal(t, "Bearer secret", hdr.Get("Authorization"))
	assert.Equal(t, "application/x-protobuf", hdr.Get("Content-Type"))
	assert.Equal(t, "gzip", hdr.Get("Content-Encoding"))

	rs := c.traces[0].GetResourceSpans()
	require.Len(t, rs, 1)
	res := attrMap(rs[0].GetResource().GetAttributes())
	assert.Equal(t, "svc", res["service.name"].GetStringValue())
	assert.NotEmpty(t, res["service.instance.id"].GetStringValue())
	assert.Equal(t, "test", res["deployment.environment.name"].GetStringValue())

	spans := rs[0].GetScopeSpans()[0].GetSpans()
	require.Len(t, spans, 2)

	log := spans[0]
	assert.Equal(t, "hello {name}", log.GetName())
	assert.Equal(t, log.GetStartTimeUnixNano(), log.GetEndTimeUnixNano())
	id := model.SpanIDFromUint64(1)
	assert.Equal(t, id[:], log.GetParentSpanId())
	la := attrMap(log.GetAttributes())
	assert.Equal(t, SpanTypeLog, la[AttrSpanType].GetStringValue())
	assert.Equal(t, "hello world", la[AttrMsg].GetStringValue())
	assert.Equal(t, int64(model.LevelInfo), la[AttrLevelNum].GetIntValue())
	assert.Equal(t, "world", la["name"].GetStringValue())
	assert.Equal(t, "a", la["tags"].GetArrayValue().GetValues()[0].GetStringValue())

	outer := spans[1]
	assert.Empty(t, outer.GetParentSpanId())
	assert.Equal(t, tracepb.Status_STATUS_CODE_ERROR, outer.GetStatus().GetCode())
	assert.Equal(t, "boom", outer.GetStatus().GetMessage())
	require.Len(t, outer.GetEvents(), 1)
	assert.Equal(t, model.ExceptionEventName, outer.GetEvents()[0].GetName())
	assert.True(t, attrMap(outer.GetAttributes())[AttrIsException].GetBoolValue())
	assert.Equal(t, uint32(sampledFlags), outer.GetFlags())
}

func TestSendPendingSpan(t *testing.T) {
	c := &collector{}
	s := newTestSink(t, c)
	rec := model.SpanRecord{
		Name: "work", SpanName: "work", Kind: model.KindSpan, Pending: true, StartTime: 5e9,
		Context: model.TraceContext{TraceID: model.TraceIDFromUint64(3), SpanID: model.SpanIDFromUint64(4)},
	}
	require.NoError(t, s.Send(context.Background(), model.Batch{Spans: []model.SpanRecord{rec}, Pending: true}))

	span := c.traces[0].GetResourceSpans()[0].GetScopeSpans()[0].GetSpans()[0]
	assert.Equal(t, SpanTypePending, attrMap(span.GetAttributes())[AttrSpanType].GetStringValue())
	assert.Equal(t, uint64(5e9), span.GetEndTimeUnixNano())
}

func TestSendMetrics(t *testing.T) {
	c := &collector{}
	s := newTestSink(t, c)
	minV, maxV := 1.0, 9.0
	batch := model.Batch{Metrics: []model.MetricPoint{
		{Name: "requests", Type: model.MetricCounter, IsMonotonic: true, Time: 10, Value: 3,
			Attributes: model.Attributes{model.KV("route", "/a")}},
		{Name: "requests", Type: model.MetricCounter, IsMonotonic: true, Time: 10, Value: 4,
			Attributes: model.Attributes{model.KV("route", "/b")}},
		{Name: "latency", Type: model.MetricHistogram, Time: 10, Histogram: &model.HistogramData{
			Count: 2, Sum: 10, Bounds: []float64{5}, BucketCounts: []uint64{1, 1}, Min: &minV, Max: &maxV}},
		{Name: "queue", Type: model.MetricGauge, Time: 10, Value: 7},
	}}
	require.NoError(t, s.Send(context.Background(), batch))
	assert.Empty(t, c.traces)
	require.Len(t, c.metrics, 1)

	metrics := c.metrics[0].GetResourceMetrics()[0].GetScopeMetrics()[0].GetMetrics()
	require.Len(t, metrics, 3)
	assert.Equal(t, "latency", metrics[0].GetName())
	assert.Equal(t, uint64(2), metrics[0].GetHistogram().GetDataPoints()[0].GetCount())
	assert.Equal(t, []uint64{1, 1}, metrics[0].GetHistogram().GetDataPoints()[0].GetBucketCounts())
	assert.Equal(t, "queue", metrics[1].GetName())
	assert.InDelta(t, 7.0, metrics[1].GetGauge().GetDataPoints()[0].GetAsDouble(), 1e-9)
	assert.Equal(t, "requests", metrics[2].GetName())
	assert.True(t, metrics[2].GetSum().GetIsMonotonic())
	assert.Len(t, metrics[2].GetSum().GetDataPoints(), 2)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   export.ErrorKind
	}{
		{http.StatusUnauthorized, export.KindAuthRejected},
		{http.StatusForbidden, export.KindAuthRejected},
		{http.StatusRequestEntityTooLarge, export.KindPayloadTooLarge},
		{http.StatusTooManyRequests, export.KindTransient},
		{http.StatusRequestTimeout, export.KindTransient},
		{http.StatusServiceUnavailable, export.KindTransient},
		{http.StatusBadRequest, export.KindTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := &collector{status: tt.status}
			s := newTestSink(t, c)
			err := s.Send(context.Background(), sampleBatch())
			require.Error(t, err)
			assert.Equal(t, tt.kind, export.KindOf(err))

			var se *export.SinkError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "otlphttp", se.Sink)
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	s, err := New(Config{Endpoint: endpoint})
	require.NoError(t, err)
	err = s.Send(context.Background(), sampleBatch())
	require.Error(t, err)
	assert.True(t, export.IsTransient(err))
}

func TestNewValidatesEndpoint(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "http://localhost:4318"})
	assert.NoError(t, err)
}

func TestAnyValueEmptyAndMap(t *testing.T) {
	assert.Nil(t, anyValue(model.Any(nil)).GetValue())
	kv := anyValue(model.Map(model.KV("k", 1.5))).GetKvlistValue().GetValues()
	require.Len(t, kv, 1)
	assert.Equal(t, "k", kv[0].GetKey())
	assert.InDelta(t, 1.5, kv[0].GetValue().GetDoubleValue(), 1e-9)
}
