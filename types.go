package kiroku

import (
	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/record"
)

// Level is a record's severity. Values follow OpenTelemetry severity numbers.
type Level = model.Level

// Severity levels, lowest first.
const (
	LevelTrace  = model.LevelTrace
	LevelDebug  = model.LevelDebug
	LevelInfo   = model.LevelInfo
	LevelNotice = model.LevelNotice
	LevelWarn   = model.LevelWarn
	LevelError  = model.LevelError
	LevelFatal  = model.LevelFatal
)

// ParseLevel accepts level names case-insensitively.
func ParseLevel(s string) (Level, error) { return model.ParseLevel(s) }

// Attr is one key/value attribute. Keys starting with "kiroku." are reserved
// and dropped with a warning.
type Attr = model.Attr

// A builds an attribute from a Go value.
func A(key string, value any) Attr { return model.KV(key, value) }

// Span is an open span. End must be called exactly once; further calls are
// ignored.
type Span = record.Span

// TraceContext identifies a span within a trace.
type TraceContext = model.TraceContext

// SpanRecord is a finished span or log as handed to sinks.
type SpanRecord = model.SpanRecord

// MetricPoint is one aggregated measurement as handed to sinks.
type MetricPoint = model.MetricPoint

// Batch is the unit of delivery.
type Batch = model.Batch

// Stats is a snapshot of delivery counters.
type Stats = export.Stats

// MemorySink keeps every batch in memory. It is meant for tests.
type MemorySink = export.MemorySink

// NewMemorySink returns an empty MemorySink reporting the given name.
func NewMemorySink(name string) *MemorySink { return export.NewMemorySink(name) }
