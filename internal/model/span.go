package model

import (
	"fmt"
	"strings"
)

// RecordKind distinguishes spans from zero-duration logs.
type RecordKind string

const (
	KindSpan RecordKind = "span"
	KindLog  RecordKind = "log"
)

// StatusCode is the final outcome of a span.
type StatusCode string

const (
	StatusUnset StatusCode = "unset"
	StatusOK    StatusCode = "ok"
	StatusError StatusCode = "error"
)

// Status is a span's outcome plus an optional description.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Level is an ordinal severity. Values follow OpenTelemetry severity numbers.
type Level int

const (
	LevelTrace  Level = 1
	LevelDebug  Level = 5
	LevelInfo   Level = 9
	LevelNotice Level = 10
	LevelWarn   Level = 13
	LevelError  Level = 17
	LevelFatal  Level = 21
)

var levelNames = []struct {
	level Level
	name  string
}{
	{LevelTrace, "trace"},
	{LevelDebug, "debug"},
	{LevelInfo, "info"},
	{LevelNotice, "notice"},
	{LevelWarn, "warn"},
	{LevelError, "error"},
	{LevelFatal, "fatal"},
}

func (l Level) String() string {
	for _, ln := range levelNames {
		if ln.level == l {
			return ln.name
		}
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts level names case-insensitively; "warning" is an alias of "warn".
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	for _, ln := range levelNames {
		if ln.name == name {
			return ln.level, nil
		}
	}
	return 0, fmt.Errorf("model: unknown level %q", s)
}

// Event is a timestamped sub-event of a span.
type Event struct {
	Name       string     `json:"name"`
	Time       int64      `json:"time"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Exception event attribute keys.
const (
	ExceptionEventName   = "exception"
	ExceptionTypeKey     = "exception.type"
	ExceptionMessageKey  = "exception.message"
	ExceptionStacktraceK = "exception.stacktrace"
)

// SpanRecord is one span or one log entry. Timestamps are unix nanoseconds.
//
// A log is a record of KindLog whose StartTime equals its EndTime; it is never
// a parent. A Pending record is the in-flight placeholder of a span that has
// not closed yet; its EndTime is zero.
type SpanRecord struct {
	// Name is the rendered message.
	Name string `json:"name"`
	// SpanName is the low-cardinality template identity.
	SpanName    string        `json:"span_name"`
	MsgTemplate string        `json:"msg_template"`
	ServiceName string        `json:"service_name,omitempty"`
	Context     TraceContext  `json:"context"`
	Parent      *TraceContext `json:"parent,omitempty"`
	StartTime   int64         `json:"start_timestamp"`
	EndTime     int64         `json:"end_timestamp"`
	Attributes  Attributes    `json:"attributes,omitempty"`
	Level       Level         `json:"level"`
	Events      []Event       `json:"events,omitempty"`
	Status      Status        `json:"status"`
	IsException bool          `json:"is_exception"`
	Kind        RecordKind    `json:"kind"`
	Pending     bool          `json:"pending,omitempty"`
}

// IsRoot reports whether the record starts a trace.
func (r *SpanRecord) IsRoot() bool { return r.Parent == nil }

// Duration returns end minus start in nanoseconds, or zero for pending records.
func (r *SpanRecord) Duration() int64 {
	if r.Pending {
		return 0
	}
	return r.EndTime - r.StartTime
}

// Clone returns a deep copy so later mutation of r cannot leak into exports.
func (r *SpanRecord) Clone() SpanRecord {
	out := *r
	out.Attributes = r.Attributes.Clone()
	if r.Parent != nil {
		p := *r.Parent
		out.Parent = &p
	}
	if r.Events != nil {
		out.Events = make([]Event, len(r.Events))
		for i, e := range r.Events {
			out.Events[i] = Event{Name: e.Name, Time: e.Time, Attributes: e.Attributes.Clone()}
		}
	}
	return out
}

// Validate checks the structural invariants of a finished or pending record.
func (r *SpanRecord) Validate() error {
	if !r.Context.IsValid() {
		return fmt.Errorf("model: record %q has invalid context", r.Name)
	}
	if r.Parent != nil && r.Parent.TraceID != r.Context.TraceID {
		return fmt.Errorf("model: record %q parent trace %s differs from own trace %s",
			r.Name, r.Parent.TraceID, r.Context.TraceID)
	}
	if r.Pending {
		return nil
	}
	if r.EndTime < r.StartTime {
		return fmt.Errorf("model: record %q ends before it starts", r.Name)
	}
	if r.Kind == KindLog && r.EndTime != r.StartTime {
		return fmt.Errorf("model: log %q has non-zero duration", r.Name)
	}
	return nil
}

// Supersedes reports whether candidate should replace current for the same
// (trace_id, span_id) downstream. A final record always replaces a pending
// one and a pending record never replaces a final one. Between records of the
// same pendingness the later end timestamp wins and ties go to the candidate.
func Supersedes(candidate, current *SpanRecord) bool {
	if current == nil {
		return true
	}
	if candidate.Pending != current.Pending {
		return !candidate.Pending
	}
	return candidate.EndTime >= current.EndTime
}
