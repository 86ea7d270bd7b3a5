// Package fallback reads and writes the on-disk file that holds batches no
// sink could accept. The file is a header followed by self-delimiting,
// checksummed frames, each carrying one StartSpan, RecordLog or EndSpan
// record encoded as deterministic CBOR.
package fallback

import (
	"cmp"
	"slices"

	"github.com/ashita-ai/kiroku/internal/model"
)

// RecordType tags a frame.
type RecordType uint8

const (
	TypeStartSpan RecordType = 1
	TypeRecordLog RecordType = 2
	TypeEndSpan   RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case TypeStartSpan:
		return "StartSpan"
	case TypeRecordLog:
		return "RecordLog"
	case TypeEndSpan:
		return "EndSpan"
	}
	return "Unknown"
}

// Record is one of *StartSpan, *RecordLog or *EndSpan.
type Record interface {
	Type() RecordType
}

// Parent names the enclosing span of a record.
type Parent struct {
	TraceID model.TraceID `cbor:"trace_id"`
	SpanID  model.SpanID  `cbor:"span_id"`
}

// StartSpan opens a span.
type StartSpan struct {
	SpanName       string           `cbor:"span_name"`
	MsgTemplate    string           `cbor:"msg_template"`
	FormattedMsg   string           `cbor:"formatted_msg,omitempty"`
	ServiceName    string           `cbor:"service_name"`
	LogAttributes  model.Attributes `cbor:"log_attributes"`
	Level          model.Level      `cbor:"level,omitempty"`
	StartTimestamp int64            `cbor:"start_timestamp"`
	TraceID        model.TraceID    `cbor:"trace_id"`
	SpanID         model.SpanID     `cbor:"span_id"`
	Parent         *Parent          `cbor:"parent,omitempty"`
}

// RecordLog is a zero-duration log. Logs written by the pipeline carry their
// ids and parent; hand-written files may omit them, in which case the
// replayer assigns fresh ids and nests the log under the innermost open span.
type RecordLog struct {
	MsgTemplate  string           `cbor:"msg_template"`
	FormattedMsg string           `cbor:"formatted_msg,omitempty"`
	Level        model.Level      `cbor:"level"`
	ServiceName  string           `cbor:"service_name"`
	Attributes   model.Attributes `cbor:"attributes"`
	Timestamp    int64            `cbor:"timestamp"`
	TraceID      *model.TraceID   `cbor:"trace_id,omitempty"`
	SpanID       *model.SpanID    `cbor:"span_id,omitempty"`
	Parent       *Parent          `cbor:"parent,omitempty"`
}

// EndSpan closes a span. The optional fields carry state that changed after
// the span opened.
type EndSpan struct {
	SpanID        model.SpanID     `cbor:"span_id"`
	TraceID       model.TraceID    `cbor:"trace_id"`
	EndTimestamp  int64            `cbor:"end_timestamp"`
	FormattedMsg  string           `cbor:"formatted_msg,omitempty"`
	Level         model.Level      `cbor:"level,omitempty"`
	Status        model.StatusCode `cbor:"status,omitempty"`
	StatusMessage string           `cbor:"status_message,omitempty"`
	Attributes    model.Attributes `cbor:"attributes,omitempty"`
	Events        []model.Event    `cbor:"events,omitempty"`
	IsException   bool             `cbor:"is_exception,omitempty"`
}

func (*StartSpan) Type() RecordType { return TypeStartSpan }
func (*RecordLog) Type() RecordType { return TypeRecordLog }
func (*EndSpan) Type() RecordType   { return TypeEndSpan }

func parentOf(rec *model.SpanRecord) *Parent {
	if rec.Parent == nil {
		return nil
	}
	return &Parent{TraceID: rec.Parent.TraceID, SpanID: rec.Parent.SpanID}
}

func startOf(rec *model.SpanRecord) *StartSpan {
	return &StartSpan{
		SpanName:       rec.SpanName,
		MsgTemplate:    rec.MsgTemplate,
		FormattedMsg:   rec.Name,
		ServiceName:    rec.ServiceName,
		LogAttributes:  rec.Attributes,
		Level:          rec.Level,
		StartTimestamp: rec.StartTime,
		TraceID:        rec.Context.TraceID,
		SpanID:         rec.Context.SpanID,
		Parent:         parentOf(rec),
	}
}

// FromBatch converts records into file records ordered as a timeline: every
// StartSpan precedes the records nested under it and its own EndSpan. A
// pending record yields only its StartSpan.
func FromBatch(batch model.Batch) []Record {
	type entry struct {
		time  int64
		phase int // 0 start, 1 log, 2 end
		depth int
		rec   Record
	}

	inBatch := make(map[model.RecordKey]*model.SpanRecord, len(batch.Spans))
	for i := range batch.Spans {
		inBatch[batch.Spans[i].Context.Key()] = &batch.Spans[i]
	}
	depth := func(rec *model.SpanRecord) int {
		d := 0
		for p := rec.Parent; p != nil && d < len(inBatch); d++ {
			parent, ok := inBatch[p.Key()]
			if !ok {
				break
			}
			p = parent.Parent
		}
		return d
	}

	entries := make([]entry, 0, 2*len(batch.Spans))
	for i := range batch.Spans {
		rec := &batch.Spans[i]
		if rec.Pending {
			if rec.Kind != model.KindLog {
				entries = append(entries, entry{time: rec.StartTime, phase: 0, depth: depth(rec), rec: startOf(rec)})
			}
			continue
		}
		if rec.Kind == model.KindLog {
			traceID, spanID := rec.Context.TraceID, rec.Context.SpanID
			entries = append(entries, entry{time: rec.StartTime, phase: 1, depth: depth(rec), rec: &RecordLog{
				MsgTemplate:  rec.MsgTemplate,
				FormattedMsg: rec.Name,
				Level:        rec.Level,
				ServiceName:  rec.ServiceName,
				Attributes:   rec.Attributes,
				Timestamp:    rec.StartTime,
				TraceID:      &traceID,
				SpanID:       &spanID,
				Parent:       parentOf(rec),
			}})
			continue
		}
		d := depth(rec)
		entries = append(entries,
			entry{time: rec.StartTime, phase: 0, depth: d, rec: startOf(rec)},
			entry{time: rec.EndTime, phase: 2, depth: -d, rec: &EndSpan{
				SpanID:        rec.Context.SpanID,
				TraceID:       rec.Context.TraceID,
				EndTimestamp:  rec.EndTime,
				Status:        rec.Status.Code,
				StatusMessage: rec.Status.Message,
				Events:        rec.Events,
				IsException:   rec.IsException,
			}},
		)
	}

	// Starts before logs before ends at equal times; outer spans open first
	// and close last.
	slices.SortStableFunc(entries, func(a, b entry) int {
		return cmp.Or(
			cmp.Compare(a.time, b.time),
			cmp.Compare(a.phase, b.phase),
			cmp.Compare(a.depth, b.depth),
		)
	})
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}
