package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Row is the column form of a span record shared by the SQL stores.
type Row struct {
	TraceID       []byte
	SpanID        []byte
	ParentSpanID  []byte
	Name          string
	SpanName      string
	MsgTemplate   string
	ServiceName   string
	StartTime     int64
	EndTime       int64
	Level         int16
	Kind          string
	StatusCode    string
	StatusMessage string
	IsException   bool
	Pending       bool
	Attributes    []byte
	Events        []byte
}

// RowFromRecord flattens rec. Attributes and events are stored as JSON.
// Records failing model validation are rejected with ErrInvalidRecord.
func RowFromRecord(rec *model.SpanRecord) (Row, error) {
	if err := rec.Validate(); err != nil {
		return Row{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return Row{}, fmt.Errorf("%w: encode attributes: %w", ErrInvalidRecord, err)
	}
	events := rec.Events
	if events == nil {
		events = []model.Event{}
	}
	evs, err := json.Marshal(events)
	if err != nil {
		return Row{}, fmt.Errorf("%w: encode events: %w", ErrInvalidRecord, err)
	}
	r := Row{
		TraceID:       rec.Context.TraceID[:],
		SpanID:        rec.Context.SpanID[:],
		Name:          rec.Name,
		SpanName:      rec.SpanName,
		MsgTemplate:   rec.MsgTemplate,
		ServiceName:   rec.ServiceName,
		StartTime:     rec.StartTime,
		EndTime:       rec.EndTime,
		Level:         int16(rec.Level), //nolint:gosec // levels are small
		Kind:          string(rec.Kind),
		StatusCode:    string(rec.Status.Code),
		StatusMessage: rec.Status.Message,
		IsException:   rec.IsException,
		Pending:       rec.Pending,
		Attributes:    attrs,
		Events:        evs,
	}
	if r.StatusCode == "" {
		r.StatusCode = string(model.StatusUnset)
	}
	if rec.Parent != nil {
		r.ParentSpanID = rec.Parent.SpanID[:]
	}
	return r, nil
}

// Record rebuilds the span record. Stored records are always sampled.
func (r Row) Record() (model.SpanRecord, error) {
	rec := model.SpanRecord{
		Name:        r.Name,
		SpanName:    r.SpanName,
		MsgTemplate: r.MsgTemplate,
		ServiceName: r.ServiceName,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Level:       model.Level(r.Level),
		Kind:        model.RecordKind(r.Kind),
		Status:      model.Status{Code: model.StatusCode(r.StatusCode), Message: r.StatusMessage},
		IsException: r.IsException,
		Pending:     r.Pending,
	}
	if len(r.TraceID) != len(rec.Context.TraceID) || len(r.SpanID) != len(rec.Context.SpanID) {
		return rec, fmt.Errorf("storage: malformed ids (%d, %d bytes)", len(r.TraceID), len(r.SpanID))
	}
	copy(rec.Context.TraceID[:], r.TraceID)
	copy(rec.Context.SpanID[:], r.SpanID)
	rec.Context.Sampled = true
	if len(r.ParentSpanID) == len(rec.Context.SpanID) {
		parent := model.TraceContext{TraceID: rec.Context.TraceID, Sampled: true}
		copy(parent.SpanID[:], r.ParentSpanID)
		rec.Parent = &parent
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &rec.Attributes); err != nil {
			return rec, fmt.Errorf("storage: decode attributes: %w", err)
		}
		if len(rec.Attributes) == 0 {
			rec.Attributes = nil
		}
	}
	if len(r.Events) > 0 {
		if err := json.Unmarshal(r.Events, &rec.Events); err != nil {
			return rec, fmt.Errorf("storage: decode events: %w", err)
		}
		if len(rec.Events) == 0 {
			rec.Events = nil
		}
	}
	return rec, nil
}
