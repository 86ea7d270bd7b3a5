package backfill

import (
	"log/slog"
	"slices"

	"github.com/ashita-ai/kiroku/internal/fallback"
	"github.com/ashita-ai/kiroku/internal/ids"
	"github.com/ashita-ai/kiroku/internal/model"
)

// replayState is the replay stack: spans opened by StartSpan and not yet
// closed, innermost last.
type replayState struct {
	ids    ids.IDGenerator
	logger *slog.Logger

	open    map[model.RecordKey]*model.SpanRecord
	stack   []model.RecordKey
	used    map[model.RecordKey]struct{}
	ready   []model.SpanRecord
	orphans int
}

func newReplayState(gen ids.IDGenerator, logger *slog.Logger) *replayState {
	return &replayState{
		ids:    gen,
		logger: logger,
		open:   make(map[model.RecordKey]*model.SpanRecord),
		used:   make(map[model.RecordKey]struct{}),
	}
}

func (s *replayState) apply(rec fallback.Record) {
	switch r := rec.(type) {
	case *fallback.StartSpan:
		s.start(r)
	case *fallback.RecordLog:
		s.log(r)
	case *fallback.EndSpan:
		s.end(r)
	}
}

func levelOr(l, def model.Level) model.Level {
	if l == 0 {
		return def
	}
	return l
}

func parentContext(p *fallback.Parent) *model.TraceContext {
	if p == nil {
		return nil
	}
	return &model.TraceContext{TraceID: p.TraceID, SpanID: p.SpanID, Sampled: true}
}

func (s *replayState) start(r *fallback.StartSpan) {
	name := r.FormattedMsg
	if name == "" {
		name = r.MsgTemplate
	}
	rec := &model.SpanRecord{
		Name:        name,
		SpanName:    r.SpanName,
		MsgTemplate: r.MsgTemplate,
		ServiceName: r.ServiceName,
		Context:     model.TraceContext{TraceID: r.TraceID, SpanID: r.SpanID, Sampled: true},
		Parent:      parentContext(r.Parent),
		StartTime:   r.StartTimestamp,
		Attributes:  r.LogAttributes.Clone(),
		Level:       levelOr(r.Level, model.LevelInfo),
		Status:      model.Status{Code: model.StatusUnset},
		Kind:        model.KindSpan,
	}
	key := rec.Context.Key()
	if _, dup := s.open[key]; dup {
		s.logger.Warn("backfill: span started twice; keeping the later start",
			"trace_id", r.TraceID, "span_id", r.SpanID)
		s.stack = slices.DeleteFunc(s.stack, func(k model.RecordKey) bool { return k == key })
	}
	s.open[key] = rec
	s.used[key] = struct{}{}
	s.stack = append(s.stack, key)
}

func (s *replayState) innermost() *model.SpanRecord {
	if len(s.stack) == 0 {
		return nil
	}
	return s.open[s.stack[len(s.stack)-1]]
}

func (s *replayState) log(r *fallback.RecordLog) {
	rec := model.SpanRecord{
		Name:        r.FormattedMsg,
		SpanName:    r.MsgTemplate,
		MsgTemplate: r.MsgTemplate,
		ServiceName: r.ServiceName,
		StartTime:   r.Timestamp,
		EndTime:     r.Timestamp,
		Attributes:  r.Attributes.Clone(),
		Level:       levelOr(r.Level, model.LevelInfo),
		Status:      model.Status{Code: model.StatusUnset},
		Kind:        model.KindLog,
		Parent:      parentContext(r.Parent),
	}
	if rec.Name == "" {
		rec.Name = r.MsgTemplate
	}

	enclosing := s.innermost()
	if rec.Parent == nil && r.SpanID == nil && enclosing != nil {
		p := enclosing.Context
		rec.Parent = &p
	}
	switch {
	case r.TraceID != nil:
		rec.Context.TraceID = *r.TraceID
	case rec.Parent != nil:
		rec.Context.TraceID = rec.Parent.TraceID
	default:
		rec.Context.TraceID = s.ids.NewTraceID()
	}
	if r.SpanID != nil {
		rec.Context.SpanID = *r.SpanID
	} else {
		rec.Context.SpanID = s.freshSpanID(rec.Context.TraceID)
	}
	rec.Context.Sampled = true
	s.used[rec.Context.Key()] = struct{}{}
	s.ready = append(s.ready, rec)
}

// freshSpanID draws span ids until one is unused within the trace, so
// generated ids never collide with ids recorded in the file.
func (s *replayState) freshSpanID(traceID model.TraceID) model.SpanID {
	for {
		id := s.ids.NewSpanID()
		if _, taken := s.used[model.RecordKey{TraceID: traceID, SpanID: id}]; !taken {
			return id
		}
	}
}

func (s *replayState) end(r *fallback.EndSpan) {
	key := model.RecordKey{TraceID: r.TraceID, SpanID: r.SpanID}
	rec, ok := s.open[key]
	if !ok {
		s.orphans++
		s.logger.Warn("backfill: EndSpan without matching StartSpan; skipped",
			"trace_id", r.TraceID, "span_id", r.SpanID)
		return
	}
	delete(s.open, key)
	s.stack = slices.DeleteFunc(s.stack, func(k model.RecordKey) bool { return k == key })

	rec.EndTime = max(r.EndTimestamp, rec.StartTime)
	if r.FormattedMsg != "" {
		rec.Name = r.FormattedMsg
	}
	if r.Level != 0 {
		rec.Level = r.Level
	}
	if r.Status != "" {
		rec.Status = model.Status{Code: r.Status, Message: r.StatusMessage}
	}
	for _, a := range r.Attributes {
		rec.Attributes.Set(a.Key, a.Value)
	}
	if len(r.Events) > 0 {
		rec.Events = append(rec.Events, r.Events...)
	}
	rec.IsException = rec.IsException || r.IsException
	s.ready = append(s.ready, *rec)
}

// unended drains the replay stack as pending records, outermost first.
func (s *replayState) unended() []model.SpanRecord {
	out := make([]model.SpanRecord, 0, len(s.stack))
	for _, key := range s.stack {
		rec := s.open[key]
		rec.Pending = true
		rec.EndTime = 0
		out = append(out, *rec)
	}
	s.open = make(map[model.RecordKey]*model.SpanRecord)
	s.stack = nil
	return out
}
