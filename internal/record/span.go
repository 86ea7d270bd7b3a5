package record

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ashita-ai/kiroku/internal/ctxstack"
	"github.com/ashita-ai/kiroku/internal/model"
)

// Span is an open span. Its methods are safe for concurrent use and never
// panic.
type Span struct {
	tracer *Tracer
	stack  *ctxstack.Stack

	mu    sync.Mutex
	rec   model.SpanRecord
	ended bool
}

// Context returns the span's trace context.
func (s *Span) Context() model.TraceContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Context
}

// IsRecording reports whether the span belongs to a sampled trace.
func (s *Span) IsRecording() bool { return s.Context().Sampled }

// Snapshot returns a copy of the span's current state.
func (s *Span) Snapshot() model.SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone()
}

// SetAttribute sets key to v; the last write wins. Changes made after End
// update the span's state but are not exported again.
func (s *Span) SetAttribute(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer.setAttr(&s.rec, key, model.Any(v))
}

// SetMessage replaces the rendered message.
func (s *Span) SetMessage(msg string) {
	s.mu.Lock()
	s.rec.Name = msg
	s.mu.Unlock()
}

// SetLevel changes the span's level.
func (s *Span) SetLevel(level model.Level) {
	s.mu.Lock()
	s.rec.Level = level
	s.mu.Unlock()
}

// RecordException attaches an exception event for err and marks the span
// as failed. A nil err is ignored.
func (s *Span) RecordException(err error) {
	if err == nil {
		return
	}
	s.addException(fmt.Sprintf("%T", err), err.Error())
}

func (s *Span) recordPanic(r any) {
	if err, ok := r.(error); ok {
		s.RecordException(err)
		return
	}
	s.addException(fmt.Sprintf("%T", r), fmt.Sprint(r))
}

func (s *Span) addException(typ, msg string) {
	now := s.tracer.clock.NowNanos()
	stack := string(debug.Stack())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Events = append(s.rec.Events, model.Event{
		Name: model.ExceptionEventName,
		Time: now,
		Attributes: model.Attributes{
			{Key: model.ExceptionTypeKey, Value: model.String(typ)},
			{Key: model.ExceptionMessageKey, Value: model.String(msg)},
			{Key: model.ExceptionStacktraceK, Value: model.String(stack)},
		},
	})
	s.rec.Status = model.Status{Code: model.StatusError, Message: msg}
	s.rec.IsException = true
	if s.rec.Level < model.LevelError {
		s.rec.Level = model.LevelError
	}
}

// End closes the span, removes it from its stack and exports the final
// record. Calls after the first are no-ops.
func (s *Span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.tracer.logger.Warn("record: span already ended",
			"span_id", s.rec.Context.SpanID.String(),
			"span_name", s.rec.SpanName)
		return
	}
	s.ended = true
	end := s.tracer.clock.NowNanos()
	if end < s.rec.StartTime {
		end = s.rec.StartTime
	}
	s.rec.EndTime = end
	final := s.rec.Clone()
	s.mu.Unlock()

	s.stack.Pop(final.Context)
	if final.Context.Sampled {
		s.tracer.proc.OnEnd(final)
	}
}
