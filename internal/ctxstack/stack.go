// Package ctxstack tracks the spans currently open in one logical execution
// context. A Stack travels inside a context.Context; goroutines that record
// independently call Fork to get their own stack.
package ctxstack

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/kiroku/internal/model"
)

type ctxKey struct{}

// Stack is the open-span stack of one execution context. It is safe for
// concurrent use, but goroutines sharing a Stack see each other's spans as
// parents.
type Stack struct {
	mu     sync.Mutex
	frames []model.TraceContext
	logger *slog.Logger
}

// NewStack returns an empty stack. A nil logger falls back to slog.Default.
func NewStack(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stack{logger: logger}
}

// Current returns the innermost open span, or false if the stack is empty.
func (s *Stack) Current() (model.TraceContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return model.TraceContext{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// Depth returns the number of open frames.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Push records tc as the innermost open span.
func (s *Stack) Push(tc model.TraceContext) {
	s.mu.Lock()
	s.frames = append(s.frames, tc)
	s.mu.Unlock()
}

// Pop removes tc, which should be the top of the stack. An out-of-order
// close is logged and the matching frame is removed wherever it sits; a
// frame that is not on the stack at all is a no-op. Pop reports whether tc
// was found.
func (s *Stack) Pop(tc model.TraceContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.frames)
	if n > 0 && s.frames[n-1].Key() == tc.Key() {
		s.frames = s.frames[:n-1]
		return true
	}
	for i := n - 2; i >= 0; i-- {
		if s.frames[i].Key() != tc.Key() {
			continue
		}
		s.logger.Warn("ctxstack: span closed out of order",
			"span_id", tc.SpanID.String(),
			"trace_id", tc.TraceID.String(),
			"depth", n-1-i)
		s.frames = append(s.frames[:i], s.frames[i+1:]...)
		return true
	}
	s.logger.Warn("ctxstack: closed span not on stack",
		"span_id", tc.SpanID.String(),
		"trace_id", tc.TraceID.String())
	return false
}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Stack) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the stack carried by ctx, or nil.
func FromContext(ctx context.Context) *Stack {
	s, _ := ctx.Value(ctxKey{}).(*Stack)
	return s
}

// Ensure returns ctx and its stack, attaching a new empty stack if ctx has none.
func Ensure(ctx context.Context, logger *slog.Logger) (context.Context, *Stack) {
	if s := FromContext(ctx); s != nil {
		return ctx, s
	}
	s := NewStack(logger)
	return NewContext(ctx, s), s
}

// CurrentParent returns the innermost open span of the stack in ctx.
func CurrentParent(ctx context.Context) (model.TraceContext, bool) {
	s := FromContext(ctx)
	if s == nil {
		return model.TraceContext{}, false
	}
	return s.Current()
}

// Fork returns a context with a fresh stack whose base frame is the current
// span of ctx. Use it when handing ctx to a new goroutine so that spans opened
// there nest under the current span without disturbing the caller's stack.
func Fork(ctx context.Context) context.Context {
	var logger *slog.Logger
	parent := FromContext(ctx)
	if parent != nil {
		logger = parent.logger
	}
	s := NewStack(logger)
	if parent != nil {
		if tc, ok := parent.Current(); ok {
			s.frames = append(s.frames, tc)
		}
	}
	return NewContext(ctx, s)
}
