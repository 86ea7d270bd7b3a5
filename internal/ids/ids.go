// Package ids supplies trace/span identifiers and nanosecond timestamps to
// the recording core. Production and deterministic implementations are
// injected through the tracer configuration.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/ashita-ai/kiroku/internal/model"
)

// IDGenerator allocates trace and span identifiers. Implementations must be
// safe for concurrent use.
type IDGenerator interface {
	NewTraceID() model.TraceID
	NewSpanID() model.SpanID
}

// Clock returns the current time in unix nanoseconds.
type Clock interface {
	NowNanos() int64
}

// RandomIDGenerator draws ids from crypto/rand. The zero value is ready to use.
type RandomIDGenerator struct{}

// NewTraceID returns a random non-zero 128-bit trace id. It panics if the
// system entropy source fails.
func (RandomIDGenerator) NewTraceID() model.TraceID {
	var id model.TraceID
	for id.IsZero() {
		if _, err := rand.Read(id[:]); err != nil {
			panic("ids: read trace id entropy: " + err.Error())
		}
	}
	return id
}

// NewSpanID returns a random non-zero 64-bit span id. It panics if the
// system entropy source fails.
func (RandomIDGenerator) NewSpanID() model.SpanID {
	var id model.SpanID
	for id.IsZero() {
		if _, err := rand.Read(id[:]); err != nil {
			panic("ids: read span id entropy: " + err.Error())
		}
	}
	return id
}

// WallClock reads time from a clockz.Clock.
type WallClock struct {
	clock clockz.Clock
}

// NewWallClock returns a clock backed by c, or by clockz.RealClock when c is nil.
func NewWallClock(c clockz.Clock) *WallClock {
	if c == nil {
		c = clockz.RealClock
	}
	return &WallClock{clock: c}
}

// NowNanos returns the current unix time in nanoseconds.
func (w *WallClock) NowNanos() int64 { return w.clock.Now().UnixNano() }

// IncrementalIDGenerator hands out 1, 2, 3, ... for trace ids and,
// independently, for span ids, so recorded output is reproducible across
// runs. One lock serializes both counters.
type IncrementalIDGenerator struct {
	mu        sync.Mutex
	lastTrace uint64
	lastSpan  uint64
}

// NewIncrementalIDGenerator returns a generator whose first trace id and
// first span id are both 1.
func NewIncrementalIDGenerator() *IncrementalIDGenerator {
	return &IncrementalIDGenerator{}
}

// NewTraceID returns the next trace counter value.
func (g *IncrementalIDGenerator) NewTraceID() model.TraceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastTrace++
	return model.TraceIDFromUint64(g.lastTrace)
}

// NewSpanID returns the next span counter value.
func (g *IncrementalIDGenerator) NewSpanID() model.SpanID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSpan++
	return model.SpanIDFromUint64(g.lastSpan)
}

// TimeGenerator returns start on its first call and advances by exactly one
// second on every subsequent call.
type TimeGenerator struct {
	mu   sync.Mutex
	next int64
}

// NewTimeGenerator returns a generator starting at start. A zero start
// defaults to one second past the epoch.
func NewTimeGenerator(start time.Duration) *TimeGenerator {
	if start == 0 {
		start = time.Second
	}
	return &TimeGenerator{next: int64(start)}
}

// NowNanos returns the current step and advances the generator.
func (g *TimeGenerator) NowNanos() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.next
	g.next += int64(time.Second)
	return now
}
