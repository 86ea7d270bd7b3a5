package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestRandomIDGeneratorUnique(t *testing.T) {
	var g RandomIDGenerator
	traces := make(map[model.TraceID]struct{})
	spans := make(map[model.SpanID]struct{})

	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				tid, sid := g.NewTraceID(), g.NewSpanID()
				mu.Lock()
				traces[tid] = struct{}{}
				spans[sid] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, traces, 4000)
	assert.Len(t, spans, 4000)
	for id := range traces {
		assert.False(t, id.IsZero())
	}
}

func TestIncrementalIDGeneratorCounts(t *testing.T) {
	g := NewIncrementalIDGenerator()
	assert.Equal(t, model.TraceIDFromUint64(1), g.NewTraceID())
	assert.Equal(t, model.SpanIDFromUint64(1), g.NewSpanID())
	assert.Equal(t, model.SpanIDFromUint64(2), g.NewSpanID())
	assert.Equal(t, model.TraceIDFromUint64(2), g.NewTraceID())
}

func TestIncrementalIDGeneratorConcurrent(t *testing.T) {
	g := NewIncrementalIDGenerator()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				g.NewSpanID()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, model.SpanIDFromUint64(1001), g.NewSpanID(), "no increments lost")
}

func TestTimeGeneratorStepsOneSecond(t *testing.T) {
	g := NewTimeGenerator(0)
	assert.Equal(t, int64(time.Second), g.NowNanos())
	assert.Equal(t, int64(2*time.Second), g.NowNanos())
	assert.Equal(t, int64(3*time.Second), g.NowNanos())

	custom := NewTimeGenerator(10 * time.Second)
	assert.Equal(t, int64(10*time.Second), custom.NowNanos())
}

func TestWallClockUsesInjectedClock(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := clockz.NewFakeClockAt(at)
	c := NewWallClock(fake)
	require.Equal(t, at.UnixNano(), c.NowNanos())

	fake.Advance(1500 * time.Millisecond)
	assert.Equal(t, at.Add(1500*time.Millisecond).UnixNano(), c.NowNanos())
}

func TestWallClockDefaultsToRealClock(t *testing.T) {
	before := time.Now().UnixNano()
	now := NewWallClock(nil).NowNanos()
	assert.GreaterOrEqual(t, now, before)
}
