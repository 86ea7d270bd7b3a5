package export

import (
	"context"
	"sync"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Sink is a destination for batches. Send must honour ctx and return a
// *SinkError to classify failures; other errors count as transient.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch model.Batch) error
	Close(ctx context.Context) error
}

// Persister stores batches that no sink accepted, for later backfill.
type Persister interface {
	WriteBatch(batch model.Batch) error
	Close() error
}

// MemorySink keeps every batch it receives. Fail, when set, is consulted
// before each delivery and its error returned instead.
type MemorySink struct {
	name string
	Fail func(model.Batch) error

	mu      sync.Mutex
	batches []model.Batch
	closed  bool
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink(name string) *MemorySink {
	if name == "" {
		name = "memory"
	}
	return &MemorySink{name: name}
}

func (m *MemorySink) Name() string { return m.name }

func (m *MemorySink) Send(_ context.Context, batch model.Batch) error {
	if m.Fail != nil {
		if err := m.Fail(batch); err != nil {
			return err
		}
	}
	cp := model.Batch{Pending: batch.Pending}
	cp.Spans = append(cp.Spans, batch.Spans...)
	cp.Metrics = append(cp.Metrics, batch.Metrics...)
	m.mu.Lock()
	m.batches = append(m.batches, cp)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Close(context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Batches returns every batch received so far.
func (m *MemorySink) Batches() []model.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

// Spans returns the final spans and logs received, in delivery order.
func (m *MemorySink) Spans() []model.SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SpanRecord
	for _, b := range m.batches {
		if !b.Pending {
			out = append(out, b.Spans...)
		}
	}
	return out
}

// PendingSpans returns the in-flight placeholders received.
func (m *MemorySink) PendingSpans() []model.SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SpanRecord
	for _, b := range m.batches {
		if b.Pending {
			out = append(out, b.Spans...)
		}
	}
	return out
}

// Metrics returns every metric point received.
func (m *MemorySink) Metrics() []model.MetricPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MetricPoint
	for _, b := range m.batches {
		out = append(out, b.Metrics...)
	}
	return out
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset discards everything received.
func (m *MemorySink) Reset() {
	m.mu.Lock()
	m.batches = nil
	m.mu.Unlock()
}
