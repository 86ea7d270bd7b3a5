// Package export batches finished records and delivers them to sinks. Batches
// no sink could take are handed to a Persister for later backfill.
package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/codec"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// maxBufferedRecords bounds the final stream while the delivery path is
// wedged. Records arriving beyond it are dropped and counted.
const maxBufferedRecords = 100_000

// Defaults for zero Config fields.
const (
	DefaultMaxBatchSize  = 512
	DefaultMaxBatchBytes = 1 << 20
	DefaultLinger        = 500 * time.Millisecond
	DefaultPendingLinger = time.Second
)

// Config configures a Pipeline.
type Config struct {
	Sinks []Sink
	// Fallback receives batches that failed transiently. Optional.
	Fallback Persister
	// MaxBatchSize and MaxBatchBytes close a batch once either is reached.
	MaxBatchSize  int
	MaxBatchBytes int
	// Linger is the longest a finished record waits before its batch is sent.
	Linger time.Duration
	// PendingLinger paces the best-effort stream of in-flight spans.
	PendingLinger time.Duration
	Clock         clockz.Clock
	Logger        *slog.Logger
}

type sinkState struct {
	sink     Sink
	inactive atomic.Bool
	authOnce sync.Once
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Buffered       int
	Batches        int64
	Delivered      int64
	Persisted      int64
	Dropped        int64
	PendingDropped int64
}

// Pipeline buffers records from the recording path and delivers them from a
// background goroutine. It implements record.Processor.
type Pipeline struct {
	sinks         []*sinkState
	fallback      Persister
	maxBatchSize  int
	maxBatchBytes int
	linger        time.Duration
	pendingLinger time.Duration
	clock         clockz.Clock
	logger        *slog.Logger

	mu          sync.Mutex
	final       []model.SpanRecord
	finalSizes  []int
	finalBytes  int
	pending     []model.SpanRecord
	openKeys    map[model.RecordKey]struct{} // buffered placeholders whose span is still open
	openSpans   map[model.RecordKey]model.SpanRecord
	metrics     []model.MetricPoint
	lastPending time.Time
	drainCtx    context.Context

	deliverMu sync.Mutex
	closed    atomic.Bool
	batchSeq  atomic.Int64

	delivered      atomic.Int64
	persisted      atomic.Int64
	dropped        atomic.Int64
	pendingDropped atomic.Int64

	overflowOnce sync.Once
	diskFullOnce sync.Once

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	shutdown   sync.Once
}

// New creates a pipeline. Call Start to begin background delivery.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		fallback:      cfg.Fallback,
		maxBatchSize:  cfg.MaxBatchSize,
		maxBatchBytes: cfg.MaxBatchBytes,
		linger:        cfg.Linger,
		pendingLinger: cfg.PendingLinger,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		openKeys:      make(map[model.RecordKey]struct{}),
		openSpans:     make(map[model.RecordKey]model.SpanRecord),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, s := range cfg.Sinks {
		p.sinks = append(p.sinks, &sinkState{sink: s})
	}
	if p.maxBatchSize <= 0 {
		p.maxBatchSize = DefaultMaxBatchSize
	}
	if p.maxBatchBytes <= 0 {
		p.maxBatchBytes = DefaultMaxBatchBytes
	}
	if p.linger <= 0 {
		p.linger = DefaultLinger
	}
	if p.pendingLinger <= 0 {
		p.pendingLinger = DefaultPendingLinger
	}
	if p.clock == nil {
		p.clock = clockz.RealClock
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.lastPending = p.clock.Now()
	return p
}

// Start begins the background flush loop and registers self-metrics. Call
// Shutdown to stop.
func (p *Pipeline) Start(ctx context.Context) {
	p.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.flushLoop(loopCtx)
}

// OnStart queues the pending placeholder of a span that just opened. Pending
// records are best effort: they are dropped first under pressure and never
// persisted.
func (p *Pipeline) OnStart(rec model.SpanRecord) {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	if len(p.pending) >= 4*p.maxBatchSize {
		delete(p.openKeys, p.pending[0].Context.Key())
		p.pending = p.pending[1:]
		p.pendingDropped.Add(1)
	}
	p.pending = append(p.pending, rec)
	p.openKeys[rec.Context.Key()] = struct{}{}
	if len(p.openSpans) < maxBufferedRecords {
		p.openSpans[rec.Context.Key()] = rec
	}
	p.mu.Unlock()
}

// OnEnd queues a finished span or log.
func (p *Pipeline) OnEnd(rec model.SpanRecord) {
	if p.closed.Load() {
		p.dropped.Add(1)
		p.logger.Debug("export: record after shutdown dropped", "span_name", rec.SpanName)
		return
	}
	size := codec.Size(rec)
	if size < 0 {
		size = 0
	}

	p.mu.Lock()
	// A placeholder still buffered for this span is now stale.
	delete(p.openKeys, rec.Context.Key())
	delete(p.openSpans, rec.Context.Key())
	if len(p.final) >= maxBufferedRecords {
		p.mu.Unlock()
		p.dropped.Add(1)
		p.overflowOnce.Do(func() {
			p.logger.Error("export: buffer at capacity, dropping records", "capacity", maxBufferedRecords)
		})
		return
	}
	p.final = append(p.final, rec)
	p.finalSizes = append(p.finalSizes, size)
	p.finalBytes += size
	full := len(p.final) >= p.maxBatchSize || p.finalBytes >= p.maxBatchBytes
	p.mu.Unlock()

	if full {
		p.signal()
	}
}

// EmitMetrics queues aggregated metric points.
func (p *Pipeline) EmitMetrics(points []model.MetricPoint) {
	if p.closed.Load() || len(points) == 0 {
		return
	}
	p.mu.Lock()
	p.metrics = append(p.metrics, points...)
	full := len(p.metrics) >= p.maxBatchSize
	p.mu.Unlock()
	if full {
		p.signal()
	}
}

func (p *Pipeline) signal() {
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			drainCtx := p.drainCtx
			p.mu.Unlock()
			if drainCtx == nil {
				// Cancelled without Shutdown.
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				p.flush(fallbackCtx, true)
				cancel()
			} else {
				p.flush(drainCtx, true)
			}
			close(p.done)
			return
		case <-p.clock.After(p.linger):
			p.flush(ctx, false)
		case <-p.flushCh:
			p.flush(ctx, false)
		}
	}
}

// ForceFlush delivers everything buffered, including in-flight placeholders,
// and waits for it. Batches still undelivered when ctx expires are persisted.
func (p *Pipeline) ForceFlush(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.flush(ctx, true)
	return ctx.Err()
}

// flush drains the buffers into batches. Pending records go first so a final
// version in the same flush always arrives after its placeholder.
func (p *Pipeline) flush(ctx context.Context, all bool) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	if pending := p.takePending(all); len(pending) > 0 {
		for start := 0; start < len(pending); start += p.maxBatchSize {
			end := min(start+p.maxBatchSize, len(pending))
			p.deliverPending(ctx, model.Batch{Spans: pending[start:end], Pending: true})
		}
	}
	for {
		batch, ok := p.takeFinal()
		if !ok {
			break
		}
		p.deliver(ctx, batch)
	}
	for {
		batch, ok := p.takeMetrics()
		if !ok {
			break
		}
		p.deliver(ctx, batch)
	}
}

// takePending returns buffered placeholders whose span has not already
// finished. Unless all is set it waits for PendingLinger between sends.
func (p *Pipeline) takePending(all bool) []model.SpanRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	now := p.clock.Now()
	if !all && len(p.pending) < p.maxBatchSize && now.Sub(p.lastPending) < p.pendingLinger {
		return nil
	}
	p.lastPending = now

	out := make([]model.SpanRecord, 0, len(p.pending))
	for _, rec := range p.pending {
		if _, open := p.openKeys[rec.Context.Key()]; open {
			out = append(out, rec)
		}
	}
	p.pending = nil
	clear(p.openKeys)
	return out
}

// takeFinal cuts the next batch off the final stream, bounded by count and
// encoded size. A single oversized record still forms a batch of one.
func (p *Pipeline) takeFinal() (model.Batch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.final) == 0 {
		return model.Batch{}, false
	}
	n, bytes := 0, 0
	for n < len(p.final) && n < p.maxBatchSize {
		if n > 0 && bytes+p.finalSizes[n] > p.maxBatchBytes {
			break
		}
		bytes += p.finalSizes[n]
		n++
	}
	batch := model.Batch{Spans: make([]model.SpanRecord, n)}
	copy(batch.Spans, p.final[:n])
	p.final = p.final[n:]
	p.finalSizes = p.finalSizes[n:]
	p.finalBytes -= bytes
	if len(p.final) == 0 {
		p.final, p.finalSizes, p.finalBytes = nil, nil, 0
	}
	return batch, true
}

func (p *Pipeline) takeMetrics() (model.Batch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.metrics) == 0 {
		return model.Batch{}, false
	}
	n := min(len(p.metrics), p.maxBatchSize)
	batch := model.Batch{Metrics: make([]model.MetricPoint, n)}
	copy(batch.Metrics, p.metrics[:n])
	p.metrics = p.metrics[n:]
	if len(p.metrics) == 0 {
		p.metrics = nil
	}
	return batch, true
}

// Len returns the number of buffered final records and metric points.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.final) + len(p.metrics)
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Buffered:       p.Len(),
		Batches:        p.batchSeq.Load(),
		Delivered:      p.delivered.Load(),
		Persisted:      p.persisted.Load(),
		Dropped:        p.dropped.Load(),
		PendingDropped: p.pendingDropped.Load(),
	}
}

// Shutdown stops accepting records, flushes everything buffered within ctx,
// persists what could not be delivered, then closes sinks and the fallback.
// It returns ctx's error when the deadline cut the flush short. Calls after
// the first return nil immediately.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	var err error
	p.shutdown.Do(func() {
		p.closed.Store(true)
		if p.cancelLoop == nil {
			p.flush(ctx, true)
		} else {
			p.mu.Lock()
			p.drainCtx = ctx
			p.mu.Unlock()
			p.cancelLoop()
			select {
			case <-p.done:
			case <-ctx.Done():
				p.logger.Warn("export: shutdown deadline passed, persisting remaining batches")
				<-p.done
			}
		}

		err = ctx.Err()
		closeCtx := ctx
		if err != nil {
			var cancel context.CancelFunc
			closeCtx, cancel = context.WithTimeout(context.Background(), time.Second)
			defer cancel()
		}
		var g errgroup.Group
		for _, st := range p.sinks {
			g.Go(func() error {
				if cerr := st.sink.Close(closeCtx); cerr != nil {
					p.logger.Warn("export: close sink", "sink", st.sink.Name(), "error", cerr)
				}
				return nil
			})
		}
		_ = g.Wait()
		if p.fallback != nil {
			if cerr := p.fallback.Close(); cerr != nil {
				p.logger.Warn("export: close fallback", "error", cerr)
			}
		}
	})
	return err
}

// registerMetrics registers observable gauges describing delivery health.
func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("kiroku/export")
	gauges := []struct {
		name string
		desc string
		read func() int64
	}{
		{"kiroku.export.buffer.depth", "Finished records waiting for delivery", func() int64 { return int64(p.Len()) }},
		{"kiroku.export.delivered_total", "Records accepted by every active sink", p.delivered.Load},
		{"kiroku.export.persisted_total", "Records written to the fallback file", p.persisted.Load},
		{"kiroku.export.dropped_total", "Records lost: buffer overflow, oversized batches, or a full disk", p.dropped.Load},
	}
	for _, g := range gauges {
		_, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(g.read())
				return nil
			}),
		)
		if err != nil {
			p.logger.Debug("export: register gauge", "name", g.name, "error", err)
		}
	}
}
