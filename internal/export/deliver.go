package export

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Batch lifecycle states, logged at debug level as a batch moves through
// delivery.
const (
	stateClosing         = "closing"
	stateSending         = "sending"
	stateDelivered       = "delivered"
	stateFailed          = "failed"
	statePersistingLocal = "persisting_local"
	statePersisted       = "persisted"
	stateDropped         = "dropped"
)

func (p *Pipeline) transition(id int64, state string, batch model.Batch) {
	p.logger.Debug("export: batch state",
		"batch_id", id,
		"state", state,
		"records", batch.Len(),
		"pending", batch.Pending)
}

func (p *Pipeline) activeSinks() []*sinkState {
	out := make([]*sinkState, 0, len(p.sinks))
	for _, st := range p.sinks {
		if !st.inactive.Load() {
			out = append(out, st)
		}
	}
	return out
}

// deliver fans a final batch out to every active sink. Sinks run
// concurrently and independently. The batch is persisted once if any sink
// failed transiently or if no sink accepted it.
func (p *Pipeline) deliver(ctx context.Context, batch model.Batch) {
	id := p.batchSeq.Add(1)
	p.transition(id, stateClosing, batch)

	if ctx.Err() != nil {
		p.persist(id, batch)
		return
	}
	active := p.activeSinks()
	if len(active) == 0 {
		p.persist(id, batch)
		return
	}

	p.transition(id, stateSending, batch)
	results := make([]error, len(active))
	var g errgroup.Group
	for i, st := range active {
		g.Go(func() error {
			results[i] = p.sendTo(ctx, st, batch)
			return nil
		})
	}
	_ = g.Wait()

	var transient, rejected bool
	succeeded := 0
	for i, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		st := active[i]
		switch KindOf(err) {
		case KindAuthRejected:
			rejected = true
			p.disable(st, err)
		case KindDiskFull:
			p.warnDiskFull(err)
		default:
			transient = true
			p.logger.Warn("export: sink delivery failed",
				"sink", st.sink.Name(),
				"batch_id", id,
				"batch_size", batch.Len(),
				"error", err)
		}
	}
	switch {
	case transient, succeeded == 0 && rejected:
		p.transition(id, stateFailed, batch)
		p.persist(id, batch)
	case succeeded == 0:
		p.dropped.Add(int64(batch.Len()))
		p.transition(id, stateDropped, batch)
	default:
		p.delivered.Add(int64(batch.Len()))
		p.transition(id, stateDelivered, batch)
	}
}

// sendTo delivers batch to one sink, splitting it once if the sink rejects
// its size. Halves that are still too large are dropped with a warning.
func (p *Pipeline) sendTo(ctx context.Context, st *sinkState, batch model.Batch) error {
	err := st.sink.Send(ctx, batch)
	if !IsPayloadTooLarge(err) {
		return err
	}
	first, second := batch.Split()
	for _, half := range []model.Batch{first, second} {
		if half.Len() == 0 {
			continue
		}
		if batch.Len() < 2 {
			p.dropTooLarge(st, half, err)
			continue
		}
		herr := st.sink.Send(ctx, half)
		switch {
		case herr == nil:
		case IsPayloadTooLarge(herr):
			p.dropTooLarge(st, half, herr)
		default:
			return herr
		}
	}
	return nil
}

func (p *Pipeline) dropTooLarge(st *sinkState, batch model.Batch, err error) {
	p.dropped.Add(int64(batch.Len()))
	p.logger.Warn("export: batch too large for sink after split, dropped",
		"sink", st.sink.Name(),
		"batch_size", batch.Len(),
		"error", err)
}

// disable stops all further delivery to a sink that rejected our
// credentials. The host application keeps running.
func (p *Pipeline) disable(st *sinkState, err error) {
	st.inactive.Store(true)
	st.authOnce.Do(func() {
		p.logger.Error("export: sink rejected credentials; disabled for the rest of the process",
			"sink", st.sink.Name(),
			"error", err)
	})
}

// deliverPending sends in-flight placeholders. Failures are ignored apart
// from credential rejection: a later final record supersedes them.
func (p *Pipeline) deliverPending(ctx context.Context, batch model.Batch) {
	if ctx.Err() != nil {
		p.pendingDropped.Add(int64(batch.Len()))
		return
	}
	var g errgroup.Group
	for _, st := range p.activeSinks() {
		g.Go(func() error {
			err := st.sink.Send(ctx, batch)
			switch {
			case err == nil:
			case IsAuthRejected(err):
				p.disable(st, err)
			default:
				p.pendingDropped.Add(int64(batch.Len()))
				p.logger.Debug("export: pending batch not delivered",
					"sink", st.sink.Name(),
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// persist writes a failed batch to the fallback file. Only spans and logs
// are persisted; metric points in a failed batch are lost.
func (p *Pipeline) persist(id int64, batch model.Batch) {
	p.transition(id, statePersistingLocal, batch)
	if n := len(batch.Metrics); n > 0 {
		p.dropped.Add(int64(n))
		p.logger.Warn("export: metric points not delivered; metrics are not persisted", "points", n)
		batch = model.Batch{Spans: batch.Spans}
	}
	if len(batch.Spans) == 0 {
		p.transition(id, stateDropped, batch)
		return
	}
	if p.fallback == nil {
		p.dropped.Add(int64(batch.Len()))
		p.logger.Error("export: batch not delivered and no fallback file configured; dropped",
			"batch_id", id,
			"batch_size", batch.Len())
		p.transition(id, stateDropped, batch)
		return
	}
	if err := p.fallback.WriteBatch(model.Batch{Spans: p.withOpenAncestors(batch.Spans)}); err != nil {
		p.dropped.Add(int64(batch.Len()))
		if IsDiskFull(err) {
			p.warnDiskFull(err)
		} else {
			p.logger.Error("export: write fallback file; batch dropped",
				"batch_id", id,
				"batch_size", batch.Len(),
				"error", err)
		}
		p.transition(id, stateDropped, batch)
		return
	}
	p.persisted.Add(int64(batch.Len()))
	p.logger.Info("export: batch persisted to fallback file",
		"batch_id", id,
		"batch_size", batch.Len())
	p.transition(id, statePersisted, batch)
}

// withOpenAncestors prefixes spans with the placeholders of ancestors that
// are still open, so the file names every parent before its children even
// when the parent closes in a later batch.
func (p *Pipeline) withOpenAncestors(spans []model.SpanRecord) []model.SpanRecord {
	inBatch := make(map[model.RecordKey]struct{}, len(spans))
	for i := range spans {
		inBatch[spans[i].Context.Key()] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var ancestors []model.SpanRecord
	for i := range spans {
		for parent := spans[i].Parent; parent != nil; {
			key := parent.Key()
			if _, ok := inBatch[key]; ok {
				break
			}
			open, ok := p.openSpans[key]
			if !ok {
				break
			}
			inBatch[key] = struct{}{}
			ancestors = append(ancestors, open)
			parent = open.Parent
		}
	}
	if len(ancestors) == 0 {
		return spans
	}
	return append(ancestors, spans...)
}

func (p *Pipeline) warnDiskFull(err error) {
	p.diskFullOnce.Do(func() {
		p.logger.Error("export: DATA LOSS: fallback disk full, dropping undeliverable batches",
			"error", err)
	})
}
