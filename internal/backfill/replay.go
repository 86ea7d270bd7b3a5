// Package backfill replays a fallback file through a sink, reproducing the
// records that would have been delivered live. Identifiers and timestamps
// are taken from the file unchanged.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/fallback"
	"github.com/ashita-ai/kiroku/internal/ids"
	"github.com/ashita-ai/kiroku/internal/model"
)

// DefaultBatchSize is used when Config.BatchSize is zero.
const DefaultBatchSize = 512

// Config configures a Replayer.
type Config struct {
	Sink export.Sink
	// BatchSize caps the number of records per Send.
	BatchSize int
	// IDs assigns ids to logs stored without them. Defaults to random ids.
	IDs    ids.IDGenerator
	Logger *slog.Logger
}

// Summary counts what a replay sent.
type Summary struct {
	Records   int  `json:"records"`
	Spans     int  `json:"spans"`
	Logs      int  `json:"logs"`
	Pending   int  `json:"pending"`
	Orphans   int  `json:"orphans"`
	Batches   int  `json:"batches"`
	Truncated bool `json:"truncated"`
}

// Replayer turns fallback records back into span records.
type Replayer struct {
	sink      export.Sink
	batchSize int
	ids       ids.IDGenerator
	logger    *slog.Logger
}

// New returns a Replayer. Sink is required.
func New(cfg Config) (*Replayer, error) {
	if cfg.Sink == nil {
		return nil, errors.New("backfill: sink is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.IDs == nil {
		cfg.IDs = ids.RandomIDGenerator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Replayer{sink: cfg.Sink, batchSize: cfg.BatchSize, ids: cfg.IDs, logger: cfg.Logger}, nil
}

// ReplayFile replays every valid record of the file at path.
func (r *Replayer) ReplayFile(ctx context.Context, path string) (Summary, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return Summary{}, fmt.Errorf("backfill: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	fr, err := fallback.NewReader(f, r.logger)
	if err != nil {
		return Summary{}, fmt.Errorf("backfill: %s: %w", path, err)
	}
	return r.Replay(ctx, fr)
}

// Replay reads records from fr and sends the reconstructed spans and logs
// in batches. Spans that never ended in the file are sent last as pending
// records.
func (r *Replayer) Replay(ctx context.Context, fr *fallback.Reader) (Summary, error) {
	st := newReplayState(r.ids, r.logger)
	var sum Summary

	for {
		rec, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("backfill: read: %w", err)
		}
		sum.Records++
		st.apply(rec)
		if len(st.ready) >= r.batchSize {
			if err := r.flush(ctx, st, &sum, false); err != nil {
				return sum, err
			}
		}
	}
	sum.Truncated = fr.Truncated()

	if err := r.flush(ctx, st, &sum, false); err != nil {
		return sum, err
	}
	st.ready = st.unended()
	if err := r.flush(ctx, st, &sum, true); err != nil {
		return sum, err
	}
	sum.Orphans = st.orphans
	return sum, nil
}

func (r *Replayer) flush(ctx context.Context, st *replayState, sum *Summary, pending bool) error {
	for len(st.ready) > 0 {
		n := min(len(st.ready), r.batchSize)
		batch := model.Batch{Spans: st.ready[:n], Pending: pending}
		if err := r.sink.Send(ctx, batch); err != nil {
			return fmt.Errorf("backfill: send batch %d to %s: %w", sum.Batches+1, r.sink.Name(), err)
		}
		for i := range batch.Spans {
			switch {
			case pending:
				sum.Pending++
			case batch.Spans[i].Kind == model.KindLog:
				sum.Logs++
			default:
				sum.Spans++
			}
		}
		sum.Batches++
		st.ready = st.ready[n:]
	}
	st.ready = nil
	return nil
}

// Reconstruct converts records into the span records a live run would have
// produced, without sending them. Unended spans are returned as pending.
func Reconstruct(records []fallback.Record, gen ids.IDGenerator, logger *slog.Logger) []model.SpanRecord {
	if gen == nil {
		gen = ids.RandomIDGenerator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	st := newReplayState(gen, logger)
	for _, rec := range records {
		st.apply(rec)
	}
	return append(st.ready, st.unended()...)
}
