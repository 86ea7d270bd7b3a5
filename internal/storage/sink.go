package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	sinkMaxRetries = 3
	sinkRetryDelay = 50 * time.Millisecond
)

// Sink stores batches in Postgres. It implements export.Sink.
type Sink struct {
	db          *DB
	serviceName string
	logger      *slog.Logger
}

// NewSink returns a sink writing to db. serviceName labels metric points.
func NewSink(db *DB, serviceName string) *Sink {
	return &Sink{db: db, serviceName: serviceName, logger: db.logger}
}

func (s *Sink) Name() string { return "postgres" }

// Send writes spans then metrics. Records that can never be stored are
// dropped with a warning; any database failure is transient so the batch
// stays eligible for the fallback file.
func (s *Sink) Send(ctx context.Context, batch model.Batch) error {
	spans := s.storable(batch.Spans)
	if len(spans) > 0 {
		_, err := retryOnConflict(ctx, sinkMaxRetries, sinkRetryDelay, func() (int64, error) {
			return s.db.UpsertSpans(ctx, spans)
		})
		if err != nil {
			return &export.SinkError{Sink: s.Name(), Kind: export.KindTransient, Err: err}
		}
	}
	if len(batch.Metrics) > 0 {
		if _, err := s.db.InsertMetrics(ctx, s.serviceName, batch.Metrics); err != nil {
			return &export.SinkError{Sink: s.Name(), Kind: export.KindTransient, Err: err}
		}
	}
	return nil
}

// storable returns the records RowFromRecord accepts, logging the rest.
// spans is returned as is when nothing is rejected.
func (s *Sink) storable(spans []model.SpanRecord) []model.SpanRecord {
	var keep []model.SpanRecord
	for i := range spans {
		if _, err := RowFromRecord(&spans[i]); err != nil {
			if keep == nil {
				keep = append(make([]model.SpanRecord, 0, len(spans)), spans[:i]...)
			}
			s.logger.Warn("postgres: dropping record that cannot be stored",
				"trace_id", spans[i].Context.TraceID, "span_id", spans[i].Context.SpanID, "error", err)
			continue
		}
		if keep != nil {
			keep = append(keep, spans[i])
		}
	}
	if keep == nil {
		return spans
	}
	return keep
}

// Close closes the pool.
func (s *Sink) Close(context.Context) error {
	s.db.Close()
	return nil
}
