package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

// upsertSQL inserts a record or replaces the stored one when the new record
// supersedes it: final beats pending, pending never beats final, and
// otherwise the later end time wins with ties going to the new record.
const upsertSQL = `
INSERT INTO span_records (
	trace_id, span_id, parent_span_id, name, span_name, msg_template, service_name,
	start_time, end_time, level, kind, status_code, status_message, is_exception,
	pending, attributes, events
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (trace_id, span_id) DO UPDATE SET
	parent_span_id = EXCLUDED.parent_span_id,
	name           = EXCLUDED.name,
	span_name      = EXCLUDED.span_name,
	msg_template   = EXCLUDED.msg_template,
	service_name   = EXCLUDED.service_name,
	start_time     = EXCLUDED.start_time,
	end_time       = EXCLUDED.end_time,
	level          = EXCLUDED.level,
	kind           = EXCLUDED.kind,
	status_code    = EXCLUDED.status_code,
	status_message = EXCLUDED.status_message,
	is_exception   = EXCLUDED.is_exception,
	pending        = EXCLUDED.pending,
	attributes     = EXCLUDED.attributes,
	events         = EXCLUDED.events,
	received_at    = now()
WHERE (span_records.pending AND NOT EXCLUDED.pending)
   OR (span_records.pending = EXCLUDED.pending AND EXCLUDED.end_time >= span_records.end_time)`

const selectColumns = `trace_id, span_id, parent_span_id, name, span_name, msg_template, service_name,
	start_time, end_time, level, kind, status_code, status_message, is_exception,
	pending, attributes, events`

// UpsertSpans stores records, applying the supersede rule per (trace_id,
// span_id). It returns the number of rows inserted or replaced.
func (db *DB) UpsertSpans(ctx context.Context, spans []model.SpanRecord) (int64, error) {
	if len(spans) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i := range spans {
		r, err := RowFromRecord(&spans[i])
		if err != nil {
			return 0, err
		}
		batch.Queue(upsertSQL,
			r.TraceID, r.SpanID, r.ParentSpanID, r.Name, r.SpanName, r.MsgTemplate, r.ServiceName,
			r.StartTime, r.EndTime, r.Level, r.Kind, r.StatusCode, r.StatusMessage, r.IsException,
			r.Pending, r.Attributes, r.Events,
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	var written int64
	for range spans {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return written, fmt.Errorf("storage: upsert span: %w", err)
		}
		written += tag.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return written, fmt.Errorf("storage: upsert spans: %w", err)
	}
	return written, nil
}

// InsertMetrics appends metric points with the COPY protocol.
func (db *DB) InsertMetrics(ctx context.Context, serviceName string, points []model.MetricPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	columns := []string{"service_name", "name", "description", "type", "unit", "start_time",
		"time", "value", "is_monotonic", "histogram", "attributes"}

	rows := make([][]any, len(points))
	for i := range points {
		p := &points[i]
		attrs, err := json.Marshal(p.Attributes)
		if err != nil {
			return 0, fmt.Errorf("storage: encode metric attributes: %w", err)
		}
		var hist []byte
		if p.Histogram != nil {
			if hist, err = json.Marshal(p.Histogram); err != nil {
				return 0, fmt.Errorf("storage: encode histogram: %w", err)
			}
		}
		rows[i] = []any{serviceName, p.Name, p.Description, string(p.Type), p.Unit, p.StartTime,
			p.Time, p.Value, p.IsMonotonic, hist, attrs}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"metric_points"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy metrics: %w", err)
	}
	return n, nil
}

func scanRow(row pgx.Row) (model.SpanRecord, error) {
	var r Row
	if err := row.Scan(
		&r.TraceID, &r.SpanID, &r.ParentSpanID, &r.Name, &r.SpanName, &r.MsgTemplate, &r.ServiceName,
		&r.StartTime, &r.EndTime, &r.Level, &r.Kind, &r.StatusCode, &r.StatusMessage, &r.IsException,
		&r.Pending, &r.Attributes, &r.Events,
	); err != nil {
		return model.SpanRecord{}, err
	}
	return r.Record()
}

// GetSpan returns the stored record for the ids, or ErrNotFound.
func (db *DB) GetSpan(ctx context.Context, traceID model.TraceID, spanID model.SpanID) (model.SpanRecord, error) {
	rec, err := scanRow(db.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM span_records WHERE trace_id = $1 AND span_id = $2`,
		traceID[:], spanID[:]))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SpanRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SpanRecord{}, fmt.Errorf("storage: get span: %w", err)
	}
	return rec, nil
}

// Trace returns every record of a trace ordered by start time.
func (db *DB) Trace(ctx context.Context, traceID model.TraceID) ([]model.SpanRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM span_records WHERE trace_id = $1 ORDER BY start_time, span_id`,
		traceID[:])
	if err != nil {
		return nil, fmt.Errorf("storage: query trace: %w", err)
	}
	defer rows.Close()

	var out []model.SpanRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
