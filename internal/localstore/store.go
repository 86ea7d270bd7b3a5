// Package localstore keeps span records in a local SQLite file for
// development and tooling. It applies the same supersede rule as the
// Postgres store.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// ErrNotFound is returned when no record has the requested ids.
var ErrNotFound = errors.New("localstore: not found")

const schema = `
CREATE TABLE IF NOT EXISTS span_records (
	trace_id       BLOB    NOT NULL,
	span_id        BLOB    NOT NULL,
	parent_span_id BLOB,
	name           TEXT    NOT NULL,
	span_name      TEXT    NOT NULL,
	msg_template   TEXT    NOT NULL,
	service_name   TEXT    NOT NULL DEFAULT '',
	start_time     INTEGER NOT NULL,
	end_time       INTEGER NOT NULL,
	level          INTEGER NOT NULL,
	kind           TEXT    NOT NULL,
	status_code    TEXT    NOT NULL DEFAULT 'unset',
	status_message TEXT    NOT NULL DEFAULT '',
	is_exception   INTEGER NOT NULL DEFAULT 0,
	pending        INTEGER NOT NULL DEFAULT 0,
	attributes     TEXT    NOT NULL DEFAULT '{}',
	events         TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (trace_id, span_id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS span_records_start_idx ON span_records (start_time);
`

const upsertSQL = `
INSERT INTO span_records (
	trace_id, span_id, parent_span_id, name, span_name, msg_template, service_name,
	start_time, end_time, level, kind, status_code, status_message, is_exception,
	pending, attributes, events
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trace_id, span_id) DO UPDATE SET
	parent_span_id = excluded.parent_span_id,
	name           = excluded.name,
	span_name      = excluded.span_name,
	msg_template   = excluded.msg_template,
	service_name   = excluded.service_name,
	start_time     = excluded.start_time,
	end_time       = excluded.end_time,
	level          = excluded.level,
	kind           = excluded.kind,
	status_code    = excluded.status_code,
	status_message = excluded.status_message,
	is_exception   = excluded.is_exception,
	pending        = excluded.pending,
	attributes     = excluded.attributes,
	events         = excluded.events
WHERE (span_records.pending AND NOT excluded.pending)
   OR (span_records.pending = excluded.pending AND excluded.end_time >= span_records.end_time)`

const selectColumns = `trace_id, span_id, parent_span_id, name, span_name, msg_template, service_name,
	start_time, end_time, level, kind, status_code, status_message, is_exception,
	pending, attributes, events`

// Store is a SQLite-backed record store. It implements export.Sink.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("localstore: create directory: %w", err)
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	// One connection serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstore: create schema: %w", err)
	}
	logger.Debug("localstore: opened", "path", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) Name() string { return "sqlite" }

// Send upserts the spans of batch in one transaction. Metric points are not
// stored locally.
func (s *Store) Send(ctx context.Context, batch model.Batch) error {
	if _, err := s.Upsert(ctx, batch.Spans); err != nil {
		return &export.SinkError{Sink: s.Name(), Kind: export.KindTransient, Err: err}
	}
	return nil
}

// Upsert stores records under the supersede rule and returns how many rows
// were inserted or replaced.
func (s *Store) Upsert(ctx context.Context, spans []model.SpanRecord) (written int64, err error) {
	if len(spans) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("localstore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return 0, fmt.Errorf("localstore: prepare upsert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the transaction

	for i := range spans {
		r, err := storage.RowFromRecord(&spans[i])
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx,
			r.TraceID, r.SpanID, r.ParentSpanID, r.Name, r.SpanName, r.MsgTemplate, r.ServiceName,
			r.StartTime, r.EndTime, r.Level, r.Kind, r.StatusCode, r.StatusMessage, r.IsException,
			r.Pending, string(r.Attributes), string(r.Events),
		)
		if err != nil {
			return 0, fmt.Errorf("localstore: upsert span: %w", err)
		}
		n, _ := res.RowsAffected()
		written += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("localstore: commit: %w", err)
	}
	return written, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (model.SpanRecord, error) {
	var r storage.Row
	var attrs, evts string
	if err := sc.Scan(
		&r.TraceID, &r.SpanID, &r.ParentSpanID, &r.Name, &r.SpanName, &r.MsgTemplate, &r.ServiceName,
		&r.StartTime, &r.EndTime, &r.Level, &r.Kind, &r.StatusCode, &r.StatusMessage, &r.IsException,
		&r.Pending, &attrs, &evts,
	); err != nil {
		return model.SpanRecord{}, err
	}
	r.Attributes, r.Events = []byte(attrs), []byte(evts)
	return r.Record()
}

// Get returns the stored record for the ids, or ErrNotFound.
func (s *Store) Get(ctx context.Context, traceID model.TraceID, spanID model.SpanID) (model.SpanRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM span_records WHERE trace_id = ? AND span_id = ?`,
		traceID[:], spanID[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return model.SpanRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SpanRecord{}, fmt.Errorf("localstore: get span: %w", err)
	}
	return rec, nil
}

// Trace returns every record of a trace ordered by start time.
func (s *Store) Trace(ctx context.Context, traceID model.TraceID) ([]model.SpanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM span_records WHERE trace_id = ? ORDER BY start_time, span_id`,
		traceID[:])
	if err != nil {
		return nil, fmt.Errorf("localstore: query trace: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []model.SpanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("localstore: scan span: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM span_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("localstore: count: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
