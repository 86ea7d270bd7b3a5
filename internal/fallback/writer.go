package fallback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
)

// maxAlternates bounds how many suffixed names Open tries when the preferred
// file is held by another process.
const maxAlternates = 16

// ErrLocked means every candidate file is locked by another process.
var ErrLocked = errors.New("fallback: file locked by another process")

// Writer appends records to a fallback file. One process holds a file at a
// time; Writer is safe for concurrent use within that process.
type Writer struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	f      *os.File
	lock   *fileLock
	size   int64
	closed bool
	// started holds spans whose StartSpan is in the file but whose EndSpan
	// is not yet.
	started map[model.RecordKey]struct{}
}

// AlternatePath returns the i-th collision name for path: "x.krk",
// "x.1.krk", "x.2.krk", ...
func AlternatePath(path string, i int) string {
	if i == 0 {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + strconv.Itoa(i) + ext
}

// Open opens path for appending, creating it and its directory as needed.
// If another process holds path, the first free alternate name is used
// instead; Path reports which file was chosen.
func Open(path string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("fallback: create directory: %w", err)
	}

	for i := range maxAlternates {
		candidate := AlternatePath(path, i)
		lock, err := acquireLock(candidate + ".lock")
		if errors.Is(err, ErrLocked) {
			logger.Debug("fallback: file in use, trying next name", "path", candidate)
			continue
		}
		if err != nil {
			return nil, err
		}
		w, err := openLocked(candidate, lock, logger)
		if err != nil {
			lock.release()
			return nil, err
		}
		if i > 0 {
			logger.Warn("fallback: preferred file locked by another process; using alternate",
				"preferred", path, "path", candidate)
		}
		return w, nil
	}
	return nil, fmt.Errorf("%w: %s and %d alternates", ErrLocked, path, maxAlternates-1)
}

func openLocked(path string, lock *fileLock, logger *slog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("fallback: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fallback: stat %s: %w", path, err)
	}

	size := info.Size()
	switch {
	case size == 0:
		if _, err := f.Write(header()); err != nil {
			_ = f.Close()
			return nil, classify(fmt.Errorf("fallback: write header: %w", err))
		}
		size = headerSize
	case size < headerSize:
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadHeader, path, size)
	default:
		end, err := validEnd(f, logger)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if end < size {
			// A previous writer died mid-frame. Appending after the damaged
			// tail would hide every later record from readers.
			logger.Warn("fallback: discarding damaged tail left by an earlier run",
				"path", path, "valid_bytes", end, "discarded_bytes", size-end)
			if err := f.Truncate(end); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("fallback: truncate damaged tail: %w", err)
			}
			if err := f.Sync(); err != nil {
				_ = f.Close()
				return nil, classify(fmt.Errorf("fallback: sync: %w", err))
			}
			size = end
		}
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fallback: seek: %w", err)
	}
	return &Writer{
		path:    path,
		logger:  logger,
		f:       f,
		lock:    lock,
		size:    size,
		started: make(map[model.RecordKey]struct{}),
	}, nil
}

// validEnd scans f from the start and returns the offset just past its last
// intact frame.
func validEnd(f *os.File, logger *slog.Logger) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("fallback: seek: %w", err)
	}
	r, err := NewReader(f, logger)
	if err != nil {
		return 0, err
	}
	if _, err := r.ReadAll(); err != nil {
		return 0, err
	}
	return r.Offset(), nil
}

// Path returns the file being written.
func (w *Writer) Path() string { return w.path }

// Append writes records in order and syncs the file. A failed write is
// rolled back so the file never ends in a partial frame that would hide
// later appends. Running out of space yields an export.SinkError of kind
// KindDiskFull.
func (w *Writer) Append(records ...Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(records)
}

func (w *Writer) appendLocked(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if w.closed {
		return export.ErrClosed
	}
	var buf bytes.Buffer
	for _, rec := range records {
		if err := appendFrame(&buf, rec); err != nil {
			return err
		}
	}
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		if terr := w.f.Truncate(w.size); terr != nil {
			w.logger.Warn("fallback: roll back partial write", "error", terr)
		}
		_, _ = w.f.Seek(w.size, io.SeekStart)
		return classify(fmt.Errorf("fallback: append: %w", err))
	}
	if err := w.f.Sync(); err != nil {
		return classify(fmt.Errorf("fallback: sync: %w", err))
	}
	w.size += int64(buf.Len())
	return nil
}

// WriteBatch persists batch. Pending records contribute their StartSpan so
// that children persisted before their parent closes still follow it in the
// file. It implements export.Persister.
func (w *Writer) WriteBatch(batch model.Batch) error {
	records := FromBatch(batch)
	w.mu.Lock()
	defer w.mu.Unlock()
	records = w.skipWrittenStarts(records)
	if err := w.appendLocked(records); err != nil {
		return err
	}
	for _, rec := range records {
		switch r := rec.(type) {
		case *StartSpan:
			w.started[model.RecordKey{TraceID: r.TraceID, SpanID: r.SpanID}] = struct{}{}
		case *EndSpan:
			delete(w.started, model.RecordKey{TraceID: r.TraceID, SpanID: r.SpanID})
		}
	}
	return nil
}

// skipWrittenStarts drops StartSpans already in the file and carries their
// final message, level and attributes on the matching EndSpan instead.
func (w *Writer) skipWrittenStarts(records []Record) []Record {
	if len(w.started) == 0 {
		return records
	}
	skipped := make(map[model.RecordKey]*StartSpan)
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		switch r := rec.(type) {
		case *StartSpan:
			key := model.RecordKey{TraceID: r.TraceID, SpanID: r.SpanID}
			if _, written := w.started[key]; written {
				skipped[key] = r
				continue
			}
		case *EndSpan:
			if s, ok := skipped[model.RecordKey{TraceID: r.TraceID, SpanID: r.SpanID}]; ok {
				r.FormattedMsg = s.FormattedMsg
				r.Level = s.Level
				r.Attributes = s.LogAttributes
			}
		}
		out = append(out, rec)
	}
	return out
}

// Size returns the current file size in bytes.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close syncs and closes the file and releases its lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.logger.Warn("fallback: final sync failed", "error", err)
	}
	err := w.f.Close()
	w.lock.release()
	return err
}

func classify(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return &export.SinkError{Sink: "fallback", Kind: export.KindDiskFull, Err: err}
	}
	return err
}
