package fallback

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/model"
)

func crcOf(b []byte) []byte {
	out := make([]byte, crcSize)
	binary.BigEndian.PutUint32(out, crc32.Checksum(b, crc32cTable))
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func ctxOf(trace, span uint64) model.TraceContext {
	return model.TraceContext{TraceID: model.TraceIDFromUint64(trace), SpanID: model.SpanIDFromUint64(span), Sampled: true}
}

// outerWithLog is a span (1,1) from 1s to 4s with a log (1,2) at 2s.
func outerWithLog() model.Batch {
	outer := ctxOf(1, 1)
	return model.Batch{Spans: []model.SpanRecord{
		{
			Name: "hello world", SpanName: "hello world", MsgTemplate: "hello {name}",
			Context: ctxOf(1, 2), Parent: &outer, StartTime: 2e9, EndTime: 2e9,
			Level: model.LevelInfo, Kind: model.KindLog,
			Attributes: model.Attributes{model.KV("name", "world")},
		},
		{
			Name: "outer", SpanName: "outer", MsgTemplate: "outer",
			Context: outer, StartTime: 1e9, EndTime: 4e9,
			Level: model.LevelInfo, Kind: model.KindSpan,
			Status: model.Status{Code: model.StatusOK},
		},
	}}
}

func TestFromBatchOrdersTimeline(t *testing.T) {
	recs := FromBatch(outerWithLog())
	require.Len(t, recs, 3)

	start, ok := recs[0].(*StartSpan)
	require.True(t, ok, "first record is %T", recs[0])
	assert.Equal(t, model.SpanIDFromUint64(1), start.SpanID)
	assert.Nil(t, start.Parent)

	log, ok := recs[1].(*RecordLog)
	require.True(t, ok, "second record is %T", recs[1])
	assert.Equal(t, "hello world", log.FormattedMsg)
	require.NotNil(t, log.Parent)
	assert.Equal(t, model.SpanIDFromUint64(1), log.Parent.SpanID)

	end, ok := recs[2].(*EndSpan)
	require.True(t, ok, "third record is %T", recs[2])
	assert.Equal(t, int64(4e9), end.EndTimestamp)
	assert.Equal(t, model.StatusOK, end.Status)
}

func TestFromBatchNestedZeroDuration(t *testing.T) {
	outer := ctxOf(1, 1)
	inner := ctxOf(1, 2)
	b := model.Batch{Spans: []model.SpanRecord{
		{Name: "inner", Context: inner, Parent: &outer, StartTime: 5, EndTime: 5, Kind: model.KindSpan},
		{Name: "outer", Context: outer, StartTime: 5, EndTime: 5, Kind: model.KindSpan},
	}}
	recs := FromBatch(b)
	require.Len(t, recs, 4)
	assert.Equal(t, model.SpanIDFromUint64(1), recs[0].(*StartSpan).SpanID)
	assert.Equal(t, model.SpanIDFromUint64(2), recs[1].(*StartSpan).SpanID)
	assert.Equal(t, model.SpanIDFromUint64(2), recs[2].(*EndSpan).SpanID)
	assert.Equal(t, model.SpanIDFromUint64(1), recs[3].(*EndSpan).SpanID)
}

func TestFromBatchPendingYieldsStartOnly(t *testing.T) {
	b := model.Batch{Spans: []model.SpanRecord{{Context: ctxOf(1, 1), StartTime: 1, Pending: true, Kind: model.KindSpan}}}
	recs := FromBatch(b)
	require.Len(t, recs, 1)
	assert.Equal(t, TypeStartSpan, recs[0].Type())
}

// childBeforeParent returns a still-open parent placeholder (1,1) with a
// child (1,2) that already finished, and the parent's final record.
func childBeforeParent() (model.Batch, model.Batch) {
	parent := ctxOf(1, 1)
	placeholder := model.SpanRecord{
		Name: "job", SpanName: "job", MsgTemplate: "job", Context: parent,
		StartTime: 1e9, Level: model.LevelInfo, Kind: model.KindSpan, Pending: true,
		Attributes: model.Attributes{model.KV("queue", "a")},
	}
	child := model.SpanRecord{
		Name: "step", SpanName: "step", MsgTemplate: "step", Context: ctxOf(1, 2), Parent: &parent,
		StartTime: 2e9, EndTime: 3e9, Level: model.LevelInfo, Kind: model.KindSpan,
	}
	final := placeholder
	final.Pending = false
	final.Name = "job done"
	final.EndTime = 5e9
	final.Attributes = model.Attributes{model.KV("queue", "a"), model.KV("items", 3)}
	return model.Batch{Spans: []model.SpanRecord{placeholder, child}}, model.Batch{Spans: []model.SpanRecord{final}}
}

func TestWriterNamesOpenParentBeforeChild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.krk")
	w, err := Open(path, testLogger())
	require.NoError(t, err)
	first, second := childBeforeParent()
	require.NoError(t, w.WriteBatch(first))
	require.NoError(t, w.WriteBatch(second))
	require.NoError(t, w.Close())

	recs, err := ReadFile(path, testLogger())
	require.NoError(t, err)
	require.Len(t, recs, 4, "the parent's StartSpan is written once")
	assert.Equal(t, model.SpanIDFromUint64(1), recs[0].(*StartSpan).SpanID)
	assert.Equal(t, model.SpanIDFromUint64(2), recs[1].(*StartSpan).SpanID)
	assert.Equal(t, model.SpanIDFromUint64(2), recs[2].(*EndSpan).SpanID)

	end := recs[3].(*EndSpan)
	assert.Equal(t, model.SpanIDFromUint64(1), end.SpanID)
	assert.Equal(t, "job done", end.FormattedMsg)
	v, ok := end.Attributes.Get("items")
	require.True(t, ok)
	assert.Equal(t, int64(3), v.AsInt64())
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fallback.krk")
	w, err := Open(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, path, w.Path())

	require.NoError(t, w.WriteBatch(outerWithLog()))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	recs, err := ReadFile(path, testLogger())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	start := recs[0].(*StartSpan)
	assert.Equal(t, "outer", start.SpanName)
	assert.Equal(t, int64(1e9), start.StartTimestamp)
	assert.Equal(t, model.TraceIDFromUint64(1), start.TraceID)

	log := recs[1].(*RecordLog)
	require.NotNil(t, log.TraceID)
	require.NotNil(t, log.SpanID)
	assert.Equal(t, model.SpanIDFromUint64(2), *log.SpanID)
	v, ok := log.Attributes.Get("name")
	require.True(t, ok)
	assert.Equal(t, "world", v.AsString())
}

func TestReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.krk")
	w, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(outerWithLog()))
	require.NoError(t, w.Close())

	w, err = Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(outerWithLog()))
	require.NoError(t, w.Close())

	recs, err := ReadFile(path, testLogger())
	require.NoError(t, err)
	assert.Len(t, recs, 6)
}

func TestReaderStopsAtTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.krk")
	w, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(outerWithLog()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Cut into the last frame.
	cut := data[:len(data)-3]

	r, err := NewReader(bytes.NewReader(cut), testLogger())
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.True(t, r.Truncated())
}

func TestReaderStopsAtChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	for _, rec := range FromBatch(outerWithLog()) {
		require.NoError(t, appendFrame(&buf, rec))
	}
	data := buf.Bytes()
	// Flip a payload byte inside the first frame.
	data[headerSize+frameHead+1] ^= 0xff

	r, err := NewReader(bytes.NewReader(data), testLogger())
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.True(t, r.Truncated())
}

func TestReaderSkipsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	// A frame of type 9 with a valid checksum.
	var unknown bytes.Buffer
	require.NoError(t, appendFrame(&unknown, &EndSpan{}))
	frame := unknown.Bytes()
	frame[0] = 9
	// Recompute the checksum over the modified head.
	var fixed bytes.Buffer
	fixed.Write(frame[:len(frame)-crcSize])
	sum := crcOf(frame[:len(frame)-crcSize])
	fixed.Write(sum)
	buf.Write(fixed.Bytes())
	require.NoError(t, appendFrame(&buf, &EndSpan{SpanID: model.SpanIDFromUint64(3)}))

	r, err := NewReader(bytes.NewReader(buf.Bytes()), testLogger())
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.SpanIDFromUint64(3), recs[0].(*EndSpan).SpanID)
	assert.False(t, r.Truncated())
}

func TestBadHeader(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("NOTAKRKFILE")), testLogger())
	assert.ErrorIs(t, err, ErrBadHeader)

	path := filepath.Join(t.TempDir(), "junk.krk")
	require.NoError(t, os.WriteFile(path, []byte("garbage!garbage!"), 0o600))
	_, err = Open(path, testLogger())
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestOpenUsesAlternateWhenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.krk")
	first, err := Open(path, testLogger())
	require.NoError(t, err)
	defer first.Close() //nolint:errcheck

	second, err := Open(path, testLogger())
	require.NoError(t, err)
	defer second.Close() //nolint:errcheck

	assert.Equal(t, AlternatePath(path, 1), second.Path())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "fallback.1.krk"), second.Path())
}

func TestAppendAfterClose(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "f.krk"), testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	err = w.WriteBatch(outerWithLog())
	assert.ErrorIs(t, err, export.ErrClosed)
}

func TestReopenDiscardsDamagedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.krk")
	w, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(outerWithLog()))
	require.NoError(t, w.Close())
	intact, err := os.Stat(path)
	require.NoError(t, err)

	// A crash mid-append leaves a partial frame behind.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(TypeStartSpan), 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, intact.Size(), w.Size())
	require.NoError(t, w.WriteBatch(outerWithLog()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	r, err := NewReader(bytes.NewReader(data), testLogger())
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 6, "records appended after the crash stay readable")
	assert.False(t, r.Truncated())
}

func TestReaderOffsetStopsAtLastIntactFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header())
	require.NoError(t, appendFrame(&buf, &EndSpan{SpanID: model.SpanIDFromUint64(1), TraceID: model.TraceIDFromUint64(1), EndTimestamp: 5}))
	intact := int64(buf.Len())
	buf.Write([]byte{byte(TypeEndSpan), 0, 0, 0})

	r, err := NewReader(bytes.NewReader(buf.Bytes()), testLogger())
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, intact, r.Offset())
}

func TestLockFileOutlivesWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.krk")
	w, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".lock")
	require.NoError(t, err, "lock file is left in place")
}
