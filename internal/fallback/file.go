package fallback

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashita-ai/kiroku/internal/codec"
)

// File format constants.
const (
	fileMagic   = "KRKF"
	fileVersion = 1
	headerSize  = 8 // magic(4) + version(2) + reserved(2)
	frameHead   = 5 // type(1) + payloadLen(4)
	crcSize     = 4
	maxPayload  = 16 << 20
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ErrBadHeader means the file is not a fallback file or has an unsupported
// version.
var ErrBadHeader = errors.New("fallback: bad file header")

// DefaultPath returns .kiroku/fallback.krk under the working directory.
func DefaultPath() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return filepath.Join(wd, ".kiroku", "fallback.krk")
}

func header() []byte {
	hdr := make([]byte, headerSize)
	copy(hdr[0:4], fileMagic)
	binary.BigEndian.PutUint16(hdr[4:6], fileVersion)
	return hdr
}

func checkHeader(hdr []byte) error {
	if string(hdr[0:4]) != fileMagic {
		return fmt.Errorf("%w: magic %q", ErrBadHeader, hdr[0:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadHeader, v)
	}
	return nil
}

// appendFrame encodes rec as [type | payloadLen | payload | crc32c] onto buf.
func appendFrame(buf *bytes.Buffer, rec Record) error {
	payload, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("fallback: encode %s: %w", rec.Type(), err)
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("fallback: %s payload too large (%d bytes, max %d)", rec.Type(), len(payload), maxPayload)
	}
	var head [frameHead]byte
	head[0] = byte(rec.Type())
	binary.BigEndian.PutUint32(head[1:5], uint32(len(payload))) //nolint:gosec // bounded by maxPayload

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	var crc [crcSize]byte
	binary.BigEndian.PutUint32(crc[:], h.Sum32())

	buf.Write(head[:])
	buf.Write(payload)
	buf.Write(crc[:])
	return nil
}

// Reader decodes records from a fallback file. A truncated or corrupt tail
// ends the stream: Next returns io.EOF and Truncated reports true, so the
// valid prefix is still usable.
type Reader struct {
	r         *bufio.Reader
	logger    *slog.Logger
	offset    int64
	records   int
	truncated bool
}

// NewReader validates the header and returns a reader positioned at the
// first record.
func NewReader(r io.Reader, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	br := bufio.NewReader(r)
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("fallback: read header: %w", err)
	}
	if err := checkHeader(hdr); err != nil {
		return nil, err
	}
	return &Reader{r: br, logger: logger, offset: headerSize}, nil
}

// Next returns the next record, or io.EOF at the end of the valid data.
func (r *Reader) Next() (Record, error) {
	for {
		var head [frameHead]byte
		n, err := io.ReadFull(r.r, head[:])
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, r.corrupt("truncated frame header", n)
		}
		if err != nil {
			return nil, fmt.Errorf("fallback: read frame: %w", err)
		}

		size := binary.BigEndian.Uint32(head[1:5])
		if size > maxPayload {
			return nil, r.corrupt(fmt.Sprintf("frame length %d exceeds limit", size), 0)
		}
		body := make([]byte, int(size)+crcSize)
		if n, err := io.ReadFull(r.r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, r.corrupt("truncated frame", n)
			}
			return nil, fmt.Errorf("fallback: read frame: %w", err)
		}
		payload, crcBuf := body[:size], body[size:]

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(crcBuf) {
			return nil, r.corrupt("checksum mismatch", 0)
		}

		next := r.offset + int64(frameHead+len(body))

		var rec Record
		switch RecordType(head[0]) {
		case TypeStartSpan:
			rec = &StartSpan{}
		case TypeRecordLog:
			rec = &RecordLog{}
		case TypeEndSpan:
			rec = &EndSpan{}
		default:
			r.logger.Warn("fallback: skipping unknown record type",
				"type", head[0], "offset", r.offset)
			r.offset = next
			continue
		}
		if err := codec.Unmarshal(payload, rec); err != nil {
			return nil, r.corrupt(fmt.Sprintf("decode %s: %v", rec.Type(), err), 0)
		}
		r.offset = next
		r.records++
		return rec, nil
	}
}

func (r *Reader) corrupt(reason string, partial int) error {
	r.truncated = true
	r.logger.Warn("fallback: stopping at corrupt tail; earlier records are intact",
		"reason", reason,
		"offset", r.offset,
		"partial_bytes", partial,
		"records_read", r.records)
	return io.EOF
}

// Offset returns the file offset just past the last intact frame read.
func (r *Reader) Offset() int64 { return r.offset }

// Truncated reports whether reading stopped at a corrupt or partial frame.
func (r *Reader) Truncated() bool { return r.truncated }

// ReadAll returns every valid record from r.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile returns every valid record of the file at path.
func ReadFile(path string, logger *slog.Logger) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from configuration or the command line
	if err != nil {
		return nil, fmt.Errorf("fallback: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	r, err := NewReader(f, logger)
	if err != nil {
		return nil, err
	}
	return r.ReadAll()
}
