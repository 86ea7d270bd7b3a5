package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ashita-ai/kiroku/internal/codec"
)

// TraceID is a 128-bit trace identifier shared by every record in one trace.
type TraceID [16]byte

// SpanID is a 64-bit span identifier, unique within its trace.
type SpanID [8]byte

// TraceIDFromUint64 builds a trace id whose integer value is n.
func TraceIDFromUint64(n uint64) TraceID {
	var id TraceID
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}

// SpanIDFromUint64 builds a span id whose integer value is n.
func SpanIDFromUint64(n uint64) SpanID {
	var id SpanID
	binary.BigEndian.PutUint64(id[:], n)
	return id
}

// TraceIDFromHex parses the 32-character lowercase hex form.
func TraceIDFromHex(s string) (TraceID, error) {
	var id TraceID
	if len(s) != 32 {
		return id, fmt.Errorf("model: trace id %q: want 32 hex characters", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("model: trace id %q: %w", s, err)
	}
	return id, nil
}

// SpanIDFromHex parses the 16-character lowercase hex form.
func SpanIDFromHex(s string) (SpanID, error) {
	var id SpanID
	if len(s) != 16 {
		return id, fmt.Errorf("model: span id %q: want 16 hex characters", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("model: span id %q: %w", s, err)
	}
	return id, nil
}

// Uint128 returns the id as its high and low 64-bit halves.
func (t TraceID) Uint128() (hi, lo uint64) {
	return binary.BigEndian.Uint64(t[:8]), binary.BigEndian.Uint64(t[8:])
}

// IsZero reports whether the id is the invalid all-zero value.
func (t TraceID) IsZero() bool { return t == TraceID{} }

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// MarshalText encodes the id as lowercase hex so JSON and CBOR carry it as a string.
func (t TraceID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes the hex form produced by MarshalText.
func (t *TraceID) UnmarshalText(b []byte) error {
	id, err := TraceIDFromHex(string(b))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// MarshalCBOR encodes the id as a 16-byte CBOR byte string.
func (t TraceID) MarshalCBOR() ([]byte, error) { return codec.Marshal(t[:]) }

// UnmarshalCBOR decodes the byte string produced by MarshalCBOR.
func (t *TraceID) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := codec.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: trace id: %w", err)
	}
	if len(raw) != len(t) {
		return fmt.Errorf("model: trace id: want %d bytes, got %d", len(t), len(raw))
	}
	copy(t[:], raw)
	return nil
}

// Uint64 returns the integer value of the id.
func (s SpanID) Uint64() uint64 { return binary.BigEndian.Uint64(s[:]) }

// IsZero reports whether the id is the invalid all-zero value.
func (s SpanID) IsZero() bool { return s == SpanID{} }

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

// MarshalText encodes the id as lowercase hex.
func (s SpanID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the hex form produced by MarshalText.
func (s *SpanID) UnmarshalText(b []byte) error {
	id, err := SpanIDFromHex(string(b))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// MarshalCBOR encodes the id as an 8-byte CBOR byte string.
func (s SpanID) MarshalCBOR() ([]byte, error) { return codec.Marshal(s[:]) }

// UnmarshalCBOR decodes the byte string produced by MarshalCBOR.
func (s *SpanID) UnmarshalCBOR(data []byte) error {
	var raw []byte
	if err := codec.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: span id: %w", err)
	}
	if len(raw) != len(s) {
		return fmt.Errorf("model: span id: want %d bytes, got %d", len(s), len(raw))
	}
	copy(s[:], raw)
	return nil
}

// TraceContext identifies a span's position within a trace. Immutable once assigned.
type TraceContext struct {
	TraceID  TraceID `json:"trace_id" cbor:"trace_id"`
	SpanID   SpanID  `json:"span_id" cbor:"span_id"`
	IsRemote bool    `json:"is_remote,omitempty" cbor:"is_remote,omitempty"`
	// Sampled carries the sampling decision made at the trace root.
	Sampled bool `json:"sampled" cbor:"sampled"`
}

// IsValid reports whether both ids are non-zero.
func (tc TraceContext) IsValid() bool {
	return !tc.TraceID.IsZero() && !tc.SpanID.IsZero()
}

// Key returns the reconciliation key used by downstream stores.
func (tc TraceContext) Key() RecordKey {
	return RecordKey{TraceID: tc.TraceID, SpanID: tc.SpanID}
}

// RecordKey is the (trace_id, span_id) pair that identifies a record downstream.
type RecordKey struct {
	TraceID TraceID
	SpanID  SpanID
}
