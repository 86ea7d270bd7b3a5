package kiroku

import (
	"github.com/ashita-ai/kiroku/internal/export"
	"github.com/ashita-ai/kiroku/internal/ids"
)

// Sink receives batches. Send must classify failures with *SinkError so the
// pipeline can pick between persisting, splitting and disabling the sink.
// Errors of any other type count as transient.
type Sink = export.Sink

// SinkError is the classified failure of a Sink.
type SinkError = export.SinkError

// Sink failure kinds.
const (
	KindTransient       = export.KindTransient
	KindAuthRejected    = export.KindAuthRejected
	KindPayloadTooLarge = export.KindPayloadTooLarge
	KindDiskFull        = export.KindDiskFull
)

// IDGenerator allocates trace and span ids. Implementations must be safe for
// concurrent use and never return zero ids.
type IDGenerator = ids.IDGenerator

// Clock reads the current time as unix nanoseconds.
type Clock = ids.Clock

// NewIncrementalIDGenerator returns a generator yielding 1, 2, 3... for trace
// ids and span ids independently.
func NewIncrementalIDGenerator() IDGenerator { return ids.NewIncrementalIDGenerator() }

// NewTimeGenerator returns a clock that starts at 1s and advances one second
// per reading.
func NewTimeGenerator() Clock { return ids.NewTimeGenerator(0) }
