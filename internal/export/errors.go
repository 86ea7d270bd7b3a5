package export

import (
	"errors"
	"fmt"
)

// ErrorKind classifies delivery failures.
type ErrorKind int

const (
	// KindTransient covers network failures, timeouts and retryable server
	// responses. The batch is persisted to the fallback file.
	KindTransient ErrorKind = iota
	// KindAuthRejected means the sink refused our credentials. The sink is
	// disabled for the rest of the process.
	KindAuthRejected
	// KindPayloadTooLarge means the sink refused the batch size. The batch is
	// split once.
	KindPayloadTooLarge
	// KindDiskFull means the fallback file could not be written. The batch is
	// lost.
	KindDiskFull
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthRejected:
		return "auth_rejected"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindDiskFull:
		return "disk_full"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrClosed is returned by operations on a pipeline that has shut down.
var ErrClosed = errors.New("export: pipeline closed")

// SinkError is a classified delivery failure.
type SinkError struct {
	Sink string
	Kind ErrorKind
	// StatusCode is the HTTP status for transport sinks, zero otherwise.
	StatusCode int
	Err        error
}

func (e *SinkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sink %s: %s (status %d): %v", e.Sink, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// KindOf classifies err. Errors that are not a *SinkError are transient.
func KindOf(err error) ErrorKind {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be persisted for later backfill.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsAuthRejected reports whether err disables its sink.
func IsAuthRejected(err error) bool { return err != nil && KindOf(err) == KindAuthRejected }

// IsPayloadTooLarge reports whether err asks for a smaller batch.
func IsPayloadTooLarge(err error) bool { return err != nil && KindOf(err) == KindPayloadTooLarge }

// IsDiskFull reports whether err means the fallback file is out of space.
func IsDiskFull(err error) bool { return err != nil && KindOf(err) == KindDiskFull }
