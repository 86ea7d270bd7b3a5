package storage

import "errors"

// ErrNotFound is returned when no record has the requested ids.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidRecord marks a record that can never be stored. Retrying it or
// persisting it for backfill would fail the same way.
var ErrInvalidRecord = errors.New("storage: invalid record")
