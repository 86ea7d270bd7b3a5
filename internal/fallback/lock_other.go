//go:build !unix

package fallback

import (
	"fmt"
	"os"
)

// Without flock the lock file only marks ownership; concurrent writers on
// these platforms are not detected.
type fileLock struct {
	f *os.File
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // derived from the fallback path
	if err != nil {
		return nil, fmt.Errorf("fallback: create lock file %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	if l == nil {
		return
	}
	_ = l.f.Close()
}
