package core

import (
	"testing"
	"time"
)

// SetupTempStore opens a store in a fresh temp directory. Fsync is off by
// default to keep the suite fast; pass WithFsync(true) to override.
func SetupTempStore(tb testing.TB, opts ...Option) (*Store, string) {
	tb.Helper()

	path := tb.TempDir()

	opts = append([]Option{WithFsync(false)}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		tb.Fatalf("Open(%q) failed: %v", path, err)
	}

	tb.Cleanup(func() {
		_ = s.Close()
	})

	return s, path
}

// waitForCompaction drives merge collection from the store side until the
// frozen-segment count drops to at most want.
func waitForCompaction(tb testing.TB, s *Store, want int) {
	tb.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		s.collectMergeLocked()
		s.maybeMerge()
		n := s.frozen.Cardinality()
		s.mu.Unlock()

		if n <= want {
			return
		}
		time.Sleep(time.Millisecond)
	}

	tb.Fatalf("compaction did not bring frozen segments down to %d", want)
}
