// Package engine selects between the storage backends that can sit behind
// the server: the log-structured store from core, or an embedded bbolt
// tree store. The backend choice is persisted implicitly by the data
// subdirectory each engine creates; opening a directory with the other
// engine fails fast.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/bitkv/bitkv/core"
)

// Engine is the minimal capability set the server dispatches on.
type Engine interface {
	Set(key, val string) error
	Get(key string) (string, error)
	Remove(key string) error
	Close() error
}

// ErrKeyNotFound aliases the store's sentinel so callers can match misses
// without importing core.
var ErrKeyNotFound = core.ErrKeyNotFound

// ErrMismatchEngine reports a data directory previously opened with a
// different engine.
var ErrMismatchEngine = errors.New("mismatch engine")

const (
	// Kvs names the log-structured engine.
	Kvs = "kvs"
	// Bolt names the bbolt-backed engine.
	Bolt = "bolt"

	kvsSubdir  = "kvstore"
	boltSubdir = "boltstore"
)

// Open opens the named engine rooted at path.
func Open(path, name string, logger *zap.Logger, opts ...core.Option) (Engine, error) {
	switch name {
	case Kvs:
		if dirExists(filepath.Join(path, boltSubdir)) {
			return nil, fmt.Errorf("%w: %q was created by engine %q", ErrMismatchEngine, path, Bolt)
		}
		opts = append(opts, core.WithLogger(logger))
		return core.Open(filepath.Join(path, kvsSubdir), opts...)

	case Bolt:
		if dirExists(filepath.Join(path, kvsSubdir)) {
			return nil, fmt.Errorf("%w: %q was created by engine %q", ErrMismatchEngine, path, Kvs)
		}
		return openBolt(filepath.Join(path, boltSubdir), logger)

	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
