package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var boltBucket = []byte("kv")

// boltEngine adapts an embedded bbolt tree store to the Engine contract.
// bbolt gives us its own durability, so every write is a committed
// transaction and there is nothing to compact.
type boltEngine struct {
	db     *bbolt.DB
	logger *zap.Logger
}

func openBolt(dir string, logger *zap.Logger) (*boltEngine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "bolt.db"), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	logger.Info("bolt engine opened", zap.String("dir", dir))

	return &boltEngine{db: db, logger: logger}, nil
}

func (e *boltEngine) Set(key, val string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), []byte(val))
	})
}

func (e *boltEngine) Get(key string) (string, error) {
	var val string
	found := false

	err := e.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get([]byte(key)); v != nil {
			val = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	return val, nil
}

func (e *boltEngine) Remove(key string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		return b.Delete([]byte(key))
	})
}

func (e *boltEngine) Close() error { return e.db.Close() }
