package core

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrKeyNotFound is the expected miss condition for Get and Remove.
var ErrKeyNotFound = errors.New("key not found")

// Store is an append-only, log-structured key-value store. A handle is
// safe for concurrent use from any number of goroutines; all of them share
// the same underlying state.
type Store struct {
	dir    *directory
	logger *zap.Logger

	// mu guards keydir, frozen, writer and lastTS. Gets hold the read
	// side for the whole lookup-then-read so a merge integration can never
	// delete a segment out from under them.
	mu     sync.RWMutex
	keydir *keydir
	frozen mapset.Set[int]
	writer *segmentWriter
	lastTS int64

	merger  *merger
	metrics *storeMetrics

	fsync             bool
	activeSegmentSize int64
	readonlyThreshold int
}

// Option configures a Store at open time.
type Option func(*Store)

// WithActiveSegmentSize sets the rollover threshold in bytes.
func WithActiveSegmentSize(n int64) Option {
	return func(s *Store) { s.activeSegmentSize = n }
}

// WithReadonlyThreshold sets how many frozen segments trigger a merge.
func WithReadonlyThreshold(n int) Option {
	return func(s *Store) { s.readonlyThreshold = n }
}

// WithFsync controls whether every append is synced before returning.
func WithFsync(b bool) Option {
	return func(s *Store) { s.fsync = b }
}

// WithLogger supplies a logger; the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRegisterer registers the store's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Store) { s.metrics = newStoreMetrics(reg) }
}

// WithOnMergeStart installs a hook that runs in the merge goroutine before
// it touches any segment. Test hook.
func WithOnMergeStart(f func()) Option {
	return func(s *Store) { s.merger.onStart = f }
}

// Open creates the data directory if missing, normalizes any leftover
// writer file, rebuilds the keydir from the frozen segments and opens a
// fresh active segment. The returned handle is shared, not copied.
func Open(path string, opts ...Option) (*Store, error) {
	logger := zap.NewNop()

	dir, err := openDirectory(path, logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		keydir: newKeydir(),
		frozen: mapset.NewSet[int](),
		merger: newMerger(dir, logger),

		// defaults
		fsync:             true,
		activeSegmentSize: 1 * 1024 * 1024,
		readonlyThreshold: 10,
	}

	for _, opt := range opts {
		opt(s)
	}
	dir.logger = s.logger
	s.merger.logger = s.logger
	if s.metrics == nil {
		s.metrics = newStoreMetrics(nil)
	}

	if err := s.recover(); err != nil {
		s.abortOpen()
		return nil, err
	}

	s.logger.Info("store opened",
		zap.String("path", path),
		zap.Int("frozen_segments", s.frozen.Cardinality()),
		zap.Int("keys", s.keydir.len()))

	// a long-lived store may come up already past the merge threshold
	s.maybeMerge()

	return s, nil
}

func (s *Store) recover() error {
	if err := s.dir.transferActive(); err != nil {
		return fmt.Errorf("transfer leftover writer files: %w", err)
	}

	ids, err := s.dir.listFrozen()
	if err != nil {
		return err
	}

	// The tracker sees every record, tombstones included, so a Remove in
	// one segment shadows an older Set in another no matter which file is
	// scanned first.
	tr := newTracker()
	for _, id := range ids {
		r, err := openSegmentReader(s.dir, id)
		if err != nil {
			return err
		}

		sc := r.scanner()
		for sc.scan() {
			tr.observe(sc.rec.key, sc.loc, sc.rec.ts, sc.rec.kind)
			if sc.rec.ts > s.lastTS {
				s.lastTS = sc.rec.ts
			}
		}
		scanErr := sc.err
		if cerr := r.close(); scanErr == nil {
			scanErr = cerr
		}
		if scanErr != nil {
			return scanErr
		}

		s.frozen.Add(id)
	}

	for key, tl := range tr.liveEntries() {
		s.keydir.mergePut(key, tl)
	}

	// the first free id on disk becomes the active segment; allocate skips
	// ids that already have a segment file
	id, f, err := s.dir.allocate()
	if err != nil {
		return fmt.Errorf("create active segment: %w", err)
	}
	s.writer, err = newSegmentWriter(id, f, s.fsync)
	if err != nil {
		_ = f.Close()
		return err
	}

	return nil
}

// abortOpen releases whatever Open managed to acquire before failing.
// Separate from Close, which is the graceful path.
func (s *Store) abortOpen() {
	if s.writer != nil {
		_ = s.writer.close()
	}
}

// Close syncs and freezes the active segment. After a clean Close the
// directory holds only frozen files, so the next Open has no transfer
// work to do.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return nil
	}

	if err := s.writer.sync(); err != nil {
		return err
	}
	if err := s.writer.close(); err != nil {
		return err
	}
	if err := s.dir.freeze(s.writer.id); err != nil {
		return err
	}
	s.writer = nil

	return nil
}

// nextTS returns a timestamp strictly greater than every one handed out or
// recovered so far. Wall-clock driven, sequence-bumped: two appends in the
// same clock tick still order correctly, and a clock that jumps backwards
// cannot make a new write lose to an old record. Callers hold mu.
func (s *Store) nextTS() int64 {
	ts := time.Now().UnixNano()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

// Set maps key to val.
func (s *Store) Set(key, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collectMergeLocked()
	if err := s.maybeRolloverLocked(); err != nil {
		return err
	}

	rec := record{key: key, val: val, ts: s.nextTS(), kind: kindSet}
	loc, err := s.writer.append(rec)
	if err != nil {
		return err
	}

	s.keydir.mergePut(key, timedLocation{loc: loc, ts: rec.ts})

	s.metrics.sets.Inc()
	s.metrics.bytesAppended.Add(float64(rec.frame().EncodedLen()))

	s.maybeMerge()

	return nil
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.keydir.get(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	rec, err := s.readRecordAt(tl.loc)
	if err != nil {
		// in normal operation every keydir entry decodes; this implies
		// file corruption
		return "", fmt.Errorf("read record at %+v: %w", tl.loc, err)
	}

	if rec.kind != kindSet {
		// cannot happen while the keydir invariants hold
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	s.metrics.gets.Inc()
	return rec.val, nil
}

func (s *Store) readRecordAt(loc location) (record, error) {
	if s.writer != nil && loc.id == s.writer.id {
		return s.writer.readAt(loc.off)
	}

	r, err := openSegmentReader(s.dir, loc.id)
	if err != nil {
		return record{}, err
	}
	defer r.close() // nolint:errcheck

	return r.readAt(loc.off)
}

// Remove deletes key. The keydir entry goes first and the tombstone is
// appended second, so no concurrent reader can observe an entry whose Set
// has been superseded. A crash between the two may resurrect the key on
// the next open; the write was never acknowledged, so that is acceptable.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.keydir.remove(key) {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	s.collectMergeLocked()
	if err := s.maybeRolloverLocked(); err != nil {
		return err
	}

	rec := record{key: key, ts: s.nextTS(), kind: kindRemove}
	if _, err := s.writer.append(rec); err != nil {
		return err
	}

	s.metrics.removes.Inc()
	s.metrics.bytesAppended.Add(float64(rec.frame().EncodedLen()))

	return nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keydir.len()
}

// Keys returns the live keys in sorted order. Debugging aid.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keydir.keys()
}

// DiskSize returns the sum of all on-disk segment sizes.
func (s *Store) DiskSize() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64

	ids, err := s.dir.listFrozen()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		info, err := os.Stat(s.dir.frozenPath(id))
		if err != nil {
			return 0, fmt.Errorf("stat segment %d: %w", id, err)
		}
		total += info.Size()
	}

	if s.writer != nil {
		total += s.writer.off
	}

	return total, nil
}

// maybeRolloverLocked freezes the active segment and opens a new one once
// the offset crosses the threshold. Callers hold mu exclusively.
func (s *Store) maybeRolloverLocked() error {
	if s.writer.off < s.activeSegmentSize {
		return nil
	}

	if !s.fsync {
		if err := s.writer.sync(); err != nil {
			return err
		}
	}
	oldID := s.writer.id
	if err := s.writer.close(); err != nil {
		return err
	}
	if err := s.dir.freeze(oldID); err != nil {
		return err
	}
	s.frozen.Add(oldID)

	id, f, err := s.dir.allocate()
	if err != nil {
		return fmt.Errorf("create active segment: %w", err)
	}
	s.writer, err = newSegmentWriter(id, f, s.fsync)
	if err != nil {
		_ = f.Close()
		return err
	}

	s.metrics.rollovers.Inc()
	s.logger.Debug("rolled over active segment",
		zap.Int("frozen", oldID), zap.Int("active", id))

	return nil
}

// maybeMerge kicks the merger when enough frozen segments have piled up.
// Non-blocking; the active segment is never part of the input.
func (s *Store) maybeMerge() {
	if s.frozen.Cardinality() < s.readonlyThreshold {
		return
	}

	inputs := s.frozen.ToSlice()
	sort.Ints(inputs)
	s.merger.start(inputs)
}

// collectMergeLocked integrates a completed merge, if any. Rewritten
// records keep their timestamps, so rebind moves exactly the entries the
// merge saw: anything written or removed while it ran has a different
// timestamp (or no entry) and is left alone. Callers hold mu exclusively.
func (s *Store) collectMergeLocked() {
	info := s.merger.tryCollect()
	if info == nil {
		return
	}

	for key, tl := range info.entries {
		s.keydir.rebind(key, tl)
	}

	if len(info.entries) == 0 {
		// nothing live survived; the target is dead weight
		if err := s.dir.removeFrozen(info.newID); err != nil {
			s.logger.Warn("remove empty merge target", zap.Int("segment", info.newID), zap.Error(err))
		}
	} else {
		s.frozen.Add(info.newID)
	}

	for _, id := range info.inputs {
		s.frozen.Remove(id)
		if err := s.dir.removeFrozen(id); err != nil {
			s.logger.Warn("remove merged segment", zap.Int("segment", id), zap.Error(err))
		}
	}

	s.metrics.merges.Inc()
	s.logger.Info("merge integrated",
		zap.Int("target", info.newID),
		zap.Ints("inputs", info.inputs),
		zap.Int("live_keys", len(info.entries)))
}
