package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	segmentPrefix = "SEGMENT_"
	frozenExt     = ".log"
	activeExt     = ".active"
)

// ErrUnknownSegment reports an operation against a segment id that has no
// frozen file on disk. It indicates an internal bug, not a user error.
var ErrUnknownSegment = errors.New("unknown segment")

// directory owns the on-disk layout of a store: one file per segment,
// frozen segments named SEGMENT_<id>.log and the writer-in-progress file
// named SEGMENT_<id>.active. Ids are recoverable from the file names, so
// discovery is a glob, not a manifest.
type directory struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	nextID int // ids handed out never decrease within a process lifetime
}

func openDirectory(path string, logger *zap.Logger) (*directory, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", path, err)
	}
	return &directory{path: path, logger: logger}, nil
}

func (d *directory) frozenPath(id int) string {
	return filepath.Join(d.path, fmt.Sprintf("%s%010d%s", segmentPrefix, id, frozenExt))
}

func (d *directory) activePath(id int) string {
	return filepath.Join(d.path, fmt.Sprintf("%s%010d%s", segmentPrefix, id, activeExt))
}

// listIDs enumerates segment ids for one extension in ascending order. The
// listing is a point-in-time view of the data directory.
func (d *directory) listIDs(ext string) ([]int, error) {
	pattern := filepath.Join(d.path, segmentPrefix+"*"+ext)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}

	var ids []int
	for _, m := range matches {
		name := filepath.Base(m)
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), ext)
		id, err := strconv.Atoi(idStr)
		if err != nil {
			// not one of ours, leave it alone
			continue
		}
		ids = append(ids, id)
	}

	sort.Ints(ids)
	return ids, nil
}

func (d *directory) listFrozen() ([]int, error) { return d.listIDs(frozenExt) }

// allocate claims the next free segment id and creates its active file
// exclusively. An id is free once the file can be created with O_EXCL, so
// concurrent callers (rollover and merge) can never share an id.
func (d *directory) allocate() (int, *os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		id := d.nextID
		d.nextID++

		if _, err := os.Stat(d.frozenPath(id)); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return 0, nil, fmt.Errorf("stat segment %d: %w", id, err)
		}

		f, err := os.OpenFile(d.activePath(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("create segment %d: %w", id, err)
		}

		if err := d.fsyncDir(); err != nil {
			_ = f.Close()
			_ = os.Remove(d.activePath(id))
			return 0, nil, err
		}

		return id, f, nil
	}
}

// freeze renames an active segment into its frozen form and makes the
// rename durable.
func (d *directory) freeze(id int) error {
	if err := os.Rename(d.activePath(id), d.frozenPath(id)); err != nil {
		return fmt.Errorf("freeze segment %d: %w", id, err)
	}
	return d.fsyncDir()
}

// removeFrozen unlinks a frozen segment. Removing an id that is not frozen
// fails with ErrUnknownSegment.
func (d *directory) removeFrozen(id int) error {
	path := d.frozenPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %d", ErrUnknownSegment, id)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove segment %d: %w", id, err)
	}
	return d.fsyncDir()
}

// discardActive drops a writer-in-progress file, used when a merge aborts.
func (d *directory) discardActive(id int) error {
	if err := os.Remove(d.activePath(id)); err != nil {
		return fmt.Errorf("discard segment %d: %w", id, err)
	}
	return nil
}

// transferActive normalizes leftover writer files into frozen form: each
// one is truncated to its last intact record and renamed. A clean shutdown
// has already done this, so finding one means the previous process died
// with the writer open.
func (d *directory) transferActive() error {
	ids, err := d.listIDs(activeExt)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := d.truncateToLastRecord(id); err != nil {
			return err
		}
		if err := d.freeze(id); err != nil {
			return err
		}
		d.logger.Info("transferred leftover writer segment", zap.Int("segment", id))
	}

	return nil
}

func (d *directory) truncateToLastRecord(id int) error {
	f, err := os.OpenFile(d.activePath(id), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", id, err)
	}
	defer f.Close() // nolint:errcheck

	sc := newSegmentScanner(id, f)
	for sc.scan() {
	}
	if err := sc.err; err != nil {
		return fmt.Errorf("scan segment %d: %w", id, err)
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat segment %d: %w", id, err)
	}
	if info.Size() == sc.end {
		return nil
	}

	if err := f.Truncate(sc.end); err != nil {
		return fmt.Errorf("truncate segment %d: %w", id, err)
	}
	return f.Sync()
}

// fsyncDir commits directory-entry changes (create, rename, unlink) so a
// crash cannot resurrect or lose a segment file.
func (d *directory) fsyncDir() error {
	dfd, err := os.Open(d.path)
	if err != nil {
		return err
	}
	defer dfd.Close() // nolint:errcheck

	return dfd.Sync()
}
