package core

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// mergeInfo is the result a completed merge hands back to the store:
// the freshly written target segment, the inputs it replaces, and the new
// location of every live record that was rewritten.
type mergeInfo struct {
	newID   int
	inputs  []int
	entries map[string]timedLocation
}

type mergerState int

const (
	mergerIdle mergerState = iota
	mergerRunning
	mergerCompleted
)

// merger runs compaction off the write path. It is a task plus a
// single-consumer completion slot: start spawns the task, tryCollect
// drains the slot without blocking. A failed merge logs, discards its
// partial target and returns to idle; the next trigger retries.
type merger struct {
	dir    *directory
	logger *zap.Logger

	mu     sync.Mutex
	state  mergerState
	result *mergeInfo

	onStart func() // test hook, runs in the merge goroutine before any I/O
}

func newMerger(dir *directory, logger *zap.Logger) *merger {
	return &merger{dir: dir, logger: logger, onStart: func() {}}
}

// start begins merging the given frozen segments. It is valid only in the
// idle state and reports whether the job was accepted.
func (m *merger) start(inputs []int) bool {
	if len(inputs) == 0 {
		return false
	}

	m.mu.Lock()
	if m.state != mergerIdle {
		m.mu.Unlock()
		return false
	}
	m.state = mergerRunning
	m.mu.Unlock()

	go m.run(inputs)
	return true
}

func (m *merger) run(inputs []int) {
	m.onStart()

	info, err := m.mergeSegments(inputs)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		// dropped on the floor by design: the next trigger retries
		m.logger.Warn("merge failed", zap.Ints("inputs", inputs), zap.Error(err))
		m.state = mergerIdle
		return
	}

	m.result = info
	m.state = mergerCompleted
}

// tryCollect returns the completed merge result and resets the merger to
// idle, or nil when no result is ready. Never blocks.
func (m *merger) tryCollect() *mergeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != mergerCompleted {
		return nil
	}

	info := m.result
	m.result = nil
	m.state = mergerIdle
	return info
}

func (m *merger) idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == mergerIdle
}

// mergeSegments rewrites the live-key subset of the input segments into a
// single new frozen segment. Inputs are immutable, so the only
// coordination with the store happens later, at integration.
func (m *merger) mergeSegments(inputs []int) (rinfo *mergeInfo, rerr error) {
	targetID, f, err := m.dir.allocate()
	if err != nil {
		return nil, fmt.Errorf("allocate merge target: %w", err)
	}

	w, err := newSegmentWriter(targetID, f, false)
	if err != nil {
		_ = f.Close()
		_ = m.dir.discardActive(targetID)
		return nil, err
	}

	defer func() {
		if rerr != nil {
			if err := w.close(); err != nil {
				m.logger.Warn("close merge target", zap.Int("segment", targetID), zap.Error(err))
			}
			if err := m.dir.discardActive(targetID); err != nil {
				m.logger.Warn("discard merge target", zap.Int("segment", targetID), zap.Error(err))
			}
		}
	}()

	readers := make(map[int]*segmentReader, len(inputs))
	defer func() {
		for _, r := range readers {
			_ = r.close()
		}
	}()

	// Pass one: find the latest record per key across every input.
	tr := newTracker()
	for _, id := range inputs {
		r, err := openSegmentReader(m.dir, id)
		if err != nil {
			return nil, err
		}
		readers[id] = r

		sc := r.scanner()
		for sc.scan() {
			tr.observe(sc.rec.key, sc.loc, sc.rec.ts, sc.rec.kind)
		}
		if err := sc.err; err != nil {
			return nil, err
		}
	}

	// Pass two: rewrite the survivors into the target. Keys whose latest
	// record is a tombstone are dropped entirely; every record outside the
	// inputs is newer than anything inside them, so no shadowed Set can
	// resurface.
	live := tr.liveEntries()

	keys := make([]string, 0, len(live))
	for key := range live {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make(map[string]timedLocation, len(live))
	for _, key := range keys {
		tl := live[key]
		rec, err := readers[tl.loc.id].readAt(tl.loc.off)
		if err != nil {
			return nil, fmt.Errorf("read %q from segment %d: %w", key, tl.loc.id, err)
		}

		loc, err := w.append(rec)
		if err != nil {
			return nil, fmt.Errorf("rewrite %q: %w", key, err)
		}
		entries[key] = timedLocation{loc: loc, ts: rec.ts}
	}

	if err := w.sync(); err != nil {
		return nil, fmt.Errorf("sync merge target: %w", err)
	}
	if err := m.dir.freeze(targetID); err != nil {
		return nil, err
	}
	if err := w.close(); err != nil {
		m.logger.Warn("close merge target", zap.Int("segment", targetID), zap.Error(err))
	}

	m.logger.Info("merge completed",
		zap.Int("target", targetID),
		zap.Ints("inputs", inputs),
		zap.Int("live_keys", len(entries)))

	return &mergeInfo{newID: targetID, inputs: inputs, entries: entries}, nil
}
