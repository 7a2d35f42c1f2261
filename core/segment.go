package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrShortWrite reports an append that made it to the file only partially.
// The writer has already truncated back to the previous offset when this
// is returned.
var ErrShortWrite = errors.New("short write")

// segmentWriter appends records to the active segment. It tracks the
// logical write offset itself; random writes are never performed.
type segmentWriter struct {
	id    int
	file  *os.File
	off   int64
	fsync bool
}

func newSegmentWriter(id int, f *os.File, fsync bool) (*segmentWriter, error) {
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek segment %d: %w", id, err)
	}
	return &segmentWriter{id: id, file: f, off: off, fsync: fsync}, nil
}

// append writes one encoded record and returns its location. A short or
// failed write truncates the file back to the previous offset so the
// segment never carries a half-record in the middle.
func (w *segmentWriter) append(rec record) (location, error) {
	buf := EncodeFrame(rec.frame())

	n, err := w.file.Write(buf)
	if err != nil || n != len(buf) {
		if terr := w.file.Truncate(w.off); terr != nil {
			return location{}, fmt.Errorf("truncate after failed append on segment %d: %w", w.id, terr)
		}
		if _, serr := w.file.Seek(w.off, io.SeekStart); serr != nil {
			return location{}, fmt.Errorf("seek after failed append on segment %d: %w", w.id, serr)
		}
		if err == nil {
			err = fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(buf))
		}
		return location{}, fmt.Errorf("append on segment %d: %w", w.id, err)
	}

	loc := location{id: w.id, off: w.off}
	w.off += int64(n)

	if w.fsync {
		if err := w.file.Sync(); err != nil {
			return location{}, fmt.Errorf("sync segment %d: %w", w.id, err)
		}
	}

	return loc, nil
}

// readAt decodes the record at off through the writer's own handle. The
// caller coordinates with appends; a keydir entry never points past a
// completed append, so no flush is needed first.
func (w *segmentWriter) readAt(off int64) (record, error) {
	f, err := readFrameAt(w.file, off)
	if err != nil {
		return record{}, err
	}
	return recordFromFrame(f)
}

func (w *segmentWriter) sync() error { return w.file.Sync() }

func (w *segmentWriter) close() error { return w.file.Close() }

// segmentReader opens a frozen segment for positional reads and scans.
type segmentReader struct {
	id   int
	file *os.File
}

func openSegmentReader(d *directory, id int) (*segmentReader, error) {
	f, err := os.Open(d.frozenPath(id))
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", id, err)
	}
	return &segmentReader{id: id, file: f}, nil
}

func (r *segmentReader) readAt(off int64) (record, error) {
	f, err := readFrameAt(r.file, off)
	if err != nil {
		return record{}, err
	}
	return recordFromFrame(f)
}

func (r *segmentReader) scanner() *segmentScanner {
	return newSegmentScanner(r.id, r.file)
}

func (r *segmentReader) close() error { return r.file.Close() }

// segmentScanner yields every record from offset 0 to the segment's
// effective end. A malformed tail stops the scan cleanly: the preceding
// offset becomes the end, which is how recovery survives a crash
// mid-append. The scanner reads through a SectionReader so it never moves
// the underlying handle.
type segmentScanner struct {
	id     int
	reader *bufio.Reader
	rec    record
	loc    location
	end    int64 // offset one past the last intact record
	err    error
}

func newSegmentScanner(id int, r io.ReaderAt) *segmentScanner {
	const maxint64 = 1<<63 - 1

	sr := io.NewSectionReader(r, 0, maxint64)
	return &segmentScanner{id: id, reader: bufio.NewReader(sr)}
}

func (sc *segmentScanner) scan() bool {
	if sc.err != nil {
		return false
	}

	f, n, err := ReadFrame(sc.reader)
	if err == io.EOF {
		return false
	}
	if errors.Is(err, ErrBadRecord) {
		// Effective end of the segment. Either a torn append at the tail
		// (the client never got an ack, dropping it is fine) or mid-file
		// corruption; both rewind to the last intact record.
		return false
	}
	if err != nil {
		sc.err = fmt.Errorf("scan segment %d: %w", sc.id, err)
		return false
	}

	rec, err := recordFromFrame(f)
	if err != nil {
		return false
	}

	sc.rec = rec
	sc.loc = location{id: sc.id, off: sc.end}
	sc.end += n

	return true
}
