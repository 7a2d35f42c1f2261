// Package core implements the log-structured key-value store: an
// append-only segment directory, an in-memory keydir and a background
// merge process.
package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

// Frame is the unit of encoding shared by segment files and the wire
// protocol. The layout is little-endian:
//
//	[8-byte checksum][4-byte aLen][4-byte bLen][8-byte timestamp][1-byte kind][1-byte flags][a bytes][b bytes]
//
// The checksum is xxh3 over everything after itself. Frames are
// self-delimiting, so a consumer can decode a whole stream by repeatedly
// reading from the current position.
type Frame struct {
	Kind  byte
	Flags byte
	TS    int64
	A     []byte
	B     []byte
}

const (
	frameCsLen  = 8
	frameHdrLen = frameCsLen + 4 + 4 + 8 + 1 + 1

	// maxFieldLen bounds the two length fields so a garbage header surfaces
	// ErrBadRecord instead of a giant allocation.
	maxFieldLen = 1 << 30
)

// ErrBadRecord marks a frame that cannot be decoded: truncated tail,
// checksum mismatch, or nonsense lengths. Recovery uses it to stop a
// segment scan at the last intact record.
var ErrBadRecord = errors.New("malformed record")

// EncodedLen returns the number of bytes EncodeFrame will produce.
func (f *Frame) EncodedLen() int {
	return frameHdrLen + len(f.A) + len(f.B)
}

// EncodeFrame builds the complete frame in memory so callers can emit it
// with a single write.
func EncodeFrame(f *Frame) []byte {
	buf := make([]byte, f.EncodedLen())

	sb := buf // shrinking buffer

	// checksum slot is filled last
	sb = sb[frameCsLen:]

	binary.LittleEndian.PutUint32(sb, uint32(len(f.A)))
	sb = sb[4:]

	binary.LittleEndian.PutUint32(sb, uint32(len(f.B)))
	sb = sb[4:]

	binary.LittleEndian.PutUint64(sb, uint64(f.TS))
	sb = sb[8:]

	sb[0] = f.Kind
	sb = sb[1:]

	sb[0] = f.Flags
	sb = sb[1:]

	copy(sb, f.A)
	sb = sb[len(f.A):]

	copy(sb, f.B)
	sb = sb[len(f.B):]

	if len(sb) != 0 {
		panic(fmt.Sprintf("unexpected remaining data on buffer: %v", sb))
	}

	checksum := xxh3.Hash(buf[frameCsLen:])
	binary.LittleEndian.PutUint64(buf[:frameCsLen], checksum)

	return buf
}

func parseFrameHeader(hdr [frameHdrLen]byte) (checksum uint64, aLen, bLen int, ts int64, kind, flags byte) {
	sb := hdr[:] // shrinking buffer

	checksum = binary.LittleEndian.Uint64(sb)
	sb = sb[frameCsLen:]

	aLen = int(binary.LittleEndian.Uint32(sb))
	sb = sb[4:]

	bLen = int(binary.LittleEndian.Uint32(sb))
	sb = sb[4:]

	ts = int64(binary.LittleEndian.Uint64(sb))
	sb = sb[8:]

	kind = sb[0]
	flags = sb[1]

	return
}

// ReadFrame decodes one frame from r. It returns the frame and the number
// of bytes it occupies. A stream positioned exactly at its end returns
// io.EOF; a partial frame or a checksum mismatch returns an error wrapping
// ErrBadRecord; everything else is an I/O failure passed through verbatim.
func ReadFrame(r io.Reader) (*Frame, int64, error) {
	var hdr [frameHdrLen]byte

	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: truncated header", ErrBadRecord)
		}
		return nil, 0, err
	}

	checksum, aLen, bLen, ts, kind, flags := parseFrameHeader(hdr)
	if aLen < 0 || bLen < 0 || aLen > maxFieldLen || bLen > maxFieldLen {
		return nil, 0, fmt.Errorf("%w: implausible lengths a=%d b=%d", ErrBadRecord, aLen, bLen)
	}

	totalLen := frameHdrLen + aLen + bLen
	buf := make([]byte, totalLen)
	copy(buf, hdr[:])

	if _, err := io.ReadFull(r, buf[frameHdrLen:]); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: truncated payload", ErrBadRecord)
		}
		return nil, 0, err
	}

	if computed := xxh3.Hash(buf[frameCsLen:]); checksum != computed {
		return nil, 0, fmt.Errorf("%w: checksum expected %x, got %x", ErrBadRecord, checksum, computed)
	}

	return &Frame{
		Kind:  kind,
		Flags: flags,
		TS:    ts,
		A:     buf[frameHdrLen : frameHdrLen+aLen],
		B:     buf[frameHdrLen+aLen:],
	}, int64(totalLen), nil
}

// readFrameAt decodes one frame at a known offset in two positional reads,
// header first, payload second. Page cache makes the second read cheap.
func readFrameAt(r io.ReaderAt, off int64) (*Frame, error) {
	var hdr [frameHdrLen]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return nil, err
	}

	checksum, aLen, bLen, ts, kind, flags := parseFrameHeader(hdr)
	if aLen < 0 || bLen < 0 || aLen > maxFieldLen || bLen > maxFieldLen {
		return nil, fmt.Errorf("%w: implausible lengths a=%d b=%d", ErrBadRecord, aLen, bLen)
	}

	totalLen := frameHdrLen + aLen + bLen
	buf := make([]byte, totalLen)
	copy(buf, hdr[:])

	if _, err := r.ReadAt(buf[frameHdrLen:], off+frameHdrLen); err != nil {
		return nil, err
	}

	if computed := xxh3.Hash(buf[frameCsLen:]); checksum != computed {
		return nil, fmt.Errorf("%w: checksum expected %x, got %x", ErrBadRecord, checksum, computed)
	}

	return &Frame{
		Kind:  kind,
		Flags: flags,
		TS:    ts,
		A:     buf[frameHdrLen : frameHdrLen+aLen],
		B:     buf[frameHdrLen+aLen:],
	}, nil
}
