package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	auerr "github.com/dreamsxin/auradb/errors"
)

// walMagic is the header magic spec.md §6 requires: "WalHeader
// {magic="AURADBWA", ...}".
const walMagic = "AURADBWA"

const (
	headerLen      = 8 + 4 + 8 + 4 // magic + version + created_at + crc32
	frameHeaderLen = 4             // u32 payload_len
	walVersion     = 1

	// MaxEntrySize guards against a corrupt length prefix causing an
	// unbounded allocation during recovery.
	MaxEntrySize = 256 * 1024 * 1024
)

type segmentHeader struct {
	version   uint32
	createdAt int64
}

func encodeSegmentHeader(h segmentHeader) []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:8], walMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.version)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.createdAt))
	crc := crc32.ChecksumIEEE(buf[0:20])
	binary.LittleEndian.PutUint32(buf[20:24], crc)
	return buf
}

func decodeSegmentHeader(buf []byte) (segmentHeader, error) {
	if len(buf) < headerLen {
		return segmentHeader{}, auerr.Wrap(auerr.CodeWALCorruption, "short wal header", io.ErrUnexpectedEOF)
	}
	if string(buf[0:8]) != walMagic {
		return segmentHeader{}, auerr.Wrap(auerr.CodeWALCorruption, "bad wal magic", fmt.Errorf("got %q", buf[0:8]))
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	createdAt := int64(binary.LittleEndian.Uint64(buf[12:20]))
	wantCRC := binary.LittleEndian.Uint32(buf[20:24])
	gotCRC := crc32.ChecksumIEEE(buf[0:20])
	if wantCRC != gotCRC {
		return segmentHeader{}, auerr.Wrap(auerr.CodeWALCorruption, "wal header checksum mismatch", fmt.Errorf("want %x got %x", wantCRC, gotCRC))
	}
	return segmentHeader{version: version, createdAt: createdAt}, nil
}

// segment is a single WAL file: a header followed by a stream of framed
// records. One segment is "active" (open for append) at a time per WAL;
// all others are sealed and read-only.
type segment struct {
	id       uint64 // creation-order id; the filename encodes header.createdAt
	path     string
	header   segmentHeader
	file     *os.File
	size     int64
	sealed   bool
	sealTime time.Time
}

func segmentFileName(createdAt int64) string {
	return fmt.Sprintf("wal_%020d.log", createdAt)
}

// createSegment creates a brand-new segment file in dir and writes its
// header, ready for append.
func createSegment(dir string, id uint64) (*segment, error) {
	now := time.Now()
	h := segmentHeader{version: walVersion, createdAt: now.UnixNano()}
	path := filepath.Join(dir, segmentFileName(h.createdAt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "creating wal segment", err)
	}
	hdr := encodeSegmentHeader(h)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeIO, "writing wal header", err)
	}
	return &segment{id: id, path: path, header: h, file: f, size: int64(len(hdr))}, nil
}

// openSegment opens an existing segment file for reading (and, if it
// turns out to be the tail, for continued appending).
func openSegment(path string, id uint64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "opening wal segment", err)
	}
	hdrBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeWALCorruption, "reading wal header, skipping file", err)
	}
	h, err := decodeSegmentHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeIO, "stat wal segment", err)
	}
	return &segment{id: id, path: path, header: h, file: f, size: stat.Size()}, nil
}

// append writes one framed record and returns the byte offset it was
// written at (the frame header's offset, matching spec.md's
// "length-prefix framing" requirement).
func (s *segment) append(payload []byte) (int64, error) {
	if len(payload) > MaxEntrySize {
		return 0, auerr.Wrap(auerr.CodeSerialization, "wal record exceeds MaxEntrySize", fmt.Errorf("%d bytes", len(payload)))
	}
	offset := s.size
	var lenBuf [frameHeaderLen]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	// The payload is written before its length prefix, so the prefix is
	// the last part of the frame to reach the file; a frame cut short by
	// a crash is treated as end of file by scan.
	if _, err := s.file.WriteAt(payload, offset+frameHeaderLen); err != nil {
		return 0, auerr.Wrap(auerr.CodeIO, "appending wal record", err)
	}
	if _, err := s.file.WriteAt(lenBuf[:], offset); err != nil {
		return 0, auerr.Wrap(auerr.CodeIO, "appending wal record length", err)
	}
	s.size += int64(frameHeaderLen + len(payload))
	return offset, nil
}

func (s *segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return auerr.Wrap(auerr.CodeIO, "fsync wal segment", err)
	}
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

// readFrame reads one framed record at offset, EOF-tolerant in the same
// way dreamsxin-wal/segment/reader.go's readFrame is: a short final read
// that still captured the whole header and payload is not an error.
func (s *segment) readFrame(offset int64) ([]byte, int64, error) {
	var lenBuf [frameHeaderLen]byte
	n, err := s.file.ReadAt(lenBuf[:], offset)
	if err != nil {
		if err == io.EOF && n >= frameHeaderLen {
			err = nil
		} else {
			return nil, 0, err
		}
	}
	payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
	if payloadLen > MaxEntrySize {
		return nil, 0, auerr.Wrap(auerr.CodeWALCorruption, "frame length exceeds MaxEntrySize", fmt.Errorf("%d", payloadLen))
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		pn, err := s.file.ReadAt(payload, offset+frameHeaderLen)
		if err != nil {
			if err == io.EOF && pn == int(payloadLen) {
				// whole payload read, trailing EOF is fine
			} else {
				return nil, 0, err
			}
		}
	}
	nextOffset := offset + frameHeaderLen + int64(payloadLen)
	return payload, nextOffset, nil
}

// scan walks every frame in the segment from its header end to EOF,
// invoking fn per record. It stops (without error) at the first frame
// that fails to read or decode cleanly, per spec.md §4.1's "a truncated
// trailing record is treated as end-of-file during recovery".
func (s *segment) scan(fn func(payload []byte) error) error {
	offset := int64(headerLen)
	for offset < s.size {
		payload, next, err := s.readFrame(offset)
		if err != nil {
			// Truncated or corrupt trailing record: stop replay of this file.
			return nil
		}
		if next > s.size {
			return nil
		}
		if err := fn(payload); err != nil {
			return nil
		}
		offset = next
	}
	return nil
}
