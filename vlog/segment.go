// Package vlog implements the value log described in spec.md §4.2: a
// segmented append-only store for values separated out of the WAL/memtable
// path once they cross a size threshold, addressed by ValuePointer.
package vlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/types"
)

// vlogMagic is the header magic spec.md §6 requires for value log segments.
const vlogMagic = "AURADBVL"

const (
	segHeaderLen  = 8 + 4 + 8 + 1 + 4 // magic + version + created_at + compression + crc32
	entryMetaLen  = 4 + 1 + 4 + 8     // length + compression + checksum + timestamp
	vlogVersion   = 1
	maxEntryBytes = 512 * 1024 * 1024
)

type segmentHeader struct {
	version     uint32
	createdAt   int64
	compression config.CompressionAlgorithm
}

func encodeSegmentHeader(h segmentHeader) []byte {
	buf := make([]byte, segHeaderLen)
	copy(buf[0:8], vlogMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.version)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.createdAt))
	buf[20] = byte(h.compression)
	crc := crc32.ChecksumIEEE(buf[0:21])
	binary.LittleEndian.PutUint32(buf[21:25], crc)
	return buf
}

func decodeSegmentHeader(buf []byte) (segmentHeader, error) {
	if len(buf) < segHeaderLen {
		return segmentHeader{}, auerr.Wrap(auerr.CodeValueLogCorruption, "short vlog header", io.ErrUnexpectedEOF)
	}
	if string(buf[0:8]) != vlogMagic {
		return segmentHeader{}, auerr.Wrap(auerr.CodeValueLogCorruption, "bad vlog magic", fmt.Errorf("got %q", buf[0:8]))
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	createdAt := int64(binary.LittleEndian.Uint64(buf[12:20]))
	compression := config.CompressionAlgorithm(buf[20])
	wantCRC := binary.LittleEndian.Uint32(buf[21:25])
	gotCRC := crc32.ChecksumIEEE(buf[0:21])
	if wantCRC != gotCRC {
		return segmentHeader{}, auerr.Wrap(auerr.CodeValueLogCorruption, "vlog header checksum mismatch", fmt.Errorf("want %x got %x", wantCRC, gotCRC))
	}
	return segmentHeader{version: version, createdAt: createdAt, compression: compression}, nil
}

// segment is a single append-only value-log file, owned by exactly one
// write queue at a time.
type segment struct {
	id     uint64
	path   string
	header segmentHeader
	file   *os.File
	size   uint64
}

func segmentFileName(id uint64, createdAt int64) string {
	return fmt.Sprintf("vlog_%016x_%016x.seg", id, createdAt)
}

func createSegment(dir string, id uint64, compression config.CompressionAlgorithm) (*segment, error) {
	now := time.Now()
	h := segmentHeader{version: vlogVersion, createdAt: now.UnixNano(), compression: compression}
	path := filepath.Join(dir, segmentFileName(id, h.createdAt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "creating vlog segment", err)
	}
	hdr := encodeSegmentHeader(h)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeIO, "writing vlog header", err)
	}
	return &segment{id: id, path: path, header: h, file: f, size: uint64(len(hdr))}, nil
}

func openSegment(path string, id uint64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "opening vlog segment", err)
	}
	hdrBuf := make([]byte, segHeaderLen)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeValueLogCorruption, "reading vlog header", err)
	}
	h, err := decodeSegmentHeader(hdrBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeIO, "stat vlog segment", err)
	}
	return &segment{id: id, path: path, header: h, file: f, size: uint64(stat.Size())}, nil
}

// entryMeta describes one stored value: its on-disk (possibly compressed)
// length, the algorithm it was compressed with, a checksum of the
// plaintext, and a write timestamp.
type entryMeta struct {
	length      uint32
	compression config.CompressionAlgorithm
	checksum    uint32
	timestamp   int64
}

func encodeEntryMeta(m entryMeta) []byte {
	buf := make([]byte, entryMetaLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.length)
	buf[4] = byte(m.compression)
	binary.LittleEndian.PutUint32(buf[5:9], m.checksum)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(m.timestamp))
	return buf
}

func decodeEntryMeta(buf []byte) (entryMeta, error) {
	if len(buf) < entryMetaLen {
		return entryMeta{}, auerr.Wrap(auerr.CodeValueLogCorruption, "short vlog entry meta", io.ErrUnexpectedEOF)
	}
	return entryMeta{
		length:      binary.LittleEndian.Uint32(buf[0:4]),
		compression: config.CompressionAlgorithm(buf[4]),
		checksum:    binary.LittleEndian.Uint32(buf[5:9]),
		timestamp:   int64(binary.LittleEndian.Uint64(buf[9:17])),
	}, nil
}

// writeValue appends one (meta, data) record — `entry_meta_len | entry_meta
// | value` per spec.md §4.2 — and returns a pointer to it.
func (s *segment) writeValue(data []byte, compression config.CompressionAlgorithm, checksum uint32) (types.ValuePointer, error) {
	if len(data) > maxEntryBytes {
		return types.ValuePointer{}, auerr.Wrap(auerr.CodeSerialization, "vlog value too large", fmt.Errorf("%d bytes", len(data)))
	}
	meta := entryMeta{length: uint32(len(data)), compression: compression, checksum: checksum, timestamp: time.Now().UnixNano()}
	metaBytes := encodeEntryMeta(meta)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaBytes)))

	offset := s.size
	buf := make([]byte, 0, 4+len(metaBytes)+len(data))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, metaBytes...)
	buf = append(buf, data...)
	n, err := s.file.WriteAt(buf, int64(offset))
	if err != nil {
		return types.ValuePointer{}, auerr.Wrap(auerr.CodeIO, "writing vlog value", err)
	}
	s.size += uint64(n)

	return types.NewValuePointerWithCRC(s.id, offset, uint32(len(data)), checksum), nil
}

// readValue reads the raw (possibly compressed) bytes stored at offset,
// along with the recorded compression algorithm and plaintext checksum.
// The caller is responsible for decompressing and validating the checksum
// against the decompressed bytes.
func (s *segment) readValue(offset uint64) ([]byte, config.CompressionAlgorithm, uint32, error) {
	data, algo, checksum, _, err := s.readRecord(offset)
	return data, algo, checksum, err
}

// readRecord is readValue plus the total on-disk length of the record
// (length prefix + meta + data), so a sequential scanner can advance past
// it without re-deriving the layout.
func (s *segment) readRecord(offset uint64) ([]byte, config.CompressionAlgorithm, uint32, uint64, error) {
	var lenBuf [4]byte
	if _, err := s.file.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return nil, 0, 0, 0, auerr.Wrap(auerr.CodeValueLogCorruption, "reading vlog entry meta length", err)
	}
	metaLen := binary.LittleEndian.Uint32(lenBuf[:])
	if metaLen != entryMetaLen {
		return nil, 0, 0, 0, auerr.Wrap(auerr.CodeValueLogCorruption, "unexpected vlog entry meta length", fmt.Errorf("%d", metaLen))
	}
	metaBuf := make([]byte, metaLen)
	if _, err := s.file.ReadAt(metaBuf, int64(offset)+4); err != nil {
		return nil, 0, 0, 0, auerr.Wrap(auerr.CodeValueLogCorruption, "reading vlog entry meta", err)
	}
	meta, err := decodeEntryMeta(metaBuf)
	if err != nil {
		return nil, 0, 0, 0, err
	}
	data := make([]byte, meta.length)
	if meta.length > 0 {
		if _, err := s.file.ReadAt(data, int64(offset)+4+int64(metaLen)); err != nil {
			return nil, 0, 0, 0, auerr.Wrap(auerr.CodeValueLogCorruption, "reading vlog value bytes", err)
		}
	}
	recordLen := uint64(4) + uint64(metaLen) + uint64(meta.length)
	return data, meta.compression, meta.checksum, recordLen, nil
}

func (s *segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return auerr.Wrap(auerr.CodeIO, "fsync vlog segment", err)
	}
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

func (s *segment) shouldRotate(maxSize uint64) bool {
	return s.size >= maxSize
}
