package sst

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	auerr "github.com/dreamsxin/auradb/errors"
)

// sstMagic is the magic trailer spec.md §6 implies every on-disk format in
// the engine carries (it gives WAL and vlog explicit magics; SST gets the
// same treatment here for consistency and corruption detection).
const sstMagic = "AURADBSS"

// blockHandle locates a block within the file.
type blockHandle struct {
	offset uint64
	length uint64
}

func (h blockHandle) encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], h.offset)
	binary.LittleEndian.PutUint64(buf[8:16], h.length)
	return buf
}

func decodeBlockHandle(buf []byte) (blockHandle, error) {
	if len(buf) < 16 {
		return blockHandle{}, auerr.Wrap(auerr.CodeSSTCorruption, "short block handle", fmt.Errorf("%d bytes", len(buf)))
	}
	return blockHandle{
		offset: binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// footer is the fixed-size trailer: index handle, filter handle, entry
// count, and a checksum, closed off by the magic string.
type footer struct {
	indexHandle  blockHandle
	filterHandle blockHandle
	entryCount   uint64
}

const footerLen = 16 + 16 + 8 + 4 + 8 // two handles, entry count, crc, magic

func encodeFooter(f footer) []byte {
	buf := make([]byte, 0, footerLen)
	buf = append(buf, f.indexHandle.encode()...)
	buf = append(buf, f.filterHandle.encode()...)
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], f.entryCount)
	buf = append(buf, countBuf[:]...)

	crc := crc32.ChecksumIEEE(buf)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	buf = append(buf, crcBuf[:]...)
	buf = append(buf, sstMagic...)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerLen {
		return footer{}, auerr.Wrap(auerr.CodeSSTCorruption, "wrong footer length", fmt.Errorf("%d bytes", len(buf)))
	}
	if string(buf[len(buf)-8:]) != sstMagic {
		return footer{}, auerr.Wrap(auerr.CodeSSTCorruption, "bad sst magic", fmt.Errorf("got %q", buf[len(buf)-8:]))
	}
	body := buf[:16+16+8]
	wantCRC := binary.LittleEndian.Uint32(buf[16+16+8 : 16+16+8+4])
	gotCRC := crc32.ChecksumIEEE(body)
	if wantCRC != gotCRC {
		return footer{}, auerr.Wrap(auerr.CodeSSTCorruption, "footer checksum mismatch", fmt.Errorf("want %x got %x", wantCRC, gotCRC))
	}
	indexHandle, err := decodeBlockHandle(buf[0:16])
	if err != nil {
		return footer{}, err
	}
	filterHandle, err := decodeBlockHandle(buf[16:32])
	if err != nil {
		return footer{}, err
	}
	entryCount := binary.LittleEndian.Uint64(buf[32:40])
	return footer{indexHandle: indexHandle, filterHandle: filterHandle, entryCount: entryCount}, nil
}
