package wal

import (
	"encoding/binary"
	"fmt"

	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/types"
)

// Payload tags, per spec.md §4.1: "Payload variants: Put{...},
// PutPointer{...}, Delete{...}, Batch{...}".
const (
	tagPut byte = iota
	tagPutPointer
	tagDelete
	tagBatch
)

// EncodeEntry serializes a single entry into a WAL record payload (the
// bytes following the u32 payload_len prefix). This is the unit of
// spec.md's "decode(encode(R)) == R" round-trip property.
func EncodeEntry(e types.Entry) []byte {
	buf := make([]byte, 0, 32+len(e.Key))
	switch {
	case e.IsDelete():
		buf = append(buf, tagDelete)
		buf = appendUvarintBytes(buf, e.Key)
		buf = appendUint64(buf, e.Sequence)
		buf = appendUint64(buf, uint64(e.Timestamp))
	case e.HasValuePointer():
		buf = append(buf, tagPutPointer)
		buf = appendUvarintBytes(buf, e.Key)
		buf = appendUint64(buf, e.ValuePointer.SegmentID)
		buf = appendUint64(buf, e.ValuePointer.Offset)
		buf = appendUint32(buf, e.ValuePointer.Length)
		if e.ValuePointer.CRC != nil {
			buf = append(buf, 1)
			buf = appendUint32(buf, *e.ValuePointer.CRC)
		} else {
			buf = append(buf, 0)
		}
		buf = appendUint64(buf, e.Sequence)
		buf = appendUint64(buf, uint64(e.Timestamp))
	default:
		buf = append(buf, tagPut)
		buf = appendUvarintBytes(buf, e.Key)
		data := []byte(nil)
		if e.Value != nil {
			data = e.Value.Data
		}
		buf = appendUvarintBytes(buf, data)
		buf = appendUint64(buf, e.Sequence)
		buf = appendUint64(buf, uint64(e.Timestamp))
	}
	return buf
}

// EncodeBatch serializes an ordered sequence of entries as a single
// all-or-nothing WAL record.
func EncodeBatch(b *types.Batch) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, tagBatch)
	buf = appendUint64(buf, b.Sequence)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b.Entries)))
	buf = append(buf, lenBuf[:n]...)
	for _, e := range b.Entries {
		encoded := EncodeEntry(e)
		n = binary.PutUvarint(lenBuf[:], uint64(len(encoded)))
		buf = append(buf, lenBuf[:n]...)
		buf = append(buf, encoded...)
	}
	return buf
}

// DecodeEntry parses a single WAL record payload back into an Entry. It
// returns a wrapped errors.CodeSerialization error on malformed input, the
// spec.md §4.1 behavior that terminates replay of that file.
func DecodeEntry(b []byte) (types.Entry, error) {
	if len(b) == 0 {
		return types.Entry{}, auerr.Wrap(auerr.CodeSerialization, "empty wal payload", fmt.Errorf("zero bytes"))
	}
	tag := b[0]
	rest := b[1:]
	switch tag {
	case tagDelete:
		key, rest, err := readUvarintBytes(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		seq, rest, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		ts, _, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		return types.NewTombstone(types.Key(key), seq, int64(ts)), nil

	case tagPutPointer:
		key, rest, err := readUvarintBytes(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		segID, rest, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		offset, rest, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		length, rest, err := readUint32(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		if len(rest) < 1 {
			return types.Entry{}, wrapDecodeErr(fmt.Errorf("truncated crc flag"))
		}
		hasCRC := rest[0] == 1
		rest = rest[1:]
		var ptr types.ValuePointer
		if hasCRC {
			crc, r2, err := readUint32(rest)
			if err != nil {
				return types.Entry{}, wrapDecodeErr(err)
			}
			rest = r2
			ptr = types.NewValuePointerWithCRC(segID, offset, length, crc)
		} else {
			ptr = types.NewValuePointer(segID, offset, length)
		}
		seq, rest, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		ts, _, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		return types.NewPutPointerEntry(types.Key(key), ptr, seq, int64(ts)), nil

	case tagPut:
		key, rest, err := readUvarintBytes(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		val, rest, err := readUvarintBytes(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		seq, rest, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		ts, _, err := readUint64(rest)
		if err != nil {
			return types.Entry{}, wrapDecodeErr(err)
		}
		return types.NewPutEntry(types.Key(key), types.NewValue(val), seq, int64(ts)), nil

	default:
		return types.Entry{}, auerr.Wrap(auerr.CodeSerialization, "unknown wal payload tag", fmt.Errorf("tag=%d", tag))
	}
}

// DecodeBatch parses a batch record produced by EncodeBatch.
func DecodeBatch(b []byte) (*types.Batch, error) {
	if len(b) == 0 || b[0] != tagBatch {
		return nil, auerr.Wrap(auerr.CodeSerialization, "not a batch payload", fmt.Errorf("bad tag"))
	}
	rest := b[1:]
	seq, rest, err := readUint64(rest)
	if err != nil {
		return nil, wrapDecodeErr(err)
	}
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, auerr.Wrap(auerr.CodeSerialization, "truncated batch count", fmt.Errorf("bad varint"))
	}
	rest = rest[n:]
	batch := types.NewBatch().WithSequence(seq)
	for i := uint64(0); i < count; i++ {
		entryLen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(len(rest)-n) < entryLen {
			return nil, auerr.Wrap(auerr.CodeSerialization, "truncated batch entry", fmt.Errorf("entry %d", i))
		}
		rest = rest[n:]
		entryBytes := rest[:entryLen]
		rest = rest[entryLen:]
		e, err := DecodeEntry(entryBytes)
		if err != nil {
			return nil, err
		}
		batch.Add(e)
	}
	return batch, nil
}

func wrapDecodeErr(err error) error {
	return auerr.Wrap(auerr.CodeSerialization, "truncated wal payload", err)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUvarintBytes(buf []byte, data []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, data...)
}

func readUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("need 8 bytes, have %d", len(b))
	}
	return binary.LittleEndian.Uint64(b[:8]), b[8:], nil
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("need 4 bytes, have %d", len(b))
	}
	return binary.LittleEndian.Uint32(b[:4]), b[4:], nil
}

func readUvarintBytes(b []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, fmt.Errorf("bad length varint")
	}
	b = b[n:]
	if uint64(len(b)) < l {
		return nil, nil, fmt.Errorf("need %d bytes, have %d", l, len(b))
	}
	return b[:l], b[l:], nil
}
