// Package sst implements the sorted-table layer described in spec.md
// §4.4: immutable, block-structured files with a filter block, an index
// block, and a fixed footer, optionally accelerated by a learned index
// with a mandatory binary-search fallback.
package sst

import (
	"encoding/binary"
	"sort"

	"github.com/dreamsxin/auradb/types"
)

// restartInterval matches pebble's default of restarting the shared-prefix
// encoding every 16 entries, bounding how many entries a binary-searched
// restart point must be linearly scanned from.
const restartInterval = 16

const (
	valNone byte = iota
	valInline
	valPointer
)

// blockWriter accumulates entries into one data block using the
// shared-prefix restart-point encoding from dialtr-pebble/sstable/block.go:
// every entry after a restart point stores only the suffix bytes that
// differ from the previous key, and restart offsets are appended so a
// reader can binary-search without decoding the whole block.
type blockWriter struct {
	buf      []byte
	restarts []uint32
	nEntries int
	prevKey  []byte
}

func newBlockWriter() *blockWriter {
	return &blockWriter{restarts: []uint32{0}}
}

func (w *blockWriter) add(e types.Entry) {
	key := []byte(e.Key)
	shared := 0
	if w.nEntries%restartInterval != 0 {
		shared = sharedPrefixLen(w.prevKey, key)
	} else {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	}
	unshared := key[shared:]

	var tmp [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		w.buf = append(w.buf, tmp[:n]...)
	}
	putUvarint(uint64(shared))
	putUvarint(uint64(len(unshared)))
	putUvarint(uint64(e.Sequence))
	w.buf = append(w.buf, byte(e.Op))

	switch {
	case e.IsDelete():
		w.buf = append(w.buf, valNone)
	case e.HasValuePointer():
		w.buf = append(w.buf, valPointer)
		var b [24]byte
		binary.LittleEndian.PutUint64(b[0:8], e.ValuePointer.SegmentID)
		binary.LittleEndian.PutUint64(b[8:16], e.ValuePointer.Offset)
		binary.LittleEndian.PutUint32(b[16:20], e.ValuePointer.Length)
		crc := uint32(0)
		if e.ValuePointer.CRC != nil {
			crc = *e.ValuePointer.CRC
		}
		binary.LittleEndian.PutUint32(b[20:24], crc)
		w.buf = append(w.buf, b[:]...)
	default:
		w.buf = append(w.buf, valInline)
		var data []byte
		if e.Value != nil {
			data = e.Value.Data
		}
		putUvarint(uint64(len(data)))
		w.buf = append(w.buf, data...)
	}
	w.buf = append(w.buf, unshared...)

	w.nEntries++
	w.prevKey = key
}

func (w *blockWriter) empty() bool { return w.nEntries == 0 }

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*len(w.restarts) + 4
}

func (w *blockWriter) finish() []byte {
	out := append([]byte(nil), w.buf...)
	var b [4]byte
	for _, r := range w.restarts {
		binary.LittleEndian.PutUint32(b[:], r)
		out = append(out, b[:]...)
	}
	binary.LittleEndian.PutUint32(b[:], uint32(len(w.restarts)))
	out = append(out, b[:]...)
	return out
}

func (w *blockWriter) reset() {
	w.buf = w.buf[:0]
	w.restarts = []uint32{0}
	w.nEntries = 0
	w.prevKey = nil
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// blockEntry is one decoded record from a data block.
type blockEntry struct {
	key   types.Key
	entry types.Entry
}

// blockIter reads entries out of an encoded data block, seeking by binary
// search over the restart-point array the way
// dialtr-pebble/sstable/block.go's blockIter does.
type blockIter struct {
	data        []byte
	restarts    []uint32
	numRestarts int

	offset int
	key    []byte
	entry  types.Entry
	valid  bool
}

func newBlockIter(block []byte) *blockIter {
	if len(block) < 4 {
		return &blockIter{}
	}
	numRestarts := int(binary.LittleEndian.Uint32(block[len(block)-4:]))
	restartsStart := len(block) - 4 - 4*numRestarts
	restarts := make([]uint32, numRestarts)
	for i := 0; i < numRestarts; i++ {
		restarts[i] = binary.LittleEndian.Uint32(block[restartsStart+4*i : restartsStart+4*i+4])
	}
	return &blockIter{data: block[:restartsStart], restarts: restarts, numRestarts: numRestarts}
}

// decodeAt parses one entry starting at offset, returning the entry and
// the offset immediately after it.
func (it *blockIter) decodeAt(offset int, prevKey []byte) (types.Key, types.Entry, int, bool) {
	buf := it.data[offset:]
	shared, n1 := binary.Uvarint(buf)
	if n1 <= 0 {
		return nil, types.Entry{}, 0, false
	}
	buf = buf[n1:]
	unsharedLen, n2 := binary.Uvarint(buf)
	if n2 <= 0 {
		return nil, types.Entry{}, 0, false
	}
	buf = buf[n2:]
	seq, n3 := binary.Uvarint(buf)
	if n3 <= 0 {
		return nil, types.Entry{}, 0, false
	}
	buf = buf[n3:]
	if len(buf) < 1 {
		return nil, types.Entry{}, 0, false
	}
	op := types.OpType(buf[0])
	buf = buf[1:]
	if len(buf) < 1 {
		return nil, types.Entry{}, 0, false
	}
	valKind := buf[0]
	buf = buf[1:]

	e := types.Entry{Sequence: seq, Op: op}
	switch valKind {
	case valInline:
		vlen, n4 := binary.Uvarint(buf)
		if n4 <= 0 {
			return nil, types.Entry{}, 0, false
		}
		buf = buf[n4:]
		if uint64(len(buf)) < vlen {
			return nil, types.Entry{}, 0, false
		}
		v := types.NewValue(append([]byte(nil), buf[:vlen]...))
		e.Value = &v
		buf = buf[vlen:]
	case valPointer:
		if len(buf) < 24 {
			return nil, types.Entry{}, 0, false
		}
		segID := binary.LittleEndian.Uint64(buf[0:8])
		off := binary.LittleEndian.Uint64(buf[8:16])
		length := binary.LittleEndian.Uint32(buf[16:20])
		crc := binary.LittleEndian.Uint32(buf[20:24])
		ptr := types.NewValuePointerWithCRC(segID, off, length, crc)
		e.ValuePointer = &ptr
		buf = buf[24:]
	}

	if uint64(len(buf)) < unsharedLen {
		return nil, types.Entry{}, 0, false
	}
	unshared := buf[:unsharedLen]
	key := make([]byte, int(shared)+len(unshared))
	copy(key, prevKey[:shared])
	copy(key[shared:], unshared)
	buf = buf[unsharedLen:]

	consumed := len(it.data[offset:]) - len(buf)
	e.Key = key
	return key, e, offset + consumed, true
}

// seekGE binary-searches the restart points for the last one whose key
// is <= target, then decodes forward from it (across later restart runs
// if needed) and positions at the first entry whose key is >= target,
// reporting false if the block holds no such entry.
func (it *blockIter) seekGE(target types.Key) bool {
	if it.numRestarts == 0 {
		it.valid = false
		return false
	}
	// Binary search restart points for the last one whose key <= target.
	idx := sort.Search(it.numRestarts, func(i int) bool {
		k, _, _, ok := it.decodeAt(int(it.restarts[i]), nil)
		if !ok {
			return true
		}
		return k.Compare(target) > 0
	})
	if idx > 0 {
		idx--
	}

	offset := int(it.restarts[idx])
	var prevKey []byte
	for offset < len(it.data) {
		k, e, next, ok := it.decodeAt(offset, prevKey)
		if !ok {
			break
		}
		if k.Compare(target) >= 0 {
			it.offset = next
			it.key = k
			it.entry = e
			it.valid = true
			return true
		}
		prevKey = k
		offset = next
	}
	it.valid = false
	return false
}

func (it *blockIter) first() bool {
	if len(it.data) == 0 {
		it.valid = false
		return false
	}
	k, e, next, ok := it.decodeAt(0, nil)
	if !ok {
		it.valid = false
		return false
	}
	it.offset = next
	it.key = k
	it.entry = e
	it.valid = true
	return true
}

func (it *blockIter) next() bool {
	if !it.valid || it.offset >= len(it.data) {
		it.valid = false
		return false
	}
	k, e, next, ok := it.decodeAt(it.offset, it.key)
	if !ok {
		it.valid = false
		return false
	}
	it.offset = next
	it.key = k
	it.entry = e
	return true
}

func (it *blockIter) Valid() bool        { return it.valid }
func (it *blockIter) Key() types.Key     { return it.key }
func (it *blockIter) Entry() types.Entry { return it.entry }
