// Package types holds the core data model shared by every layer of the
// engine: keys, values, value pointers, entries, batches and scan ranges.
// None of the types here know how to serialize themselves to a particular
// on-disk format; that belongs to the package that owns the format (wal,
// vlog, sst).
package types

import "bytes"

// Key is an ordered sequence of bytes, compared lexicographically. The
// empty key is reserved as a sentinel and must never be used by callers.
type Key []byte

// Compare returns -1, 0 or 1 following bytes.Compare semantics.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k, other)
}

func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// Clone returns a copy of k that does not alias the caller's backing array.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// WithMetadata pairs a key with optional, engine-opaque metadata bytes.
// The engine never interprets Metadata; it is carried through for callers
// that want to stash auxiliary information alongside a key.
type WithMetadata struct {
	Key      Key
	Metadata []byte
}

// Value is a sequence of bytes plus bookkeeping metadata. Values carry no
// schema.
type Value struct {
	Data       []byte
	Compressed bool
	Checksum   *uint32
}

// NewValue wraps plain bytes with no compression or checksum metadata.
func NewValue(data []byte) Value {
	return Value{Data: data}
}

// NewCompressedValue wraps bytes that have already been compressed,
// recording the checksum of the plaintext so readers can validate after
// decompression.
func NewCompressedValue(data []byte, checksum uint32) Value {
	return Value{Data: data, Compressed: true, Checksum: &checksum}
}

func (v Value) Len() int { return len(v.Data) }

func (v Value) IsEmpty() bool { return len(v.Data) == 0 }

// IsLarge reports whether v should be separated into the value log given
// the configured separation threshold.
func (v Value) IsLarge(threshold int) bool {
	return len(v.Data) >= threshold
}

// ValuePointer addresses a byte range inside one vlog segment.
type ValuePointer struct {
	SegmentID uint64
	Offset    uint64
	Length    uint32
	CRC       *uint32
}

func NewValuePointer(segmentID, offset uint64, length uint32) ValuePointer {
	return ValuePointer{SegmentID: segmentID, Offset: offset, Length: length}
}

func NewValuePointerWithCRC(segmentID, offset uint64, length, crc uint32) ValuePointer {
	c := crc
	return ValuePointer{SegmentID: segmentID, Offset: offset, Length: uint32(length), CRC: &c}
}

// EndOffset returns Offset+Length, the exclusive end of the pointed-to range.
func (p ValuePointer) EndOffset() uint64 {
	return p.Offset + uint64(p.Length)
}

// IsValid reports whether all required fields of the pointer are non-zero,
// per spec.md's definition of a valid pointer.
func (p ValuePointer) IsValid() bool {
	return p.SegmentID > 0 && p.Length > 0
}

// OpType tags the kind of mutation an Entry represents.
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
	OpMerge
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// Entry is the unit of writes: a key plus exactly one of {inline value,
// value pointer, neither-if-delete}, a monotonic sequence number assigned
// at ingress, an informational timestamp, and an operation tag.
type Entry struct {
	Key          Key
	Value        *Value
	ValuePointer *ValuePointer
	Sequence     uint64
	Timestamp    int64
	Op           OpType
}

// NewPutEntry creates an entry carrying an inline value.
func NewPutEntry(key Key, value Value, seq uint64, ts int64) Entry {
	return Entry{Key: key, Value: &value, Sequence: seq, Timestamp: ts, Op: OpPut}
}

// NewPutPointerEntry creates an entry carrying a value-log pointer.
func NewPutPointerEntry(key Key, ptr ValuePointer, seq uint64, ts int64) Entry {
	return Entry{Key: key, ValuePointer: &ptr, Sequence: seq, Timestamp: ts, Op: OpPut}
}

// NewTombstone creates a deletion marker entry.
func NewTombstone(key Key, seq uint64, ts int64) Entry {
	return Entry{Key: key, Sequence: seq, Timestamp: ts, Op: OpDelete}
}

func (e Entry) HasInlineValue() bool { return e.Value != nil }

func (e Entry) HasValuePointer() bool { return e.ValuePointer != nil }

func (e Entry) IsDelete() bool { return e.Op == OpDelete }

// Clone returns a deep copy of e so callers may retain it past the
// lifetime of whatever buffer it was decoded into.
func (e Entry) Clone() Entry {
	out := e
	out.Key = e.Key.Clone()
	if e.Value != nil {
		v := *e.Value
		v.Data = append([]byte(nil), e.Value.Data...)
		out.Value = &v
	}
	if e.ValuePointer != nil {
		p := *e.ValuePointer
		out.ValuePointer = &p
	}
	return out
}

// Batch is an ordered sequence of entries written atomically.
type Batch struct {
	Entries  []Entry
	Sequence uint64
	Sync     bool
}

func NewBatch() *Batch { return &Batch{} }

func (b *Batch) Add(e Entry) { b.Entries = append(b.Entries, e) }

func (b *Batch) WithSequence(seq uint64) *Batch { b.Sequence = seq; return b }

func (b *Batch) WithSync(sync bool) *Batch { b.Sync = sync; return b }

func (b *Batch) IsEmpty() bool { return len(b.Entries) == 0 }

func (b *Batch) Len() int { return len(b.Entries) }

// Range is a half-open scan range [Start, End) with an optional row limit.
type Range struct {
	Start Key
	End   Key
	Limit int // 0 means unbounded
}

func NewRange(start, end Key) Range {
	return Range{Start: start, End: end}
}

func (r Range) WithLimit(limit int) Range {
	r.Limit = limit
	return r
}

// IsEmpty reports whether the range can never yield any key, i.e. start >= end
// (when end is non-nil).
func (r Range) IsEmpty() bool {
	if r.End == nil {
		return false
	}
	return bytes.Compare(r.Start, r.End) >= 0
}

// Contains reports whether key falls within [Start, End).
func (r Range) Contains(key Key) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}
