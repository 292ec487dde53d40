// Package memtable implements the in-memory write buffer described in
// spec.md §4.3: an ordered structure of pending entries (including
// tombstones) that accepts writes until it crosses a memory threshold,
// after which it is frozen and flushed to an SST. Three interchangeable
// orderings are supported behind the same interface, matching
// config.MemtableImpl.
package memtable

import (
	"github.com/dreamsxin/auradb/config"
	"github.com/dreamsxin/auradb/types"
)

// Memtable is the common interface every backing structure implements.
// Implementations need not be safe for concurrent writers; the engine
// serializes mutation through a single writer per spec.md §5, but reads
// (Get, NewIterator) may run concurrently with writes and with each other.
type Memtable interface {
	// Put inserts or overwrites the entry for e.Key. Entries are expected
	// to already carry a monotonic Sequence; a Put with a lower sequence
	// than what's stored for the same key is a caller bug, not something
	// the memtable itself rejects.
	Put(e types.Entry)

	// Get returns the newest entry for key, if present (this includes
	// tombstones — callers distinguish via Entry.IsDelete()).
	Get(key types.Key) (types.Entry, bool)

	// GetAsOf returns the newest entry for key whose Sequence is <=
	// maxSeq, if one is retained. Every backend keeps every version
	// Put since the memtable's own generation began (not just the
	// newest), precisely so a Snapshot pinned to an older sequence can
	// still see the version it is entitled to even after a newer,
	// still-unflushed Put for the same key lands in the same memtable —
	// otherwise a snapshot taken between two Puts of the same key would
	// wrongly fall through to the SSTs, which don't have the key yet.
	GetAsOf(key types.Key, maxSeq uint64) (types.Entry, bool)

	// Delete records a tombstone for key at sequence seq.
	Delete(key types.Key, seq uint64, ts int64)

	// NewIterator returns entries in key order within r. The iterator
	// reflects a snapshot of the memtable at call time for the BTree
	// backend (a copy-on-write map) and the ART backend (which copies its
	// entries out at call time); the skip list backend reflects live state
	// as it's walked.
	NewIterator(r types.Range) Iterator

	// Len returns the number of distinct keys currently stored.
	Len() int

	// MemoryUsage returns the approximate number of bytes retained,
	// used against config.MemtableConfig.FlushThreshold to decide when
	// to rotate.
	MemoryUsage() int64

	// IsEmpty reports whether the memtable holds no entries.
	IsEmpty() bool
}

// Iterator walks entries in ascending key order.
type Iterator interface {
	Next() bool
	Entry() types.Entry
	Close()
}

// New constructs the backend selected by cfg.Implementation.
func New(cfg config.MemtableConfig) Memtable {
	switch cfg.Implementation {
	case config.MemtableBTree:
		return newBTreeMemtable()
	case config.MemtableART:
		return newARTMemtable()
	default:
		return newSkipListMemtable()
	}
}

// entrySize approximates the retained footprint of one entry: key bytes,
// inline value bytes (if any), and a fixed per-entry overhead for the
// bookkeeping every backend carries (sequence, timestamp, op tag, pointers).
func entrySize(e types.Entry) int64 {
	const overhead = 40
	n := int64(len(e.Key)) + overhead
	if e.Value != nil {
		n += int64(len(e.Value.Data))
	}
	return n
}
