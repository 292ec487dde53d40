package memtable

import (
	"sync"

	"github.com/benbjohnson/immutable"

	"github.com/dreamsxin/auradb/types"
)

// btreeMemtable stores entries in an immutable.SortedMap keyed by the raw
// key bytes (as a string, so the builtin string ordering — which is
// byte-wise, matching types.Key.Compare — applies without a custom
// Comparer), the same copy-on-write ordered-tree structure wal/state.go
// uses for its segment set. Here it plays the role of spec.md §4.3's
// "ordered tree" memtable variant. Each Put installs a new map value so
// concurrent readers never observe a torn update.
//
// The map's value is every version Put for that key, oldest first, not
// just the newest — a Snapshot pinned to an older sequence must still be
// able to find its version after a newer, still-unflushed Put for the
// same key lands in the same generation.
type btreeMemtable struct {
	mu     sync.Mutex // serializes writers; readers only ever load m
	m      *immutable.SortedMap[string, []types.Entry]
	memory int64
}

func newBTreeMemtable() *btreeMemtable {
	return &btreeMemtable{m: &immutable.SortedMap[string, []types.Entry]{}}
}

func keyStr(k types.Key) string { return string(k) }

func (b *btreeMemtable) Put(e types.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := keyStr(e.Key)
	existing, _ := b.m.Get(k)
	versions := make([]types.Entry, len(existing)+1)
	copy(versions, existing)
	versions[len(existing)] = e
	b.memory += entrySize(e)
	b.m = b.m.Set(k, versions)
}

func (b *btreeMemtable) Get(key types.Key) (types.Entry, bool) {
	b.mu.Lock()
	m := b.m
	b.mu.Unlock()
	versions, ok := m.Get(keyStr(key))
	if !ok {
		return types.Entry{}, false
	}
	return versions[len(versions)-1], true
}

func (b *btreeMemtable) GetAsOf(key types.Key, maxSeq uint64) (types.Entry, bool) {
	b.mu.Lock()
	m := b.m
	b.mu.Unlock()
	versions, ok := m.Get(keyStr(key))
	if !ok {
		return types.Entry{}, false
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Sequence <= maxSeq {
			return versions[i], true
		}
	}
	return types.Entry{}, false
}

func (b *btreeMemtable) Delete(key types.Key, seq uint64, ts int64) {
	b.Put(types.NewTombstone(key, seq, ts))
}

func (b *btreeMemtable) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.m.Len()
}

func (b *btreeMemtable) MemoryUsage() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memory
}

func (b *btreeMemtable) IsEmpty() bool { return b.Len() == 0 }

func (b *btreeMemtable) NewIterator(r types.Range) Iterator {
	b.mu.Lock()
	m := b.m
	b.mu.Unlock()
	it := m.Iterator()
	it.Seek(keyStr(r.Start))
	return &btreeIterator{it: it, r: r}
}

type btreeIterator struct {
	it  *immutable.SortedMapIterator[string, []types.Entry]
	cur types.Entry
	r   types.Range
	n   int
}

func (it *btreeIterator) Next() bool {
	if it.it.Done() {
		return false
	}
	if it.r.Limit > 0 && it.n >= it.r.Limit {
		return false
	}
	k, versions := it.it.Next()
	if it.r.End != nil && types.Key(k).Compare(it.r.End) >= 0 {
		return false
	}
	it.cur = versions[len(versions)-1]
	it.n++
	return true
}

func (it *btreeIterator) Entry() types.Entry { return it.cur }

func (it *btreeIterator) Close() {}
