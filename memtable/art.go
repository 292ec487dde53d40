package memtable

import (
	"sort"
	"sync"

	"github.com/dreamsxin/auradb/types"
)

// artNode is a byte-indexed trie node. A full adaptive radix tree grows
// node capacity (4/16/48/256) as children accumulate; this implementation
// keeps a single sparse map per node instead of tracking that growth
// explicitly, trading the ART's cache-density advantage for a much
// smaller surface to get right — the interface and memtable semantics are
// what spec.md's ART variant is actually standing in for.
type artNode struct {
	children map[byte]*artNode
	leaf     bool
	// versions holds every value Put for this leaf's key, oldest first —
	// not just the newest — so a Snapshot pinned to an older sequence can
	// still find its version after a newer, still-unflushed Put for the
	// same key lands in the same generation.
	versions []types.Entry
}

func (n *artNode) latest() types.Entry { return n.versions[len(n.versions)-1] }

// artMemtable is the radix-tree-keyed memtable variant.
type artMemtable struct {
	mu     sync.RWMutex
	root   *artNode
	count  int
	memory int64
}

func newARTMemtable() *artMemtable {
	return &artMemtable{root: &artNode{children: make(map[byte]*artNode)}}
}

func (a *artMemtable) Put(e types.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.root
	for _, b := range e.Key {
		child, ok := n.children[b]
		if !ok {
			child = &artNode{children: make(map[byte]*artNode)}
			n.children[b] = child
		}
		n = child
	}
	if !n.leaf {
		a.count++
	}
	a.memory += entrySize(e)
	n.leaf = true
	n.versions = append(n.versions, e)
}

func (a *artMemtable) find(key types.Key) *artNode {
	n := a.root
	for _, b := range key {
		child, ok := n.children[b]
		if !ok {
			return nil
		}
		n = child
	}
	if !n.leaf {
		return nil
	}
	return n
}

func (a *artMemtable) Get(key types.Key) (types.Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := a.find(key)
	if n == nil {
		return types.Entry{}, false
	}
	return n.latest(), true
}

func (a *artMemtable) GetAsOf(key types.Key, maxSeq uint64) (types.Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := a.find(key)
	if n == nil {
		return types.Entry{}, false
	}
	for i := len(n.versions) - 1; i >= 0; i-- {
		if n.versions[i].Sequence <= maxSeq {
			return n.versions[i], true
		}
	}
	return types.Entry{}, false
}

func (a *artMemtable) Delete(key types.Key, seq uint64, ts int64) {
	a.Put(types.NewTombstone(key, seq, ts))
}

func (a *artMemtable) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

func (a *artMemtable) MemoryUsage() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.memory
}

func (a *artMemtable) IsEmpty() bool { return a.Len() == 0 }

// collect walks the whole trie into a sorted slice. ART is meant for
// point lookups and prefix scans more than full-range iteration, but
// spec.md §4.3 requires every memtable variant to support NewIterator, so
// this materializes a snapshot the same way the copy-on-write BTree
// variant effectively does.
func (a *artMemtable) collect() []types.Entry {
	var out []types.Entry
	var walk func(n *artNode)
	walk = func(n *artNode) {
		if n.leaf {
			out = append(out, n.latest())
		}
		keys := make([]byte, 0, len(n.children))
		for b := range n.children {
			keys = append(keys, b)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, b := range keys {
			walk(n.children[b])
		}
	}
	walk(a.root)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out
}

func (a *artMemtable) NewIterator(r types.Range) Iterator {
	a.mu.RLock()
	entries := a.collect()
	a.mu.RUnlock()

	start := sort.Search(len(entries), func(i int) bool {
		return entries[i].Key.Compare(r.Start) >= 0
	})
	return &artIterator{entries: entries[start:], r: r}
}

type artIterator struct {
	entries []types.Entry
	i       int
	r       types.Range
}

func (it *artIterator) Next() bool {
	if it.i >= len(it.entries) {
		return false
	}
	if it.r.Limit > 0 && it.i >= it.r.Limit {
		return false
	}
	if it.r.End != nil && it.entries[it.i].Key.Compare(it.r.End) >= 0 {
		return false
	}
	it.i++
	return true
}

func (it *artIterator) Entry() types.Entry { return it.entries[it.i-1] }

func (it *artIterator) Close() {}
