package auradb

import (
	"container/heap"

	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/sst"
	"github.com/dreamsxin/auradb/types"
	"github.com/dreamsxin/auradb/vlog"
)

// mergeSource is the minimal iterator surface a Scan merge needs.
// memtable.Iterator and *sst.Iterator both satisfy it directly, the
// same decoupling compactor/merge.go uses for its own entrySource —
// that type is unexported there, so this is a fresh (if structurally
// identical) definition rather than a reused one.
type mergeSource interface {
	Next() bool
	Entry() types.Entry
}

type scanHeapItem struct {
	src   mergeSource
	entry types.Entry
}

type scanHeap []*scanHeapItem

func (h scanHeap) Len() int { return len(h) }
func (h scanHeap) Less(i, j int) bool {
	c := h[i].entry.Key.Compare(h[j].entry.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].entry.Sequence > h[j].entry.Sequence
}
func (h scanHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scanHeap) Push(x any)   { *h = append(*h, x.(*scanHeapItem)) }
func (h *scanHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIterator performs a k-way merge across memtable and SST sources,
// keeping only the newest version of each key and always dropping
// tombstones — a live Scan has no bottommost-only rule to apply, unlike
// compactor.MergeIterator's dropBottommostTombstones gating.
type mergeIterator struct {
	h   scanHeap
	cur types.Entry
}

func newMergeIterator(sources []mergeSource) *mergeIterator {
	m := &mergeIterator{}
	for _, s := range sources {
		if s.Next() {
			heap.Push(&m.h, &scanHeapItem{src: s, entry: s.Entry()})
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *mergeIterator) next() bool {
	for m.h.Len() > 0 {
		top := m.h[0]
		key := top.entry.Key
		winner := top.entry

		for m.h.Len() > 0 && m.h[0].entry.Key.Equal(key) {
			item := heap.Pop(&m.h).(*scanHeapItem)
			if item.src.Next() {
				item.entry = item.src.Entry()
				heap.Push(&m.h, item)
			}
		}

		if winner.IsDelete() {
			continue
		}
		m.cur = winner
		return true
	}
	return false
}

// Iterator walks the result of a Scan in ascending key order, resolving
// value-log pointers to bytes transparently as it advances.
type Iterator struct {
	merge   *mergeIterator
	readers []*sst.Reader
	version *manifest.Version
	vs      *manifest.VersionSet
	vreader *vlog.Reader

	limit   int
	emitted int
	cur     types.Entry
	err     error
}

// Next advances to the next entry, reporting whether one is available.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.limit > 0 && it.emitted >= it.limit {
		return false
	}
	if !it.merge.next() {
		return false
	}
	it.cur = it.merge.cur
	it.emitted++
	return true
}

// Key returns the current entry's key.
func (it *Iterator) Key() types.Key { return it.cur.Key }

// Value resolves the current entry's value, whether stored inline or in
// the value log.
func (it *Iterator) Value() ([]byte, error) {
	if it.cur.HasInlineValue() {
		return it.cur.Value.Data, nil
	}
	if it.cur.HasValuePointer() {
		data, err := it.vreader.ReadValue(*it.cur.ValuePointer)
		if err != nil {
			it.err = err
		}
		return data, err
	}
	return nil, nil
}

// Err returns the first error encountered while iterating, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases every SST reader this scan opened and releases its
// pinned manifest version.
func (it *Iterator) Close() error {
	var firstErr error
	for _, r := range it.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	it.vs.Release(it.version)
	return firstErr
}
