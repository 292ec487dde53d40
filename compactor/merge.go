package compactor

import (
	"container/heap"

	"github.com/dreamsxin/auradb/types"
)

// entrySource is the minimal iterator surface a merge needs: an
// sst.Iterator satisfies this directly. Defined locally rather than
// importing sst's Iterator type so this package stays decoupled from
// the concrete reader — the compactor package only ever gets entries
// handed to it this way.
type entrySource interface {
	Next() bool
	Entry() types.Entry
}

// heapItem is one input stream's current position, ordered first by key
// (ascending) and, for equal keys, by sequence number (descending) so
// the newest version of a key always sorts first — the supersession
// rule spec.md §4.5 calls out ("honors sequence-number supersession").
type heapItem struct {
	src   entrySource
	entry types.Entry
	idx   int // input index, used only for stable source identification
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := h[i].entry.Key.Compare(h[j].entry.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].entry.Sequence > h[j].entry.Sequence
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator performs a k-way merge across sorted entry sources
// (one sst.Iterator per compaction input file), dropping all but the newest version of each key and,
// when dropBottommostTombstones is set, dropping tombstones for keys no
// older file or live snapshot can still observe — spec.md §4.5's "tombs
// are dropped only when no older SST or live snapshot can possibly hold
// a matching key". Grounded on the classic heap-based k-way merge shape;
// no pack example implements LSM compaction specifically, so this is
// composed directly from container/heap's documented usage pattern
// plus spec.md §4.5's stated rules.
type MergeIterator struct {
	h                        mergeHeap
	cur                      types.Entry
	dropBottommostTombstones bool
	oldestLiveSequence       uint64
}

// NewMergeIterator builds a merge over sources, calling Next() once on
// each to load its first entry, so sources must be passed unpositioned
// (freshly created iterators whose first Next() yields the first entry).
func NewMergeIterator(sources []entrySource, dropBottommostTombstones bool, oldestLiveSequence uint64) *MergeIterator {
	m := &MergeIterator{dropBottommostTombstones: dropBottommostTombstones, oldestLiveSequence: oldestLiveSequence}
	for i, s := range sources {
		if s.Next() {
			heap.Push(&m.h, &heapItem{src: s, entry: s.Entry(), idx: i})
		}
	}
	heap.Init(&m.h)
	return m
}

// Next advances to the next surviving entry, applying supersession and
// tombstone-drop rules, and reports whether one was found.
func (m *MergeIterator) Next() bool {
	for m.h.Len() > 0 {
		top := m.h[0]
		key := top.entry.Key
		winner := top.entry

		// Drain every source currently positioned at key: the heap's
		// ordering guarantees the first one popped for this key carries
		// the highest sequence number, i.e. the surviving version.
		for m.h.Len() > 0 && m.h[0].entry.Key.Equal(key) {
			item := heap.Pop(&m.h).(*heapItem)
			if item.src.Next() {
				item.entry = item.src.Entry()
				heap.Push(&m.h, item)
			}
		}

		if winner.IsDelete() && m.dropBottommostTombstones && winner.Sequence < m.oldestLiveSequence {
			continue
		}

		m.cur = winner
		return true
	}
	return false
}

func (m *MergeIterator) Entry() types.Entry { return m.cur }
