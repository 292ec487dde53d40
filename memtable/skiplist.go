package memtable

import (
	"math/rand"
	"sync"

	"github.com/dreamsxin/auradb/types"
)

const maxSkipListLevel = 32
const skipListP = 0.25

// skipListNode retains every version Put for its key, oldest first, so a
// Snapshot pinned to an older sequence can still find its version after a
// newer Put for the same key lands in the same (unflushed) memtable
// generation. versions[len(versions)-1] is always the newest.
type skipListNode struct {
	key      types.Key
	versions []types.Entry
	next     []*skipListNode
}

func (n *skipListNode) latest() types.Entry { return n.versions[len(n.versions)-1] }

// skipListMemtable is a classic mutex-guarded skip list: simpler than a
// lock-free one but correct without the ABA hazards a lock-free design
// would otherwise need careful handling for, and writes are already
// serialized by the engine's single-writer contract.
type skipListMemtable struct {
	mu     sync.RWMutex
	head   *skipListNode
	level  int
	count  int
	memory int64
	rng    *rand.Rand
}

func newSkipListMemtable() *skipListMemtable {
	return &skipListMemtable{
		head:  &skipListNode{next: make([]*skipListNode, maxSkipListLevel)},
		level: 1,
		rng:   rand.New(rand.NewSource(1)),
	}
}

func (s *skipListMemtable) randomLevel() int {
	lvl := 1
	for lvl < maxSkipListLevel && s.rng.Float64() < skipListP {
		lvl++
	}
	return lvl
}

// findPath returns, for each level, the last node whose key is < key.
func (s *skipListMemtable) findPath(key types.Key) []*skipListNode {
	update := make([]*skipListNode, maxSkipListLevel)
	cur := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for cur.next[lvl] != nil && cur.next[lvl].key.Compare(key) < 0 {
			cur = cur.next[lvl]
		}
		update[lvl] = cur
	}
	return update
}

func (s *skipListMemtable) Put(e types.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(e)
}

func (s *skipListMemtable) putLocked(e types.Entry) {
	update := s.findPath(e.Key)
	existing := update[0].next[0]
	if existing != nil && existing.key.Equal(e.Key) {
		existing.versions = append(existing.versions, e)
		s.memory += entrySize(e)
		return
	}

	lvl := s.randomLevel()
	if lvl > s.level {
		for l := s.level; l < lvl; l++ {
			update[l] = s.head
		}
		s.level = lvl
	}
	node := &skipListNode{key: e.Key, versions: []types.Entry{e}, next: make([]*skipListNode, lvl)}
	for l := 0; l < lvl; l++ {
		node.next[l] = update[l].next[l]
		update[l].next[l] = node
	}
	s.count++
	s.memory += entrySize(e)
}

func (s *skipListMemtable) findNode(key types.Key) *skipListNode {
	cur := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for cur.next[lvl] != nil && cur.next[lvl].key.Compare(key) < 0 {
			cur = cur.next[lvl]
		}
	}
	next := cur.next[0]
	if next != nil && next.key.Equal(key) {
		return next
	}
	return nil
}

func (s *skipListMemtable) Get(key types.Key) (types.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := s.findNode(key); n != nil {
		return n.latest(), true
	}
	return types.Entry{}, false
}

func (s *skipListMemtable) GetAsOf(key types.Key, maxSeq uint64) (types.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.findNode(key)
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

func (s *skipListMemtable) Delete(key types.Key, seq uint64, ts int64) {
	s.Put(types.NewTombstone(key, seq, ts))
}

func (s *skipListMemtable) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *skipListMemtable) MemoryUsage() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory
}

func (s *skipListMemtable) IsEmpty() bool {
	return s.Len() == 0
}

func (s *skipListMemtable) NewIterator(r types.Range) Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for cur.next[lvl] != nil && cur.next[lvl].key.Compare(r.Start) < 0 {
			cur = cur.next[lvl]
		}
	}
	return &skipListIterator{node: cur.next[0], r: r}
}

type skipListIterator struct {
	node *skipListNode
	cur  types.Entry
	r    types.Range
	n    int
}

func (it *skipListIterator) Next() bool {
	if it.node == nil {
		return false
	}
	if it.r.Limit > 0 && it.n >= it.r.Limit {
		return false
	}
	if it.r.End != nil && it.node.key.Compare(it.r.End) >= 0 {
		return false
	}
	it.cur = it.node.latest()
	it.node = it.node.next[0]
	it.n++
	return true
}

func (it *skipListIterator) Entry() types.Entry { return it.cur }

func (it *skipListIterator) Close() {}
