package wal

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"
)

// segmentEntry is the state held per segment: its metadata/handle. The
// current write tail is tracked separately in state.tail.
type segmentEntry struct {
	seg *segment
}

// state is an immutable snapshot of the WAL's segment set, referenced via
// atomic.Value so readers never block the writer and vice versa — the
// same copy-on-write pattern dreamsxin-wal/wal.go uses for its own
// `state` type.
type state struct {
	segments *immutable.SortedMap[int64, segmentEntry] // keyed by creation-time (segment id)
	tail     *segment

	refs      int32
	finalizer atomic.Value // func()
}

func newEmptyState() state {
	return state{
		segments: &immutable.SortedMap[int64, segmentEntry]{},
	}
}

// clone returns a shallow copy whose segments map can be mutated via Set/
// Delete (those return new persistent maps, so the original is untouched).
func (s *state) clone() state {
	return state{
		segments: s.segments,
		tail:     s.tail,
	}
}

// acquire increments the reader refcount and returns a release func. The
// release func, when it drops the count to zero, invokes any finalizer
// that was attached when this state was superseded (dreamsxin-wal/wal.go's
// "finalizer run when all current readers have released the old state").
func (s *state) acquire() func() {
	atomic.AddInt32(&s.refs, 1)
	return s.release
}

func (s *state) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		if fn, ok := s.finalizer.Load().(func()); ok && fn != nil {
			fn()
		}
	}
}

func (s *state) setFinalizer(fn func()) {
	if fn == nil {
		return
	}
	s.finalizer.Store(fn)
}

// firstCreatedAt returns the oldest segment key currently tracked.
func (s *state) firstCreatedAt() (int64, bool) {
	it := s.segments.Iterator()
	if it.Done() {
		return 0, false
	}
	k, _ := it.Next()
	return k, true
}

func (s *state) forEachSegment(fn func(createdAt int64, e segmentEntry)) {
	it := s.segments.Iterator()
	for !it.Done() {
		k, v := it.Next()
		fn(k, v)
	}
}
