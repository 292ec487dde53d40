package auradb

import (
	"context"

	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/types"
)

// Snapshot pins a sequence number and a manifest version so repeated
// reads against it observe a fixed point in time, unaffected by writes
// or compactions that happen afterward. Its Get filters out any entry
// with Sequence > seq.
type Snapshot struct {
	engine  *Engine
	seq     uint64
	version *manifest.Version
}

// Get resolves key as of the snapshot's pinned sequence number.
func (s *Snapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	k := types.Key(key)

	var best types.Entry
	found := false
	for _, mt := range s.engine.allMemtables() {
		if entry, ok := mt.GetAsOf(k, s.seq); ok {
			if !found || entry.Sequence > best.Sequence {
				best = entry
				found = true
			}
		}
	}
	if found {
		return s.engine.resolveOrMiss(best)
	}

	if entry, ok, err := s.engine.getFromLevel0(s.version, k); err != nil {
		return nil, err
	} else if ok && entry.Sequence <= s.seq {
		return s.engine.resolveOrMiss(entry)
	}

	for level := 1; level < s.version.NumLevels(); level++ {
		for _, f := range s.version.Overlapping(level, k, pointKeyEnd(k)) {
			entry, ok, err := s.engine.getFromFile(f, k)
			if err != nil {
				return nil, err
			}
			if ok && entry.Sequence <= s.seq {
				return s.engine.resolveOrMiss(entry)
			}
		}
	}

	return nil, auerr.ErrKeyNotFound
}

// Release lets go of the pinned manifest version and stops constraining
// the GC/compaction oldest-live-sequence watermark on this snapshot's
// behalf. Must be called exactly once when the snapshot is no longer
// needed.
func (s *Snapshot) Release() {
	s.engine.vs.Release(s.version)

	s.engine.snapMu.Lock()
	if n := s.engine.openSnapshots[s.seq]; n <= 1 {
		delete(s.engine.openSnapshots, s.seq)
	} else {
		s.engine.openSnapshots[s.seq] = n - 1
	}
	s.engine.snapMu.Unlock()
}
