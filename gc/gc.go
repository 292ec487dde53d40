// Package gc implements the value-log garbage collector described in
// spec.md §4.6: a per-segment liveness trace followed by a
// rewrite-compaction of segments whose live fraction has fallen below a
// configured threshold.
package gc

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/auradb/config"
	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/memtable"
	aumetrics "github.com/dreamsxin/auradb/metrics"
	"github.com/dreamsxin/auradb/sst"
	"github.com/dreamsxin/auradb/types"
	"github.com/dreamsxin/auradb/vlog"
)

// GcTask names one vlog segment selected for rewrite-compaction.
// Supplemented for real from original_source/src/gc.rs's stub
// GcTask{ID, SegmentID, Priority}.
type GcTask struct {
	ID        uint64
	SegmentID uint64
	Priority  float64 // the segment's live fraction at selection time; lower runs first
}

// GcStats reports the outcome of one or more rewrite-compaction runs,
// implemented for real from original_source/src/gc.rs's stub GcStats.
type GcStats struct {
	SegmentsProcessed int
	BytesReclaimed    uint64
	GCTime            time.Duration
}

func (s *GcStats) add(other GcStats) {
	s.SegmentsProcessed += other.SegmentsProcessed
	s.BytesReclaimed += other.BytesReclaimed
	s.GCTime += other.GCTime
}

// SegmentStat is one segment's liveness snapshot as of the Tracker's last
// Reconcile.
type SegmentStat struct {
	SegmentID    uint64
	TotalBytes   uint64
	LiveBytes    uint64
	TotalEntries int
	LiveEntries  int
}

// LiveFraction is LiveBytes/TotalBytes, or 1 for a segment with no
// recorded bytes (nothing to reclaim, so it is never a GC candidate).
func (s SegmentStat) LiveFraction() float64 {
	if s.TotalBytes == 0 {
		return 1
	}
	return float64(s.LiveBytes) / float64(s.TotalBytes)
}

// Tracker maintains the per-segment liveness spec.md §4.6 calls for: "a
// per-segment refcount maintained incrementally, verified periodically".
// This implementation always performs the periodic full trace
// (Reconcile); see DESIGN.md for why true incremental bookkeeping on
// every manifest install was not attempted.
type Tracker struct {
	mu          sync.Mutex
	segDir      string
	stats       map[uint64]*SegmentStat
	liveOffsets map[uint64]map[uint64]types.Key
	nextTaskID  uint64
	metric      *aumetrics.GC
}

// NewTracker builds a Tracker over the vlog segment directory segDir.
func NewTracker(segDir string, reg prometheus.Registerer) *Tracker {
	return &Tracker{
		segDir:      segDir,
		stats:       make(map[uint64]*SegmentStat),
		liveOffsets: make(map[uint64]map[uint64]types.Key),
		metric:      aumetrics.NewGC(reg),
	}
}

// Reconcile rebuilds liveness from scratch: every segment in segDir is
// scanned once to learn its total entries/bytes, every SST file
// referenced by v and every entry held by memtables is scanned for value
// pointers, and the two are cross-referenced to produce each segment's
// live entries/bytes. reg is used only to satisfy sst.Open's and
// vlog.NewReader's constructor signatures; no metrics from this scan are
// published under it.
func (t *Tracker) Reconcile(v *manifest.Version, sstCfg config.SSTConfig, reg prometheus.Registerer, memtables ...memtable.Memtable) error {
	ids, err := vlog.ListSegments(t.segDir)
	if err != nil {
		return err
	}

	vreader := vlog.NewReader(t.segDir, reg)
	defer vreader.Close()

	liveOffsets := make(map[uint64]map[uint64]types.Key, len(ids))
	for _, id := range ids {
		liveOffsets[id] = make(map[uint64]types.Key)
	}

	recordLive := func(e types.Entry) {
		if !e.HasValuePointer() {
			return
		}
		ptr := *e.ValuePointer
		offsets, ok := liveOffsets[ptr.SegmentID]
		if !ok {
			// Referenced segment not present in segDir; nothing this
			// tracker can do about it (that's a recovery-path concern,
			// not GC's).
			return
		}
		offsets[ptr.Offset] = e.Key.Clone()
	}

	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			if err := scanSSTLiveness(f, sstCfg, reg, recordLive); err != nil {
				return err
			}
		}
	}
	for _, mt := range memtables {
		it := mt.NewIterator(types.Range{})
		for it.Next() {
			recordLive(it.Entry())
		}
		it.Close()
	}

	stats := make(map[uint64]*SegmentStat, len(ids))
	for _, id := range ids {
		st := &SegmentStat{SegmentID: id}
		live := liveOffsets[id]
		err := vreader.ScanSegment(id, func(se vlog.ScannedEntry) error {
			st.TotalEntries++
			st.TotalBytes += uint64(len(se.Data))
			if _, ok := live[se.Pointer.Offset]; ok {
				st.LiveEntries++
				st.LiveBytes += uint64(len(se.Data))
			}
			return nil
		})
		if err != nil {
			return err
		}
		stats[id] = st
	}

	t.mu.Lock()
	t.stats = stats
	t.liveOffsets = liveOffsets
	t.mu.Unlock()
	return nil
}

func scanSSTLiveness(f manifest.FileMetadata, cfg config.SSTConfig, reg prometheus.Registerer, record func(types.Entry)) error {
	r, err := sst.Open(f.Path, cfg, reg)
	if err != nil {
		return err
	}
	defer r.Close()

	it := r.NewIterator(types.Range{})
	defer it.Close()
	for it.Next() {
		record(it.Entry())
	}
	return it.Err()
}

// Stats returns a snapshot of every segment's liveness as of the last
// Reconcile.
func (t *Tracker) Stats() []SegmentStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SegmentStat, 0, len(t.stats))
	for _, st := range t.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	return out
}

// LiveOffsets returns the offset->key map of entries still live within
// segmentID, as of the last Reconcile. Returns nil if the segment is
// unknown.
func (t *Tracker) LiveOffsets(segmentID uint64) map[uint64]types.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveOffsets[segmentID]
}

// SelectCandidates returns a GcTask for every known segment, other than
// those named in activeSegmentIDs (one per write queue still appending
// to it), whose live fraction is below threshold, most-reclaimable
// first.
func (t *Tracker) SelectCandidates(threshold float64, activeSegmentIDs ...uint64) []GcTask {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := make(map[uint64]struct{}, len(activeSegmentIDs))
	for _, id := range activeSegmentIDs {
		active[id] = struct{}{}
	}

	var tasks []GcTask
	for id, st := range t.stats {
		if _, isActive := active[id]; isActive || st.TotalBytes == 0 {
			continue
		}
		frac := st.LiveFraction()
		if frac >= threshold {
			continue
		}
		t.nextTaskID++
		tasks = append(tasks, GcTask{ID: t.nextTaskID, SegmentID: id, Priority: frac})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Priority < tasks[j].Priority })
	return tasks
}
