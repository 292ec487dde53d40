package gc

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/auradb/config"
	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/memtable"
	"github.com/dreamsxin/auradb/sst"
	"github.com/dreamsxin/auradb/types"
	"github.com/dreamsxin/auradb/vlog"
)

func testSSTConfig() config.SSTConfig {
	return config.SSTConfig{
		TargetFileSize:  1 << 30,
		BlockSize:       4096,
		UseBloomFilters: true,
		BloomBitsPerKey: 10.0,
		Compression:     config.CompressionSnappy,
	}
}

func testVlogConfig() config.ValueLogConfig {
	return config.ValueLogConfig{
		MaxSegmentSize:       1 << 30, // large: keep everything in one segment per queue
		WriteQueues:          1,
		CompressValues:       false,
		CompressionAlgorithm: config.CompressionNone,
	}
}

func testVersionSet(t *testing.T, numLevels int) *manifest.VersionSet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "MANIFEST")
	vs, err := manifest.Open(path, numLevels)
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	return vs
}

// buildSSTWithPointers writes one SST at level whose entries reference
// vlog values via ptrs (key -> pointer), registers it with vs, and
// returns the resulting Version.
func buildSSTWithPointers(t *testing.T, sstDir string, vs *manifest.VersionSet, level int, ptrs map[string]types.ValuePointer, seqBase uint64) *manifest.Version {
	t.Helper()
	num, err := vs.NextFileNumber()
	require.NoError(t, err)
	path := filepath.Join(sstDir, fmt.Sprintf("sst_%d_%d.sst", level, num))
	w, err := sst.NewWriter(path, level, testSSTConfig(), prometheus.NewRegistry())
	require.NoError(t, err)

	i := uint64(0)
	for key, ptr := range ptrs {
		e := types.NewPutPointerEntry(types.Key(key), ptr, seqBase+i, 0)
		require.NoError(t, w.Add(e))
		i++
	}
	meta, err := w.Finish()
	require.NoError(t, err)

	_, err = vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{{
		FileNum: num, Level: level, Path: meta.Path,
		Smallest: meta.Smallest, Largest: meta.Largest,
		EntryCount: meta.EntryCount, Size: meta.Size,
	}}})
	require.NoError(t, err)

	return vs.Current()
}

func TestTrackerReconcileComputesLiveFractionAcrossSSTAndMemtable(t *testing.T) {
	dir := t.TempDir()
	sstDir := filepath.Join(dir, "sst")
	vlogDir := filepath.Join(dir, "vlog")
	require.NoError(t, os.MkdirAll(sstDir, 0o755))
	require.NoError(t, os.MkdirAll(vlogDir, 0o755))

	reg := prometheus.NewRegistry()
	vw, err := vlog.NewWriter(vlogDir, testVlogConfig(), reg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { vw.Close() })

	ptrLive, err := vw.WriteValue(types.Key("live-key"), []byte("live-value"))
	require.NoError(t, err)
	ptrDead, err := vw.WriteValue(types.Key("dead-key"), []byte("dead-value-unreferenced"))
	require.NoError(t, err)
	require.NoError(t, vw.Sync())
	require.NotEqual(t, ptrLive.SegmentID, uint64(0))
	segID := ptrLive.SegmentID
	require.Equal(t, ptrDead.SegmentID, segID)

	vs := testVersionSet(t, 2)
	v := buildSSTWithPointers(t, sstDir, vs, 0, map[string]types.ValuePointer{
		"live-key": ptrLive,
	}, 1)
	t.Cleanup(func() { vs.Release(v) })

	mt := memtable.New(config.MemtableConfig{Implementation: config.MemtableSkipList})
	mt.Put(types.NewPutPointerEntry(types.Key("mt-key"), ptrLive, 100, 0))

	tracker := NewTracker(vlogDir, reg)
	require.NoError(t, tracker.Reconcile(v, testSSTConfig(), reg, mt))

	stats := tracker.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, segID, stats[0].SegmentID)
	require.Equal(t, 2, stats[0].TotalEntries)
	require.Equal(t, 1, stats[0].LiveEntries)
	require.Less(t, stats[0].LiveFraction(), 1.0)
	require.Greater(t, stats[0].LiveFraction(), 0.0)
}

func TestTrackerSelectCandidatesExcludesActiveAndAboveThreshold(t *testing.T) {
	tracker := &Tracker{
		stats: map[uint64]*SegmentStat{
			1: {SegmentID: 1, TotalBytes: 100, LiveBytes: 10}, // frac 0.1, below threshold
			2: {SegmentID: 2, TotalBytes: 100, LiveBytes: 90}, // frac 0.9, above threshold
			3: {SegmentID: 3, TotalBytes: 100, LiveBytes: 5},  // frac 0.05, active segment excluded
		},
		liveOffsets: map[uint64]map[uint64]types.Key{},
	}

	tasks := tracker.SelectCandidates(0.5, 3)
	require.Len(t, tasks, 1)
	require.Equal(t, uint64(1), tasks[0].SegmentID)
}

func TestTrackerSelectCandidatesOrdersByPriorityAscending(t *testing.T) {
	tracker := &Tracker{
		stats: map[uint64]*SegmentStat{
			1: {SegmentID: 1, TotalBytes: 100, LiveBytes: 40},
			2: {SegmentID: 2, TotalBytes: 100, LiveBytes: 10},
		},
		liveOffsets: map[uint64]map[uint64]types.Key{},
	}

	tasks := tracker.SelectCandidates(0.9, 0)
	require.Len(t, tasks, 2)
	require.Equal(t, uint64(2), tasks[0].SegmentID) // lower live fraction runs first
	require.Equal(t, uint64(1), tasks[1].SegmentID)
}

func TestExecutorRunTaskRewritesLiveValueAndDeletesSourceSegment(t *testing.T) {
	dir := t.TempDir()
	sstDir := filepath.Join(dir, "sst")
	vlogDir := filepath.Join(dir, "vlog")
	require.NoError(t, os.MkdirAll(sstDir, 0o755))
	require.NoError(t, os.MkdirAll(vlogDir, 0o755))

	reg := prometheus.NewRegistry()
	vw, err := vlog.NewWriter(vlogDir, testVlogConfig(), reg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { vw.Close() })

	ptrLive, err := vw.WriteValue(types.Key("k1"), []byte("v1-payload"))
	require.NoError(t, err)
	_, err = vw.WriteValue(types.Key("k2-dead"), []byte("unreferenced"))
	require.NoError(t, err)
	require.NoError(t, vw.Sync())
	sourceSeg := ptrLive.SegmentID

	vs := testVersionSet(t, 2)
	v := buildSSTWithPointers(t, sstDir, vs, 0, map[string]types.ValuePointer{
		"k1": ptrLive,
	}, 1)
	vs.Release(v)

	tracker := NewTracker(vlogDir, reg)
	v = vs.Current()
	require.NoError(t, tracker.Reconcile(v, testSSTConfig(), reg))
	vs.Release(v)

	candidates := tracker.SelectCandidates(1.0, 0)
	require.Len(t, candidates, 1)
	require.Equal(t, sourceSeg, candidates[0].SegmentID)

	vreader := vlog.NewReader(vlogDir, reg)
	t.Cleanup(func() { vreader.Close() })

	ex := NewExecutor(sstDir, testSSTConfig(), reg)
	stats, err := ex.RunTask(candidates[0], tracker, vreader, vw, vs)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SegmentsProcessed)
	require.Greater(t, stats.BytesReclaimed, uint64(0))

	ids, err := vlog.ListSegments(vlogDir)
	require.NoError(t, err)
	for _, id := range ids {
		require.NotEqual(t, sourceSeg, id, "source segment should have been deleted")
	}

	next := vs.Current()
	defer vs.Release(next)
	var found bool
	for level := 0; level < next.NumLevels(); level++ {
		for _, f := range next.Files(level) {
			r, err := sst.Open(f.Path, testSSTConfig(), reg)
			require.NoError(t, err)
			e, ok, err := r.Get(types.Key("k1"))
			require.NoError(t, err)
			if ok {
				found = true
				require.True(t, e.HasValuePointer())
				require.NotEqual(t, sourceSeg, e.ValuePointer.SegmentID)
				data, err := vreader.ReadValue(*e.ValuePointer)
				require.NoError(t, err)
				require.Equal(t, "v1-payload", string(data))
			}
			r.Close()
		}
	}
	require.True(t, found, "rewritten SST should still resolve k1")
}

func TestExecutorRunTaskDeletesFullyDeadSegmentWithoutRewrite(t *testing.T) {
	dir := t.TempDir()
	vlogDir := filepath.Join(dir, "vlog")
	require.NoError(t, os.MkdirAll(vlogDir, 0o755))

	reg := prometheus.NewRegistry()
	vw, err := vlog.NewWriter(vlogDir, testVlogConfig(), reg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { vw.Close() })

	ptr, err := vw.WriteValue(types.Key("orphan"), []byte("nobody-points-here"))
	require.NoError(t, err)
	require.NoError(t, vw.Sync())

	tracker := NewTracker(vlogDir, reg)
	tracker.stats = map[uint64]*SegmentStat{
		ptr.SegmentID: {SegmentID: ptr.SegmentID, TotalBytes: 100, LiveBytes: 0},
	}
	tracker.liveOffsets = map[uint64]map[uint64]types.Key{ptr.SegmentID: {}}

	vreader := vlog.NewReader(vlogDir, reg)
	t.Cleanup(func() { vreader.Close() })

	vs := testVersionSet(t, 2)

	ex := NewExecutor(dir, testSSTConfig(), reg)
	stats, err := ex.RunTask(GcTask{SegmentID: ptr.SegmentID}, tracker, vreader, vw, vs)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SegmentsProcessed)
	require.Equal(t, uint64(0), stats.BytesReclaimed)

	ids, err := vlog.ListSegments(vlogDir)
	require.NoError(t, err)
	require.NotContains(t, ids, ptr.SegmentID)
}
