package gc

import (
	"fmt"
	"path/filepath"
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

// Executor runs rewrite-compaction tasks selected by a Tracker.
type Executor struct {
	sstDir string
	sstCfg config.SSTConfig
	reg    prometheus.Registerer
	metric *aumetrics.GC
}

// NewExecutor builds an Executor writing rewritten SSTs under sstDir.
func NewExecutor(sstDir string, sstCfg config.SSTConfig, reg prometheus.Registerer) *Executor {
	return &Executor{sstDir: sstDir, sstCfg: sstCfg, reg: reg, metric: aumetrics.NewGC(reg)}
}

// RunTask rewrite-compacts task.SegmentID, per spec.md §4.6: every entry
// the tracker's last Reconcile found still live is read from the source
// segment and re-appended to vwriter's active segment; every SST that
// held a pointer into the old segment is rewritten at its existing level
// with the pointer remapped; every memtable's matching entries are
// updated in place, preserving sequence numbers. The manifest is flipped
// only after every rewritten SST is sealed and fsynced, then the source
// segment is deleted — spec.md's "idempotent: any entry may exist at
// both the old and new location until all owners are switched" holds
// throughout, since nothing reads the old segment as authoritative once
// ScanSegment has produced its replacement and nothing writes to the new
// segment location until WriteValue succeeds.
//
// A segment with no live offsets at all is deleted directly without a
// rewrite pass or a manifest edit, since nothing references it.
func (e *Executor) RunTask(task GcTask, tracker *Tracker, vreader *vlog.Reader, vwriter *vlog.Writer, vs *manifest.VersionSet, memtables ...memtable.Memtable) (GcStats, error) {
	start := time.Now()
	live := tracker.LiveOffsets(task.SegmentID)
	if len(live) == 0 {
		if err := vreader.DeleteSegment(task.SegmentID); err != nil {
			return GcStats{}, err
		}
		e.metric.SegmentsProcessed.Inc()
		stats := GcStats{SegmentsProcessed: 1, GCTime: time.Since(start)}
		e.metric.RunsSeconds.Add(stats.GCTime.Seconds())
		return stats, nil
	}

	remap := make(map[string]types.ValuePointer, len(live))
	var bytesRewritten uint64
	err := vreader.ScanSegment(task.SegmentID, func(se vlog.ScannedEntry) error {
		key, ok := live[se.Pointer.Offset]
		if !ok {
			return nil
		}
		newPtr, err := vwriter.WriteValue(key, se.Data)
		if err != nil {
			return err
		}
		remap[string(key)] = newPtr
		bytesRewritten += uint64(len(se.Data))
		return nil
	})
	if err != nil {
		return GcStats{}, err
	}

	v := vs.Current()
	defer vs.Release(v)

	var edit manifest.VersionEdit
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			changed, newMeta, err := e.rewriteSSTFile(vs, f, level, remap)
			if err != nil {
				return GcStats{}, err
			}
			if !changed {
				continue
			}
			edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFile{Level: level, FileNum: f.FileNum})
			edit.NewFiles = append(edit.NewFiles, newMeta)
		}
	}

	for _, mt := range memtables {
		remapMemtable(mt, remap)
	}

	if len(edit.NewFiles) > 0 || len(edit.DeletedFiles) > 0 {
		if _, err := vs.LogAndApply(edit); err != nil {
			return GcStats{}, err
		}
	}

	if err := vreader.DeleteSegment(task.SegmentID); err != nil {
		return GcStats{}, err
	}

	e.metric.SegmentsProcessed.Inc()
	e.metric.BytesReclaimed.Add(float64(bytesRewritten))
	stats := GcStats{SegmentsProcessed: 1, BytesReclaimed: bytesRewritten, GCTime: time.Since(start)}
	e.metric.RunsSeconds.Add(stats.GCTime.Seconds())
	return stats, nil
}

// RunAll runs every task in tasks in priority order, accumulating stats.
// A failure on one task aborts the remaining ones; the caller gets back
// whatever was accomplished before the error.
func (e *Executor) RunAll(tasks []GcTask, tracker *Tracker, vreader *vlog.Reader, vwriter *vlog.Writer, vs *manifest.VersionSet, memtables ...memtable.Memtable) (GcStats, error) {
	var total GcStats
	for _, task := range tasks {
		stats, err := e.RunTask(task, tracker, vreader, vwriter, vs, memtables...)
		if err != nil {
			return total, err
		}
		total.add(stats)
	}
	return total, nil
}

// rewriteSSTFile rewrites f at level into a new file if remap changes any
// of its entries' value pointers, allocating a fresh file number via vs
// (the old file's number is retired along with it, rather than reused,
// so manifest.VersionSet's everFiles bookkeeping keeps tracking the
// original bytes as a distinct obsolete file once this edit applies).
func (e *Executor) rewriteSSTFile(vs *manifest.VersionSet, f manifest.FileMetadata, level int, remap map[string]types.ValuePointer) (bool, manifest.FileMetadata, error) {
	r, err := sst.Open(f.Path, e.sstCfg, e.reg)
	if err != nil {
		return false, manifest.FileMetadata{}, err
	}
	defer r.Close()

	it := r.NewIterator(types.Range{})
	defer it.Close()

	var changed bool
	entries := make([]types.Entry, 0, f.EntryCount)
	for it.Next() {
		entry := it.Entry().Clone()
		if entry.HasValuePointer() {
			if newPtr, ok := remap[string(entry.Key)]; ok {
				ptr := newPtr
				entry.ValuePointer = &ptr
				changed = true
			}
		}
		entries = append(entries, entry)
	}
	if err := it.Err(); err != nil {
		return false, manifest.FileMetadata{}, err
	}
	if !changed {
		return false, manifest.FileMetadata{}, nil
	}

	num, err := vs.NextFileNumber()
	if err != nil {
		return false, manifest.FileMetadata{}, err
	}
	path := filepath.Join(e.sstDir, fmt.Sprintf("sst_%d_%d.sst", level, num))
	w, err := sst.NewWriter(path, level, e.sstCfg, e.reg)
	if err != nil {
		return false, manifest.FileMetadata{}, err
	}
	for _, entry := range entries {
		if err := w.Add(entry); err != nil {
			return false, manifest.FileMetadata{}, err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		return false, manifest.FileMetadata{}, err
	}

	return true, manifest.FileMetadata{
		FileNum: num, Level: level, Path: meta.Path,
		Smallest: meta.Smallest, Largest: meta.Largest,
		EntryCount: meta.EntryCount, Size: meta.Size,
	}, nil
}

// remapMemtable rewrites, in place, every memtable entry whose value
// pointer targets a key present in remap — spec.md's "memtable remaps
// applied in-place, preserving sequence numbers". Memtable.Put overwrites
// the stored entry for the same key; reusing the original Sequence and
// Timestamp keeps the rewrite invisible to readers ordering by sequence.
func remapMemtable(mt memtable.Memtable, remap map[string]types.ValuePointer) {
	it := mt.NewIterator(types.Range{})
	defer it.Close()

	var toUpdate []types.Entry
	for it.Next() {
		e := it.Entry()
		if !e.HasValuePointer() {
			continue
		}
		if newPtr, ok := remap[string(e.Key)]; ok {
			updated := e.Clone()
			ptr := newPtr
			updated.ValuePointer = &ptr
			toUpdate = append(toUpdate, updated)
		}
	}
	for _, e := range toUpdate {
		mt.Put(e)
	}
}
