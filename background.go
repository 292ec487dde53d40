package auradb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/dreamsxin/auradb/learnedindex"
	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/memtable"
	"github.com/dreamsxin/auradb/sst"
	"github.com/dreamsxin/auradb/types"
)

// compactionPollInterval is not named anywhere in spec.md's config
// list; the spec only describes trigger conditions (file counts, size
// ratios), not how often the background loop checks them. A fixed,
// short poll keeps triggers responsive without needing a new tunable.
const compactionPollInterval = 2 * time.Second

// frozenMemtable pairs a sealed memtable with the WAL generation mark
// (wal.WAL.TailCreatedAt) captured when it became active, so
// flushMemtable can work out which WAL segments are still needed by
// some other in-flight flush before retiring any.
type frozenMemtable struct {
	mt         memtable.Memtable
	walCreated int64
}

// maybeRotateLocked freezes the active memtable and installs a fresh one
// once memory usage crosses cfg.Memtable.FlushThreshold of MaxSize, per
// spec.md's "writers see the new memtable immediately; readers must
// observe both until the flush completes". Must be called with writeMu
// held.
func (e *Engine) maybeRotateLocked() error {
	threshold := int64(float64(e.cfg.Memtable.MaxSize) * e.cfg.Memtable.FlushThreshold)
	if e.active.MemoryUsage() < threshold {
		return nil
	}

	e.mtMu.Lock()
	sealed := e.active
	e.frozen = append(e.frozen, frozenMemtable{mt: sealed, walCreated: e.activeWalMark})
	e.active = memtable.New(e.cfg.Memtable)
	e.activeWalMark = e.w.TailCreatedAt()
	e.mtMu.Unlock()

	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		if err := e.flushMemtable(sealed); err != nil {
			level.Error(e.logger).Log("msg", "memtable flush failed", "err", err)
		}
	}()
	return nil
}

// flushMemtable converts a sealed memtable into one new L0 SST and
// installs it via a VersionEdit only once the file is sealed and
// fsynced (sst.Writer.Finish does both), matching spec.md §4.3's flush
// contract. Once durable, the sealed memtable is dropped from frozen.
func (e *Engine) flushMemtable(mt memtable.Memtable) error {
	num, err := e.vs.NextFileNumber()
	if err != nil {
		return err
	}
	path := filepath.Join(e.sstDir, fmt.Sprintf("sst_0_%d.sst", num))
	w, err := sst.NewWriter(path, 0, e.cfg.SST, e.reg)
	if err != nil {
		return err
	}

	it := mt.NewIterator(types.Range{})
	for it.Next() {
		if err := w.Add(it.Entry()); err != nil {
			it.Close()
			return err
		}
	}
	it.Close()

	meta, err := w.Finish()
	if err != nil {
		return err
	}
	e.trainModel(path, w.Samples())

	_, err = e.vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{{
		FileNum: num, Level: 0, Path: meta.Path,
		Smallest: meta.Smallest, Largest: meta.Largest,
		EntryCount: meta.EntryCount, Size: meta.Size,
	}}})
	if err != nil {
		return err
	}

	e.mtMu.Lock()
	for i, f := range e.frozen {
		if f.mt == mt {
			e.frozen = append(e.frozen[:i], e.frozen[i+1:]...)
			break
		}
	}
	cutoff := e.activeWalMark
	for _, f := range e.frozen {
		if f.walCreated < cutoff {
			cutoff = f.walCreated
		}
	}
	e.mtMu.Unlock()

	// cutoff is the oldest WAL generation any still-unflushed memtable
	// (active or another in-flight flush) might still need; everything
	// sealed before it is fully captured by durable SSTs now.
	if err := e.w.RetireSegmentsBefore(cutoff); err != nil {
		level.Error(e.logger).Log("msg", "wal segment retirement failed", "err", err)
	}
	return nil
}

// trainModel builds a learned index over an sst.Writer's per-block
// samples and keeps it available for the next time that file is
// opened, when learned-index lookups are enabled. A training failure
// (e.g. too few samples to fit a model) just leaves the file without
// one; Reader.Get's binary-search fallback always works regardless.
func (e *Engine) trainModel(path string, samples []learnedindex.Sample) {
	if !e.cfg.LearnedIndex.Enabled || len(samples) == 0 {
		return
	}
	m, err := learnedindex.BuildFromSamples(e.cfg.LearnedIndex, samples)
	if err != nil {
		level.Debug(e.logger).Log("msg", "learned index training skipped", "path", path, "err", err)
		return
	}
	e.modelMu.Lock()
	e.models[path] = m
	e.modelMu.Unlock()
}

func (e *Engine) compactionLoop() {
	defer e.bgWG.Done()
	ticker := time.NewTicker(compactionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopBg:
			return
		case <-ticker.C:
			e.runCompactionOnce()
		}
	}
}

func (e *Engine) runCompactionOnce() {
	v := e.vs.Current()
	task, ok := e.compactStrategy.Plan(v, e.cfg.Compaction)
	e.vs.Release(v)
	if !ok {
		return
	}
	oldest := e.oldestLiveSequence()
	if _, err := e.compactExec.Run(context.Background(), task, e.vs, e.cfg.Compaction.NumLevels, oldest); err != nil {
		level.Error(e.logger).Log("msg", "compaction task failed", "err", err)
	}
}

func (e *Engine) gcLoop() {
	defer e.bgWG.Done()
	ticker := time.NewTicker(e.cfg.GC.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopBg:
			return
		case <-ticker.C:
			e.runGCOnce()
		}
	}
}

func (e *Engine) runGCOnce() {
	v := e.vs.Current()
	mts := e.allMemtables()
	err := e.gcTracker.Reconcile(v, e.cfg.SST, e.reg, mts...)
	e.vs.Release(v)
	if err != nil {
		level.Error(e.logger).Log("msg", "gc reconcile failed", "err", err)
		return
	}

	candidates := e.gcTracker.SelectCandidates(e.cfg.GC.LiveFractionThreshold, e.vwriter.ActiveSegmentIDs()...)
	if len(candidates) == 0 {
		return
	}
	if _, err := e.gcExec.RunAll(candidates, e.gcTracker, e.vreader, e.vwriter, e.vs, mts...); err != nil {
		level.Error(e.logger).Log("msg", "gc run failed", "err", err)
	}
}

// oldestLiveSequence returns the lowest sequence number any open
// Snapshot still observes, or the engine's current next-sequence
// watermark when no snapshot is open (meaning nothing constrains
// compaction: any existing tombstone is already older than everything a
// future reader could ask for).
func (e *Engine) oldestLiveSequence() uint64 {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	if len(e.openSnapshots) == 0 {
		return atomic.LoadUint64(&e.nextSeq)
	}
	oldest := ^uint64(0)
	for seq := range e.openSnapshots {
		if seq < oldest {
			oldest = seq
		}
	}
	return oldest
}
