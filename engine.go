// Package auradb is the root facade: a single-process, embedded
// key-value engine combining a write-ahead log, a separated value log,
// in-memory memtables, leveled SSTs and a background compactor and
// garbage collector behind the seven operations described in spec.md
// §6 (Put, Get, Delete, Scan, WriteBatch, Snapshot, Close).
//
// Global state lives in one Engine value per spec.md §9 ("no
// process-wide singletons; lifetime is open() -> close()"). Mutation is
// single-writer: Put/Delete/WriteBatch all serialize through writeMu,
// which is also where sequence numbers are assigned, matching spec.md
// §5's "mutated only via a single-writer, copy-on-write swap" used
// throughout the lower layers.
package auradb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/auradb/cache"
	"github.com/dreamsxin/auradb/compactor"
	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/gc"
	"github.com/dreamsxin/auradb/learnedindex"
	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/memtable"
	aumetrics "github.com/dreamsxin/auradb/metrics"
	"github.com/dreamsxin/auradb/sst"
	"github.com/dreamsxin/auradb/types"
	"github.com/dreamsxin/auradb/vlog"
	"github.com/dreamsxin/auradb/wal"
)

// Engine is the single handle an application holds onto an open
// database directory.
type Engine struct {
	dir    string
	cfg    config.Config
	reg    prometheus.Registerer
	logger log.Logger
	metric *aumetrics.Engine

	w       *wal.WAL
	vreader *vlog.Reader
	vwriter *vlog.Writer
	vs      *manifest.VersionSet
	cache   *cache.UnifiedCache

	mtMu sync.RWMutex
	// active is the current writable memtable; activeWalMark is the WAL's
	// TailCreatedAt() captured at the moment active was rotated in, i.e.
	// the oldest WAL generation whose records might still live only in
	// active. frozen holds sealed-but-not-yet-flushed memtables together
	// with the same mark from when each became active, so flushMemtable
	// can compute a safe RetireSegmentsBefore cutoff even when multiple
	// flushes are in flight.
	active        memtable.Memtable
	activeWalMark int64
	frozen        []frozenMemtable

	writeMu sync.Mutex
	nextSeq uint64

	snapMu        sync.Mutex
	openSnapshots map[uint64]int

	modelMu sync.Mutex
	models  map[string]learnedindex.Model // keyed by sst path; trained at flush time

	compactExec     *compactor.Executor
	compactStrategy compactor.Strategy

	gcTracker *gc.Tracker
	gcExec    *gc.Executor

	closed   uint32
	stopBg   chan struct{}
	bgWG     sync.WaitGroup
	sstDir   string
	walDir   string
	vlogDir  string
}

// Open recovers (or creates) the database at dir and starts its
// background compaction and GC loops. Recovery sequence, per spec.md
// §9: load the manifest, then replay the WAL into a fresh memtable (the
// WAL's RetireSegmentsBefore calls made at prior flush time mean only
// records newer than the last durable flush remain to replay), then
// start the background loops.
func Open(dir string, opts ...config.Option) (*Engine, error) {
	cfg, err := config.New(opts...)
	if err != nil {
		return nil, err
	}
	cfg.DBPath = dir

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	reg := prometheus.NewRegistry()

	walDir := filepath.Join(dir, "wal")
	vlogDir := filepath.Join(dir, "vlog")
	sstDir := filepath.Join(dir, "sst")
	for _, d := range []string{walDir, vlogDir, sstDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, auerr.Wrap(auerr.CodeIO, "creating engine subdirectory", err)
		}
	}

	vs, err := manifest.Open(filepath.Join(dir, "MANIFEST"), cfg.Compaction.NumLevels)
	if err != nil {
		return nil, err
	}

	uc := cache.New(cfg.Cache, reg)

	vreader := vlog.NewReader(vlogDir, reg)
	vreader.SetCache(uc)

	vwriter, err := vlog.NewWriter(vlogDir, cfg.ValueLog, reg, logger)
	if err != nil {
		vreader.Close()
		vs.Close()
		return nil, err
	}

	active := memtable.New(cfg.Memtable)

	w, err := wal.Open(walDir, cfg.WAL, reg, logger)
	if err != nil {
		vreader.Close()
		vwriter.Close()
		vs.Close()
		return nil, err
	}

	walNextSeq, err := w.Recover(func(e types.Entry) error {
		active.Put(e)
		return nil
	})
	if err != nil {
		w.Close()
		vreader.Close()
		vwriter.Close()
		vs.Close()
		return nil, err
	}

	// Recovery applies every replayed entry directly into active without
	// any flush, so until the first rotation after Open we don't know
	// which segment holds which record; mark 0 so RetireSegmentsBefore
	// is a no-op until the first real rotation recomputes it.
	activeWalMark := int64(0)

	v := vs.Current()
	nextSeq := walNextSeq
	if manifestSeq := v.NextSequence(); manifestSeq > nextSeq {
		nextSeq = manifestSeq
	}
	vs.Release(v)
	if nextSeq == 0 {
		nextSeq = 1
	}

	e := &Engine{
		dir:             dir,
		cfg:             cfg,
		reg:             reg,
		logger:          logger,
		metric:          aumetrics.NewEngine(reg),
		w:               w,
		vreader:         vreader,
		vwriter:         vwriter,
		vs:              vs,
		cache:           uc,
		active:          active,
		activeWalMark:   activeWalMark,
		nextSeq:         nextSeq,
		compactExec:     compactor.NewExecutor(dir, cfg.SST, cfg.Compaction, reg),
		compactStrategy: compactor.NewStrategy(cfg.Compaction.Strategy),
		gcTracker:       gc.NewTracker(vlogDir, reg),
		gcExec:          gc.NewExecutor(sstDir, cfg.SST, reg),
		stopBg:          make(chan struct{}),
		sstDir:          sstDir,
		walDir:          walDir,
		vlogDir:         vlogDir,
		openSnapshots:   make(map[uint64]int),
		models:          make(map[string]learnedindex.Model),
	}

	e.bgWG.Add(2)
	go e.compactionLoop()
	go e.gcLoop()

	return e, nil
}

func (e *Engine) checkClosed() error {
	if atomic.LoadUint32(&e.closed) == 1 {
		return auerr.ErrClosed
	}
	return nil
}

// allMemtables returns active followed by frozen, newest first — the
// order Get and Scan must consult to honor the freshest write.
func (e *Engine) allMemtables() []memtable.Memtable {
	e.mtMu.RLock()
	defer e.mtMu.RUnlock()
	out := make([]memtable.Memtable, 0, 1+len(e.frozen))
	out = append(out, e.active)
	for _, f := range e.frozen {
		out = append(out, f.mt)
	}
	return out
}

// Put writes key/value. Values whose length reaches
// cfg.ValueLog.SeparationThreshold are written to the value log and
// referenced by pointer; smaller values are stored inline, per spec.md
// §3's definition of "large".
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	timer := prometheus.NewTimer(e.metric.OpLatencySec)
	defer timer.ObserveDuration()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	seq := atomic.AddUint64(&e.nextSeq, 1) - 1
	ts := time.Now().UnixNano()

	entry, err := e.buildPutEntry(types.Key(key), value, seq, ts)
	if err != nil {
		return err
	}

	if err := e.w.Append(ctx, entry); err != nil {
		return err
	}
	e.active.Put(entry)
	e.metric.PutOps.Inc()
	return e.maybeRotateLocked()
}

func (e *Engine) buildPutEntry(key types.Key, value []byte, seq uint64, ts int64) (types.Entry, error) {
	if len(value) >= e.cfg.ValueLog.SeparationThreshold {
		ptr, err := e.vwriter.WriteValue(key, value)
		if err != nil {
			return types.Entry{}, err
		}
		e.metric.ValuesInVlog.Inc()
		return types.NewPutPointerEntry(key, ptr, seq, ts), nil
	}
	e.metric.ValuesInlined.Inc()
	return types.NewPutEntry(key, types.NewValue(value), seq, ts), nil
}

// Delete records a tombstone for key.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	timer := prometheus.NewTimer(e.metric.OpLatencySec)
	defer timer.ObserveDuration()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	seq := atomic.AddUint64(&e.nextSeq, 1) - 1
	entry := types.NewTombstone(types.Key(key), seq, time.Now().UnixNano())

	if err := e.w.Append(ctx, entry); err != nil {
		return err
	}
	e.active.Put(entry)
	e.metric.DeleteOps.Inc()
	return e.maybeRotateLocked()
}

// WriteBatch applies every entry in b atomically: one WAL record, then
// sequential application to the active memtable in order, per spec.md
// §3's batch-durability contract.
func (e *Engine) WriteBatch(ctx context.Context, b *types.Batch) error {
	if err := e.checkClosed(); err != nil {
		return err
	}
	if b.IsEmpty() {
		return nil
	}
	timer := prometheus.NewTimer(e.metric.OpLatencySec)
	defer timer.ObserveDuration()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ts := time.Now().UnixNano()
	for i := range b.Entries {
		in := b.Entries[i]
		seq := atomic.AddUint64(&e.nextSeq, 1) - 1
		if in.IsDelete() {
			b.Entries[i] = types.NewTombstone(in.Key, seq, ts)
			continue
		}
		var value []byte
		if in.Value != nil {
			value = in.Value.Data
		}
		entry, err := e.buildPutEntry(in.Key, value, seq, ts)
		if err != nil {
			return err
		}
		b.Entries[i] = entry
	}
	b.Sequence = b.Entries[0].Sequence

	if err := e.w.AppendBatch(ctx, b); err != nil {
		return err
	}
	for _, entry := range b.Entries {
		e.active.Put(entry)
	}
	e.metric.BatchOps.Inc()
	return e.maybeRotateLocked()
}

// Get resolves key to its current value, consulting the active and
// frozen memtables (newest to oldest) before the SST levels (every L0
// file, keeping the highest-sequence match since L0 files may overlap,
// then the overlapping files of each level below, first match wins).
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := e.checkClosed(); err != nil {
		return nil, err
	}
	timer := prometheus.NewTimer(e.metric.OpLatencySec)
	defer timer.ObserveDuration()
	e.metric.GetOps.Inc()

	k := types.Key(key)
	for _, mt := range e.allMemtables() {
		if entry, ok := mt.Get(k); ok {
			return e.resolveOrMiss(entry)
		}
	}

	v := e.vs.Current()
	defer e.vs.Release(v)

	if entry, ok, err := e.getFromLevel0(v, k); err != nil {
		return nil, err
	} else if ok {
		return e.resolveOrMiss(entry)
	}

	for level := 1; level < v.NumLevels(); level++ {
		files := v.Overlapping(level, k, pointKeyEnd(k))
		for _, f := range files {
			entry, ok, err := e.getFromFile(f, k)
			if err != nil {
				return nil, err
			}
			if ok {
				return e.resolveOrMiss(entry)
			}
		}
	}

	e.metric.GetMisses.Inc()
	return nil, auerr.ErrKeyNotFound
}

// pointKeyEnd returns the smallest key strictly greater than k (k with a
// zero byte appended), used as the exclusive end of a single-key
// [k, end) range so Overlapping only returns files that could hold
// exactly k. Built as a fresh slice so it never aliases k's backing
// array.
func pointKeyEnd(k types.Key) types.Key {
	end := make(types.Key, len(k)+1)
	copy(end, k)
	return end
}

func (e *Engine) getFromLevel0(v *manifest.Version, key types.Key) (types.Entry, bool, error) {
	files := v.Files(0)
	var best types.Entry
	found := false
	for _, f := range files {
		entry, ok, err := e.getFromFile(f, key)
		if err != nil {
			return types.Entry{}, false, err
		}
		if ok && (!found || entry.Sequence > best.Sequence) {
			best = entry
			found = true
		}
	}
	return best, found, nil
}

func (e *Engine) getFromFile(f manifest.FileMetadata, key types.Key) (types.Entry, bool, error) {
	r, err := sst.Open(f.Path, e.cfg.SST, e.reg)
	if err != nil {
		return types.Entry{}, false, err
	}
	defer r.Close()
	r.SetCache(e.cache)
	e.installModel(r, f.Path)
	return r.Get(key)
}

// installModel attaches a previously trained learned index to r, if one
// exists for path. Models are trained once, right after a flush seals
// the file (see flushMemtable); a fresh sst.Reader otherwise starts with
// no model and falls back to binary search, per spec.md §4.4.
func (e *Engine) installModel(r *sst.Reader, path string) {
	if !e.cfg.LearnedIndex.Enabled {
		return
	}
	e.modelMu.Lock()
	m := e.models[path]
	e.modelMu.Unlock()
	if m != nil {
		r.SetModel(m)
	}
}

func (e *Engine) resolveOrMiss(entry types.Entry) ([]byte, error) {
	if entry.IsDelete() {
		e.metric.GetMisses.Inc()
		return nil, auerr.ErrKeyNotFound
	}
	if entry.HasInlineValue() {
		return entry.Value.Data, nil
	}
	return e.vreader.ReadValue(*entry.ValuePointer)
}

// Scan returns an Iterator over the half-open range r, merging every
// memtable and every overlapping SST file, newest sequence wins per
// key, with tombstones filtered out of the output (unlike a compaction
// merge, a live Scan never needs to retain a delete marker for a reader
// further down the stack).
func (e *Engine) Scan(ctx context.Context, r types.Range) (*Iterator, error) {
	if err := e.checkClosed(); err != nil {
		return nil, err
	}

	var sources []mergeSource
	for _, mt := range e.allMemtables() {
		sources = append(sources, mt.NewIterator(r))
	}

	v := e.vs.Current()
	var readers []*sst.Reader
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Overlapping(level, r.Start, r.End) {
			rd, err := sst.Open(f.Path, e.cfg.SST, e.reg)
			if err != nil {
				for _, opened := range readers {
					opened.Close()
				}
				e.vs.Release(v)
				return nil, err
			}
			rd.SetCache(e.cache)
			e.installModel(rd, f.Path)
			readers = append(readers, rd)
			sources = append(sources, rd.NewIterator(r))
		}
	}

	return &Iterator{
		merge:   newMergeIterator(sources),
		readers: readers,
		version: v,
		vs:      e.vs,
		vreader: e.vreader,
		limit:   r.Limit,
	}, nil
}

// Snapshot pins the current sequence number and manifest version so
// later writes cannot change what it observes, per spec.md §6.
func (e *Engine) Snapshot() *Snapshot {
	seq := atomic.LoadUint64(&e.nextSeq) - 1

	e.snapMu.Lock()
	e.openSnapshots[seq]++
	e.snapMu.Unlock()

	return &Snapshot{
		engine:  e,
		seq:     seq,
		version: e.vs.Current(),
	}
}

// Stats reports coarse, best-effort sizing information about the
// engine's current state, supplemented from
// original_source/src/engine.rs's Engine::stats stub.
type EngineStats struct {
	FilesPerLevel      []int
	MemtableMemoryUsed int64
	FrozenMemtables    int
}

func (e *Engine) Stats() EngineStats {
	v := e.vs.Current()
	defer e.vs.Release(v)

	stats := EngineStats{FilesPerLevel: make([]int, v.NumLevels())}
	for level := 0; level < v.NumLevels(); level++ {
		stats.FilesPerLevel[level] = len(v.Files(level))
	}

	e.mtMu.RLock()
	stats.MemtableMemoryUsed = e.active.MemoryUsage()
	stats.FrozenMemtables = len(e.frozen)
	e.mtMu.RUnlock()

	return stats
}

// HealthCheck does a best-effort write-then-read-then-delete round trip
// against a reserved key, supplemented from
// original_source/src/engine.rs's Engine::health_check stub.
func (e *Engine) HealthCheck(ctx context.Context) error {
	key := []byte("\x00auradb_health_check\x00")
	val := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := e.Put(ctx, key, val); err != nil {
		return err
	}
	got, err := e.Get(ctx, key)
	if err != nil {
		return err
	}
	if string(got) != string(val) {
		return auerr.New(auerr.CodeConcurrency, "health check round trip mismatch")
	}
	return e.Delete(ctx, key)
}

// Close stops the background loops and closes every owned resource.
// Safe to call once; a second call is a caller bug, not guarded against.
func (e *Engine) Close() error {
	atomic.StoreUint32(&e.closed, 1)
	close(e.stopBg)
	e.bgWG.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(e.w.Close())
	record(e.vwriter.Close())
	record(e.vreader.Close())
	record(e.vs.Close())
	return firstErr
}
