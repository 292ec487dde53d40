// Package compactor bounds read and space amplification by merging SST
// files across levels, per spec.md §4.5. Three strategies (leveled,
// tiered, flexible) select tasks; Executor runs a selected task through
// a k-way merge, writes new output files, and flips the manifest
// atomically once every output is sealed and fsynced.
package compactor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/manifest"
	aumetrics "github.com/dreamsxin/auradb/metrics"
	"github.com/dreamsxin/auradb/sst"
	"github.com/dreamsxin/auradb/types"
)

// Limiter throttles compaction I/O to cfg.IORateLimit bytes/sec, per
// spec.md §4.5: "A token-bucket limiter caps bytes per second of reads
// + writes performed by compaction; exceeding the budget suspends the
// compactor." golang.org/x/time/rate is already an indirect dependency
// of the teacher's go.mod; this promotes it to direct use.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter builds a Limiter honoring bytesPerSec; zero means unlimited.
func NewLimiter(bytesPerSec uint64) *Limiter {
	if bytesPerSec == 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, 0)}
	}
	burst := int(bytesPerSec)
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WaitN blocks until n bytes' worth of budget is available or ctx is done.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return l.rl.WaitN(ctx, n)
}

// Executor runs compaction tasks against a manifest.VersionSet.
type Executor struct {
	dbPath  string
	sstCfg  config.SSTConfig
	reg     prometheus.Registerer
	limiter *Limiter
	metric  *aumetrics.Compactor
}

// NewExecutor builds an Executor writing new SSTs under dbPath/sst.
func NewExecutor(dbPath string, sstCfg config.SSTConfig, compactionCfg config.CompactionConfig, reg prometheus.Registerer) *Executor {
	return &Executor{
		dbPath:  dbPath,
		sstCfg:  sstCfg,
		reg:     reg,
		limiter: NewLimiter(compactionCfg.IORateLimit),
		metric:  aumetrics.NewCompactor(reg),
	}
}

// Run executes task: opens every input file, merges them, writes one or
// more output SSTs at task.TargetLevel (splitting on sstCfg.TargetFileSize),
// and installs a VersionEdit via vs.LogAndApply — only after every
// output has been sealed and fsynced (sst.Writer.Finish does both),
// matching spec.md §4.5's "the manifest is only flipped after all
// outputs are sealed and fsynced". oldestLiveSequence is the lowest
// sequence number any open snapshot still observes; tombstones older
// than it are dropped only when task.TargetLevel is the bottommost
// level (spec.md §4.5's "dropped only when no older SST or live
// snapshot can possibly hold a matching key" — see DESIGN.md's Open
// Question decision on exactly which levels count as bottommost).
func (ex *Executor) Run(ctx context.Context, task Task, vs *manifest.VersionSet, numLevels int, oldestLiveSequence uint64) (*manifest.Version, error) {
	timer := prometheus.NewTimer(ex.metric.TaskDuration)
	defer timer.ObserveDuration()

	allInputs := append(append([]manifest.FileMetadata{}, task.Inputs...), task.TargetInputs...)
	readers := make([]*sst.Reader, 0, len(allInputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var sources []entrySource
	for _, f := range allInputs {
		r, err := sst.Open(f.Path, ex.sstCfg, ex.reg)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
		sources = append(sources, r.NewIterator(types.Range{}))
	}

	bottommost := task.TargetLevel == numLevels-1
	merged := NewMergeIterator(sources, bottommost, oldestLiveSequence)

	outDir := filepath.Join(ex.dbPath, "sst")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "creating sst output dir", err)
	}

	var outputs []manifest.FileMetadata
	var w *sst.Writer
	var curFileNum uint64
	var curSize int64

	openOutput := func() error {
		n, err := vs.NextFileNumber()
		if err != nil {
			return err
		}
		curFileNum, curSize = n, 0
		path := filepath.Join(outDir, fmt.Sprintf("sst_%d_%d.sst", task.TargetLevel, curFileNum))
		w, err = sst.NewWriter(path, task.TargetLevel, ex.sstCfg, ex.reg)
		return err
	}
	closeOutput := func() error {
		meta, err := w.Finish()
		if err != nil {
			return err
		}
		if meta.EntryCount == 0 {
			// A split landed exactly on the last input entry; drop the
			// resulting empty file rather than register it in the manifest.
			return os.Remove(meta.Path)
		}
		outputs = append(outputs, manifest.FileMetadata{
			FileNum: curFileNum, Level: task.TargetLevel, Path: meta.Path,
			Smallest: meta.Smallest, Largest: meta.Largest,
			EntryCount: meta.EntryCount, Size: meta.Size,
		})
		ex.metric.BytesWritten.Add(float64(meta.Size))
		return nil
	}

	if err := openOutput(); err != nil {
		return nil, err
	}
	for merged.Next() {
		entry := merged.Entry()
		n := len(entry.Key) + valueLen(entry)
		if err := ex.limiter.WaitN(ctx, n); err != nil {
			return nil, err
		}
		if err := w.Add(entry); err != nil {
			return nil, err
		}
		curSize += int64(n)
		if ex.sstCfg.TargetFileSize > 0 && curSize >= int64(ex.sstCfg.TargetFileSize) {
			if err := closeOutput(); err != nil {
				return nil, err
			}
			if err := openOutput(); err != nil {
				return nil, err
			}
		}
	}
	if err := closeOutput(); err != nil {
		return nil, err
	}

	edit := manifest.VersionEdit{NewFiles: outputs}
	for _, f := range task.Inputs {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFile{Level: task.SourceLevel, FileNum: f.FileNum})
	}
	for _, f := range task.TargetInputs {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFile{Level: task.TargetLevel, FileNum: f.FileNum})
	}

	next, err := vs.LogAndApply(edit)
	if err != nil {
		return nil, err
	}
	ex.metric.TasksRun.Inc()
	return next, nil
}

func valueLen(e types.Entry) int {
	if e.Value != nil {
		return len(e.Value.Data)
	}
	return 0
}
