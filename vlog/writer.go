package vlog

import (
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
	aumetrics "github.com/dreamsxin/auradb/metrics"
	"github.com/dreamsxin/auradb/types"
)

// queue owns one active segment and serializes writes to it; Writer fans
// values out across config.WriteQueues queues so independent writers don't
// contend on a single file, per spec.md §4.2's "parallel write queues
// chosen by a stable hash of the key".
type queue struct {
	mu      sync.Mutex
	current *segment
}

// Writer is the value log's write path: stable-hash queue selection,
// per-queue segment rotation, and optional compression.
type Writer struct {
	dir     string
	cfg     config.ValueLogConfig
	logger  log.Logger
	metric  *aumetrics.VLog
	nextID  uint64
	nextMu  sync.Mutex
	queues  []*queue
}

// NewWriter opens (or creates) dir and prepares cfg.WriteQueues write
// queues, each backed by a fresh active segment.
func NewWriter(dir string, cfg config.ValueLogConfig, reg prometheus.Registerer, logger log.Logger) (*Writer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "creating vlog dir", err)
	}
	w := &Writer{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		metric: aumetrics.NewVLog(reg),
		nextID: 1,
	}
	// Number new segments after any already in dir, so a reopened writer
	// never reuses an existing segment's id.
	existing, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		w.nextID = existing[len(existing)-1] + 1
	}
	n := cfg.WriteQueues
	if n <= 0 {
		n = 1
	}
	w.queues = make([]*queue, n)
	for i := range w.queues {
		seg, err := w.newSegment()
		if err != nil {
			return nil, err
		}
		w.queues[i] = &queue{current: seg}
	}
	return w, nil
}

func (w *Writer) newSegment() (*segment, error) {
	w.nextMu.Lock()
	id := w.nextID
	w.nextID++
	w.nextMu.Unlock()
	return createSegment(w.dir, id, w.cfg.CompressionAlgorithm)
}

// chooseQueue hashes key with xxhash to pick a stable queue index, so
// repeated writes of the same key tend to land in the same segment file
// (helps GC locality) without needing a shared counter.
func (w *Writer) chooseQueue(key types.Key) int {
	h := xxhash.Sum64(key)
	return int(h % uint64(len(w.queues)))
}

// WriteValue compresses (if configured) and appends data, returning a
// pointer usable to retrieve it later via Reader.ReadValue.
func (w *Writer) WriteValue(key types.Key, data []byte) (types.ValuePointer, error) {
	q := w.queues[w.chooseQueue(key)]
	q.mu.Lock()
	defer q.mu.Unlock()

	algo := config.CompressionNone
	if w.cfg.CompressValues {
		algo = w.cfg.CompressionAlgorithm
	}
	encoded, checksum, err := compress(data, algo)
	if err != nil {
		return types.ValuePointer{}, err
	}

	if q.current.shouldRotate(w.cfg.MaxSegmentSize) {
		if err := q.current.sync(); err != nil {
			return types.ValuePointer{}, err
		}
		if err := q.current.close(); err != nil {
			return types.ValuePointer{}, err
		}
		newSeg, err := w.newSegment()
		if err != nil {
			return types.ValuePointer{}, err
		}
		q.current = newSeg
		w.metric.SegmentRotations.Inc()
	}

	ptr, err := q.current.writeValue(encoded, algo, checksum)
	if err != nil {
		return types.ValuePointer{}, err
	}
	w.metric.BytesWritten.Add(float64(len(encoded)))
	w.metric.EntriesWritten.Inc()
	if len(data) > 0 {
		w.metric.CompressionRatio.Set(float64(len(encoded)) / float64(len(data)))
	}
	return ptr, nil
}

// ActiveSegmentIDs returns the segment id each write queue is currently
// appending to, so the gc package can exclude them all from collection
// regardless of how many queues are configured.
func (w *Writer) ActiveSegmentIDs() []uint64 {
	ids := make([]uint64, len(w.queues))
	for i, q := range w.queues {
		q.mu.Lock()
		ids[i] = q.current.id
		q.mu.Unlock()
	}
	return ids
}

// Sync fsyncs every queue's active segment.
func (w *Writer) Sync() error {
	for _, q := range w.queues {
		q.mu.Lock()
		err := q.current.sync()
		q.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Close fsyncs and closes every queue's active segment.
func (w *Writer) Close() error {
	var firstErr error
	for _, q := range w.queues {
		q.mu.Lock()
		err := q.current.sync()
		if cerr := q.current.close(); err == nil {
			err = cerr
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing vlog segment: %w", err)
		}
		q.mu.Unlock()
	}
	return firstErr
}
