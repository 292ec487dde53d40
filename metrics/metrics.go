// Package metrics holds one Prometheus metrics struct per engine
// component, built the same way dreamsxin-wal/metrics.go builds its
// walMetrics: promauto.With(reg) against a shared registerer passed down
// from the engine facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WAL holds the write-ahead log's counters and gauges.
type WAL struct {
	BytesWritten          prometheus.Counter
	EntriesWritten        prometheus.Counter
	Appends               prometheus.Counter
	EntryBytesRead        prometheus.Counter
	EntriesRead           prometheus.Counter
	SegmentRotations      prometheus.Counter
	Fsyncs                prometheus.Counter
	LastSegmentAgeSeconds prometheus.Gauge
}

func NewWAL(reg prometheus.Registerer) *WAL {
	return &WAL{
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_wal_entry_bytes_written",
			Help: "Bytes of WAL record payload written, before framing overhead.",
		}),
		EntriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_wal_entries_written",
			Help: "Number of WAL records written.",
		}),
		Appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_wal_appends",
			Help: "Number of records appended by Append or AppendBatch; a batch is one record.",
		}),
		EntryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_wal_entry_bytes_read",
			Help: "Bytes of WAL record payload read back during recovery.",
		}),
		EntriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_wal_entries_read",
			Help: "Number of WAL records read back during recovery.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_wal_segment_rotations",
			Help: "Number of times the WAL moved to a new segment file.",
		}),
		Fsyncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_wal_fsyncs",
			Help: "Number of fsync calls issued by the WAL writer.",
		}),
		LastSegmentAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "auradb_wal_last_segment_age_seconds",
			Help: "Seconds between creation and sealing of the last rotated segment.",
		}),
	}
}

// VLog holds the value log's counters and gauges.
type VLog struct {
	BytesWritten     prometheus.Counter
	EntriesWritten   prometheus.Counter
	BytesRead        prometheus.Counter
	EntriesRead      prometheus.Counter
	SegmentRotations prometheus.Counter
	CompressionRatio prometheus.Gauge
	CRCMismatches    prometheus.Counter
}

func NewVLog(reg prometheus.Registerer) *VLog {
	return &VLog{
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_vlog_bytes_written",
			Help: "Bytes of value payload written to the value log, post-compression.",
		}),
		EntriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_vlog_entries_written",
			Help: "Number of value-log entries written.",
		}),
		BytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_vlog_bytes_read",
			Help: "Bytes read back from value log segments.",
		}),
		EntriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_vlog_entries_read",
			Help: "Number of value-log reads served.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_vlog_segment_rotations",
			Help: "Number of times a write queue rotated to a new segment.",
		}),
		CompressionRatio: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "auradb_vlog_compression_ratio",
			Help: "Most recently observed compressed/plaintext byte ratio.",
		}),
		CRCMismatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_vlog_crc_mismatches",
			Help: "Number of value-log reads that failed plaintext CRC validation.",
		}),
	}
}

// Memtable holds the active memtable's gauges.
type Memtable struct {
	MemoryUsageBytes prometheus.Gauge
	EntryCount       prometheus.Gauge
	Flushes          prometheus.Counter
	Rotations        prometheus.Counter
}

func NewMemtable(reg prometheus.Registerer) *Memtable {
	return &Memtable{
		MemoryUsageBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "auradb_memtable_memory_usage_bytes",
			Help: "Approximate byte size of the active memtable.",
		}),
		EntryCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "auradb_memtable_entry_count",
			Help: "Number of entries in the active memtable.",
		}),
		Flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_memtable_flushes",
			Help: "Number of memtable flushes to L0 SSTs.",
		}),
		Rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_memtable_rotations",
			Help: "Number of active/frozen memtable rotations.",
		}),
	}
}

// SST holds the sorted-table layer's counters and gauges.
type SST struct {
	FilesOpened       prometheus.Counter
	BlockCacheHits    prometheus.Counter
	BlockCacheMisses  prometheus.Counter
	BloomNegatives    prometheus.Counter
	LearnedIndexHits  prometheus.Counter
	LearnedIndexMiss  prometheus.Counter
	BytesWritten      prometheus.Counter
}

func NewSST(reg prometheus.Registerer) *SST {
	return &SST{
		FilesOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_sst_files_opened",
			Help: "Number of SST files opened for reading.",
		}),
		BlockCacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_sst_block_cache_hits",
			Help: "Number of data block reads served from cache.",
		}),
		BlockCacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_sst_block_cache_misses",
			Help: "Number of data block reads that missed cache and hit disk.",
		}),
		BloomNegatives: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_sst_bloom_negatives",
			Help: "Number of lookups short-circuited by a negative bloom filter probe.",
		}),
		LearnedIndexHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_sst_learned_index_hits",
			Help: "Number of lookups resolved by the learned index without falling back.",
		}),
		LearnedIndexMiss: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_sst_learned_index_misses",
			Help: "Number of lookups where the learned index missed and binary search ran.",
		}),
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_sst_bytes_written",
			Help: "Bytes written to SST files by flush and compaction.",
		}),
	}
}

// Compactor holds the compactor's counters and gauges.
type Compactor struct {
	TasksRun         prometheus.Counter
	TasksFailed      prometheus.Counter
	BytesRead        prometheus.Counter
	BytesWritten     prometheus.Counter
	RateLimitWaitSec prometheus.Counter
	TaskDuration     prometheus.Histogram
}

func NewCompactor(reg prometheus.Registerer) *Compactor {
	return &Compactor{
		TasksRun: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_compaction_tasks_run",
			Help: "Number of compaction tasks executed.",
		}),
		TasksFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_compaction_tasks_failed",
			Help: "Number of compaction tasks that failed and were retried at the next trigger.",
		}),
		BytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_compaction_bytes_read",
			Help: "Bytes read by compaction merges.",
		}),
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_compaction_bytes_written",
			Help: "Bytes written by compaction merges.",
		}),
		RateLimitWaitSec: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_compaction_rate_limit_wait_seconds",
			Help: "Cumulative seconds compaction spent waiting on the I/O rate limiter.",
		}),
		TaskDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "auradb_compaction_task_duration_seconds",
			Help:    "Wall-clock duration of a single compaction task run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// GC holds the value-log garbage collector's counters.
type GC struct {
	SegmentsProcessed prometheus.Counter
	BytesReclaimed    prometheus.Counter
	RunsSeconds       prometheus.Counter
}

func NewGC(reg prometheus.Registerer) *GC {
	return &GC{
		SegmentsProcessed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_gc_segments_processed",
			Help: "Number of vlog segments fully rewritten or deleted by GC.",
		}),
		BytesReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_gc_bytes_reclaimed",
			Help: "Bytes reclaimed by GC segment rewrites.",
		}),
		RunsSeconds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_gc_run_seconds",
			Help: "Cumulative seconds spent running GC passes.",
		}),
	}
}

// Cache holds the unified cache's counters and gauges.
type Cache struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	SizeBytes prometheus.Gauge
}

func NewCache(reg prometheus.Registerer) *Cache {
	return &Cache{
		Hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_cache_hits",
			Help: "Number of cache gets that hit.",
		}),
		Misses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_cache_misses",
			Help: "Number of cache gets that missed.",
		}),
		Evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_cache_evictions",
			Help: "Number of entries evicted from the cache.",
		}),
		SizeBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "auradb_cache_size_bytes",
			Help: "Current approximate byte size of cached entries.",
		}),
	}
}

// Engine holds the root facade's own counters and gauges, above whatever
// the subsystem packages publish under the same registerer.
type Engine struct {
	PutOps        prometheus.Counter
	GetOps        prometheus.Counter
	DeleteOps     prometheus.Counter
	GetMisses     prometheus.Counter
	BatchOps      prometheus.Counter
	OpLatencySec  prometheus.Histogram
	ValuesInlined prometheus.Counter
	ValuesInVlog  prometheus.Counter
}

func NewEngine(reg prometheus.Registerer) *Engine {
	return &Engine{
		PutOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_engine_put_ops",
			Help: "Number of Put calls accepted.",
		}),
		GetOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_engine_get_ops",
			Help: "Number of Get calls served.",
		}),
		DeleteOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_engine_delete_ops",
			Help: "Number of Delete calls accepted.",
		}),
		GetMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_engine_get_misses",
			Help: "Number of Get calls that found no live value for the key.",
		}),
		BatchOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_engine_batch_ops",
			Help: "Number of WriteBatch calls accepted.",
		}),
		OpLatencySec: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "auradb_engine_op_latency_seconds",
			Help:    "Wall-clock latency of Put/Get/Delete/WriteBatch calls.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		ValuesInlined: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_engine_values_inlined",
			Help: "Number of values written inline in the memtable/WAL rather than to the value log.",
		}),
		ValuesInVlog: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "auradb_engine_values_in_vlog",
			Help: "Number of values separated out to the value log.",
		}),
	}
}
