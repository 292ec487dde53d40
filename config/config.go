// Package config centralizes every tunable option the engine exposes,
// following the defaults-and-validate idiom of dreamsxin-wal/wal.go's
// applyDefaultsAndValidate, with functional options mirroring that
// package's walOpt pattern.
package config

import (
	"fmt"
	"runtime"
	"time"

	auerr "github.com/dreamsxin/auradb/errors"
)

// CompressionAlgorithm selects the compression used by a vlog segment or
// SST block.
type CompressionAlgorithm int

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionLz4
	CompressionZstd
	CompressionSnappy
)

func (c CompressionAlgorithm) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// SyncPolicy controls when the WAL writer fsyncs.
type SyncPolicy struct {
	Kind SyncKind
	N    uint64        // used by EveryNWrites
	Ms   time.Duration // used by EveryNMs
}

type SyncKind int

const (
	SyncEveryWrite SyncKind = iota
	SyncEveryNWrites
	SyncEveryNMs
	SyncManual
)

func EveryWrite() SyncPolicy { return SyncPolicy{Kind: SyncEveryWrite} }

func EveryNWrites(n uint64) SyncPolicy { return SyncPolicy{Kind: SyncEveryNWrites, N: n} }

func EveryNMs(d time.Duration) SyncPolicy { return SyncPolicy{Kind: SyncEveryNMs, Ms: d} }

func Manual() SyncPolicy { return SyncPolicy{Kind: SyncManual} }

// MemtableImpl selects which memtable data structure backs the active and
// frozen memtables.
type MemtableImpl int

const (
	MemtableSkipList MemtableImpl = iota
	MemtableART
	MemtableBTree
)

// CompactionStrategyKind selects the compactor's task-generation policy.
type CompactionStrategyKind int

const (
	CompactionLeveled CompactionStrategyKind = iota
	CompactionTiered
	CompactionFlexible
)

// EvictionPolicy selects the unified cache's eviction algorithm.
type EvictionPolicy int

const (
	EvictionLRU EvictionPolicy = iota
	EvictionARC
	EvictionTinyLFU
)

// ModelType selects the learned index's model family.
type ModelType int

const (
	ModelPiecewiseLinear ModelType = iota
	ModelRMI
	ModelTinyNN
)

// FallbackMethod selects the learned index's fallback search when a
// predicted position misses.
type FallbackMethod int

const (
	FallbackBinary FallbackMethod = iota
	FallbackFence
	FallbackBloomScan
)

// WALConfig configures the write-ahead log.
type WALConfig struct {
	MaxFileSize  uint64
	AsyncWrites  bool
	SyncPolicy   SyncPolicy
	BufferSize   int
}

// ValueLogConfig configures the value log.
type ValueLogConfig struct {
	MaxSegmentSize       uint64
	SeparationThreshold  int
	WriteQueues          int
	CacheSize            int
	CompressValues       bool
	CompressionAlgorithm CompressionAlgorithm
}

// MemtableConfig configures the memtable.
type MemtableConfig struct {
	MaxSize        int
	Implementation MemtableImpl
	Count          int
	FlushThreshold float64
}

// SSTConfig configures the sorted-table layer.
type SSTConfig struct {
	TargetFileSize   uint64
	BlockSize        int
	UseBloomFilters  bool
	BloomBitsPerKey  float64
	UseRibbonFilters bool
	Compression      CompressionAlgorithm
}

// CompactionTriggers configures when the compactor fires a task.
type CompactionTriggers struct {
	Level0Files        int
	LevelSizeRatio     float64
	WriteAmplification float64
}

// CompactionConfig configures the compactor.
type CompactionConfig struct {
	Strategy    CompactionStrategyKind
	NumLevels   int
	MaxThreads  int
	IORateLimit uint64 // bytes/sec, 0 means unlimited
	UseRLAgent  bool
	Triggers    CompactionTriggers
}

// CacheConfig configures the unified block/vlog cache.
type CacheConfig struct {
	BlockCacheSize int
	VlogCacheSize  int
	Eviction       EvictionPolicy
	Unified        bool
}

// LearnedIndexConfig configures the SST layer's optional learned index.
type LearnedIndexConfig struct {
	Enabled           bool
	ModelType         ModelType
	TrainingFrequency int
	OnlineTuning      bool
	Fallback          FallbackMethod
}

// GCConfig configures the value-log garbage collector. Not named
// explicitly in spec.md's enumerated config list, but required by
// spec.md §4.6's "a segment with live fraction below threshold is
// selected" and "verified periodically" — supplemented here the way
// original_source/src/config.rs supplements every other component with
// its own config struct.
type GCConfig struct {
	LiveFractionThreshold float64
	ReconcileInterval     time.Duration
}

// Config is the full set of engine tunables.
type Config struct {
	DBPath string

	WAL           WALConfig
	ValueLog      ValueLogConfig
	Memtable      MemtableConfig
	SST           SSTConfig
	Compaction    CompactionConfig
	GC            GCConfig
	Cache         CacheConfig
	LearnedIndex  LearnedIndexConfig
	WorkerThreads int
}

// DefaultConfig returns the engine's defaults, ported from
// original_source/src/config.rs's Default impls.
func DefaultConfig() Config {
	return Config{
		DBPath: "./auradb_data",
		WAL: WALConfig{
			MaxFileSize: 64 * 1024 * 1024,
			AsyncWrites: true,
			SyncPolicy:  EveryWrite(),
			BufferSize:  64 * 1024,
		},
		ValueLog: ValueLogConfig{
			MaxSegmentSize:       256 * 1024 * 1024,
			SeparationThreshold:  1024,
			WriteQueues:          4,
			CacheSize:            64 * 1024 * 1024,
			CompressValues:       true,
			CompressionAlgorithm: CompressionLz4,
		},
		Memtable: MemtableConfig{
			MaxSize:        64 * 1024 * 1024,
			Implementation: MemtableSkipList,
			Count:          2,
			FlushThreshold: 0.8,
		},
		SST: SSTConfig{
			TargetFileSize:   64 * 1024 * 1024,
			BlockSize:        64 * 1024,
			UseBloomFilters:  true,
			BloomBitsPerKey:  10.0,
			UseRibbonFilters: false,
			Compression:      CompressionLz4,
		},
		Compaction: CompactionConfig{
			Strategy:    CompactionLeveled,
			NumLevels:   7,
			MaxThreads:  4,
			IORateLimit: 100 * 1024 * 1024,
			UseRLAgent:  true,
			Triggers: CompactionTriggers{
				Level0Files:        4,
				LevelSizeRatio:     10.0,
				WriteAmplification: 5.0,
			},
		},
		GC: GCConfig{
			LiveFractionThreshold: 0.5,
			ReconcileInterval:     5 * time.Minute,
		},
		Cache: CacheConfig{
			BlockCacheSize: 256 * 1024 * 1024,
			VlogCacheSize:  64 * 1024 * 1024,
			Eviction:       EvictionARC,
			Unified:        true,
		},
		LearnedIndex: LearnedIndexConfig{
			Enabled:           true,
			ModelType:         ModelPiecewiseLinear,
			TrainingFrequency: 10000,
			OnlineTuning:      true,
			Fallback:          FallbackBinary,
		},
		WorkerThreads: runtime.NumCPU(),
	}
}

// Option mutates a Config at construction time, mirroring
// dreamsxin-wal/wal.go's walOpt pattern.
type Option func(*Config)

func WithDBPath(path string) Option {
	return func(c *Config) { c.DBPath = path }
}

func WithWAL(wal WALConfig) Option {
	return func(c *Config) { c.WAL = wal }
}

func WithValueLog(vlog ValueLogConfig) Option {
	return func(c *Config) { c.ValueLog = vlog }
}

func WithMemtable(mt MemtableConfig) Option {
	return func(c *Config) { c.Memtable = mt }
}

func WithSST(sst SSTConfig) Option {
	return func(c *Config) { c.SST = sst }
}

func WithCompaction(comp CompactionConfig) Option {
	return func(c *Config) { c.Compaction = comp }
}

func WithGC(gc GCConfig) Option {
	return func(c *Config) { c.GC = gc }
}

func WithCache(cache CacheConfig) Option {
	return func(c *Config) { c.Cache = cache }
}

func WithLearnedIndex(li LearnedIndexConfig) Option {
	return func(c *Config) { c.LearnedIndex = li }
}

// New builds a Config starting from DefaultConfig and applying opts in
// order, then validates it.
func New(opts ...Option) (Config, error) {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for internally inconsistent values,
// ported from original_source/src/config.rs's Config::validate.
func (c Config) Validate() error {
	if c.WAL.MaxFileSize == 0 {
		return auerr.Wrap(auerr.CodeConfig, "wal.max_file_size must be > 0", fmt.Errorf("got 0"))
	}
	if c.ValueLog.MaxSegmentSize == 0 {
		return auerr.Wrap(auerr.CodeConfig, "vlog.max_segment_size must be > 0", fmt.Errorf("got 0"))
	}
	if c.ValueLog.WriteQueues <= 0 {
		return auerr.Wrap(auerr.CodeConfig, "vlog.write_queues must be > 0", fmt.Errorf("got %d", c.ValueLog.WriteQueues))
	}
	if c.Memtable.MaxSize == 0 {
		return auerr.Wrap(auerr.CodeConfig, "memtable.max_size must be > 0", fmt.Errorf("got 0"))
	}
	if c.Memtable.FlushThreshold <= 0 || c.Memtable.FlushThreshold > 1 {
		return auerr.Wrap(auerr.CodeConfig, "memtable.flush_threshold must be in (0,1]", fmt.Errorf("got %f", c.Memtable.FlushThreshold))
	}
	if c.SST.TargetFileSize == 0 {
		return auerr.Wrap(auerr.CodeConfig, "sst.target_file_size must be > 0", fmt.Errorf("got 0"))
	}
	if c.SST.BlockSize == 0 {
		return auerr.Wrap(auerr.CodeConfig, "sst.block_size must be > 0", fmt.Errorf("got 0"))
	}
	if c.Cache.BlockCacheSize == 0 {
		return auerr.Wrap(auerr.CodeConfig, "cache.block_cache_size must be > 0", fmt.Errorf("got 0"))
	}
	if c.Compaction.MaxThreads <= 0 {
		return auerr.Wrap(auerr.CodeConfig, "compaction.max_threads must be > 0", fmt.Errorf("got %d", c.Compaction.MaxThreads))
	}
	if c.GC.LiveFractionThreshold <= 0 || c.GC.LiveFractionThreshold > 1 {
		return auerr.Wrap(auerr.CodeConfig, "gc.live_fraction_threshold must be in (0,1]", fmt.Errorf("got %f", c.GC.LiveFractionThreshold))
	}
	if c.GC.ReconcileInterval <= 0 {
		return auerr.Wrap(auerr.CodeConfig, "gc.reconcile_interval must be > 0", fmt.Errorf("got %s", c.GC.ReconcileInterval))
	}
	return nil
}
