package compactor

import (
	"github.com/dreamsxin/auradb/config"
	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/types"
)

// Task describes one compaction: merge Inputs (from SourceLevel) and
// TargetInputs (the overlapping files already at TargetLevel) into one
// or more new files at TargetLevel.
type Task struct {
	SourceLevel  int
	TargetLevel  int
	Inputs       []manifest.FileMetadata
	TargetInputs []manifest.FileMetadata
}

// Strategy selects the next compaction task to run against v, or
// reports false if nothing currently needs compacting. Grounded on
// spec.md §4.5's three named strategies; original_source/compactor.rs
// is a stub (no strategy logic to port), so the trigger conditions and
// task shapes here are built directly from the spec's prose.
type Strategy interface {
	Plan(v *manifest.Version, cfg config.CompactionConfig) (Task, bool)
}

// NewStrategy returns the Strategy implementation named by kind.
func NewStrategy(kind config.CompactionStrategyKind) Strategy {
	switch kind {
	case config.CompactionTiered:
		return tieredStrategy{}
	case config.CompactionFlexible:
		return flexibleStrategy{leveled: leveledStrategy{}, tiered: tieredStrategy{}}
	case config.CompactionLeveled:
		fallthrough
	default:
		return leveledStrategy{}
	}
}

func totalSize(files []manifest.FileMetadata) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

func keyRange(files []manifest.FileMetadata) (types.Key, types.Key) {
	if len(files) == 0 {
		return nil, nil
	}
	smallest, largest := files[0].Smallest, files[0].Largest
	for _, f := range files[1:] {
		if f.Smallest.Compare(smallest) < 0 {
			smallest = f.Smallest
		}
		if f.Largest.Compare(largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// triggered reports whether a compaction trigger fires for level against
// level+1. Two triggers are evaluated: L0's file count against
// Level0Files (L0's own trigger is file count, not size ratio, since L0
// files overlap and a size comparison against level -1 has no meaning),
// and, for lower levels, level+1's total size exceeding LevelSizeRatio
// times level's. Triggers.WriteAmplification is not evaluated.
func triggered(v *manifest.Version, level int, triggers config.CompactionTriggers) bool {
	if level == 0 {
		return len(v.Files(0)) >= triggers.Level0Files
	}
	if level+1 >= v.NumLevels() {
		return false
	}
	curSize := totalSize(v.Files(level))
	if curSize == 0 {
		return false
	}
	nextSize := totalSize(v.Files(level + 1))
	return float64(nextSize) > triggers.LevelSizeRatio*float64(curSize)
}

// leveledStrategy compacts one file from the source level (the oldest,
// to bound per-file staleness) together with every target-level file it
// overlaps, per spec.md §4.5: "one file chosen per compaction from the
// source level, overlapping files merged into target".
type leveledStrategy struct{}

func (s leveledStrategy) Plan(v *manifest.Version, cfg config.CompactionConfig) (Task, bool) {
	for level := 0; level < v.NumLevels()-1; level++ {
		if task, ok := s.planLevel(v, cfg, level); ok {
			return task, true
		}
	}
	return Task{}, false
}

// tieredStrategy accumulates files of similar size at a level and
// compacts the whole tier into one file at the next level once the
// level's file count trigger fires, per spec.md §4.5: "compact a whole
// tier into one file at the next level".
type tieredStrategy struct{}

func (s tieredStrategy) Plan(v *manifest.Version, cfg config.CompactionConfig) (Task, bool) {
	for level := 0; level < v.NumLevels()-1; level++ {
		if task, ok := s.planLevel(v, cfg, level); ok {
			return task, true
		}
	}
	return Task{}, false
}

// flexibleStrategy lets an externally supplied per-level policy choice
// override the default; spec.md §4.5: "the decision is externally
// supplied by an observer (the RL agent collaborator) or defaults to
// leveled". LevelPolicy, if set, is consulted before falling back.
type flexibleStrategy struct {
	leveled leveledStrategy
	tiered  tieredStrategy

	// LevelPolicy maps a level to an explicit strategy choice, set by an
	// external observer (e.g. the RL agent). A nil map means "always
	// default to leveled".
	LevelPolicy map[int]config.CompactionStrategyKind
}

func (f flexibleStrategy) Plan(v *manifest.Version, cfg config.CompactionConfig) (Task, bool) {
	for level := 0; level < v.NumLevels()-1; level++ {
		kind, ok := f.LevelPolicy[level]
		if !ok {
			kind = config.CompactionLeveled
		}
		var planner levelPlanner
		switch kind {
		case config.CompactionTiered:
			planner = f.tiered
		default:
			planner = f.leveled
		}
		if task, ok := planner.planLevel(v, cfg, level); ok {
			return task, true
		}
	}
	return Task{}, false
}

// levelPlanner lets flexibleStrategy ask a delegate strategy to consider
// one specific level rather than scanning from level 0 every time.
type levelPlanner interface {
	planLevel(v *manifest.Version, cfg config.CompactionConfig, level int) (Task, bool)
}

func (leveledStrategy) planLevel(v *manifest.Version, cfg config.CompactionConfig, level int) (Task, bool) {
	if !triggered(v, level, cfg.Triggers) {
		return Task{}, false
	}
	files := v.Files(level)
	if len(files) == 0 {
		return Task{}, false
	}
	inputs := []manifest.FileMetadata{files[0]}
	if level == 0 {
		inputs = files
	}
	smallest, largest := keyRange(inputs)
	target := v.Overlapping(level+1, smallest, nextKey(largest))
	return Task{SourceLevel: level, TargetLevel: level + 1, Inputs: inputs, TargetInputs: target}, true
}

func (tieredStrategy) planLevel(v *manifest.Version, cfg config.CompactionConfig, level int) (Task, bool) {
	files := v.Files(level)
	threshold := cfg.Triggers.Level0Files
	if level > 0 {
		threshold = int(cfg.Triggers.LevelSizeRatio)
		if threshold <= 0 {
			threshold = 4
		}
	}
	if len(files) < threshold {
		return Task{}, false
	}
	smallest, largest := keyRange(files)
	target := v.Overlapping(level+1, smallest, nextKey(largest))
	return Task{SourceLevel: level, TargetLevel: level + 1, Inputs: files, TargetInputs: target}, true
}

// nextKey returns the smallest key strictly greater than k (by appending
// a zero byte), used to build an inclusive-upper-bound overlap query
// against Version.Overlapping's half-open [start, end) contract.
func nextKey(k types.Key) types.Key {
	if k == nil {
		return nil
	}
	out := make(types.Key, len(k)+1)
	copy(out, k)
	return out
}
