package compactor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/auradb/config"
	"github.com/dreamsxin/auradb/manifest"
	"github.com/dreamsxin/auradb/types"
)

func testVersionSet(t *testing.T, numLevels int) *manifest.VersionSet {
	t.Helper()
	path := t.TempDir() + "/MANIFEST"
	vs, err := manifest.Open(path, numLevels)
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	return vs
}

func file(num uint64, level int, smallest, largest string, size int64) manifest.FileMetadata {
	return manifest.FileMetadata{
		FileNum: num, Level: level,
		Path:     "sst.sst",
		Smallest: types.Key(smallest), Largest: types.Key(largest),
		Size: size,
	}
}

func TestLeveledStrategyTriggersOnL0FileCount(t *testing.T) {
	vs := testVersionSet(t, 4)
	cfg := config.DefaultConfig().Compaction
	cfg.Triggers.Level0Files = 2

	_, err := vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{
		file(1, 0, "a", "m", 100),
		file(2, 0, "n", "z", 100),
	}})
	require.NoError(t, err)

	v := vs.Current()
	defer vs.Release(v)

	s := NewStrategy(config.CompactionLeveled)
	task, ok := s.Plan(v, cfg)
	require.True(t, ok)
	require.Equal(t, 0, task.SourceLevel)
	require.Equal(t, 1, task.TargetLevel)
	require.Len(t, task.Inputs, 2)
}

func TestLeveledStrategyNoTaskBelowTrigger(t *testing.T) {
	vs := testVersionSet(t, 4)
	cfg := config.DefaultConfig().Compaction
	cfg.Triggers.Level0Files = 4

	_, err := vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{
		file(1, 0, "a", "m", 100),
	}})
	require.NoError(t, err)

	v := vs.Current()
	defer vs.Release(v)

	s := NewStrategy(config.CompactionLeveled)
	_, ok := s.Plan(v, cfg)
	require.False(t, ok)
}

func TestLeveledStrategyPicksOverlappingTargetFiles(t *testing.T) {
	vs := testVersionSet(t, 4)
	cfg := config.DefaultConfig().Compaction
	cfg.Triggers.Level0Files = 1

	_, err := vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{
		file(1, 0, "a", "m", 100),
		file(2, 1, "a", "f", 100),
		file(3, 1, "x", "z", 100),
	}})
	require.NoError(t, err)

	v := vs.Current()
	defer vs.Release(v)

	s := NewStrategy(config.CompactionLeveled)
	task, ok := s.Plan(v, cfg)
	require.True(t, ok)
	require.Len(t, task.TargetInputs, 1)
	require.Equal(t, uint64(2), task.TargetInputs[0].FileNum)
}

func TestTieredStrategyCompactsWholeTier(t *testing.T) {
	vs := testVersionSet(t, 4)
	cfg := config.DefaultConfig().Compaction
	cfg.Triggers.Level0Files = 2

	_, err := vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{
		file(1, 0, "a", "b", 10),
		file(2, 0, "c", "d", 10),
	}})
	require.NoError(t, err)

	v := vs.Current()
	defer vs.Release(v)

	s := NewStrategy(config.CompactionTiered)
	task, ok := s.Plan(v, cfg)
	require.True(t, ok)
	require.Len(t, task.Inputs, 2)
	require.Equal(t, 1, task.TargetLevel)
}

func TestFlexibleStrategyDefaultsToLeveled(t *testing.T) {
	vs := testVersionSet(t, 4)
	cfg := config.DefaultConfig().Compaction
	cfg.Triggers.Level0Files = 1

	_, err := vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{
		file(1, 0, "a", "m", 100),
	}})
	require.NoError(t, err)

	v := vs.Current()
	defer vs.Release(v)

	s := NewStrategy(config.CompactionFlexible)
	task, ok := s.Plan(v, cfg)
	require.True(t, ok)
	require.Len(t, task.Inputs, 1)
}

func TestFlexibleStrategyHonorsLevelPolicyOverride(t *testing.T) {
	vs := testVersionSet(t, 4)
	cfg := config.DefaultConfig().Compaction
	cfg.Triggers.LevelSizeRatio = 2

	// L1 holds two files and L2 is large enough that leveled's size-ratio
	// trigger fires at L1 too, so only the override decides how many L1
	// files are picked. (At L0 both strategies take the whole level.)
	_, err := vs.LogAndApply(manifest.VersionEdit{NewFiles: []manifest.FileMetadata{
		file(1, 1, "a", "b", 10),
		file(2, 1, "c", "d", 10),
		file(3, 2, "a", "z", 1000),
	}})
	require.NoError(t, err)

	v := vs.Current()
	defer vs.Release(v)

	strat := flexibleStrategy{
		leveled:     leveledStrategy{},
		tiered:      tieredStrategy{},
		LevelPolicy: map[int]config.CompactionStrategyKind{1: config.CompactionTiered},
	}
	task, ok := strat.Plan(v, cfg)
	require.True(t, ok)
	require.Len(t, task.Inputs, 2) // tiered pulls the whole level, leveled would pull one file
}
