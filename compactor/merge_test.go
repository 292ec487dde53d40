package compactor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/auradb/types"
)

// sliceSource is an entrySource backed by an in-memory slice, used so
// merge tests don't need real sst files.
type sliceSource struct {
	entries []types.Entry
	pos     int
}

func (s *sliceSource) Next() bool {
	if s.pos >= len(s.entries) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceSource) Entry() types.Entry { return s.entries[s.pos-1] }

func newSliceSource(entries ...types.Entry) *sliceSource {
	return &sliceSource{entries: entries}
}

func collect(m *MergeIterator) []types.Entry {
	var out []types.Entry
	for m.Next() {
		out = append(out, m.Entry())
	}
	return out
}

func TestMergeIteratorOrdersAcrossSources(t *testing.T) {
	a := newSliceSource(
		types.NewPutEntry(types.Key("a"), types.Value{Data: []byte("1")}, 1, 0),
		types.NewPutEntry(types.Key("c"), types.Value{Data: []byte("1")}, 1, 0),
	)
	b := newSliceSource(
		types.NewPutEntry(types.Key("b"), types.Value{Data: []byte("1")}, 2, 0),
		types.NewPutEntry(types.Key("d"), types.Value{Data: []byte("1")}, 2, 0),
	)

	m := NewMergeIterator([]entrySource{a, b}, false, 0)
	got := collect(m)
	require.Len(t, got, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		require.Equal(t, want, string(got[i].Key))
	}
}

func TestMergeIteratorSupersessionKeepsHighestSequence(t *testing.T) {
	older := newSliceSource(types.NewPutEntry(types.Key("k"), types.Value{Data: []byte("old")}, 1, 0))
	newer := newSliceSource(types.NewPutEntry(types.Key("k"), types.Value{Data: []byte("new")}, 5, 0))

	m := NewMergeIterator([]entrySource{older, newer}, false, 0)
	got := collect(m)
	require.Len(t, got, 1)
	require.Equal(t, "new", string(got[0].Value.Data))
	require.Equal(t, uint64(5), got[0].Sequence)
}

func TestMergeIteratorDropsOldTombstonesWhenBottommost(t *testing.T) {
	src := newSliceSource(
		types.NewTombstone(types.Key("dead"), 1, 0),
		types.NewPutEntry(types.Key("live"), types.Value{Data: []byte("v")}, 10, 0),
	)

	m := NewMergeIterator([]entrySource{src}, true, 5)
	got := collect(m)
	require.Len(t, got, 1)
	require.Equal(t, "live", string(got[0].Key))
}

func TestMergeIteratorKeepsTombstonesWhenNotBottommost(t *testing.T) {
	src := newSliceSource(types.NewTombstone(types.Key("dead"), 1, 0))

	m := NewMergeIterator([]entrySource{src}, false, 5)
	got := collect(m)
	require.Len(t, got, 1)
	require.True(t, got[0].IsDelete())
}

func TestMergeIteratorKeepsTombstonesNewerThanOldestLive(t *testing.T) {
	src := newSliceSource(types.NewTombstone(types.Key("dead"), 9, 0))

	m := NewMergeIterator([]entrySource{src}, true, 5)
	got := collect(m)
	require.Len(t, got, 1)
}
