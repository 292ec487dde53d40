package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueIsLarge(t *testing.T) {
	v := NewValue(make([]byte, 256))
	require.True(t, v.IsLarge(256))
	require.True(t, v.IsLarge(255))
	require.False(t, v.IsLarge(257))
}

func TestValuePointerValidity(t *testing.T) {
	require.False(t, ValuePointer{}.IsValid())
	p := NewValuePointer(1, 0, 10)
	require.True(t, p.IsValid())
	require.Equal(t, uint64(10), p.EndOffset())
}

func TestEntryRoundTripHelpers(t *testing.T) {
	e := NewPutEntry(Key("k"), NewValue([]byte("v")), 1, 100)
	require.True(t, e.HasInlineValue())
	require.False(t, e.HasValuePointer())
	require.False(t, e.IsDelete())

	ptr := NewValuePointer(1, 0, 3)
	pe := NewPutPointerEntry(Key("k"), ptr, 2, 100)
	require.False(t, pe.HasInlineValue())
	require.True(t, pe.HasValuePointer())

	ts := NewTombstone(Key("k"), 3, 100)
	require.True(t, ts.IsDelete())
	require.False(t, ts.HasInlineValue())
	require.False(t, ts.HasValuePointer())
}

func TestEntryClone(t *testing.T) {
	orig := NewPutEntry(Key("k"), NewValue([]byte("v")), 1, 100)
	clone := orig.Clone()
	clone.Key[0] = 'x'
	clone.Value.Data[0] = 'y'
	require.Equal(t, Key("k"), orig.Key)
	require.Equal(t, []byte("v"), orig.Value.Data)
}

func TestRangeEmptyAndContains(t *testing.T) {
	r := NewRange(Key("a"), Key("z"))
	require.False(t, r.IsEmpty())
	require.True(t, r.Contains(Key("m")))
	require.False(t, r.Contains(Key("z")))

	empty := NewRange(Key("z"), Key("a"))
	require.True(t, empty.IsEmpty())

	unbounded := NewRange(Key("a"), nil)
	require.False(t, unbounded.IsEmpty())
	require.True(t, unbounded.Contains(Key("zzz")))
}

func TestBatch(t *testing.T) {
	b := NewBatch()
	require.True(t, b.IsEmpty())
	b.Add(NewPutEntry(Key("k1"), NewValue([]byte("v1")), 1, 0))
	b.Add(NewTombstone(Key("k2"), 2, 0))
	b.WithSequence(5).WithSync(true)
	require.Equal(t, 2, b.Len())
	require.EqualValues(t, 5, b.Sequence)
	require.True(t, b.Sync)
}
