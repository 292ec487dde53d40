package wal

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/auradb/config"
	"github.com/dreamsxin/auradb/types"
)

func testWALConfig() config.WALConfig {
	cfg := config.DefaultConfig().WAL
	cfg.MaxFileSize = 4096
	cfg.SyncPolicy = config.EveryWrite()
	return cfg
}

func openTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w, err := Open(dir, testWALConfig(), prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	entries := []types.Entry{
		types.NewPutEntry(types.Key("a"), types.NewValue([]byte("1")), 1, 0),
		types.NewPutEntry(types.Key("b"), types.NewValue([]byte("2")), 2, 0),
		types.NewTombstone(types.Key("a"), 3, 0),
	}
	for _, e := range entries {
		require.NoError(t, w.Append(context.Background(), e))
	}
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, dir)
	var replayed []types.Entry
	nextSeq, err := w2.Recover(func(e types.Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, nextSeq)
	require.Len(t, replayed, 3)
	require.Equal(t, types.Key("a"), replayed[0].Key)
	require.True(t, replayed[2].IsDelete())
}

func TestAppendBatchAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	b := types.NewBatch().WithSequence(10)
	b.Add(types.NewPutEntry(types.Key("k1"), types.NewValue([]byte("v1")), 10, 0))
	b.Add(types.NewPutEntry(types.Key("k2"), types.NewValue([]byte("v2")), 11, 0))
	require.NoError(t, w.AppendBatch(context.Background(), b))
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, dir)
	var got []types.Entry
	_, err := w2.Recover(func(e types.Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRotationAcrossMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	big := make([]byte, 1024)
	for i := 0; i < 20; i++ {
		e := types.NewPutEntry(types.Key("k"), types.NewValue(big), uint64(i+1), 0)
		require.NoError(t, w.Append(context.Background(), e))
	}

	files, err := filesIn(dir)
	require.NoError(t, err)
	require.Greater(t, len(files), 1, "expected rotation to create more than one segment file")
}

func TestTruncatedTrailingRecordStopsReplay(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	require.NoError(t, w.Append(context.Background(), types.NewPutEntry(types.Key("a"), types.NewValue([]byte("1")), 1, 0)))
	require.NoError(t, w.Append(context.Background(), types.NewPutEntry(types.Key("b"), types.NewValue([]byte("2")), 2, 0)))
	require.NoError(t, w.Close())

	files, err := filesIn(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	truncateFile(t, files[0], 4) // chop off the last record's payload

	w2 := openTestWAL(t, dir)
	var got []types.Entry
	_, err = w2.Recover(func(e types.Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// TestEncodeDecodeEntryRoundTripFuzz feeds randomized key/value/sequence
// combinations through the Put and Delete codec shapes TestEncodeDecodeEntryRoundTrip
// checks by hand (its PutPointer case is not fuzzed). Fuzzing the raw byte payloads (rather than the Entry struct
// itself) keeps every generated case codec-valid: a tagPut record always needs
// a Value and no ValuePointer, a tagDelete record needs neither.
func TestEncodeDecodeEntryRoundTripFuzz(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 64)

	for i := 0; i < 200; i++ {
		var key, val []byte
		var seq uint64
		var ts int64
		f.Fuzz(&key)
		f.Fuzz(&val)
		f.Fuzz(&seq)
		f.Fuzz(&ts)

		put := types.NewPutEntry(types.Key(key), types.NewValue(val), seq, ts)
		decoded, err := DecodeEntry(EncodeEntry(put))
		require.NoError(t, err)
		require.Equal(t, put.Key, decoded.Key)
		require.Equal(t, put.Value.Data, decoded.Value.Data)
		require.Equal(t, put.Sequence, decoded.Sequence)
		require.Equal(t, put.Timestamp, decoded.Timestamp)
		require.Equal(t, put.Op, decoded.Op)

		del := types.NewTombstone(types.Key(key), seq, ts)
		decoded, err = DecodeEntry(EncodeEntry(del))
		require.NoError(t, err)
		require.Equal(t, del.Key, decoded.Key)
		require.Equal(t, del.Sequence, decoded.Sequence)
		require.True(t, decoded.IsDelete())
	}
}

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	cases := []types.Entry{
		types.NewPutEntry(types.Key("k"), types.NewValue([]byte("v")), 1, 42),
		types.NewPutPointerEntry(types.Key("k2"), types.NewValuePointerWithCRC(1, 100, 10, 0xdeadbeef), 2, 43),
		types.NewTombstone(types.Key("k3"), 3, 44),
	}
	for _, e := range cases {
		encoded := EncodeEntry(e)
		decoded, err := DecodeEntry(encoded)
		require.NoError(t, err)
		require.Equal(t, e.Key, decoded.Key)
		require.Equal(t, e.Sequence, decoded.Sequence)
		require.Equal(t, e.Op, decoded.Op)
	}
}
