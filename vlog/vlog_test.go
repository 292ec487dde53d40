package vlog

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/auradb/config"
	"github.com/dreamsxin/auradb/types"
)

func testVlogConfig() config.ValueLogConfig {
	cfg := config.DefaultConfig().ValueLog
	cfg.MaxSegmentSize = 2048
	cfg.WriteQueues = 2
	return cfg
}

func TestWriteAndReadValueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, testVlogConfig(), prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	defer w.Close()

	data := []byte("a reasonably sized value that should round-trip intact")
	ptr, err := w.WriteValue(types.Key("k1"), data)
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	r := NewReader(dir, prometheus.NewRegistry())
	defer r.Close()

	got, err := r.ReadValue(ptr)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestWriteAndReadValueRoundTripFuzz exercises the same
// WriteValue/ReadValue round trip TestWriteAndReadValueRoundTrip checks by
// hand, but over randomized keys and value payloads of varying size, so the
// pointer offset/length bookkeeping gets checked against more than one
// hand-picked value.
func TestWriteAndReadValueRoundTripFuzz(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, testVlogConfig(), prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	defer w.Close()

	f := fuzz.New().NilChance(0).NumElements(1, 512)

	for i := 0; i < 100; i++ {
		var key, val []byte
		f.Fuzz(&key)
		f.Fuzz(&val)

		ptr, err := w.WriteValue(types.Key(key), val)
		require.NoError(t, err)
		require.NoError(t, w.Sync())

		r := NewReader(dir, prometheus.NewRegistry())
		got, err := r.ReadValue(ptr)
		require.NoError(t, err)
		require.Equal(t, val, got)
		require.NoError(t, r.Close())
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, algo := range []config.CompressionAlgorithm{
		config.CompressionNone,
		config.CompressionSnappy,
		config.CompressionLz4,
		config.CompressionZstd,
	} {
		cfg := testVlogConfig()
		cfg.CompressValues = true
		cfg.CompressionAlgorithm = algo

		dir := t.TempDir()
		w, err := NewWriter(dir, cfg, prometheus.NewRegistry(), nil)
		require.NoError(t, err)

		data := []byte("compressible compressible compressible compressible data")
		ptr, err := w.WriteValue(types.Key("k"), data)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r := NewReader(dir, prometheus.NewRegistry())
		got, err := r.ReadValue(ptr)
		require.NoError(t, err)
		require.Equal(t, data, got)
		require.NoError(t, r.Close())
	}
}

func TestSegmentRotationOnMaxSize(t *testing.T) {
	dir := t.TempDir()
	cfg := testVlogConfig()
	cfg.WriteQueues = 1
	// Store the values uncompressed so each record really takes 512 bytes
	// of segment space.
	cfg.CompressValues = false
	w, err := NewWriter(dir, cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	defer w.Close()

	big := make([]byte, 512)
	var ptrs []types.ValuePointer
	for i := 0; i < 10; i++ {
		ptr, err := w.WriteValue(types.Key("k"), big)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.NoError(t, w.Sync())

	segIDs := map[uint64]bool{}
	for _, p := range ptrs {
		segIDs[p.SegmentID] = true
	}
	require.Greater(t, len(segIDs), 1, "expected rotation to span multiple segments")

	r := NewReader(dir, prometheus.NewRegistry())
	defer r.Close()
	for i, ptr := range ptrs {
		got, err := r.ReadValue(ptr)
		require.NoError(t, err, "entry %d", i)
		require.Equal(t, big, got)
	}
}

func TestChooseQueueIsStable(t *testing.T) {
	dir := t.TempDir()
	cfg := testVlogConfig()
	w, err := NewWriter(dir, cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	defer w.Close()

	key := types.Key("stable-key")
	q1 := w.chooseQueue(key)
	q2 := w.chooseQueue(key)
	require.Equal(t, q1, q2)
}

func TestReadValueDetectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	// One queue, so the writer creates exactly one segment file.
	cfg := testVlogConfig()
	cfg.WriteQueues = 1
	w, err := NewWriter(dir, cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	ptr, err := w.WriteValue(types.Key("k"), []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	files, err := filesIn(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	flipLastByte(t, files[0])

	r := NewReader(dir, prometheus.NewRegistry())
	defer r.Close()
	_, err = r.ReadValue(ptr)
	require.Error(t, err)
}
