package sst

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/learnedindex"
	aumetrics "github.com/dreamsxin/auradb/metrics"
	"github.com/dreamsxin/auradb/types"
)

// Meta describes a sealed SST file, returned by Writer.Finish per
// spec.md §4.4's "On finish: ... return metadata {smallest, largest,
// level, entry_count, size}."
type Meta struct {
	Path       string
	Level      int
	Smallest   types.Key
	Largest    types.Key
	EntryCount uint64
	Size       int64
}

// Writer accepts entries in ascending key order and produces one SST
// file: a sequence of compressed, checksummed data blocks, a filter
// block, an index block, and a footer.
type Writer struct {
	f    *os.File
	path string
	cfg  config.SSTConfig

	level int

	cur           *blockWriter
	blockStartKey types.Key
	offset        uint64
	indexBW       *blockWriter // reuses blockWriter purely as an append buffer; see flushBlock

	smallest, largest types.Key
	entryCount        uint64
	keysForFilter     [][]byte
	blockFirstKeys    []types.Key // one per data block, in index order; feeds learnedindex.Sample training

	metric *aumetrics.SST
}

// NewWriter creates path and prepares to accept entries destined for level.
func NewWriter(path string, level int, cfg config.SSTConfig, reg prometheus.Registerer) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "creating sst file", err)
	}
	return &Writer{
		f: f, path: path, cfg: cfg, level: level,
		cur: newBlockWriter(), indexBW: newBlockWriter(),
		metric: aumetrics.NewSST(reg),
	}, nil
}

// Add appends the next entry in ascending key order.
func (w *Writer) Add(e types.Entry) error {
	if w.smallest == nil {
		w.smallest = e.Key.Clone()
	}
	w.largest = e.Key.Clone()
	w.entryCount++
	w.keysForFilter = append(w.keysForFilter, []byte(e.Key.Clone()))

	if w.cur.empty() {
		w.blockStartKey = e.Key.Clone()
	}
	w.cur.add(e)
	if w.cur.estimatedSize() >= w.cfg.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock compresses, checksums and appends the current data block,
// then records an index entry mapping its first key to its block handle
// — the index block is itself built with blockWriter purely as a
// convenient append-and-restart-point buffer, not because index entries
// benefit from shared-prefix encoding the way data entries do.
func (w *Writer) flushBlock() error {
	if w.cur.empty() {
		return nil
	}
	raw := w.cur.finish()
	encoded, err := compressBlock(raw, w.cfg.Compression)
	if err != nil {
		return err
	}
	handle, err := w.writeRawBlock(encoded)
	if err != nil {
		return err
	}
	w.indexBW.add(types.NewPutEntry(w.blockStartKey, types.NewValue(handle.encode()), 0, 0))
	w.blockFirstKeys = append(w.blockFirstKeys, w.blockStartKey)
	w.cur.reset()
	w.blockStartKey = nil
	return nil
}

// Samples returns one (firstKey, ordinal) observation per data block, in
// index order — the training set a learnedindex.Model predicts against,
// since Reader.Get's model call predicts a position into this same
// per-block index array. Only meaningful after Finish has flushed the
// last block.
func (w *Writer) Samples() []learnedindex.Sample {
	out := make([]learnedindex.Sample, len(w.blockFirstKeys))
	for i, k := range w.blockFirstKeys {
		out[i] = learnedindex.Sample{Key: k, Position: i}
	}
	return out
}

func (w *Writer) writeRawBlock(encoded []byte) (blockHandle, error) {
	crc := crc32.ChecksumIEEE(encoded)
	var hdr [5]byte
	hdr[0] = byte(w.cfg.Compression)
	binary.LittleEndian.PutUint32(hdr[1:5], crc)

	offset := w.offset
	if _, err := w.f.Write(hdr[:]); err != nil {
		return blockHandle{}, auerr.Wrap(auerr.CodeIO, "writing sst block header", err)
	}
	if _, err := w.f.Write(encoded); err != nil {
		return blockHandle{}, auerr.Wrap(auerr.CodeIO, "writing sst block", err)
	}
	total := uint64(len(hdr) + len(encoded))
	w.offset += total
	return blockHandle{offset: offset, length: total}, nil
}

// Finish flushes any buffered block, writes the filter and index blocks
// and the footer, fsyncs, and returns the file's metadata.
func (w *Writer) Finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	var filterHandle blockHandle
	if w.cfg.UseBloomFilters {
		bf := newBloomFilter(len(w.keysForFilter), w.cfg.BloomBitsPerKey)
		for _, k := range w.keysForFilter {
			bf.add(k)
		}
		encoded, err := compressBlock(bf.encode(), w.cfg.Compression)
		if err != nil {
			return Meta{}, err
		}
		h, err := w.writeRawBlock(encoded)
		if err != nil {
			return Meta{}, err
		}
		filterHandle = h
	}

	indexRaw, err := compressBlock(w.indexBW.finish(), w.cfg.Compression)
	if err != nil {
		return Meta{}, err
	}
	indexHandle, err := w.writeRawBlock(indexRaw)
	if err != nil {
		return Meta{}, err
	}

	f := footer{indexHandle: indexHandle, filterHandle: filterHandle, entryCount: w.entryCount}
	if _, err := w.f.Write(encodeFooter(f)); err != nil {
		return Meta{}, auerr.Wrap(auerr.CodeIO, "writing sst footer", err)
	}
	if err := w.f.Sync(); err != nil {
		return Meta{}, auerr.Wrap(auerr.CodeIO, "fsync sst file", err)
	}
	stat, err := w.f.Stat()
	if err != nil {
		return Meta{}, auerr.Wrap(auerr.CodeIO, "stat sst file", err)
	}
	if err := w.f.Close(); err != nil {
		return Meta{}, auerr.Wrap(auerr.CodeIO, "closing sst file", err)
	}
	w.metric.BytesWritten.Add(float64(stat.Size()))

	return Meta{
		Path:       w.path,
		Level:      w.level,
		Smallest:   w.smallest,
		Largest:    w.largest,
		EntryCount: w.entryCount,
		Size:       stat.Size(),
	}, nil
}

func compressBlock(data []byte, algo config.CompressionAlgorithm) ([]byte, error) {
	switch algo {
	case config.CompressionNone:
		return data, nil
	case config.CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case config.CompressionLz4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, auerr.Wrap(auerr.CodeIO, "lz4 compress sst block", err)
		}
		if err := zw.Close(); err != nil {
			return nil, auerr.Wrap(auerr.CodeIO, "lz4 compress sst block close", err)
		}
		return buf.Bytes(), nil
	case config.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeIO, "zstd encoder init", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func decompressBlock(data []byte, algo config.CompressionAlgorithm) ([]byte, error) {
	switch algo {
	case config.CompressionNone:
		return data, nil
	case config.CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeSSTCorruption, "snappy decompress sst block", err)
		}
		return out, nil
	case config.CompressionLz4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeSSTCorruption, "lz4 decompress sst block", err)
		}
		return out, nil
	case config.CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeSSTCorruption, "zstd decoder init", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeSSTCorruption, "zstd decompress sst block", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

