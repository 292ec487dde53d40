package sst

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/auradb/cache"
	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/learnedindex"
	aumetrics "github.com/dreamsxin/auradb/metrics"
	"github.com/dreamsxin/auradb/types"
)

// Reader opens a sealed SST file and serves point lookups and range scans
// against it. The footer, index block and filter block are read once at
// open time and cached; data blocks are read (and decompressed) on demand.
type Reader struct {
	f      *os.File
	path   string
	cfg    config.SSTConfig
	footer footer
	filter *bloomFilter
	index  []indexEntry
	metric *aumetrics.SST

	model learnedindex.Model  // nil unless learned-index lookup is enabled
	cache *cache.UnifiedCache // nil unless a block cache is installed
}

type indexEntry struct {
	firstKey types.Key
	handle   blockHandle
}

// Open reads the footer, index and filter blocks of the file at path.
func Open(path string, cfg config.SSTConfig, reg prometheus.Registerer) (*Reader, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "opening sst file", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeIO, "stat sst file", err)
	}
	if stat.Size() < footerLen {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeSSTCorruption, "sst file too small for footer", fmt.Errorf("%d bytes", stat.Size()))
	}
	footerBuf := make([]byte, footerLen)
	if _, err := f.ReadAt(footerBuf, stat.Size()-footerLen); err != nil {
		f.Close()
		return nil, auerr.Wrap(auerr.CodeIO, "reading sst footer", err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{f: f, path: path, cfg: cfg, footer: ft, metric: aumetrics.NewSST(reg)}

	indexRaw, err := r.readBlock(ft.indexHandle)
	if err != nil {
		f.Close()
		return nil, err
	}
	it := newBlockIter(indexRaw)
	for ok := it.first(); ok; ok = it.next() {
		h, err := decodeBlockHandle(it.Entry().Value.Data)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.index = append(r.index, indexEntry{firstKey: it.Key().Clone(), handle: h})
	}

	if ft.filterHandle.length > 0 {
		filterRaw, err := r.readRawBlock(ft.filterHandle)
		if err != nil {
			f.Close()
			return nil, err
		}
		bf, err := decodeBloomFilter(filterRaw)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.filter = bf
	}

	r.metric.FilesOpened.Inc()
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return auerr.Wrap(auerr.CodeIO, "closing sst file", err)
	}
	return nil
}

// SetModel installs a trained learned index for accelerated Get lookups.
// Per spec.md §4.4, the fallback to binary search via the index block is
// always retained regardless of whether a model is installed.
func (r *Reader) SetModel(m learnedindex.Model) { r.model = m }

// SetCache installs a shared block cache, keyed by this file's path plus
// block offset so entries from different SSTs never collide in a shared
// cache instance.
func (r *Reader) SetCache(c *cache.UnifiedCache) { r.cache = c }

func (r *Reader) blockCacheKey(h blockHandle) string {
	return fmt.Sprintf("sst:%s:%d", r.path, h.offset)
}

func (r *Reader) readRawBlock(h blockHandle) ([]byte, error) {
	buf := make([]byte, h.length)
	if _, err := r.f.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "reading sst block", err)
	}
	if len(buf) < 5 {
		return nil, auerr.Wrap(auerr.CodeSSTCorruption, "short sst block", fmt.Errorf("%d bytes", len(buf)))
	}
	algo := config.CompressionAlgorithm(buf[0])
	wantCRC := binary.LittleEndian.Uint32(buf[1:5])
	payload := buf[5:]
	gotCRC := crc32.ChecksumIEEE(payload)
	if gotCRC != wantCRC {
		return nil, auerr.Wrap(auerr.CodeSSTCorruption, "sst block checksum mismatch", fmt.Errorf("want %x got %x", wantCRC, gotCRC))
	}
	return decompressBlock(payload, algo)
}

// readBlock reads and decompresses a data or index block, serving from
// the installed UnifiedCache when present. The filter block is read once
// at Open through readRawBlock and is never cached.
func (r *Reader) readBlock(h blockHandle) ([]byte, error) {
	if r.cache != nil {
		if buf, ok := r.cache.Get(r.blockCacheKey(h)); ok {
			r.metric.BlockCacheHits.Inc()
			return buf, nil
		}
	}
	buf, err := r.readRawBlock(h)
	if err != nil {
		return nil, err
	}
	if r.metric != nil {
		r.metric.BlockCacheMisses.Inc()
	}
	if r.cache != nil {
		r.cache.Put(r.blockCacheKey(h), buf)
	}
	return buf, nil
}

// blockIndex returns the position of the last index entry whose first key
// is <= target, i.e. the block that could contain target.
func (r *Reader) blockIndex(target types.Key) (int, bool) {
	if len(r.index) == 0 {
		return 0, false
	}
	lo, hi := 0, len(r.index)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if r.index[mid].firstKey.Compare(target) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// Get returns the entry for key, if this file contains it. A learned
// index, if installed, is tried first and verified within its error
// bound; binary search over the index block is the mandatory fallback,
// per spec.md §4.4.
func (r *Reader) Get(key types.Key) (types.Entry, bool, error) {
	if r.filter != nil && !r.filter.mayContain(key) {
		r.metric.BloomNegatives.Inc()
		return types.Entry{}, false, nil
	}

	if r.model != nil {
		if idx, ok := r.model.PredictAndVerify(key, len(r.index), r.blockContainsCmp(key)); ok {
			r.metric.LearnedIndexHits.Inc()
			return r.getFromBlock(idx, key)
		}
		r.metric.LearnedIndexMiss.Inc()
	}

	idx, ok := r.blockIndex(key)
	if !ok {
		return types.Entry{}, false, nil
	}
	return r.getFromBlock(idx, key)
}

// blockContainsCmp returns a sort.Search-style comparator over r.index
// reporting, for block i, whether key falls before it (positive), at or
// after the next block's start (negative), or within it (zero) — i.e.
// "does block i contain key" rather than "does block i's first key
// equal key". The learned index only ever predicts a block, never an
// exact entry, so containment rather than equality is what a verified
// prediction means here.
func (r *Reader) blockContainsCmp(key types.Key) func(i int) int {
	return func(i int) int {
		if r.index[i].firstKey.Compare(key) > 0 {
			return 1
		}
		if i+1 < len(r.index) && r.index[i+1].firstKey.Compare(key) <= 0 {
			return -1
		}
		return 0
	}
}

func (r *Reader) getFromBlock(idx int, key types.Key) (types.Entry, bool, error) {
	if idx < 0 || idx >= len(r.index) {
		return types.Entry{}, false, nil
	}
	raw, err := r.readBlock(r.index[idx].handle)
	if err != nil {
		return types.Entry{}, false, err
	}
	it := newBlockIter(raw)
	if !it.seekGE(key) {
		return types.Entry{}, false, nil
	}
	if !it.Key().Equal(key) {
		return types.Entry{}, false, nil
	}
	return it.Entry(), true, nil
}

// Iterator walks entries across every data block in key order within r.
// Next must be called before the first Entry(), in the usual Go iterator
// style: for it.Next() { use(it.Entry()) }.
type Iterator struct {
	reader   *Reader
	rng      types.Range
	blockIdx int
	bit      *blockIter
	started  bool // true once the current block's position has been returned by Next
	n        int
	err      error
}

// NewIterator returns an iterator over entries within rng.
func (r *Reader) NewIterator(rng types.Range) *Iterator {
	it := &Iterator{reader: r, rng: rng}
	idx, ok := r.blockIndex(rng.Start)
	if !ok {
		idx = 0
	}
	it.blockIdx = idx
	it.loadBlock()
	if it.bit != nil && rng.Start != nil {
		it.bit.seekGE(rng.Start)
	}
	return it
}

// loadBlock decodes the block at blockIdx and positions at its first
// entry; started is reset so the next Next() call returns that entry
// without advancing past it.
func (it *Iterator) loadBlock() {
	if it.blockIdx >= len(it.reader.index) {
		it.bit = nil
		return
	}
	raw, err := it.reader.readBlock(it.reader.index[it.blockIdx].handle)
	if err != nil {
		it.err = err
		it.bit = nil
		return
	}
	it.bit = newBlockIter(raw)
	it.bit.first()
	it.started = false
}

func (it *Iterator) advanceBlock() {
	it.blockIdx++
	it.loadBlock()
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.rng.Limit > 0 && it.n >= it.rng.Limit {
		return false
	}
	for {
		if it.bit == nil {
			return false
		}
		if it.started {
			if !it.bit.next() {
				it.advanceBlock()
				continue
			}
		} else {
			it.started = true
			if !it.bit.Valid() {
				it.advanceBlock()
				continue
			}
		}
		if it.rng.End != nil && it.bit.Key().Compare(it.rng.End) >= 0 {
			it.bit = nil
			return false
		}
		it.n++
		return true
	}
}

func (it *Iterator) Entry() types.Entry { return it.bit.Entry() }

func (it *Iterator) Err() error { return it.err }

func (it *Iterator) Close() error {
	return nil
}
