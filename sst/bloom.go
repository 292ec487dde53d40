package sst

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	auerr "github.com/dreamsxin/auradb/errors"
)

// bloomFilter is a per-file probabilistic membership filter, sized from
// the configured bits-per-key, per spec.md §4.4: "filter block contains
// either a bloom filter (bits-per-key configurable) or a ribbon filter."
type bloomFilter struct {
	bits    *bitset.BitSet
	numHash uint32
}

func newBloomFilter(numKeys int, bitsPerKey float64) *bloomFilter {
	if numKeys <= 0 {
		numKeys = 1
	}
	nbits := uint(float64(numKeys) * bitsPerKey)
	if nbits < 64 {
		nbits = 64
	}
	numHash := uint32(bitsPerKey * math.Ln2)
	if numHash < 1 {
		numHash = 1
	}
	if numHash > 30 {
		numHash = 30
	}
	return &bloomFilter{bits: bitset.New(nbits), numHash: numHash}
}

// hashes returns the two independent hashes combined (per Kirsch-Mitzenmacher)
// to derive numHash probe positions without numHash separate hash calls.
func (f *bloomFilter) hashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], h1)
	h2 := xxhash.Sum64(seed[:])
	return h1, h2
}

func (f *bloomFilter) add(key []byte) {
	h1, h2 := f.hashes(key)
	n := f.bits.Len()
	for i := uint32(0); i < f.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(n)
		f.bits.Set(uint(pos))
	}
}

// mayContain reports whether key could be present. False positives are
// possible; false negatives are not.
func (f *bloomFilter) mayContain(key []byte) bool {
	h1, h2 := f.hashes(key)
	n := f.bits.Len()
	for i := uint32(0); i < f.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(n)
		if !f.bits.Test(uint(pos)) {
			return false
		}
	}
	return true
}

func (f *bloomFilter) encode() []byte {
	out := make([]byte, 0, 8+f.bits.BinaryStorageSize())
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.numHash)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(f.bits.Len()))
	out = append(out, hdr[:]...)
	raw, err := f.bits.MarshalBinary()
	if err != nil {
		return out
	}
	out = append(out, raw...)
	return out
}

func decodeBloomFilter(data []byte) (*bloomFilter, error) {
	if len(data) < 8 {
		return nil, auerr.Wrap(auerr.CodeSSTCorruption, "short bloom filter block", fmt.Errorf("%d bytes", len(data)))
	}
	numHash := binary.LittleEndian.Uint32(data[0:4])
	bits := &bitset.BitSet{}
	if err := bits.UnmarshalBinary(data[8:]); err != nil {
		return nil, err
	}
	return &bloomFilter{bits: bits, numHash: numHash}, nil
}
