package vlog

import (
	"bytes"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
)

// compress returns the on-disk bytes for data under algo, plus a checksum
// of the original (uncompressed) bytes so a reader can validate after
// decompression regardless of which algorithm was used.
func compress(data []byte, algo config.CompressionAlgorithm) ([]byte, uint32, error) {
	checksum := crc32.ChecksumIEEE(data)
	switch algo {
	case config.CompressionNone:
		return data, checksum, nil
	case config.CompressionSnappy:
		return snappy.Encode(nil, data), checksum, nil
	case config.CompressionLz4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, 0, auerr.Wrap(auerr.CodeIO, "lz4 compress", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, auerr.Wrap(auerr.CodeIO, "lz4 compress close", err)
		}
		return buf.Bytes(), checksum, nil
	case config.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, 0, auerr.Wrap(auerr.CodeIO, "zstd encoder init", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), checksum, nil
	default:
		return data, checksum, nil
	}
}

// decompress reverses compress, returning the original plaintext bytes.
// The checksum is validated by the caller against the pre-compression
// checksum recorded in the entry meta.
func decompress(data []byte, algo config.CompressionAlgorithm) ([]byte, error) {
	switch algo {
	case config.CompressionNone:
		return data, nil
	case config.CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeValueLogCorruption, "snappy decompress", err)
		}
		return out, nil
	case config.CompressionLz4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeValueLogCorruption, "lz4 decompress", err)
		}
		return out, nil
	case config.CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeValueLogCorruption, "zstd decoder init", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, auerr.Wrap(auerr.CodeValueLogCorruption, "zstd decompress", err)
		}
		return out, nil
	default:
		return data, nil
	}
}
