package manifest

import (
	"encoding/binary"
	"fmt"

	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/types"
)

// DeletedFile names a file removed by a VersionEdit (e.g. a compaction
// input superseded by its outputs).
type DeletedFile struct {
	Level   int
	FileNum uint64
}

// VersionEdit is the unit of change applied to the current Version: the
// compactor, the memtable flush path and the gc rewrite path all produce
// one of these and hand it to VersionSet.LogAndApply. Grounded on
// dialtr-pebble/version_set.go's versionEdit (newFiles/deletedFiles plus
// the watermark fields accumulated by bulkVersionEdit.accumulate),
// trimmed to AuraDB's watermark set.
type VersionEdit struct {
	NewFiles     []FileMetadata
	DeletedFiles []DeletedFile

	WALHead      string // "" means unchanged
	VlogHead     uint64 // 0 means unchanged
	NextSequence uint64 // 0 means unchanged
}

// apply produces the Version that results from laying edit over base.
// base may be nil, meaning "no prior version" (a freshly created DB).
func (edit VersionEdit) apply(base *Version, numLevels int) (*Version, error) {
	var nv *Version
	if base != nil {
		nv = base.clone()
	} else {
		nv = newVersion(numLevels)
	}

	for _, df := range edit.DeletedFiles {
		if df.Level < 0 || df.Level >= len(nv.files) {
			return nil, auerr.New(auerr.CodeCompaction, fmt.Sprintf("deleted file references out-of-range level %d", df.Level))
		}
		kept := nv.files[df.Level][:0]
		for _, f := range nv.files[df.Level] {
			if f.FileNum != df.FileNum {
				kept = append(kept, f)
			}
		}
		nv.files[df.Level] = kept
	}

	for _, f := range edit.NewFiles {
		if f.Level < 0 || f.Level >= len(nv.files) {
			return nil, auerr.New(auerr.CodeCompaction, fmt.Sprintf("new file references out-of-range level %d", f.Level))
		}
		nv.files[f.Level] = append(nv.files[f.Level], f)
	}

	if edit.WALHead != "" {
		nv.walHead = edit.WALHead
	}
	if edit.VlogHead != 0 {
		nv.vlogHead = edit.VlogHead
	}
	if edit.NextSequence != 0 {
		nv.nextSequence = edit.NextSequence
	}
	return nv, nil
}

// encodeEdit serializes edit into the bytes persisted as one bbolt
// record. Field framing follows the same length-prefixed, little-endian
// style as wal/record.go's EncodeEntry rather than a generic codec, to
// match the teacher's hand-rolled binary format convention throughout
// this module's on-disk structures.
func encodeEdit(edit VersionEdit) []byte {
	buf := make([]byte, 0, 256)
	buf = appendUvarint(buf, uint64(len(edit.NewFiles)))
	for _, f := range edit.NewFiles {
		buf = appendUvarint(buf, f.FileNum)
		buf = appendUvarint(buf, uint64(f.Level))
		buf = appendLenPrefixed(buf, []byte(f.Path))
		buf = appendLenPrefixed(buf, f.Smallest)
		buf = appendLenPrefixed(buf, f.Largest)
		buf = appendUvarint(buf, f.EntryCount)
		buf = appendUvarint(buf, uint64(f.Size))
	}
	buf = appendUvarint(buf, uint64(len(edit.DeletedFiles)))
	for _, d := range edit.DeletedFiles {
		buf = appendUvarint(buf, uint64(d.Level))
		buf = appendUvarint(buf, d.FileNum)
	}
	buf = appendLenPrefixed(buf, []byte(edit.WALHead))
	buf = appendUvarint(buf, edit.VlogHead)
	buf = appendUvarint(buf, edit.NextSequence)
	return buf
}

func decodeEdit(b []byte) (VersionEdit, error) {
	var edit VersionEdit
	var err error
	var n uint64

	n, b, err = readUvarint(b)
	if err != nil {
		return edit, wrapEditErr(err)
	}
	for i := uint64(0); i < n; i++ {
		var f FileMetadata
		var fileNum, level, entryCount, size uint64
		var path, smallest, largest []byte
		if fileNum, b, err = readUvarint(b); err != nil {
			return edit, wrapEditErr(err)
		}
		if level, b, err = readUvarint(b); err != nil {
			return edit, wrapEditErr(err)
		}
		if path, b, err = readLenPrefixed(b); err != nil {
			return edit, wrapEditErr(err)
		}
		if smallest, b, err = readLenPrefixed(b); err != nil {
			return edit, wrapEditErr(err)
		}
		if largest, b, err = readLenPrefixed(b); err != nil {
			return edit, wrapEditErr(err)
		}
		if entryCount, b, err = readUvarint(b); err != nil {
			return edit, wrapEditErr(err)
		}
		if size, b, err = readUvarint(b); err != nil {
			return edit, wrapEditErr(err)
		}
		f.FileNum = fileNum
		f.Level = int(level)
		f.Path = string(path)
		f.Smallest = types.Key(smallest)
		f.Largest = types.Key(largest)
		f.EntryCount = entryCount
		f.Size = int64(size)
		edit.NewFiles = append(edit.NewFiles, f)
	}

	n, b, err = readUvarint(b)
	if err != nil {
		return edit, wrapEditErr(err)
	}
	for i := uint64(0); i < n; i++ {
		var level, fileNum uint64
		if level, b, err = readUvarint(b); err != nil {
			return edit, wrapEditErr(err)
		}
		if fileNum, b, err = readUvarint(b); err != nil {
			return edit, wrapEditErr(err)
		}
		edit.DeletedFiles = append(edit.DeletedFiles, DeletedFile{Level: int(level), FileNum: fileNum})
	}

	var walHead []byte
	if walHead, b, err = readLenPrefixed(b); err != nil {
		return edit, wrapEditErr(err)
	}
	edit.WALHead = string(walHead)

	if edit.VlogHead, b, err = readUvarint(b); err != nil {
		return edit, wrapEditErr(err)
	}
	if edit.NextSequence, _, err = readUvarint(b); err != nil {
		return edit, wrapEditErr(err)
	}
	return edit, nil
}

func wrapEditErr(err error) error {
	return auerr.Wrap(auerr.CodeSerialization, "truncated manifest edit", err)
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendLenPrefixed(buf []byte, data []byte) []byte {
	buf = appendUvarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, fmt.Errorf("bad varint")
	}
	return v, b[n:], nil
}

func readLenPrefixed(b []byte) ([]byte, []byte, error) {
	l, rest, err := readUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < l {
		return nil, nil, fmt.Errorf("need %d bytes, have %d", l, len(rest))
	}
	return rest[:l], rest[l:], nil
}
