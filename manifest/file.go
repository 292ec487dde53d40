package manifest

import "github.com/dreamsxin/auradb/types"

// FileMetadata describes one sealed SST file, as tracked by a Version.
// This is the AuraDB analogue of pebble's fileMetadata — renamed and
// trimmed to the fields this module's compactor and reader actually
// consult.
type FileMetadata struct {
	FileNum    uint64
	Level      int
	Path       string
	Smallest   types.Key
	Largest    types.Key
	EntryCount uint64
	Size       int64
}

// overlaps reports whether the file's key range intersects [start, end).
// A nil end means unbounded.
func (f FileMetadata) overlaps(start, end types.Key) bool {
	if end != nil && f.Smallest.Compare(end) >= 0 {
		return false
	}
	if start != nil && f.Largest.Compare(start) < 0 {
		return false
	}
	return true
}
