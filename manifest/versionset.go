// Package manifest tracks the engine's current durable state — the set
// of live SST files per level, plus the WAL/vlog heads and next
// sequence watermark — as a chain of immutable, reference-counted
// Versions, mutated only by a single writer applying VersionEdits.
//
// Grounded on dialtr-pebble/version_set.go's versionSet: that file's
// load/logAndApply/createManifest functions are the structural model
// for Open/LogAndApply here, but its manifest is a raw, pebble-specific
// record log (github.com/petermattis/pebble/record) plus a CURRENT
// pointer file — packages this module's retrieved copy of pebble does
// not include. Persistence here instead goes through go.etcd.io/bbolt,
// which the teacher (dreamsxin-wal) already pulls in via its
// bench/bench_test.go comparison against a bbolt-backed raft-boltdb
// store; reusing it for structured manifest metadata is the same
// "persist through a small embedded KV store" shape the teacher's own
// benchmark exercises, rather than reinventing pebble's record format.
package manifest

import (
	"encoding/binary"
	"sync"

	"go.etcd.io/bbolt"

	auerr "github.com/dreamsxin/auradb/errors"
)

var bucketName = []byte("manifest")
var editsKey = []byte("edits")
var nextFileKey = []byte("next_file_number")

// VersionSet owns the current chain of versions and the bbolt handle
// edits are durably appended to. All mutation goes through LogAndApply,
// which holds vs.mu for its whole run, so concurrent callers (the
// compactor, the flush path and the gc path) are applied one at a time
// as copy-on-write swaps.
type VersionSet struct {
	mu sync.Mutex

	db        *bbolt.DB
	numLevels int

	versions       versionList
	nextFileNumber uint64

	// everFiles records every file ever named by a NewFiles entry, so
	// ObsoleteFiles can tell "files no longer live" apart from "files
	// never tracked in the first place".
	everFiles map[uint64]FileMetadata
}

// Open loads (or initializes) the version set backed by the bbolt
// database at path. A freshly created database starts with one empty
// version at sequence/head zero.
func Open(path string, numLevels int) (*VersionSet, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "opening manifest store", err)
	}

	vs := &VersionSet{db: db, numLevels: numLevels, nextFileNumber: 1, everFiles: make(map[uint64]FileMetadata)}
	vs.versions.init()

	cur := newVersion(numLevels)
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		if raw := b.Get(nextFileKey); raw != nil {
			if v, _, err := readUvarint(raw); err == nil {
				vs.nextFileNumber = v
			}
		}
		c := b.Cursor()
		for k, v := c.Seek(editsKey); k != nil && hasPrefix(k, editsKey); k, v = c.Next() {
			edit, err := decodeEdit(v)
			if err != nil {
				return err
			}
			next, err := edit.apply(cur, numLevels)
			if err != nil {
				return err
			}
			for _, f := range edit.NewFiles {
				vs.everFiles[f.FileNum] = f
			}
			cur = next
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, auerr.Wrap(auerr.CodeIO, "loading manifest", err)
	}

	cur.ref()
	vs.versions.pushBack(cur)
	return vs, nil
}

// editKey builds the bbolt key for edit sequence seq. Keys must sort in
// the same order edits were appended so replay in Open and iteration in
// nextEditSeq see them in order; a uvarint-encoded seq would not sort
// lexicographically the way a fixed-width big-endian one does (e.g.
// varint(200) sorts before varint(127) is not the risk, but varint's
// continuation-bit scheme is not guaranteed monotonic for arbitrary
// ranges in general, so a fixed-width encoding sidesteps the question
// entirely).
func editKey(seq uint64) []byte {
	key := make([]byte, len(editsKey)+8)
	copy(key, editsKey)
	binary.BigEndian.PutUint64(key[len(editsKey):], seq)
	return key
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Close releases the underlying bbolt handle.
func (vs *VersionSet) Close() error {
	if err := vs.db.Close(); err != nil {
		return auerr.Wrap(auerr.CodeIO, "closing manifest store", err)
	}
	return nil
}

// Current returns the currently visible version, referenced on behalf
// of the caller; the caller must call Release when done (typically when
// a reader's snapshot goes out of scope).
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.versions.back()
	v.ref()
	return v
}

// Release drops a reference obtained from Current.
func (vs *VersionSet) Release(v *Version) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v.unref()
}

// NextFileNumber allocates and persists the next file number, used to
// name new SST files so they never collide. Value-log segments are
// numbered by vlog.Writer itself.
func (vs *VersionSet) NextFileNumber() (uint64, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNumber
	vs.nextFileNumber++
	err := vs.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(nextFileKey, appendUvarint(nil, vs.nextFileNumber))
	})
	if err != nil {
		return 0, auerr.Wrap(auerr.CodeIO, "persisting next file number", err)
	}
	return n, nil
}

// LogAndApply durably appends edit, then installs the resulting version
// as current. Per spec.md §4.5's failure semantics ("the manifest is
// only flipped after all outputs are sealed and fsynced"), callers must
// have already fsynced every new file named in edit.NewFiles before
// calling this.
func (vs *VersionSet) LogAndApply(edit VersionEdit) (*Version, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	base := vs.versions.back()
	next, err := edit.apply(base, vs.numLevels)
	if err != nil {
		return nil, err
	}

	seq, err := vs.nextEditSeq()
	if err != nil {
		return nil, err
	}
	err = vs.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(editKey(seq), encodeEdit(edit))
	})
	if err != nil {
		return nil, auerr.Wrap(auerr.CodeIO, "persisting manifest edit", err)
	}

	for _, f := range edit.NewFiles {
		vs.everFiles[f.FileNum] = f
	}
	next.ref()
	vs.versions.pushBack(next)
	// Drop the set's own reference on the superseded version; it stays on
	// the list only while some reader still holds it.
	base.unref()
	return next, nil
}

func (vs *VersionSet) nextEditSeq() (uint64, error) {
	var seq uint64
	err := vs.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		c := b.Cursor()
		for k, _ := c.Seek(editsKey); k != nil && hasPrefix(k, editsKey); k, _ = c.Next() {
			seq++
		}
		return nil
	})
	if err != nil {
		return 0, auerr.Wrap(auerr.CodeIO, "scanning manifest edits", err)
	}
	return seq, nil
}

// ObsoleteFiles returns files this version set has ever created that no
// longer appear in any version still referenced (by the current version
// or by an older one some reader's snapshot is still pinning), i.e. files
// a later edit deleted. Output files written by a compaction that crashed
// before its LogAndApply were never named by an edit and are not
// reported. No package outside manifest calls this.
func (vs *VersionSet) ObsoleteFiles() []FileMetadata {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	live := make(map[uint64]bool)
	for v := vs.versions.root.next; v != &vs.versions.root; v = v.next {
		for _, lf := range v.files {
			for _, f := range lf {
				live[f.FileNum] = true
			}
		}
	}

	var out []FileMetadata
	for num, f := range vs.everFiles {
		if !live[num] {
			out = append(out, f)
		}
	}
	return out
}
