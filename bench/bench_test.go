package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/dreamsxin/auradb"
)

var bucketName = []byte("bench")

func BenchmarkPut(b *testing.B) {
	sizes := []int{10, 1024, 100 * 1024, 1024 * 1024}
	sizeNames := []string{"10", "1k", "100k", "1m"}

	for i, s := range sizes {
		data := randomData(s)
		b.Run(fmt.Sprintf("entrySize=%s/v=AuraDB", sizeNames[i]), func(b *testing.B) {
			e, done := openEngine(b)
			defer done()
			runPutBench(b, e, data)
		})
		b.Run(fmt.Sprintf("entrySize=%s/v=Bolt", sizeNames[i]), func(b *testing.B) {
			db, done := openBolt(b)
			defer done()
			runBoltPutBench(b, db, data)
		})
	}
}

func openEngine(b *testing.B) (*auradb.Engine, func()) {
	tmpDir, err := os.MkdirTemp("", "auradb-bench-*")
	require.NoError(b, err)

	e, err := auradb.Open(tmpDir)
	require.NoError(b, err)

	return e, func() {
		e.Close()
		os.RemoveAll(tmpDir)
	}
}

func openBolt(b *testing.B) (*bolt.DB, func()) {
	tmpDir, err := os.MkdirTemp("", "auradb-bench-bolt-*")
	require.NoError(b, err)

	db, err := bolt.Open(filepath.Join(tmpDir, "bolt-bench.db"), 0o600, nil)
	require.NoError(b, err)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	require.NoError(b, err)

	return db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func randomData(n int) []byte {
	buf := make([]byte, n)
	rand.Read(buf)
	return buf
}

func keyFor(i int) []byte {
	return []byte(fmt.Sprintf("bench-key-%012d", i))
}

func runPutBench(b *testing.B, e *auradb.Engine, value []byte) {
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.Put(ctx, keyFor(i), value); err != nil {
			b.Fatalf("error putting: %s", err)
		}
	}
}

func runBoltPutBench(b *testing.B, db *bolt.DB, value []byte) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketName).Put(keyFor(i), value)
		})
		if err != nil {
			b.Fatalf("error putting: %s", err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	sizes := []int{1000, 100_000}
	sizeNames := []string{"1k", "100k"}

	for i, n := range sizes {
		b.Run(fmt.Sprintf("numKeys=%s/v=AuraDB", sizeNames[i]), func(b *testing.B) {
			e, done := openEngine(b)
			defer done()
			populateEngine(b, e, n, 128)
			runGetBench(b, e, n)
		})
		b.Run(fmt.Sprintf("numKeys=%s/v=Bolt", sizeNames[i]), func(b *testing.B) {
			db, done := openBolt(b)
			defer done()
			populateBolt(b, db, n, 128)
			runBoltGetBench(b, db, n)
		})
	}
}

func populateEngine(b *testing.B, e *auradb.Engine, n, size int) {
	ctx := context.Background()
	value := randomData(size)
	for i := 0; i < n; i++ {
		require.NoError(b, e.Put(ctx, keyFor(i), value))
	}
}

func populateBolt(b *testing.B, db *bolt.DB, n, size int) {
	value := randomData(size)
	err := db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		for i := 0; i < n; i++ {
			if err := bkt.Put(keyFor(i), value); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(b, err)
}

func runGetBench(b *testing.B, e *auradb.Engine, n int) {
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Get(ctx, keyFor(i%n)); err != nil {
			b.Fatalf("error getting: %s", err)
		}
	}
}

func runBoltGetBench(b *testing.B, db *bolt.DB, n int) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketName).Get(keyFor(i % n))
			if v == nil {
				return fmt.Errorf("key not found")
			}
			return nil
		})
		if err != nil {
			b.Fatalf("error getting: %s", err)
		}
	}
}
