package storage

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t, Options{CreateIfMissing: true})

	require.NoError(t, db.Put([]byte("k1"), []byte("v1"), WriteOptions{Sync: true}))
	v, err := db.Get([]byte("k1"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Delete([]byte("k1"), WriteOptions{Sync: true}))
	_, err = db.Get([]byte("k1"), nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestGetMissingKey(t *testing.T) {
	db := openTestDB(t, Options{CreateIfMissing: true})
	_, err := db.Get([]byte("nope"), nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestWriteBatchIsAtomic(t *testing.T) {
	db := openTestDB(t, Options{CreateIfMissing: true})
	require.NoError(t, db.Put([]byte("a"), []byte("old"), WriteOptions{}))

	b := NewWriteBatch()
	b.Put([]byte("a"), []byte("new"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("c"))
	require.NoError(t, db.Write(b, WriteOptions{Sync: true}))

	v, err := db.Get([]byte("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
	v, err = db.Get([]byte("b"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestIteratorOrdersKeys(t *testing.T) {
	db := openTestDB(t, Options{CreateIfMissing: true})
	keys := []string{"b", "a", "d", "c"}
	for _, k := range keys {
		require.NoError(t, db.Put([]byte(k), []byte(k+"-value"), WriteOptions{}))
	}

	it := db.NewIterator(nil)
	it.SeekToFirst()
	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestIteratorSeek(t *testing.T) {
	db := openTestDB(t, Options{CreateIfMissing: true})
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, db.Put([]byte(k), []byte(k), WriteOptions{}))
	}
	it := db.NewIterator(nil)
	it.Seek([]byte("bb"))
	require.True(t, it.Valid())
	assert.Equal(t, "c", string(it.Key()))
}

func TestSnapshotIsolation(t *testing.T) {
	db := openTestDB(t, Options{CreateIfMissing: true})
	require.NoError(t, db.Put([]byte("k"), []byte("v1"), WriteOptions{}))

	snap := db.NewSnapshot()
	defer db.ReleaseSnapshot(snap)

	require.NoError(t, db.Put([]byte("k"), []byte("v2"), WriteOptions{}))

	v, err := db.Get([]byte("k"), snap)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v, "snapshot read should see the value at the time it was taken")

	v, err = db.Get([]byte("k"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{CreateIfMissing: true}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("durable"), []byte("yes"), WriteOptions{Sync: true}))
	require.NoError(t, db.Close())

	reopened, err := Open(dir, Options{CreateIfMissing: true}, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get([]byte("durable"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), v)
}

func TestFlushAndCompactionPreservesData(t *testing.T) {
	// A tiny write buffer forces every few writes through a minor
	// compaction into L0, and repeated flushes exercise maybeCompactLevels.
	db := openTestDB(t, Options{CreateIfMissing: true, WriteBufferSize: 512, MaxFileSize: 1024})

	const n = 200
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v := []byte(fmt.Sprintf("value-%04d-%s", i, string(make([]byte, 64))))
		require.NoError(t, db.Put(k, v, WriteOptions{}))
	}
	require.NoError(t, db.Flush())

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v, err := db.Get(k, nil)
		require.NoError(t, err, "key %s should still be readable after compaction", k)
		assert.Contains(t, string(v), fmt.Sprintf("value-%04d", i))
	}
}

func TestRecoveryAfterFlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{CreateIfMissing: true}, zerolog.Nop())
	require.NoError(t, err)

	const n = 10000
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("k%08d", i))
		require.NoError(t, db.Put(k, []byte(fmt.Sprintf("v%d", i)), WriteOptions{}))
	}
	// every 100th key is deleted again before the close
	for i := 0; i < n; i += 100 {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("k%08d", i)), WriteOptions{}))
	}
	require.NoError(t, db.Flush())
	// close and reopen: the new handle must recover every write and delete
	require.NoError(t, db.Close())

	reopened, err := Open(dir, Options{CreateIfMissing: true}, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("k%08d", i))
		v, err := reopened.Get(k, nil)
		if i%100 == 0 {
			require.Error(t, err, "deleted key %s must stay deleted after recovery", k)
			assert.True(t, IsNotFound(err))
			continue
		}
		require.NoError(t, err, "key %s", k)
		assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}
}

func TestReopenTwiceDoesNotReplayStaleWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{CreateIfMissing: true}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v1"), WriteOptions{Sync: true}))
	require.NoError(t, db.Close())

	for i := 0; i < 2; i++ {
		db, err = Open(dir, Options{CreateIfMissing: true}, zerolog.Nop())
		require.NoError(t, err)
		v, err := db.Get([]byte("k"), nil)
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)
		require.NoError(t, db.Close())
	}
}

func TestLevelFilesAreDisjointAndOrdered(t *testing.T) {
	db := openTestDB(t, Options{CreateIfMissing: true, WriteBufferSize: 512, MaxFileSize: 1024})
	for i := 0; i < 400; i++ {
		k := []byte(fmt.Sprintf("key-%06d", i))
		require.NoError(t, db.Put(k, make([]byte, 48), WriteOptions{}))
	}
	require.NoError(t, db.Flush())

	db.mu.Lock()
	version := db.vs.current
	db.mu.Unlock()
	for l := 1; l < NumLevels; l++ {
		files := version.files[l]
		for _, f := range files {
			assert.LessOrEqual(t, internalKeyCompare(f.Smallest, f.Largest), 0)
		}
		for i := 1; i < len(files); i++ {
			assert.Negative(t, internalKeyCompare(files[i-1].Largest, files[i].Smallest),
				"level %d files must not overlap", l)
		}
	}
}

func TestWriteBatchEncodeDecodeRoundTrip(t *testing.T) {
	b := NewWriteBatch()
	b.Put([]byte("x"), []byte("1"))
	b.Delete([]byte("y"))

	decoded, err := DecodeWriteBatch(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, b.Count(), decoded.Count())
}
