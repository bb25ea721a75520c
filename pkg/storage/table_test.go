package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestTable(t *testing.T, opts Options, n int) (path string, keys []InternalKey) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "000001.ldb")
	w, err := NewTableWriter(path, opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		k := makeInternalKey([]byte(fmt.Sprintf("key-%05d", i)), uint64(i+1), TypeValue)
		require.NoError(t, w.Add(k, []byte(fmt.Sprintf("value-%05d", i))))
		keys = append(keys, k)
	}
	_, _, count, err := w.Finish()
	require.NoError(t, err)
	require.Equal(t, n, count)
	return path, keys
}

func TestTableWriterReaderRoundTrip(t *testing.T) {
	// A small block size forces multiple data blocks, exercising the
	// index block and per-block seeks.
	path, _ := writeTestTable(t, Options{BlockSize: 256}, 500)

	r, err := OpenTableReader(path, 1, newBlockCache(1<<20))
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 500; i++ {
		lookup := makeInternalKey([]byte(fmt.Sprintf("key-%05d", i)), MaxSequence, TypeValue)
		v, found, deleted, err := r.Get(lookup)
		require.NoError(t, err)
		require.True(t, found, "key-%05d", i)
		require.False(t, deleted)
		assert.Equal(t, []byte(fmt.Sprintf("value-%05d", i)), v)
	}

	_, found, _, err := r.Get(makeInternalKey([]byte("zzz-absent"), MaxSequence, TypeValue))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTableIteratorWalksAllEntriesInOrder(t *testing.T) {
	path, keys := writeTestTable(t, Options{BlockSize: 128}, 300)
	r, err := OpenTableReader(path, 1, nil)
	require.NoError(t, err)
	defer r.Close()

	it := r.NewIterator()
	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		require.Less(t, i, len(keys))
		assert.Equal(t, []byte(keys[i]), []byte(it.Key()))
		i++
	}
	assert.Equal(t, len(keys), i)
}

func TestTableGetHonorsLookupSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000002.ldb")
	w, err := NewTableWriter(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Add(makeInternalKey([]byte("k"), 9, TypeValue), []byte("new")))
	require.NoError(t, w.Add(makeInternalKey([]byte("k"), 4, TypeValue), []byte("old")))
	_, _, _, err = w.Finish()
	require.NoError(t, err)

	r, err := OpenTableReader(path, 2, nil)
	require.NoError(t, err)
	defer r.Close()

	v, found, _, err := r.Get(makeInternalKey([]byte("k"), 6, TypeValue))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("old"), v)

	v, found, _, err = r.Get(makeInternalKey([]byte("k"), MaxSequence, TypeValue))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("new"), v)
}

func TestTableGetSurfacesTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000003.ldb")
	w, err := NewTableWriter(path, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Add(makeInternalKey([]byte("gone"), 7, TypeDeletion), nil))
	require.NoError(t, w.Add(makeInternalKey([]byte("gone"), 3, TypeValue), []byte("buried")))
	_, _, _, err = w.Finish()
	require.NoError(t, err)

	r, err := OpenTableReader(path, 3, nil)
	require.NoError(t, err)
	defer r.Close()

	_, found, deleted, err := r.Get(makeInternalKey([]byte("gone"), MaxSequence, TypeValue))
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, deleted)
}

func TestTableFilterAnswersPresentKeys(t *testing.T) {
	path, keys := writeTestTable(t, Options{}, 100)
	r, err := OpenTableReader(path, 4, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.filterBlock)
	for _, k := range keys {
		assert.True(t, r.MayContain(k.userKey()))
	}
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	p := newBloomFilterPolicy(10)
	var keys [][]byte
	for i := 0; i < 1000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("member-%d", i)))
	}
	filter := p.CreateFilter(keys)

	for _, k := range keys {
		assert.True(t, p.MayContain(filter, k))
	}

	// False positives are allowed but should be rare at 10 bits per key.
	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if p.MayContain(filter, []byte(fmt.Sprintf("stranger-%d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 100)
}
