package storage

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockEntry struct {
	key   InternalKey
	value []byte
}

func buildBlock(t *testing.T, entries []blockEntry, restartInterval int) []byte {
	t.Helper()
	b := newBlockBuilder(restartInterval)
	for _, e := range entries {
		b.Add(e.key, e.value)
	}
	return b.Finish()
}

func TestBlockEncodeDecodeRoundTrip(t *testing.T) {
	var entries []blockEntry
	for i := 0; i < 100; i++ {
		entries = append(entries, blockEntry{
			key:   makeInternalKey([]byte(fmt.Sprintf("key-%04d", i)), uint64(i+1), TypeValue),
			value: []byte(fmt.Sprintf("value-%d", i)),
		})
	}

	raw := buildBlock(t, entries, 16)
	bl, err := newBlock(raw)
	require.NoError(t, err)

	it := newBlockIterator(bl)
	var decoded []blockEntry
	for it.SeekToFirst(); it.Valid(); it.Next() {
		decoded = append(decoded, blockEntry{
			key:   append(InternalKey(nil), it.Key()...),
			value: append([]byte(nil), it.Value()...),
		})
	}
	require.Len(t, decoded, len(entries))
	for i := range entries {
		assert.Equal(t, []byte(entries[i].key), []byte(decoded[i].key))
		assert.Equal(t, entries[i].value, decoded[i].value)
	}

	// Re-encoding the decoded entries reproduces the block byte-exact.
	reencoded := buildBlock(t, decoded, 16)
	assert.True(t, bytes.Equal(raw, reencoded))
}

func TestBlockRestartLayout(t *testing.T) {
	entries := []blockEntry{
		{key: makeInternalKey([]byte("aaa"), 1, TypeValue), value: []byte("1")},
		{key: makeInternalKey([]byte("aab"), 2, TypeValue), value: []byte("2")},
		{key: makeInternalKey([]byte("abc"), 3, TypeValue), value: []byte("3")},
	}
	raw := buildBlock(t, entries, 2)
	bl, err := newBlock(raw)
	require.NoError(t, err)

	// interval 2 over 3 entries yields restarts at entry 0 and entry 2
	require.Equal(t, 2, bl.numRestarts)
	assert.Equal(t, uint32(0), bl.restartPoint(0))

	// the entry at each restart point must have a zero shared prefix
	for i := 0; i < bl.numRestarts; i++ {
		shared, _, _, _, _, _, ok := decodeEntryAt(raw[:bl.restartsOff], int(bl.restartPoint(i)))
		require.True(t, ok)
		assert.Equal(t, 0, shared)
	}
}

func TestBlockSeekBinarySearchesRestarts(t *testing.T) {
	var entries []blockEntry
	for i := 0; i < 200; i++ {
		entries = append(entries, blockEntry{
			key:   makeInternalKey([]byte(fmt.Sprintf("k%05d", i)), uint64(i+1), TypeValue),
			value: []byte{byte(i)},
		})
	}
	bl, err := newBlock(buildBlock(t, entries, 4))
	require.NoError(t, err)
	it := newBlockIterator(bl)

	it.Seek(makeInternalKey([]byte("k00123"), MaxSequence, TypeValue))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("k00123"), InternalKey(it.Key()).userKey())

	// seeking between keys lands on the next larger one
	it.Seek(makeInternalKey([]byte("k00123x"), MaxSequence, TypeValue))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("k00124"), InternalKey(it.Key()).userKey())

	// seeking past the last key invalidates the iterator
	it.Seek(makeInternalKey([]byte("zzz"), MaxSequence, TypeValue))
	assert.False(t, it.Valid())
}

func TestBlockSeekOrdersVersionsNewestFirst(t *testing.T) {
	// Three versions of one user key: internal order is seq descending.
	entries := []blockEntry{
		{key: makeInternalKey([]byte("k"), 9, TypeValue), value: []byte("v9")},
		{key: makeInternalKey([]byte("k"), 5, TypeValue), value: []byte("v5")},
		{key: makeInternalKey([]byte("k"), 2, TypeValue), value: []byte("v2")},
	}
	bl, err := newBlock(buildBlock(t, entries, 16))
	require.NoError(t, err)
	it := newBlockIterator(bl)

	// A lookup at sequence 7 must skip the newer v9 and land on v5.
	it.Seek(makeInternalKey([]byte("k"), 7, TypeValue))
	require.True(t, it.Valid())
	seq, _ := InternalKey(it.Key()).seqType()
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, []byte("v5"), it.Value())
}

func TestInternalKeyComparatorOrder(t *testing.T) {
	a := makeInternalKey([]byte("a"), 10, TypeValue)
	b := makeInternalKey([]byte("b"), 1, TypeValue)
	assert.Negative(t, internalKeyCompare(a, b), "user key ascending")

	newer := makeInternalKey([]byte("k"), 10, TypeValue)
	older := makeInternalKey([]byte("k"), 3, TypeValue)
	assert.Negative(t, internalKeyCompare(newer, older), "sequence descending")

	val := makeInternalKey([]byte("k"), 7, TypeValue)
	del := makeInternalKey([]byte("k"), 7, TypeDeletion)
	assert.Negative(t, internalKeyCompare(val, del), "value before deletion at equal sequence")
}
