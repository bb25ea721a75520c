package storage

import (
	"math/rand"
	"sync/atomic"
)

// Skiplist geometry: max height 12, branching factor 4.
const (
	skipMaxHeight = 12
	skipBranching = 4
)

type skipNode struct {
	key   InternalKey
	value []byte
	next  []atomic.Pointer[skipNode]
}

func newSkipNode(height int, key InternalKey, value []byte) *skipNode {
	return &skipNode{key: key, value: value, next: make([]atomic.Pointer[skipNode], height)}
}

// memTable is a concurrent skiplist keyed by internal key. Insertion is
// append-only. Once swapped out for an immutable memtable it is never
// mutated again, so concurrent readers need no further synchronization.
type memTable struct {
	head       *skipNode
	maxHeight  atomic.Int32
	approxSize atomic.Int64
	rnd        *rand.Rand
}

func newMemTable() *memTable {
	m := &memTable{
		head: newSkipNode(skipMaxHeight, nil, nil),
		rnd:  rand.New(rand.NewSource(0xC0FFEE)),
	}
	m.maxHeight.Store(1)
	return m
}

func (m *memTable) randomHeight() int {
	h := 1
	for h < skipMaxHeight && m.rnd.Intn(skipBranching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the leftmost node whose key >= key, and (if
// prev != nil) records the predecessor at each level.
func (m *memTable) findGreaterOrEqual(key InternalKey, prev []*skipNode) *skipNode {
	x := m.head
	level := int(m.maxHeight.Load()) - 1
	for {
		next := x.next[level].Load()
		if next != nil && internalKeyCompare(next.key, key) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// Insert adds key/value. Internal keys already encode the sequence
// number so identical user keys at different sequences simply coexist as
// distinct nodes; the comparator keeps the newest first.
func (m *memTable) Insert(key InternalKey, value []byte) {
	var prev [skipMaxHeight]*skipNode
	for i := range prev {
		prev[i] = m.head
	}
	m.findGreaterOrEqual(key, prev[:])

	height := m.randomHeight()
	if height > int(m.maxHeight.Load()) {
		for i := int(m.maxHeight.Load()); i < height; i++ {
			prev[i] = m.head
		}
		m.maxHeight.Store(int32(height))
	}

	node := newSkipNode(height, key, value)
	for i := 0; i < height; i++ {
		node.next[i].Store(prev[i].next[i].Load())
		prev[i].next[i].Store(node)
	}
	m.approxSize.Add(int64(len(key) + len(value) + 16))
}

// ApproximateSize reports bytes used, for write_buffer_size comparisons.
func (m *memTable) ApproximateSize() int64 { return m.approxSize.Load() }

// Get looks up the newest value for userKey visible at or before seq.
// Returns (value, found, isDeletion).
func (m *memTable) Get(userKey []byte, seq uint64) (value []byte, found bool, deleted bool) {
	lookup := makeInternalKey(userKey, seq, TypeValue)
	node := m.findGreaterOrEqual(lookup, nil)
	if node == nil {
		return nil, false, false
	}
	if !bytesEqual(node.key.userKey(), userKey) {
		return nil, false, false
	}
	_, t := node.key.seqType()
	if t == TypeDeletion {
		return nil, false, true
	}
	return node.value, true, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// memTableIterator walks the skiplist in internal-key order.
type memTableIterator struct {
	table *memTable
	node  *skipNode
	// atHead records that the iterator sits at the first position since
	// the last SeekToFirst. Nothing reads it: memtable iterators, like
	// every iterator in this engine, only move forward.
	atHead bool
}

func newMemTableIterator(m *memTable) *memTableIterator {
	return &memTableIterator{table: m, atHead: true}
}

func (it *memTableIterator) SeekToFirst() {
	it.node = it.table.head.next[0].Load()
	it.atHead = true
}

func (it *memTableIterator) Seek(key InternalKey) {
	it.node = it.table.findGreaterOrEqual(key, nil)
	it.atHead = false
}

func (it *memTableIterator) Valid() bool { return it.node != nil }

func (it *memTableIterator) Key() InternalKey { return it.node.key }

func (it *memTableIterator) Value() []byte { return it.node.value }

func (it *memTableIterator) Next() {
	it.node = it.node.next[0].Load()
	it.atHead = false
}
