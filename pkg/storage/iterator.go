package storage

// sourceIterator is the capability set shared by memtable and table
// iterators: valid/key/value/next/seek/seek_to_first. prev and
// seek_to_last are omitted; nothing in this engine's read or
// compaction paths iterates backwards.
type sourceIterator interface {
	Valid() bool
	Key() InternalKey
	Value() []byte
	Next()
	SeekToFirst()
	Seek(key InternalKey)
}

// mergingIterator merges multiple sorted sourceIterators into one
// internal-key-ordered stream, used both for compaction inputs and for
// building a full-database iterator across memtables and every level.
type mergingIterator struct {
	children []sourceIterator
	current  int
}

func newMergingIterator(children []*tableIterator) *mergingIterator {
	srcs := make([]sourceIterator, len(children))
	for i, c := range children {
		srcs[i] = c
	}
	return &mergingIterator{children: srcs, current: -1}
}

func newMergingIteratorFrom(children []sourceIterator) *mergingIterator {
	return &mergingIterator{children: children, current: -1}
}

func (m *mergingIterator) findSmallest() {
	m.current = -1
	for i, c := range m.children {
		if !c.Valid() {
			continue
		}
		if m.current == -1 || internalKeyCompare(c.Key(), m.children[m.current].Key()) < 0 {
			m.current = i
		}
	}
}

func (m *mergingIterator) SeekToFirst() {
	for _, c := range m.children {
		c.SeekToFirst()
	}
	m.findSmallest()
}

func (m *mergingIterator) Seek(key InternalKey) {
	for _, c := range m.children {
		c.Seek(key)
	}
	m.findSmallest()
}

func (m *mergingIterator) Valid() bool { return m.current >= 0 }

func (m *mergingIterator) Key() InternalKey { return m.children[m.current].Key() }
func (m *mergingIterator) Value() []byte    { return m.children[m.current].Value() }

func (m *mergingIterator) Next() {
	m.children[m.current].Next()
	m.findSmallest()
}

// Iterator is the public, read-only cursor returned to DB callers. It
// skips internal-key plumbing and surfaces only live (non-tombstone)
// user-key/value pairs visible at its snapshot sequence, collapsing
// multiple internal versions of the same user key to the newest one.
type Iterator struct {
	inner   *mergingIterator
	seq     uint64
	lastKey []byte
	haveKey bool
	key     []byte
	value   []byte
}

func newIterator(inner *mergingIterator, seq uint64) *Iterator {
	return &Iterator{inner: inner, seq: seq}
}

func (it *Iterator) SeekToFirst() {
	it.inner.SeekToFirst()
	it.lastKey = nil
	it.advanceToVisible()
}

func (it *Iterator) Seek(userKey []byte) {
	it.inner.Seek(makeInternalKey(userKey, it.seq, TypeValue))
	it.lastKey = nil
	it.advanceToVisible()
}

func (it *Iterator) advanceToVisible() {
	for it.inner.Valid() {
		ik := it.inner.Key()
		seq, typ := ik.seqType()
		uk := ik.userKey()
		if seq > it.seq {
			it.inner.Next()
			continue
		}
		if it.lastKey != nil && bytesEqual(it.lastKey, uk) {
			it.inner.Next()
			continue
		}
		it.lastKey = append(it.lastKey[:0], uk...)
		if typ == TypeDeletion {
			it.inner.Next()
			continue
		}
		it.key = append([]byte(nil), uk...)
		it.value = append([]byte(nil), it.inner.Value()...)
		it.haveKey = true
		return
	}
	it.haveKey = false
}

func (it *Iterator) Valid() bool   { return it.haveKey }
func (it *Iterator) Key() []byte   { return it.key }
func (it *Iterator) Value() []byte { return it.value }

func (it *Iterator) Next() {
	it.inner.Next()
	it.advanceToVisible()
}
