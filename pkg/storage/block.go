package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// blockBuilder assembles one data, index, or meta-index block (the
// filter block is written raw):
// a sequence of entries, each
// `varint shared | varint non_shared | varint value_len | suffix | value`,
// followed by 4-byte LE restart-point offsets and a trailing 4-byte LE
// restart count.
type blockBuilder struct {
	restartInterval int
	buf             bytes.Buffer
	restarts        []uint32
	counter         int
	lastKey         []byte
	finished        bool
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval <= 0 {
		restartInterval = defaultBlockRestartInt
	}
	return &blockBuilder{restartInterval: restartInterval, restarts: []uint32{0}}
}

func (b *blockBuilder) Reset() {
	b.buf.Reset()
	b.restarts = []uint32{0}
	b.counter = 0
	b.lastKey = nil
	b.finished = false
}

func (b *blockBuilder) Empty() bool { return b.buf.Len() == 0 }

func (b *blockBuilder) EstimatedSize() int {
	return b.buf.Len() + 4*len(b.restarts) + 4
}

// Add appends one key/value pair. Keys must be added in increasing order.
func (b *blockBuilder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		maxShared := len(key)
		if len(b.lastKey) < maxShared {
			maxShared = len(b.lastKey)
		}
		for shared < maxShared && key[shared] == b.lastKey[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.counter = 0
	}
	nonShared := key[shared:]

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(shared))
	b.buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], uint64(len(nonShared)))
	b.buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	b.buf.Write(tmp[:n])
	b.buf.Write(nonShared)
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Finish returns the fully encoded block bytes.
func (b *blockBuilder) Finish() []byte {
	for _, r := range b.restarts {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], r)
		b.buf.Write(tmp[:])
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.restarts)))
	b.buf.Write(tmp[:])
	b.finished = true
	return b.buf.Bytes()
}

// block is a decoded, read-only view over an encoded block's bytes.
type block struct {
	data        []byte
	restartsOff int
	numRestarts int
}

func newBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("storage: block too short")
	}
	numRestarts := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	restartsOff := len(data) - 4 - 4*numRestarts
	if restartsOff < 0 {
		return nil, fmt.Errorf("storage: corrupt block restart count")
	}
	return &block{data: data, restartsOff: restartsOff, numRestarts: numRestarts}, nil
}

func (bl *block) restartPoint(i int) uint32 {
	off := bl.restartsOff + 4*i
	return binary.LittleEndian.Uint32(bl.data[off : off+4])
}

// decodeEntryAt parses one entry starting at byte offset off, returning
// shared/non-shared lengths, the key suffix, the value, and the offset of
// the following entry.
func decodeEntryAt(data []byte, off int) (shared, nonShared, valueLen int, suffix, value []byte, next int, ok bool) {
	p := data[off:]
	s, n1 := binary.Uvarint(p)
	if n1 <= 0 {
		return
	}
	p = p[n1:]
	ns, n2 := binary.Uvarint(p)
	if n2 <= 0 {
		return
	}
	p = p[n2:]
	vl, n3 := binary.Uvarint(p)
	if n3 <= 0 {
		return
	}
	p = p[n3:]
	if uint64(len(p)) < ns+vl {
		return
	}
	suffix = p[:ns]
	value = p[ns : ns+vl]
	next = off + n1 + n2 + n3 + int(ns) + int(vl)
	return int(s), int(ns), int(vl), suffix, value, next, true
}

// blockIterator walks a decoded block, reconstructing full keys from the
// shared-prefix compression as it goes.
type blockIterator struct {
	bl      *block
	offset  int // offset of current entry, -1 if invalid
	nextOff int
	key     []byte
	value   []byte
}

func newBlockIterator(bl *block) *blockIterator {
	return &blockIterator{bl: bl, offset: -1}
}

func (it *blockIterator) Valid() bool { return it.offset >= 0 }

func (it *blockIterator) Key() []byte   { return it.key }
func (it *blockIterator) Value() []byte { return it.value }

func (it *blockIterator) parseAt(off int) bool {
	shared, _, _, suffix, value, next, ok := decodeEntryAt(it.bl.data[:it.bl.restartsOff], off)
	if !ok {
		it.offset = -1
		return false
	}
	if shared == 0 {
		it.key = append([]byte(nil), suffix...)
	} else {
		newKey := make([]byte, shared, shared+len(suffix))
		copy(newKey, it.key[:shared])
		newKey = append(newKey, suffix...)
		it.key = newKey
	}
	it.value = value
	it.offset = off
	it.nextOff = next
	return true
}

func (it *blockIterator) SeekToFirst() {
	it.key = nil
	it.parseAt(0)
}

func (it *blockIterator) Next() {
	if it.nextOff >= it.bl.restartsOff {
		it.offset = -1
		return
	}
	it.parseAt(it.nextOff)
}

// Seek positions the iterator at the first entry with key >= target:
// binary search over restart points, then a linear scan within the
// chosen restart region. Data and index blocks hold internal keys, so
// ordering follows the internal-key comparator, not raw byte order;
// meta-index blocks are only ever iterated, never sought.
func (it *blockIterator) Seek(target []byte) {
	lo, hi := 0, it.bl.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		off := int(it.bl.restartPoint(mid))
		_, _, _, suffix, _, _, ok := decodeEntryAt(it.bl.data[:it.bl.restartsOff], off)
		if !ok {
			hi = mid - 1
			continue
		}
		// restart-point entries always have shared==0, so suffix is the
		// full key.
		if internalKeyCompare(suffix, target) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it.key = nil
	it.parseAt(int(it.bl.restartPoint(lo)))
	for it.Valid() && internalKeyCompare(it.key, target) < 0 {
		it.Next()
	}
}
