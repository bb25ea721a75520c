package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// blockHandle is the (offset, length) pair addressing a block within an
// SSTable file, encoded as two varints.
type blockHandle struct {
	offset uint64
	length uint64
}

const blockHandleMaxEncoded = 2 * binary.MaxVarintLen64

func (h blockHandle) encode() []byte {
	buf := make([]byte, 0, blockHandleMaxEncoded)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], h.offset)
	buf = append(buf, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], h.length)
	buf = append(buf, tmp[:n]...)
	return buf
}

func decodeBlockHandle(data []byte) (blockHandle, int, error) {
	off, n1 := binary.Uvarint(data)
	if n1 <= 0 {
		return blockHandle{}, 0, fmt.Errorf("storage: corrupt block handle offset")
	}
	length, n2 := binary.Uvarint(data[n1:])
	if n2 <= 0 {
		return blockHandle{}, 0, fmt.Errorf("storage: corrupt block handle length")
	}
	return blockHandle{offset: off, length: length}, n1 + n2, nil
}

// footerLength is fixed: two padded block handles plus an 8-byte magic.
const footerMagic = uint64(0xdb4775248b80fb57)
const footerLength = 2*blockHandleMaxEncoded + 8

func encodeFooter(metaindex, index blockHandle) []byte {
	buf := make([]byte, footerLength)
	mi := metaindex.encode()
	copy(buf, mi)
	idx := index.encode()
	copy(buf[blockHandleMaxEncoded:], idx)
	binary.LittleEndian.PutUint64(buf[footerLength-8:], footerMagic)
	return buf
}

func decodeFooter(buf []byte) (metaindex, index blockHandle, err error) {
	if len(buf) != footerLength {
		return blockHandle{}, blockHandle{}, fmt.Errorf("storage: bad footer length")
	}
	if binary.LittleEndian.Uint64(buf[footerLength-8:]) != footerMagic {
		return blockHandle{}, blockHandle{}, fmt.Errorf("storage: bad footer magic (corrupt table)")
	}
	metaindex, _, err = decodeBlockHandle(buf[:blockHandleMaxEncoded])
	if err != nil {
		return
	}
	index, _, err = decodeBlockHandle(buf[blockHandleMaxEncoded:])
	return
}

// blockTrailer is appended after every raw block: a 1-byte compression
// flag (always "none" in this implementation) and a 4-byte CRC32C of the
// block data plus the flag.
const blockTrailerLen = 5

func writeRawBlock(w *os.File, raw []byte) (blockHandle, error) {
	off, err := w.Seek(0, os.SEEK_CUR)
	if err != nil {
		return blockHandle{}, err
	}
	if _, err := w.Write(raw); err != nil {
		return blockHandle{}, err
	}
	trailer := make([]byte, blockTrailerLen)
	crc := crc32.Checksum(append(append([]byte(nil), raw...), trailer[0]), crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(trailer[1:], crc)
	if _, err := w.Write(trailer); err != nil {
		return blockHandle{}, err
	}
	return blockHandle{offset: uint64(off), length: uint64(len(raw))}, nil
}

// TableWriter builds one SSTable file: data blocks, an optional bloom
// filter block, a meta-index block, an index block, and a footer.
type TableWriter struct {
	f                 *os.File
	opts              Options
	filter            *bloomFilterPolicy
	data              *blockBuilder
	index             *blockBuilder
	filterKeys        [][]byte
	pendingIndexEntry bool
	pendingHandle     blockHandle
	lastKey           []byte
	numEntries        int
	smallest, largest []byte
}

// NewTableWriter opens path for writing a new SSTable.
func NewTableWriter(path string, opts Options) (*TableWriter, error) {
	opts = opts.withDefaults()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &TableWriter{
		f:      f,
		opts:   opts,
		filter: newBloomFilterPolicy(10),
		data:   newBlockBuilder(opts.BlockRestartInterval),
		index:  newBlockBuilder(opts.BlockRestartInterval),
	}, nil
}

// Add appends one internal key/value pair; keys must arrive sorted.
func (w *TableWriter) Add(key InternalKey, value []byte) error {
	if w.pendingIndexEntry {
		// The index maps the last key of each data block to its handle;
		// at this point lastKey is still the previous block's final key.
		w.index.Add(w.lastKey, w.pendingHandle.encode())
		w.pendingIndexEntry = false
	}
	// The filter is probed with user keys on the read path, so only the
	// user-key portion participates.
	w.filterKeys = append(w.filterKeys, append([]byte(nil), key.userKey()...))
	w.data.Add(key, value)
	w.lastKey = append([]byte(nil), key...)
	w.numEntries++
	if w.smallest == nil {
		w.smallest = append([]byte(nil), key...)
	}
	w.largest = append([]byte(nil), key...)

	if w.data.EstimatedSize() >= w.opts.BlockSize {
		return w.flushDataBlock()
	}
	return nil
}

func (w *TableWriter) flushDataBlock() error {
	if w.data.Empty() {
		return nil
	}
	handle, err := writeRawBlock(w.f, w.data.Finish())
	if err != nil {
		return err
	}
	w.pendingHandle = handle
	w.pendingIndexEntry = true
	w.data.Reset()
	return nil
}

// Finish flushes remaining blocks, the filter, meta-index, and index
// blocks, and writes the footer. Returns the file's smallest/largest key
// and entry count for the caller's FileMetaData.
func (w *TableWriter) Finish() (smallest, largest InternalKey, numEntries int, err error) {
	if err = w.flushDataBlock(); err != nil {
		return
	}
	if w.pendingIndexEntry {
		w.index.Add(w.lastKey, w.pendingHandle.encode())
		w.pendingIndexEntry = false
	}

	var filterHandle blockHandle
	filterBlock := w.filter.CreateFilter(w.filterKeys)
	filterHandle, err = writeRawBlock(w.f, filterBlock)
	if err != nil {
		return
	}

	metaBuilder := newBlockBuilder(w.opts.BlockRestartInterval)
	metaBuilder.Add([]byte(w.filter.Name()), filterHandle.encode())
	metaHandle, err := writeRawBlock(w.f, metaBuilder.Finish())
	if err != nil {
		return
	}

	indexHandle, err := writeRawBlock(w.f, w.index.Finish())
	if err != nil {
		return
	}

	if _, err = w.f.Write(encodeFooter(metaHandle, indexHandle)); err != nil {
		return
	}
	if err = w.f.Sync(); err != nil {
		return
	}
	err = w.f.Close()
	return w.smallest, w.largest, w.numEntries, err
}

// TableReader supports point lookups and ordered iteration over one
// SSTable file, consulting the block cache for data block bytes.
type TableReader struct {
	path        string
	f           *os.File
	size        int64
	index       *block
	metaindex   *block
	filterBlock []byte
	filter      *bloomFilterPolicy
	cache       *blockCache
	fileNum     uint64
}

// OpenTableReader opens an existing SSTable for reading.
func OpenTableReader(path string, fileNum uint64, cache *blockCache) (*TableReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < footerLength {
		f.Close()
		return nil, fmt.Errorf("storage: table %s too short (corrupt)", path)
	}
	footerBuf := make([]byte, footerLength)
	if _, err := f.ReadAt(footerBuf, st.Size()-footerLength); err != nil {
		f.Close()
		return nil, err
	}
	metaHandle, indexHandle, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	indexRaw, err := readBlockRaw(f, indexHandle)
	if err != nil {
		f.Close()
		return nil, err
	}
	indexBlk, err := newBlock(indexRaw)
	if err != nil {
		f.Close()
		return nil, err
	}
	metaRaw, err := readBlockRaw(f, metaHandle)
	if err != nil {
		f.Close()
		return nil, err
	}
	metaBlk, err := newBlock(metaRaw)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &TableReader{path: path, f: f, size: st.Size(), index: indexBlk, metaindex: metaBlk, cache: cache, fileNum: fileNum, filter: newBloomFilterPolicy(10)}
	r.loadFilter()
	return r, nil
}

func (r *TableReader) loadFilter() {
	it := newBlockIterator(r.metaindex)
	target := []byte(r.filter.Name())
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if bytes.Equal(it.Key(), target) {
			h, _, err := decodeBlockHandle(it.Value())
			if err != nil {
				return
			}
			raw, err := readBlockRaw(r.f, h)
			if err != nil {
				return
			}
			r.filterBlock = raw
			return
		}
	}
}

func readBlockRaw(f *os.File, h blockHandle) ([]byte, error) {
	buf := make([]byte, h.length+blockTrailerLen)
	if _, err := f.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, err
	}
	raw := buf[:h.length]
	trailer := buf[h.length:]
	wantCRC := binary.LittleEndian.Uint32(trailer[1:])
	gotCRC := crc32.Checksum(append(append([]byte(nil), raw...), trailer[0]), crc32.MakeTable(crc32.Castagnoli))
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("storage: block checksum mismatch (corrupt table)")
	}
	return raw, nil
}

// readDataBlock fetches a data block, consulting the cache first.
func (r *TableReader) readDataBlock(h blockHandle) (*block, error) {
	if r.cache != nil {
		if b, ok := r.cache.Get(r.fileNum, h.offset); ok {
			return b, nil
		}
	}
	raw, err := readBlockRaw(r.f, h)
	if err != nil {
		return nil, err
	}
	b, err := newBlock(raw)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(r.fileNum, h.offset, b)
	}
	return b, nil
}

// MayContain uses the filter block, if present, to skip a definite miss.
func (r *TableReader) MayContain(userKey []byte) bool {
	if r.filterBlock == nil {
		return true
	}
	return r.filter.MayContain(r.filterBlock, userKey)
}

// Get performs a point lookup for the newest entry with the given
// internal key's user key and sequence <= the lookup key's sequence.
func (r *TableReader) Get(lookup InternalKey) (value []byte, found, deleted bool, err error) {
	userKey := lookup.userKey()
	if !r.MayContain(userKey) {
		return nil, false, false, nil
	}
	idx := newBlockIterator(r.index)
	idx.Seek(lookup)
	if !idx.Valid() {
		return nil, false, false, nil
	}
	h, _, derr := decodeBlockHandle(idx.Value())
	if derr != nil {
		return nil, false, false, derr
	}
	blk, rerr := r.readDataBlock(h)
	if rerr != nil {
		return nil, false, false, rerr
	}
	bit := newBlockIterator(blk)
	bit.Seek(lookup)
	if !bit.Valid() {
		return nil, false, false, nil
	}
	ik := InternalKey(bit.Key())
	if !bytesEqual(ik.userKey(), userKey) {
		return nil, false, false, nil
	}
	_, t := ik.seqType()
	if t == TypeDeletion {
		return nil, false, true, nil
	}
	return append([]byte(nil), bit.Value()...), true, false, nil
}

// NewIterator returns an iterator over all entries in the table in
// internal-key order.
func (r *TableReader) NewIterator() *tableIterator {
	return &tableIterator{r: r, idx: newBlockIterator(r.index)}
}

func (r *TableReader) Close() error { return r.f.Close() }

type tableIterator struct {
	r    *TableReader
	idx  *blockIterator
	data *blockIterator
}

func (it *tableIterator) SeekToFirst() {
	it.idx.SeekToFirst()
	it.loadBlockAndSeekFirst()
}

func (it *tableIterator) Seek(key InternalKey) {
	it.idx.Seek(key)
	if !it.idx.Valid() {
		it.data = nil
		return
	}
	it.loadBlockAt(it.idx.Value())
	it.data.Seek(key)
	for !it.data.Valid() {
		it.idx.Next()
		if !it.idx.Valid() {
			it.data = nil
			return
		}
		it.loadBlockAt(it.idx.Value())
		it.data.SeekToFirst()
	}
}

func (it *tableIterator) loadBlockAt(handleBytes []byte) {
	h, _, err := decodeBlockHandle(handleBytes)
	if err != nil {
		it.data = nil
		return
	}
	blk, err := it.r.readDataBlock(h)
	if err != nil {
		it.data = nil
		return
	}
	it.data = newBlockIterator(blk)
}

func (it *tableIterator) loadBlockAndSeekFirst() {
	if !it.idx.Valid() {
		it.data = nil
		return
	}
	it.loadBlockAt(it.idx.Value())
	it.data.SeekToFirst()
}

func (it *tableIterator) Valid() bool { return it.data != nil && it.data.Valid() }

func (it *tableIterator) Key() InternalKey { return it.data.Key() }
func (it *tableIterator) Value() []byte    { return it.data.Value() }

func (it *tableIterator) Next() {
	it.data.Next()
	for !it.data.Valid() {
		it.idx.Next()
		if !it.idx.Valid() {
			it.data = nil
			return
		}
		it.loadBlockAt(it.idx.Value())
		it.data.SeekToFirst()
	}
}
