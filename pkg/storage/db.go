package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/rs/zerolog"
)

// WriteOptions controls one Put/Delete/Write call.
type WriteOptions struct {
	Sync bool
}

// DB is the embedded ordered key-value store: single-writer,
// multi-reader, with a background compaction worker. The process-wide
// write mutex (mu) serializes WriteBatch application and memtable
// swaps; readers take a reference to the current Version and to
// memtable pointers without blocking writers.
type DB struct {
	dir  string
	opts Options
	log  zerolog.Logger

	lockFile *os.File

	mu            sync.Mutex // write mutex: batches, memtable swaps, version edits
	mem           *memTable
	imm           *memTable // immutable memtable awaiting flush, nil if none
	flushing      bool      // an imm flush is in progress
	walw          *walWriter
	logNumber     uint64
	prevLogNumber uint64 // WAL segment backing imm, deleted once flushed

	vs    *VersionSet
	cache *blockCache
	snaps *snapshotList

	readers   map[uint64]*TableReader
	readersMu sync.RWMutex

	compactSignal chan struct{}
	closing       chan struct{}
	closed        atomic.Bool
	wg            sync.WaitGroup
}

// Open opens (creating if necessary) the database at dir.
func Open(dir string, opts Options, log zerolog.Logger) (*DB, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}

	db := &DB{
		dir:           dir,
		opts:          opts,
		log:           log.With().Str("component", "storage").Logger(),
		lockFile:      lockFile,
		vs:            newVersionSet(dir, opts),
		cache:         newBlockCache(opts.CacheCapacity),
		snaps:         newSnapshotList(),
		readers:       make(map[uint64]*TableReader),
		compactSignal: make(chan struct{}, 1),
		closing:       make(chan struct{}),
	}

	if err := db.vs.Recover(); err != nil {
		db.lockFile.Close()
		return nil, err
	}
	if err := db.openReaders(); err != nil {
		db.lockFile.Close()
		return nil, err
	}
	if err := db.recoverLogFiles(); err != nil {
		db.lockFile.Close()
		return nil, err
	}
	if err := db.rollWAL(); err != nil {
		db.lockFile.Close()
		return nil, err
	}
	// Record the fresh log number so the replayed segments are obsolete,
	// then delete them; recovery is idempotent from here on.
	edit := newVersionEdit()
	edit.SetLogNumber(db.logNumber)
	if err := db.vs.LogAndApply(edit); err != nil {
		db.lockFile.Close()
		return nil, err
	}
	db.removeObsoleteWALs()

	db.wg.Add(1)
	go db.compactionLoop()
	return db, nil
}

// removeObsoleteWALs deletes every WAL segment older than the live one.
func (db *DB) removeObsoleteWALs() {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err == nil && n < db.logNumber {
			os.Remove(filepath.Join(db.dir, name))
		}
	}
}

func acquireLock(dir string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, "LOCK"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFileExclusive(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: another process holds LOCK: %w", err)
	}
	return f, nil
}

func (db *DB) openReaders() error {
	for l := 0; l < NumLevels; l++ {
		for _, f := range db.vs.current.files[l] {
			r, err := OpenTableReader(tablePath(db.dir, f.Number), f.Number, db.cache)
			if err != nil {
				return err
			}
			db.readers[f.Number] = r
		}
	}
	return nil
}

// recoverLogFiles replays WAL segments whose number is >= the
// manifest's log number into memtables.
func (db *DB) recoverLogFiles() error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return err
	}
	var logNums []uint64
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".log") {
			numStr := strings.TrimSuffix(name, ".log")
			n, err := strconv.ParseUint(numStr, 10, 64)
			if err == nil && n >= db.vs.logNumber {
				logNums = append(logNums, n)
			}
		}
	}
	sort.Slice(logNums, func(i, j int) bool { return logNums[i] < logNums[j] })

	for _, n := range logNums {
		mem, err := db.replayLog(walPath(db.dir, n))
		if err != nil {
			return err
		}
		if mem == nil {
			continue
		}
		if err := db.flushMemTableToL0(mem); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) replayLog(path string) (*memTable, error) {
	r, err := openWALReader(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	mem := newMemTable()
	seq := db.vs.LastSequence()
	for {
		payload, err := r.Next()
		if err != nil {
			break // io.EOF or a torn tail; both end replay
		}
		batch, err := DecodeWriteBatch(payload)
		if err != nil {
			return nil, fmt.Errorf("storage: %w (corrupt)", err)
		}
		applyBatchToMemTable(mem, batch, &seq)
	}
	db.vs.SetLastSequence(seq)
	if mem.head.next[0].Load() == nil {
		return nil, nil
	}
	return mem, nil
}

func applyBatchToMemTable(mem *memTable, batch *WriteBatch, seq *uint64) {
	for _, r := range batch.records {
		*seq++
		mem.Insert(makeInternalKey(r.key, *seq, r.kind), r.value)
	}
}

func (db *DB) rollWAL() error {
	num := db.vs.NewFileNumber()
	w, err := newWALWriter(walPath(db.dir, num))
	if err != nil {
		return err
	}
	db.walw = w
	db.logNumber = num
	db.mem = newMemTable()
	return nil
}

// Get reads the value for key as of the given snapshot (nil = latest).
func (db *DB) Get(key []byte, snap *Snapshot) ([]byte, error) {
	db.mu.Lock()
	seq := db.vs.LastSequence()
	if snap != nil {
		seq = snap.seq
	}
	mem := db.mem
	imm := db.imm
	version := db.vs.current
	db.mu.Unlock()

	lookup := makeInternalKey(key, seq, TypeValue)

	if v, found, deleted := mem.Get(key, seq); found {
		return v, nil
	} else if deleted {
		return nil, errNotFound
	}
	if imm != nil {
		if v, found, deleted := imm.Get(key, seq); found {
			return v, nil
		} else if deleted {
			return nil, errNotFound
		}
	}

	// L0 files may overlap: search newest-first (highest file number
	// first). L1+ files are disjoint and sorted, so at most one file per
	// level can contain the key.
	l0 := append([]*FileMetaData(nil), version.files[0]...)
	sort.Slice(l0, func(i, j int) bool { return l0[i].Number > l0[j].Number })
	for _, f := range l0 {
		if bytesLess(key, f.Smallest.userKey()) || bytesLess(f.Largest.userKey(), key) {
			continue
		}
		if v, found, deleted, err := db.getFromFile(f, lookup); err != nil {
			return nil, err
		} else if found {
			return v, nil
		} else if deleted {
			return nil, errNotFound
		}
	}
	for l := 1; l < NumLevels; l++ {
		f := findFileForKey(version.files[l], key)
		if f == nil {
			continue
		}
		v, found, deleted, err := db.getFromFile(f, lookup)
		if err != nil {
			return nil, err
		}
		if found {
			return v, nil
		}
		if deleted {
			return nil, errNotFound
		}
	}
	return nil, errNotFound
}

func findFileForKey(files []*FileMetaData, userKey []byte) *FileMetaData {
	i := sort.Search(len(files), func(i int) bool {
		return bytesGreaterOrEqual(files[i].Largest.userKey(), userKey)
	})
	if i < len(files) && bytesGreaterOrEqual(userKey, files[i].Smallest.userKey()) {
		return files[i]
	}
	return nil
}

func bytesGreaterOrEqual(a, b []byte) bool { return !bytesLess(a, b) }
func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func (db *DB) getFromFile(f *FileMetaData, lookup InternalKey) (value []byte, found, deleted bool, err error) {
	db.readersMu.RLock()
	r := db.readers[f.Number]
	db.readersMu.RUnlock()
	if r == nil {
		return nil, false, false, fmt.Errorf("storage: missing reader for file %d (corrupt)", f.Number)
	}
	v, found, deleted, err := r.Get(lookup)
	if err == nil && !found && !deleted {
		// A seek-miss on this file consumes one allowed-seeks credit; at
		// zero the file becomes eligible for seek-triggered compaction.
		if f.AllowedSeeks.Add(-1) <= 0 {
			db.scheduleCompaction()
		}
	}
	return v, found, deleted, err
}

var errNotFound = fmt.Errorf("storage: key not found")

// IsNotFound reports whether err is the not-found sentinel.
func IsNotFound(err error) bool { return err == errNotFound }

// Put writes one key/value pair.
func (db *DB) Put(key, value []byte, wo WriteOptions) error {
	b := NewWriteBatch()
	b.Put(key, value)
	return db.Write(b, wo)
}

// Delete writes a tombstone for key.
func (db *DB) Delete(key []byte, wo WriteOptions) error {
	b := NewWriteBatch()
	b.Delete(key)
	return db.Write(b, wo)
}

// Write applies a WriteBatch atomically: reserve sequence numbers,
// append to the WAL, apply to the memtable, advance the last sequence.
func (db *DB) Write(b *WriteBatch, wo WriteOptions) error {
	if b.Count() == 0 {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.makeRoomForWrite(); err != nil {
		return err
	}

	startSeq := db.vs.LastSequence() + 1
	if err := db.walw.Append(b.Encode(), wo.Sync); err != nil {
		return err
	}
	seq := startSeq - 1
	applyBatchToMemTable(db.mem, b, &seq)
	db.vs.SetLastSequence(seq)
	return nil
}

// makeRoomForWrite swaps a full memtable out as the immutable memtable
// and rolls a new WAL segment, scheduling a flush compaction. Must be
// called with mu held.
func (db *DB) makeRoomForWrite() error {
	for db.imm != nil {
		// A flush is already pending; in this single-process engine we
		// simply wait for it rather than modeling true backpressure.
		db.mu.Unlock()
		db.scheduleCompaction()
		time.Sleep(time.Millisecond)
		db.mu.Lock()
	}
	if db.mem.ApproximateSize() < int64(db.opts.WriteBufferSize) {
		return nil
	}
	db.imm = db.mem
	db.prevLogNumber = db.logNumber
	if err := db.walw.Close(); err != nil {
		return err
	}
	if err := db.rollWAL(); err != nil {
		return err
	}
	db.scheduleCompaction()
	return nil
}

func (db *DB) scheduleCompaction() {
	select {
	case db.compactSignal <- struct{}{}:
	default:
	}
}

// claimImm marks the pending immutable memtable as being flushed and
// returns it, or nil when there is nothing to flush (or another flush
// already owns it). Pairs with finishImm.
func (db *DB) claimImm() *memTable {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.imm == nil || db.flushing {
		return nil
	}
	db.flushing = true
	return db.imm
}

// finishImm clears the flushed memtable and deletes its WAL segment,
// which the flush's version edit has made obsolete.
func (db *DB) finishImm(err error) {
	db.mu.Lock()
	var obsolete uint64
	if err == nil {
		db.imm = nil
		obsolete = db.prevLogNumber
		db.prevLogNumber = 0
	}
	db.flushing = false
	db.mu.Unlock()
	if obsolete != 0 {
		os.Remove(walPath(db.dir, obsolete))
	}
}

func (db *DB) compactionLoop() {
	defer db.wg.Done()
	for {
		select {
		case <-db.closing:
			return
		case <-db.compactSignal:
			if imm := db.claimImm(); imm != nil {
				err := db.flushMemTableToL0(imm)
				db.finishImm(err)
				if err != nil {
					db.log.Error().Err(err).Msg("minor compaction failed")
					continue
				}
			}
			if err := db.maybeCompactLevels(); err != nil {
				db.log.Error().Err(err).Msg("major compaction failed")
			}
		}
	}
}

func (db *DB) flushMemTableToL0(mem *memTable) error {
	it := newMemTableIterator(mem)
	it.SeekToFirst()
	if !it.Valid() {
		return nil
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompactionDuration, "minor")
	num := db.vs.NewFileNumber()
	w, err := NewTableWriter(tablePath(db.dir, num), db.opts)
	if err != nil {
		return err
	}
	var smallest, largest InternalKey
	for ; it.Valid(); it.Next() {
		if smallest == nil {
			smallest = append(InternalKey(nil), it.Key()...)
		}
		largest = append(InternalKey(nil), it.Key()...)
		if err := w.Add(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	_, _, _, err = w.Finish()
	if err != nil {
		return err
	}

	db.mu.Lock()
	level := pickMemtableOutputLevel(db.vs.current, smallest.userKey(), largest.userKey(), db.opts.MaxFileSize)
	edit := newVersionEdit()
	meta := newFileMetaData(num, fileSize(tablePath(db.dir, num)), smallest, largest)
	edit.AddFile(level, meta)
	if db.logNumber > 0 {
		// Everything in this memtable is now durable in the table file;
		// any WAL segment older than the live one is obsolete.
		edit.SetLogNumber(db.logNumber)
	}
	err = db.vs.LogAndApply(edit)
	if err == nil {
		r, rerr := OpenTableReader(tablePath(db.dir, num), num, db.cache)
		if rerr == nil {
			db.readersMu.Lock()
			db.readers[num] = r
			db.readersMu.Unlock()
		}
	}
	db.mu.Unlock()
	if err == nil {
		metrics.CompactionsTotal.WithLabelValues("minor").Inc()
	}
	return err
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}

// maybeCompactLevels runs at most one major compaction round, picking
// the level with the highest compaction score.
func (db *DB) maybeCompactLevels() error {
	db.mu.Lock()
	version := db.vs.current
	level, _ := version.pickCompactionScore(db.opts.MaxFileSize)
	db.mu.Unlock()

	var seed *FileMetaData
	if level < 0 {
		// No level crossed its size trigger; fall back to a file whose
		// allowed-seeks budget ran out.
		level, seed = pickSeekCompaction(version)
	}
	if level < 0 || len(version.files[level]) == 0 {
		return nil
	}
	if seed == nil {
		seed = db.pickCompactionSeed(version, level)
	}
	levelFiles, nextFiles := pickCompactionInputs(version, level, seed, db.opts.MaxFileSize)

	if isTrivialMove(version, level, levelFiles, nextFiles, db.opts.MaxFileSize) {
		edit := newVersionEdit()
		edit.DeleteFile(level, levelFiles[0].Number)
		edit.AddFile(level+1, levelFiles[0])
		edit.CompactPointer[level] = levelFiles[0].Largest
		db.mu.Lock()
		err := db.vs.LogAndApply(edit)
		db.mu.Unlock()
		if err == nil {
			metrics.CompactionsTotal.WithLabelValues("trivial_move").Inc()
		}
		return err
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CompactionDuration, "major")

	var grandparents []*FileMetaData
	if level+2 < NumLevels {
		smallest, largest := rangeOf(append(append([]*FileMetaData(nil), levelFiles...), nextFiles...))
		grandparents = version.overlapInLevel(level+2, smallest, largest)
	}

	db.readersMu.RLock()
	var iters []*tableIterator
	for _, f := range append(append([]*FileMetaData(nil), levelFiles...), nextFiles...) {
		if r := db.readers[f.Number]; r != nil {
			iters = append(iters, r.NewIterator())
		}
	}
	db.readersMu.RUnlock()

	smallestSeq := db.snaps.Floor(db.vs.LastSequence())
	isBaseLevel := func(userKey []byte) bool {
		for l := level + 2; l < NumLevels; l++ {
			if findFileForKey(version.files[l], userKey) != nil {
				return false
			}
		}
		return true
	}

	newFiles, err := mergeAndWriteCompaction(db.dir, db.vs, db.opts, level, iters, smallestSeq, isBaseLevel, grandparents, db.opts.MaxFileSize)
	if err != nil {
		return err
	}

	edit := newVersionEdit()
	for _, f := range levelFiles {
		edit.DeleteFile(level, f.Number)
	}
	for _, f := range nextFiles {
		edit.DeleteFile(level+1, f.Number)
	}
	for _, f := range newFiles {
		f.FileSize = fileSize(tablePath(db.dir, f.Number))
		edit.AddFile(level+1, f)
	}
	edit.CompactPointer[level] = append(InternalKey(nil), levelFiles[len(levelFiles)-1].Largest...)

	db.mu.Lock()
	err = db.vs.LogAndApply(edit)
	db.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.CompactionsTotal.WithLabelValues("major").Inc()

	db.readersMu.Lock()
	for _, f := range append(levelFiles, nextFiles...) {
		if r, ok := db.readers[f.Number]; ok {
			r.Close()
			delete(db.readers, f.Number)
			db.cache.EvictFile(f.Number)
		}
		os.Remove(tablePath(db.dir, f.Number))
	}
	for _, f := range newFiles {
		r, rerr := OpenTableReader(tablePath(db.dir, f.Number), f.Number, db.cache)
		if rerr == nil {
			db.readers[f.Number] = r
		}
	}
	db.readersMu.Unlock()
	return nil
}

// Flush forces the active memtable to become immutable and blocks until
// it has been written out as an L0 (or deeper) SSTable.
func (db *DB) Flush() error {
	db.mu.Lock()
	if db.mem.head.next[0].Load() == nil && db.imm == nil {
		db.mu.Unlock()
		return nil
	}
	if db.imm == nil && db.mem.head.next[0].Load() != nil {
		db.imm = db.mem
		db.prevLogNumber = db.logNumber
		if err := db.walw.Close(); err != nil {
			db.mu.Unlock()
			return err
		}
		if err := db.rollWAL(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	db.mu.Unlock()

	for {
		if imm := db.claimImm(); imm != nil {
			err := db.flushMemTableToL0(imm)
			db.finishImm(err)
			return err
		}
		db.mu.Lock()
		done := db.imm == nil
		db.mu.Unlock()
		if done {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// pickSeekCompaction finds a file whose allowed-seeks counter has been
// exhausted by repeated point-lookup misses, or (-1, nil) if none has.
func pickSeekCompaction(v *Version) (int, *FileMetaData) {
	for l := 0; l < NumLevels-1; l++ {
		for _, f := range v.files[l] {
			if f.AllowedSeeks.Load() <= 0 {
				return l, f
			}
		}
	}
	return -1, nil
}

// pickCompactionSeed chooses the level file just past the stored
// compaction pointer so repeated compactions rotate through the level's
// key space instead of hammering its first file.
func (db *DB) pickCompactionSeed(v *Version, level int) *FileMetaData {
	ptr := db.vs.CompactPointer(level)
	if len(ptr) != 0 {
		for _, f := range v.files[level] {
			if internalKeyCompare(f.Largest, ptr) > 0 {
				return f
			}
		}
	}
	return v.files[level][0]
}

// NewSnapshot pins the current sequence number.
func (db *DB) NewSnapshot() *Snapshot {
	return db.snaps.New(db.vs.LastSequence())
}

// ReleaseSnapshot releases a previously taken snapshot.
func (db *DB) ReleaseSnapshot(s *Snapshot) { db.snaps.Release(s) }

// NewIterator returns an ordered cursor over the whole keyspace as of
// snap (nil = latest).
func (db *DB) NewIterator(snap *Snapshot) *Iterator {
	db.mu.Lock()
	seq := db.vs.LastSequence()
	if snap != nil {
		seq = snap.seq
	}
	var srcs []sourceIterator
	srcs = append(srcs, newMemTableIterator(db.mem))
	if db.imm != nil {
		srcs = append(srcs, newMemTableIterator(db.imm))
	}
	db.readersMu.RLock()
	for l := 0; l < NumLevels; l++ {
		for _, f := range db.vs.current.files[l] {
			if r := db.readers[f.Number]; r != nil {
				srcs = append(srcs, r.NewIterator())
			}
		}
	}
	db.readersMu.RUnlock()
	db.mu.Unlock()

	return newIterator(newMergingIteratorFrom(srcs), seq)
}

// Close releases all resources and the filesystem LOCK.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(db.closing)
	db.wg.Wait()

	db.mu.Lock()
	if db.walw != nil {
		db.walw.Close()
	}
	db.mu.Unlock()

	db.readersMu.Lock()
	for _, r := range db.readers {
		r.Close()
	}
	db.readersMu.Unlock()

	if db.vs.manifestFile != nil {
		db.vs.manifestFile.Close()
	}
	releaseLockFile(db.lockFile)
	return db.lockFile.Close()
}
