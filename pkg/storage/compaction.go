package storage

import (
	"bytes"
	"os"
)

// pickMemtableOutputLevel chooses how deep a newly flushed memtable's
// SSTable can be pushed directly: as far down as MaxMemCompactLevel
// while grandparent overlap stays within 10x max file size.
func pickMemtableOutputLevel(v *Version, smallest, largest []byte, maxFileSize int) int {
	level := 0
	if len(v.overlapInLevel(0, smallest, largest)) > 0 {
		return 0
	}
	for level < MaxMemCompactLevel {
		if len(v.overlapInLevel(level+1, smallest, largest)) > 0 {
			break
		}
		if level+2 < NumLevels {
			grand := v.overlapInLevel(level+2, smallest, largest)
			if overlapBytes(grand) > int64(10*maxFileSize) {
				break
			}
		}
		level++
	}
	return level
}

func overlapBytes(files []*FileMetaData) int64 {
	var total int64
	for _, f := range files {
		total += f.FileSize
	}
	return total
}

// pickCompactionInputs chooses the input file set for a major compaction
// from level to level+1, expanding the level-side selection when doing so
// doesn't pull in more level+1 files and the combined size stays under
// 25x max file size.
func pickCompactionInputs(v *Version, level int, seedFile *FileMetaData, maxFileSize int) (levelFiles, nextFiles []*FileMetaData) {
	smallest, largest := seedFile.Smallest.userKey(), seedFile.Largest.userKey()
	nextFiles = v.overlapInLevel(level+1, smallest, largest)

	allSmallest, allLargest := rangeOf(append([]*FileMetaData{seedFile}, nextFiles...))
	expanded := v.overlapInLevel(level, allSmallest, allLargest)
	if len(expanded) > 1 {
		expNext := v.overlapInLevel(level+1, allSmallest, allLargest)
		if len(expNext) == len(nextFiles) && overlapBytes(expanded)+overlapBytes(expNext) < int64(25*maxFileSize) {
			return expanded, expNext
		}
	}
	return []*FileMetaData{seedFile}, nextFiles
}

func rangeOf(files []*FileMetaData) (smallest, largest []byte) {
	for _, f := range files {
		if smallest == nil || bytes.Compare(f.Smallest.userKey(), smallest) < 0 {
			smallest = f.Smallest.userKey()
		}
		if largest == nil || bytes.Compare(f.Largest.userKey(), largest) > 0 {
			largest = f.Largest.userKey()
		}
	}
	return
}

// isTrivialMove reports whether a major compaction can be satisfied by a
// metadata-only file move: exactly one input file at level, no overlap at
// level+1, and grandparent overlap under 10x max file size.
func isTrivialMove(v *Version, level int, levelFiles, nextFiles []*FileMetaData, maxFileSize int) bool {
	if len(levelFiles) != 1 || len(nextFiles) != 0 {
		return false
	}
	if level+2 >= NumLevels {
		return true
	}
	smallest, largest := levelFiles[0].Smallest.userKey(), levelFiles[0].Largest.userKey()
	grand := v.overlapInLevel(level+2, smallest, largest)
	return overlapBytes(grand) <= int64(10*maxFileSize)
}

// mergeAndWriteCompaction merges levelFiles and nextFiles in internal-key
// order, applying the discard rules relative to smallestSnapshotSeq and
// isBaseLevel, writing one or more output
// SSTables rolled whenever the accumulated grandparent overlap or
// max_file_size is exceeded. Returns the new files produced (to be
// recorded at level+1).
func mergeAndWriteCompaction(
	dir string,
	vs *VersionSet,
	opts Options,
	level int,
	inputs []*tableIterator,
	smallestSnapshotSeq uint64,
	isBaseLevel func(userKey []byte) bool,
	grandparents []*FileMetaData,
	maxFileSize int,
) ([]*FileMetaData, error) {
	it := newMergingIterator(inputs)
	it.SeekToFirst()

	var out []*FileMetaData
	var w *TableWriter
	var curFileNum uint64
	committed := false
	// A failed compaction rolls back: every output written so far is
	// deleted and the version set is left untouched.
	defer func() {
		if committed {
			return
		}
		for _, f := range out {
			os.Remove(tablePath(dir, f.Number))
		}
		if w != nil {
			os.Remove(tablePath(dir, curFileNum))
		}
	}()
	var grandparentIdx int
	var grandparentOverlapBytes int64
	var lastUserKey []byte
	var hasLastUserKey bool
	lastSeqForKey := MaxSequence

	closeCurrent := func() error {
		if w == nil {
			return nil
		}
		smallest, largest, n, err := w.Finish()
		if err != nil {
			return err
		}
		if n > 0 {
			out = append(out, newFileMetaData(curFileNum, 0, smallest, largest))
		}
		w = nil
		return nil
	}

	for ; it.Valid(); it.Next() {
		ik := InternalKey(it.Key())
		userKey := ik.userKey()
		seq, typ := ik.seqType()

		if !hasLastUserKey || !bytesEqual(lastUserKey, userKey) {
			lastSeqForKey = MaxSequence
		}
		drop := false
		switch {
		case lastSeqForKey <= smallestSnapshotSeq:
			// Hidden by a newer entry for the same user key that is
			// itself at or below the snapshot floor: no reader can ever
			// observe this version.
			drop = true
		case typ == TypeDeletion && seq <= smallestSnapshotSeq && isBaseLevel(userKey):
			// Tombstone with nothing left to delete in any deeper level.
			drop = true
		}
		lastSeqForKey = seq
		lastUserKey = append(lastUserKey[:0], userKey...)
		hasLastUserKey = true

		if drop {
			continue
		}

		if w == nil {
			curFileNum = vs.NewFileNumber()
			var err error
			w, err = NewTableWriter(tablePath(dir, curFileNum), opts)
			if err != nil {
				return nil, err
			}
			grandparentOverlapBytes = 0
		}
		if err := w.Add(ik, it.Value()); err != nil {
			return nil, err
		}

		// Accumulate the size of every grandparent file the output has
		// swept past; crossing too much L+2 data forces a new output file
		// so a future compaction of it stays bounded.
		for grandparentIdx < len(grandparents) && bytes.Compare(grandparents[grandparentIdx].Largest.userKey(), userKey) < 0 {
			grandparentOverlapBytes += grandparents[grandparentIdx].FileSize
			grandparentIdx++
		}

		if w.EstimatedFileSize() >= maxFileSize || grandparentOverlapBytes > int64(10*maxFileSize) {
			if err := closeCurrent(); err != nil {
				return nil, err
			}
		}
	}
	if err := closeCurrent(); err != nil {
		return nil, err
	}
	committed = true
	return out, nil
}

// EstimatedFileSize approximates the on-disk size written so far, used to
// decide when to roll to a new output file.
func (w *TableWriter) EstimatedFileSize() int {
	off, err := w.f.Seek(0, 1)
	if err != nil {
		return 0
	}
	return int(off)
}
