/*
Package storage implements an embedded, ordered key-value storage engine
built as an LSM-tree: a write-ahead log, a concurrent skiplist memtable, a
hierarchy of sorted immutable on-disk SSTables organized into levels, a
versioned manifest of the current file set, leveled compaction, and
sequence-numbered snapshots.

Every stateful service in the platform persists through this engine. It
is deliberately self-contained: the platform needs an ordered keyspace
with write-ahead logging, leveled compaction, and a versioned manifest,
a combination an embedded B+tree store does not provide.

# On-disk layout

A database directory contains CURRENT (names the active manifest), LOCK
(advisory single-writer lock), MANIFEST-NNNNNN (a log of VersionEdit
records), NNNNNN.log (write-ahead log segments), and NNNNNN.ldb (sorted
string tables).

# Keys

Keys stored in the memtable and in SSTables are internal keys: a user key
followed by an 8-byte little-endian packed (sequence<<8|type) suffix. The
internal comparator orders by user key ascending, then by sequence
descending, so the newest version of a key sorts first.
*/
package storage
