// Package audit is the platform's append-only action log: the auth
// handlers and the mutating management handlers record caller,
// operation, and outcome here, and the management service's
// query_audit_logs exposes a simple substring query over it. The
// read-only management handlers and the scheduler service record no
// entries.
package audit

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/storage"
	"github.com/cloakmesh/enclave/pkg/types"
)

const keyPrefix = "audit-"

// Log appends and queries AuditEntry records. Keys are
// "audit-{timestamp_micros big-endian}-{monotonic tie-break}" so the
// engine's natural key order is also chronological order.
type Log struct {
	db      *storage.DB
	mu      sync.Mutex
	lastTS  int64
	counter uint32
}

// New wraps an already-open storage.DB.
func New(db *storage.DB) *Log {
	return &Log{db: db}
}

func (l *Log) nextKey(ts int64) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts == l.lastTS {
		l.counter++
	} else {
		l.lastTS = ts
		l.counter = 0
	}
	k := make([]byte, len(keyPrefix)+12)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], uint64(ts))
	binary.BigEndian.PutUint32(k[len(keyPrefix)+8:], l.counter)
	return k
}

// Record appends one entry. ip may be nil (e.g. internal calls); it is
// normalized to its 16-byte form.
func (l *Log) Record(ip net.IP, user, message string, result bool) error {
	entry := types.AuditEntry{
		TimestampMicros: time.Now().UnixMicro(),
		IP:              to16(ip),
		User:            user,
		Message:         message,
		Result:          result,
	}
	data := encodeEntry(entry)
	return l.db.Put(l.nextKey(entry.TimestampMicros), data, storage.WriteOptions{Sync: false})
}

func to16(ip net.IP) []byte {
	if ip == nil {
		return make([]byte, 16)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.To16()
	}
	return ip.To16()
}

// Query implements query_audit_logs: a case-insensitive
// substring match against the formatted entry ("user message result"),
// scanning in chronological order and returning at most limit matches.
func (l *Log) Query(queryString string, limit int) ([]types.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	needle := strings.ToLower(queryString)
	it := l.db.NewIterator(nil)
	it.Seek([]byte(keyPrefix))
	var out []types.AuditEntry
	for it.Valid() && len(out) < limit {
		k := it.Key()
		if !strings.HasPrefix(string(k), keyPrefix) {
			break
		}
		entry, err := decodeEntry(it.Value())
		if err != nil {
			return nil, err
		}
		if needle == "" || strings.Contains(strings.ToLower(formatEntry(entry)), needle) {
			out = append(out, entry)
		}
		it.Next()
	}
	return out, nil
}

func formatEntry(e types.AuditEntry) string {
	return fmt.Sprintf("%s %s %t", e.User, e.Message, e.Result)
}

// encodeEntry/decodeEntry use a small fixed layout rather than
// encoding/json so audit keys stay cheap to scan at volume: 8 bytes
// timestamp, 16 bytes ip, 1 byte result, varint-prefixed user,
// varint-prefixed message.
func encodeEntry(e types.AuditEntry) []byte {
	buf := make([]byte, 0, 32+len(e.User)+len(e.Message))
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(e.TimestampMicros))
	buf = append(buf, tmp[:]...)
	ip := to16(net.IP(e.IP))
	buf = append(buf, ip...)
	if e.Result {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendLenPrefixed(buf, []byte(e.User))
	buf = appendLenPrefixed(buf, []byte(e.Message))
	return buf
}

func appendLenPrefixed(buf, data []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(data)))
	buf = append(buf, tmp[:n]...)
	return append(buf, data...)
}

func decodeEntry(data []byte) (types.AuditEntry, error) {
	var e types.AuditEntry
	if len(data) < 25 {
		return e, apierr.New(apierr.CodeCorruption, "audit entry too short")
	}
	e.TimestampMicros = int64(binary.BigEndian.Uint64(data[:8]))
	e.IP = append([]byte(nil), data[8:24]...)
	e.Result = data[24] != 0
	rest := data[25:]
	user, rest, err := readLenPrefixed(rest)
	if err != nil {
		return e, err
	}
	msg, _, err := readLenPrefixed(rest)
	if err != nil {
		return e, err
	}
	e.User = string(user)
	e.Message = string(msg)
	return e, nil
}

func readLenPrefixed(data []byte) (value, rest []byte, err error) {
	n, k := binary.Uvarint(data)
	if k <= 0 || uint64(len(data)-k) < n {
		return nil, nil, apierr.New(apierr.CodeCorruption, "audit entry field length corrupt")
	}
	data = data[k:]
	return data[:n], data[n:], nil
}
