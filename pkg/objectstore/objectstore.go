// Package objectstore is a thin typed layer over pkg/storage: one
// key-prefix per entity type, JSON-encoded records, plus two durable
// FIFO queues (staged_task, cancel_task) built from head/tail counters.
// Apart from pkg/audit, which keeps its own "audit-" key range, it is
// the only package that knows about storage.DB keys.
package objectstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/storage"
	"github.com/cloakmesh/enclave/pkg/types"
	"github.com/google/uuid"
)

// Key prefixes. A single byte keeps the ordering within each entity type
// contiguous and disjoint from every other type.
const (
	prefixUser     = 'u'
	prefixFunction = 'f'
	prefixInput    = 'i'
	prefixOutput   = 'o'
	prefixTask     = 't'
	prefixSession  = 's' // session token -> user id
	prefixQueue    = 'q' // {queue}-{n} items and {queue}.head/{queue}.tail counters
)

// Store is the typed object store. It owns no lifecycle of its own; the
// caller opens/closes the underlying storage.DB.
type Store struct {
	db *storage.DB
}

// New wraps an already-open storage.DB.
func New(db *storage.DB) *Store { return &Store{db: db} }

func key(prefix byte, id string) []byte {
	return append([]byte{prefix, '-'}, []byte(id)...)
}

// NewID returns a fresh external identifier of the form {prefix}-{uuid}.
func NewID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}

func put(db *storage.DB, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apierr.Wrap(apierr.CodeParseError, err, "encode record")
	}
	return db.Put(k, data, storage.WriteOptions{Sync: true})
}

func get(db *storage.DB, k []byte, v any) error {
	data, err := db.Get(k, nil)
	if err != nil {
		if storage.IsNotFound(err) {
			return apierr.New(apierr.CodeNotFound, "object not found")
		}
		return apierr.Wrap(apierr.CodeIoError, err, "read record")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apierr.Wrap(apierr.CodeParseError, err, "decode record")
	}
	return nil
}

// --- Users ---

func (s *Store) PutUser(u *types.User) error { return put(s.db, key(prefixUser, u.ID), u) }

func (s *Store) GetUser(id string) (*types.User, error) {
	var u types.User
	if err := get(s.db, key(prefixUser, id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// PutSession records that token authenticates userID, set by user_login.
func (s *Store) PutSession(token, userID string) error {
	return s.db.Put(key(prefixSession, token), []byte(userID), storage.WriteOptions{Sync: true})
}

// SessionUser resolves a bearer token to the user id it authenticates.
func (s *Store) SessionUser(token string) (string, error) {
	data, err := s.db.Get(key(prefixSession, token), nil)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", apierr.New(apierr.CodePermissionDenied, "invalid or expired token")
		}
		return "", apierr.Wrap(apierr.CodeIoError, err, "read session")
	}
	return string(data), nil
}

// --- Functions ---

func (s *Store) PutFunction(f *types.Function) error {
	return put(s.db, key(prefixFunction, f.ID), f)
}

func (s *Store) GetFunction(id string) (*types.Function, error) {
	var f types.Function
	if err := get(s.db, key(prefixFunction, id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// usageMu serializes IncrementFunctionUsage calls.
var usageMu sync.Mutex

// IncrementFunctionUsage checks the quota and bumps the usage counter
// in one read-modify-write held under usageMu, so the check is atomic
// with respect to concurrent task invocations.
func (s *Store) IncrementFunctionUsage(id string) error {
	usageMu.Lock()
	defer usageMu.Unlock()
	f, err := s.GetFunction(id)
	if err != nil {
		return err
	}
	if f.UsageQuota != nil && f.UsageCount >= *f.UsageQuota {
		return apierr.New(apierr.CodeQuotaExceeded, "function %s usage quota exhausted", id)
	}
	f.UsageCount++
	return s.PutFunction(f)
}

// --- Input files ---

func (s *Store) PutInputFile(f *types.InputFile) error {
	return put(s.db, key(prefixInput, f.ID), f)
}

func (s *Store) GetInputFile(id string) (*types.InputFile, error) {
	var f types.InputFile
	if err := get(s.db, key(prefixInput, id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// --- Output files ---

func (s *Store) PutOutputFile(f *types.OutputFile) error {
	return put(s.db, key(prefixOutput, f.ID), f)
}

func (s *Store) GetOutputFile(id string) (*types.OutputFile, error) {
	var f types.OutputFile
	if err := get(s.db, key(prefixOutput, id), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// --- Tasks ---

func (s *Store) PutTask(t *types.Task) error { return put(s.db, key(prefixTask, t.ID), t) }

func (s *Store) GetTask(id string) (*types.Task, error) {
	var t types.Task
	if err := get(s.db, key(prefixTask, id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks scans every Task record. Used by metrics collection and
// admin tooling; not on any hot path.
func (s *Store) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	prefix := []byte{prefixTask, '-'}
	it := s.db.NewIterator(nil)
	it.Seek(prefix)
	for it.Valid() && hasPrefix(it.Key(), prefix) {
		var t types.Task
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, apierr.Wrap(apierr.CodeParseError, err, "decode task record")
		}
		out = append(out, &t)
		it.Next()
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// --- Queues ---

// Queue is a durable FIFO built from a head/tail counter pair and items
// keyed "{name}-{n}". Enqueue/Dequeue each execute
// within a single WriteBatch so the counter bump and the item write/
// removal are atomic.
type Queue struct {
	db   *storage.DB
	name string
}

func (s *Store) Queue(name string) *Queue { return &Queue{db: s.db, name: name} }

func (q *Queue) headKey() []byte { return []byte(fmt.Sprintf("%c-%s.head", prefixQueue, q.name)) }
func (q *Queue) tailKey() []byte { return []byte(fmt.Sprintf("%c-%s.tail", prefixQueue, q.name)) }
func (q *Queue) itemKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%c-%s-%020d", prefixQueue, q.name, n))
}

func (q *Queue) readCounter(k []byte) (uint64, error) {
	data, err := q.db.Get(k, nil)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

func encodeCounter(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// Enqueue appends a JSON-encoded item at the current tail and advances
// it, within one WriteBatch.
func (q *Queue) Enqueue(item any) error {
	tail, err := q.readCounter(q.tailKey())
	if err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return apierr.Wrap(apierr.CodeParseError, err, "encode queue item")
	}
	b := storage.NewWriteBatch()
	b.Put(q.itemKey(tail), data)
	b.Put(q.tailKey(), encodeCounter(tail+1))
	return q.db.Write(b, storage.WriteOptions{Sync: true})
}

// Dequeue reads and removes the item at the current head, advancing it.
// Returns apierr.CodeNotFound if the queue is empty.
func (q *Queue) Dequeue(out any) error {
	head, err := q.readCounter(q.headKey())
	if err != nil {
		return err
	}
	tail, err := q.readCounter(q.tailKey())
	if err != nil {
		return err
	}
	if head >= tail {
		return apierr.New(apierr.CodeNotFound, "queue %s empty", q.name)
	}
	data, err := q.db.Get(q.itemKey(head), nil)
	if err != nil {
		return apierr.Wrap(apierr.CodeIoError, err, "read queue item")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apierr.Wrap(apierr.CodeParseError, err, "decode queue item")
	}
	b := storage.NewWriteBatch()
	b.Delete(q.itemKey(head))
	b.Put(q.headKey(), encodeCounter(head+1))
	return q.db.Write(b, storage.WriteOptions{Sync: true})
}

// DrainAll dequeues every currently enqueued item into a slice of decoded
// values via the supplied factory/append callback. Used by the
// scheduler's ingest loop to pull the full backlog on each tick.
func (q *Queue) DrainAll(newItem func() any, collect func(item any)) error {
	for {
		item := newItem()
		err := q.Dequeue(item)
		if err != nil {
			if apierr.CodeOf(err) == apierr.CodeNotFound {
				return nil
			}
			return err
		}
		collect(item)
	}
}
