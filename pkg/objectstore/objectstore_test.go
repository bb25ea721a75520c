package objectstore

import (
	"testing"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/storage"
	"github.com/cloakmesh/enclave/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(t.TempDir(), storage.Options{CreateIfMissing: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	u := &types.User{ID: NewID(types.PrefixUser), Role: types.RoleDataOwner}
	require.NoError(t, s.PutUser(u))

	got, err := s.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Role, got.Role)

	_, err = s.GetUser("missing")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestSessionResolvesToUser(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutSession("tok-1", "alice"))

	id, err := s.SessionUser("tok-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = s.SessionUser("no-such-token")
	require.Error(t, err)
	assert.Equal(t, apierr.CodePermissionDenied, apierr.CodeOf(err))
}

func TestIncrementFunctionUsageEnforcesQuota(t *testing.T) {
	s := newTestStore(t)
	var quota int32 = 2
	fn := &types.Function{ID: NewID(types.PrefixFunction), UsageQuota: &quota}
	require.NoError(t, s.PutFunction(fn))

	require.NoError(t, s.IncrementFunctionUsage(fn.ID))
	require.NoError(t, s.IncrementFunctionUsage(fn.ID))

	err := s.IncrementFunctionUsage(fn.ID)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeQuotaExceeded, apierr.CodeOf(err))

	got, err := s.GetFunction(fn.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.UsageCount)
}

func TestListTasksScansAllRecords(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.PutTask(&types.Task{ID: NewID(types.PrefixTask), Status: types.TaskCreated}))
	}
	tasks, err := s.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestQueueFIFOOrder(t *testing.T) {
	s := newTestStore(t)
	q := s.Queue("staged_task")

	require.NoError(t, q.Enqueue("first"))
	require.NoError(t, q.Enqueue("second"))

	var out string
	require.NoError(t, q.Dequeue(&out))
	assert.Equal(t, "first", out)
	require.NoError(t, q.Dequeue(&out))
	assert.Equal(t, "second", out)

	err := q.Dequeue(&out)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestQueueDrainAll(t *testing.T) {
	s := newTestStore(t)
	q := s.Queue("cancel_task")
	require.NoError(t, q.Enqueue("task-a"))
	require.NoError(t, q.Enqueue("task-b"))

	var drained []string
	err := q.DrainAll(
		func() any { return new(string) },
		func(item any) { drained = append(drained, *item.(*string)) },
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-a", "task-b"}, drained)

	// queue is empty now
	drained = nil
	err = q.DrainAll(func() any { return new(string) }, func(item any) { drained = append(drained, *item.(*string)) })
	require.NoError(t, err)
	assert.Empty(t, drained)
}
