package scheduler

import (
	"testing"
	"time"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/storage"
	"github.com/cloakmesh/enclave/pkg/task"
	"github.com/cloakmesh/enclave/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *objectstore.Store {
	t.Helper()
	db, err := storage.Open(t.TempDir(), storage.Options{CreateIfMissing: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return objectstore.New(db)
}

// stagedTaskReadyForDispatch builds a fully-approved, invoked task through
// pkg/task. The task sits Staged on the durable staged_task queue; no
// scheduler's in-memory queue is touched, so callers append it themselves.
func stagedTaskReadyForDispatch(t *testing.T, store *objectstore.Store) *types.StagedTask {
	t.Helper()
	fn := &types.Function{
		ID: objectstore.NewID(types.PrefixFunction), Owner: "alice", Name: "identity",
		ExecutorType: types.ExecutorBuiltin, Public: true,
		Inputs:  []types.FileSlotSpec{{Name: "in"}},
		Outputs: []types.FileSlotSpec{{Name: "out"}},
	}
	require.NoError(t, store.PutFunction(fn))
	in := &types.InputFile{ID: objectstore.NewID(types.PrefixInput), Owner: []string{"alice"}, URL: "u"}
	require.NoError(t, store.PutInputFile(in))
	out := &types.OutputFile{ID: objectstore.NewID(types.PrefixOutput), Owner: []string{"alice"}, URL: "u"}
	require.NoError(t, store.PutOutputFile(out))

	tm := task.New(store)
	tsk, err := tm.CreateTask("alice", fn.ID, nil, "", map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)
	_, err = tm.AssignData("alice", tsk.ID, map[string]string{"in": in.ID}, map[string]string{"out": out.ID})
	require.NoError(t, err)
	_, err = tm.ApproveTask("alice", tsk.ID)
	require.NoError(t, err)
	staged, err := tm.InvokeTask("alice", tsk.ID)
	require.NoError(t, err)
	return staged
}

func TestHeartbeatReturnsNewTaskWhenQueueHasWork(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, staged)

	cmd := s.Heartbeat("exec-1", types.ExecutorIdle)
	assert.Equal(t, types.CommandNewTask, cmd)
}

func TestHeartbeatNoActionWhenExecuting(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, staged)

	cmd := s.Heartbeat("exec-1", types.ExecutorExecuting)
	assert.Equal(t, types.CommandNoAction, cmd)
}

func TestPullTaskDispatchesAndPreventsDoubleDispatch(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, staged)

	got, err := s.PullTask("exec-1")
	require.NoError(t, err)
	assert.Equal(t, staged.TaskID, got.TaskID)

	tsk, err := store.GetTask(staged.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, tsk.Status)
	assert.Equal(t, "exec-1", tsk.Executor)

	// queue is now empty; a second pull finds nothing
	_, err = s.PullTask("exec-2")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeNoValidWorker, apierr.CodeOf(err))
}

func TestHeartbeatStopTakesPrecedenceOverNewTask(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, staged)

	got, err := s.PullTask("exec-1")
	require.NoError(t, err)
	require.Equal(t, staged.TaskID, got.TaskID)

	// queue another task so, absent the cancel, Heartbeat would say NewTask
	other := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, other)

	s.mu.Lock()
	s.res.tasksToCancel[staged.TaskID] = struct{}{}
	s.mu.Unlock()

	cmd := s.Heartbeat("exec-1", types.ExecutorExecuting)
	assert.Equal(t, types.CommandStop, cmd)

	require.Eventually(t, func() bool {
		tsk, err := store.GetTask(staged.TaskID)
		return err == nil && tsk.Status == types.TaskCanceled
	}, time.Second, 10*time.Millisecond)
}

func TestPullTaskCancelsPendingCancellation(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, staged)
	s.mu.Lock()
	s.res.tasksToCancel[staged.TaskID] = struct{}{}
	s.mu.Unlock()

	_, err := s.PullTask("exec-1")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeImpossibleOperation, apierr.CodeOf(err))

	tsk, err := store.GetTask(staged.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCanceled, tsk.Status)
}

func TestUpdateTaskStatusOnlyAcceptsRunning(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)

	_, err := s.UpdateTaskStatus("exec-1", staged.TaskID, types.TaskFinished)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeImpossibleOperation, apierr.CodeOf(err))

	tsk, err := s.UpdateTaskStatus("exec-1", staged.TaskID, types.TaskRunning)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, tsk.Status)
}

func TestUpdateTaskResultClearsExecutorAssignment(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, staged)
	_, err := s.PullTask("exec-1")
	require.NoError(t, err)

	s.mu.Lock()
	_, assigned := s.res.executorsTasks["exec-1"]
	s.mu.Unlock()
	require.True(t, assigned)

	_, err = s.UpdateTaskResult("exec-1", staged.TaskID, types.TaskResult{Status: types.ResultOk})
	require.NoError(t, err)

	s.mu.Lock()
	_, stillAssigned := s.res.executorsTasks["exec-1"]
	status := s.res.executorsStatus["exec-1"]
	s.mu.Unlock()
	assert.False(t, stillAssigned)
	assert.Equal(t, types.ExecutorIdle, status)
}

func TestSweepTimeoutsFailsLostExecutorTask(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	s.res.taskQueue = append(s.res.taskQueue, staged)
	_, err := s.PullTask("exec-1")
	require.NoError(t, err)

	s.mu.Lock()
	s.res.executorsLastHB["exec-1"] = time.Now().Add(-2 * ExecutorTimeout)
	s.mu.Unlock()

	s.sweepTimeouts()

	tsk, err := store.GetTask(staged.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, tsk.Status)
	assert.Contains(t, tsk.Result.Reason, "Timeout")

	s.mu.Lock()
	_, known := s.res.executorsLastHB["exec-1"]
	s.mu.Unlock()
	assert.False(t, known)
}

func TestDrainStagedMovesPersistedQueueIntoMemory(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	require.NoError(t, store.Queue("staged_task").Enqueue(staged))

	s.drainStaged()

	// InvokeTask already enqueued the task once, so both copies drain.
	assert.Equal(t, 2, s.QueueDepth())
}

func TestPublishFeedsDurableQueue(t *testing.T) {
	store := newStore(t)
	s := New(store)
	staged := stagedTaskReadyForDispatch(t, store)
	// InvokeTask already enqueued once; drain that away first.
	s.drainStaged()

	require.NoError(t, s.Publish(staged))
	s.drainStaged()
	assert.Equal(t, 2, s.QueueDepth())

	err := s.Publish(nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidInput, apierr.CodeOf(err))
}

func TestExecutorCounts(t *testing.T) {
	store := newStore(t)
	s := New(store)
	s.Heartbeat("exec-1", types.ExecutorIdle)
	s.Heartbeat("exec-2", types.ExecutorExecuting)

	counts := s.ExecutorCounts()
	assert.Equal(t, 1, counts[types.ExecutorIdle])
	assert.Equal(t, 1, counts[types.ExecutorExecuting])
}
