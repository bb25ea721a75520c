package task

import (
	"testing"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/storage"
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

func mustRegisterFunction(t *testing.T, store *objectstore.Store, fn *types.Function) *types.Function {
	t.Helper()
	fn.ID = objectstore.NewID(types.PrefixFunction)
	require.NoError(t, store.PutFunction(fn))
	return fn
}

func mustRegisterInputFile(t *testing.T, store *objectstore.Store, owner ...string) *types.InputFile {
	t.Helper()
	f := &types.InputFile{ID: objectstore.NewID(types.PrefixInput), Owner: owner, URL: "https://files.example/in"}
	require.NoError(t, store.PutInputFile(f))
	return f
}

func mustRegisterOutputFile(t *testing.T, store *objectstore.Store, owner ...string) *types.OutputFile {
	t.Helper()
	f := &types.OutputFile{ID: objectstore.NewID(types.PrefixOutput), Owner: owner, URL: "https://files.example/out"}
	require.NoError(t, store.PutOutputFile(f))
	return f
}

func basicFunction() *types.Function {
	return &types.Function{
		Owner:        "alice",
		Name:         "identity",
		ExecutorType: types.ExecutorBuiltin,
		Public:       true,
		Inputs:       []types.FileSlotSpec{{Name: "in"}},
		Outputs:      []types.FileSlotSpec{{Name: "out"}},
	}
}

func TestCreateTaskSingleParticipantAutoApproves(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)

	in := mustRegisterInputFile(t, store, "alice")
	out := mustRegisterOutputFile(t, store, "alice")

	tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)
	assert.Equal(t, types.TaskCreated, tsk.Status)
	assert.Equal(t, []string{"alice"}, tsk.ApprovedUsers)
	assert.Equal(t, []string{"alice"}, tsk.Participants)

	_, err = m.AssignData("alice", tsk.ID, map[string]string{"in": in.ID}, map[string]string{"out": out.ID})
	require.NoError(t, err)

	got, err := store.GetTask(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDataAssigned, got.Status)
}

func TestCreateTaskRejectsPrivateFunctionForNonOwner(t *testing.T) {
	store := newStore(t)
	fn := basicFunction()
	fn.Public = false
	fn = mustRegisterFunction(t, store, fn)
	m := New(store)

	_, err := m.CreateTask("mallory", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"mallory"}}, map[string][]string{"out": {"mallory"}})
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidInput, apierr.CodeOf(err))
}

func TestCreateTaskMultiPartyRequiresAllApprovals(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)

	in := mustRegisterInputFile(t, store, "bob")
	out := mustRegisterOutputFile(t, store, "alice")

	tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"bob"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, tsk.Participants)
	assert.Empty(t, tsk.ApprovedUsers)

	_, err = m.AssignData("bob", tsk.ID, map[string]string{"in": in.ID}, nil)
	require.NoError(t, err)
	_, err = m.AssignData("alice", tsk.ID, nil, map[string]string{"out": out.ID})
	require.NoError(t, err)

	tsk, err = m.ApproveTask("alice", tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDataAssigned, tsk.Status, "still waiting on bob")

	tsk, err = m.ApproveTask("bob", tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskApproved, tsk.Status)
}

func TestFourPartyApprovalGatesInvocation(t *testing.T) {
	store := newStore(t)
	fn := basicFunction()
	fn.Owner = "frank"
	fn.Public = false
	fn.UserAllowlist = []string{"alice"}
	fn = mustRegisterFunction(t, store, fn)
	m := New(store)

	in := mustRegisterInputFile(t, store, "bob")
	out := mustRegisterOutputFile(t, store, "carol")

	tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"bob"}}, map[string][]string{"out": {"carol"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol", "frank"}, tsk.Participants,
		"creator, both data owners, and the non-public function's owner all participate")

	_, err = m.AssignData("bob", tsk.ID, map[string]string{"in": in.ID}, nil)
	require.NoError(t, err)
	_, err = m.AssignData("carol", tsk.ID, nil, map[string]string{"out": out.ID})
	require.NoError(t, err)

	for _, user := range []string{"alice", "bob", "carol"} {
		tsk, err = m.ApproveTask(user, tsk.ID)
		require.NoError(t, err)
	}
	// three of four approvals is not enough
	_, err = m.InvokeTask("alice", tsk.ID)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeImpossibleOperation, apierr.CodeOf(err))

	tsk, err = m.ApproveTask("frank", tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskApproved, tsk.Status)

	_, err = m.InvokeTask("alice", tsk.ID)
	require.NoError(t, err)
	got, err := store.GetTask(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStaged, got.Status)
}

func TestCreateTaskAllowlistSharesNonPublicFunction(t *testing.T) {
	store := newStore(t)
	fn := basicFunction()
	fn.Owner = "frank"
	fn.Public = false
	fn.UserAllowlist = []string{"alice"}
	fn = mustRegisterFunction(t, store, fn)
	m := New(store)

	_, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)

	_, err = m.CreateTask("mallory", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"mallory"}}, map[string][]string{"out": {"mallory"}})
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidInput, apierr.CodeOf(err))
}

func TestApproveTaskRejectsNonParticipant(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)

	in := mustRegisterInputFile(t, store, "alice")
	out := mustRegisterOutputFile(t, store, "bob")

	tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"bob"}})
	require.NoError(t, err)
	_, err = m.AssignData("alice", tsk.ID, map[string]string{"in": in.ID}, nil)
	require.NoError(t, err)
	_, err = m.AssignData("bob", tsk.ID, nil, map[string]string{"out": out.ID})
	require.NoError(t, err)

	_, err = m.ApproveTask("mallory", tsk.ID)
	require.Error(t, err)
	assert.Equal(t, apierr.CodePermissionDenied, apierr.CodeOf(err))
}

func TestAssignDataRejectsOwnerMismatch(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)

	in := mustRegisterInputFile(t, store, "alice", "carol") // declared ownership says alice only

	tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)

	_, err = m.AssignData("alice", tsk.ID, map[string]string{"in": in.ID}, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeSchemaMismatch, apierr.CodeOf(err))
}

func TestInvokeTaskEnforcesQuota(t *testing.T) {
	store := newStore(t)
	fn := basicFunction()
	var quota int32 = 1
	fn.UsageQuota = &quota
	fn = mustRegisterFunction(t, store, fn)
	m := New(store)

	runOnce := func() error {
		in := mustRegisterInputFile(t, store, "alice")
		out := mustRegisterOutputFile(t, store, "alice")
		tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
			map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
		require.NoError(t, err)
		_, err = m.AssignData("alice", tsk.ID, map[string]string{"in": in.ID}, map[string]string{"out": out.ID})
		require.NoError(t, err)
		tsk, err = m.ApproveTask("alice", tsk.ID)
		require.NoError(t, err)
		require.Equal(t, types.TaskApproved, tsk.Status)
		_, err = m.InvokeTask("alice", tsk.ID)
		return err
	}

	require.NoError(t, runOnce())
	err := runOnce()
	require.Error(t, err)
	assert.Equal(t, apierr.CodeQuotaExceeded, apierr.CodeOf(err))
}

func TestInvokeTaskOnlyCreatorMayInvoke(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)

	in := mustRegisterInputFile(t, store, "alice")
	out := mustRegisterOutputFile(t, store, "alice")
	tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)
	_, err = m.AssignData("alice", tsk.ID, map[string]string{"in": in.ID}, map[string]string{"out": out.ID})
	require.NoError(t, err)
	tsk, err = m.ApproveTask("alice", tsk.ID)
	require.NoError(t, err)

	_, err = m.InvokeTask("mallory", tsk.ID)
	require.Error(t, err)
	assert.Equal(t, apierr.CodePermissionDenied, apierr.CodeOf(err))
}

func fullyApprovedStagedTask(t *testing.T, store *objectstore.Store, m *Machine, fn *types.Function) (*types.Task, *types.StagedTask) {
	t.Helper()
	in := mustRegisterInputFile(t, store, "alice")
	out := mustRegisterOutputFile(t, store, "alice")
	tsk, err := m.CreateTask("alice", fn.ID, nil, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)
	_, err = m.AssignData("alice", tsk.ID, map[string]string{"in": in.ID}, map[string]string{"out": out.ID})
	require.NoError(t, err)
	tsk, err = m.ApproveTask("alice", tsk.ID)
	require.NoError(t, err)
	staged, err := m.InvokeTask("alice", tsk.ID)
	require.NoError(t, err)
	return tsk, staged
}

func TestUpdateResultFinalizesOutputTagExactlyOnce(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)
	tsk, _ := fullyApprovedStagedTask(t, store, m, fn)

	tsk, err := m.Dispatch(tsk.ID, "executor-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, tsk.Status)

	outID := tsk.AssignedOutputs["out"]
	tsk, err = m.UpdateResult("executor-1", tsk.ID, types.TaskResult{
		Status: types.ResultOk,
		Tags:   map[string][]byte{"out": []byte("tag-1")},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskFinished, tsk.Status)

	outFile, err := store.GetOutputFile(outID)
	require.NoError(t, err)
	assert.Equal(t, []byte("tag-1"), outFile.IntegrityTag)

	// A second Ok result against the same (terminal) task is rejected
	// before it ever reaches the tag-immutability check.
	_, err = m.UpdateResult("executor-1", tsk.ID, types.TaskResult{Status: types.ResultOk})
	require.Error(t, err)
	assert.Equal(t, apierr.CodeImpossibleOperation, apierr.CodeOf(err))
}

func TestUpdateResultRejectsWrongExecutor(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)
	tsk, _ := fullyApprovedStagedTask(t, store, m, fn)
	tsk, err := m.Dispatch(tsk.ID, "executor-1")
	require.NoError(t, err)

	_, err = m.UpdateResult("someone-else", tsk.ID, types.TaskResult{Status: types.ResultOk})
	require.Error(t, err)
	assert.Equal(t, apierr.CodePermissionDenied, apierr.CodeOf(err))
}

func TestCancelTaskEnqueuesRequestAndCanceledIsIdempotent(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)
	tsk, _ := fullyApprovedStagedTask(t, store, m, fn)

	require.NoError(t, m.CancelTask("alice", tsk.ID))

	// status is untouched until the scheduler confirms Stop delivery
	got, err := store.GetTask(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStaged, got.Status)

	var queued string
	require.NoError(t, store.Queue("cancel_task").Dequeue(&queued))
	assert.Equal(t, tsk.ID, queued)

	canceled, err := m.Canceled(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCanceled, canceled.Status)

	// Canceled is idempotent on an already-terminal task.
	again, err := m.Canceled(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCanceled, again.Status)
}

func TestCancelTaskRejectsNonCreator(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)
	tsk, _ := fullyApprovedStagedTask(t, store, m, fn)

	err := m.CancelTask("mallory", tsk.ID)
	require.Error(t, err)
	assert.Equal(t, apierr.CodePermissionDenied, apierr.CodeOf(err))
}

func TestTimeoutMarksRunningTaskFailed(t *testing.T) {
	store := newStore(t)
	fn := mustRegisterFunction(t, store, basicFunction())
	m := New(store)
	tsk, _ := fullyApprovedStagedTask(t, store, m, fn)
	_, err := m.Dispatch(tsk.ID, "executor-1")
	require.NoError(t, err)

	got, err := m.Timeout(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Contains(t, got.Result.Reason, "Timeout")
}

func TestResolveArgumentsOverwriteAndDefaults(t *testing.T) {
	store := newStore(t)
	fn := basicFunction()
	fn.Arguments = []types.FunctionArgSpec{
		{Key: "mode", Default: "fast", AllowOverwrite: true},
		{Key: "fixed", Default: "pinned", AllowOverwrite: false},
	}
	fn = mustRegisterFunction(t, store, fn)
	m := New(store)

	tsk, err := m.CreateTask("alice", fn.ID, map[string]string{"mode": "slow"}, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.NoError(t, err)
	assert.Equal(t, "slow", tsk.FunctionArguments["mode"])
	assert.Equal(t, "pinned", tsk.FunctionArguments["fixed"])

	_, err = m.CreateTask("alice", fn.ID, map[string]string{"fixed": "nope"}, "executor-1",
		map[string][]string{"in": {"alice"}}, map[string][]string{"out": {"alice"}})
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInvalidInput, apierr.CodeOf(err))
}
