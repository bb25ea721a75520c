// Package task implements the multi-party task state machine: the
// guarded operations (create, assign_data, approve, invoke, dispatch,
// update_result, cancel) that move a Task through its lifecycle graph,
// plus the ownership and approval invariants those operations enforce.
package task

import (
	"sort"
	"time"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/types"
)

// transition records one state-machine edge for observability; callers
// invoke it only after the new status has been persisted.
func transition(from, to types.TaskStatus) {
	metrics.TaskTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// Machine enforces the task lifecycle over the typed object store. It
// holds no in-memory state of its own: every guard reloads the Task from
// the store, so concurrent callers are serialized by the store's
// single-writer discipline.
type Machine struct {
	store *objectstore.Store
}

// New returns a task state machine backed by store.
func New(store *objectstore.Store) *Machine { return &Machine{store: store} }

func union(sets ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, set := range sets {
		for _, v := range set {
			if v == "" {
				continue
			}
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// CreateTask registers a new task against a visible function. The
// participants set is seeded with the creator, the function owner
// (unless the function is public), and every declared file owner.
func (m *Machine) CreateTask(callerID, functionID string, args map[string]string, executor string, inputsOwnership, outputsOwnership map[string][]string) (*types.Task, error) {
	fn, err := m.store.GetFunction(functionID)
	if err != nil {
		return nil, err
	}
	if !fn.Public && fn.Owner != callerID && !contains(fn.UserAllowlist, callerID) {
		return nil, apierr.New(apierr.CodeInvalidInput, "function %s not visible to caller", functionID)
	}

	resolved, err := resolveArguments(fn, args)
	if err != nil {
		return nil, err
	}

	for _, slot := range fn.Inputs {
		if slot.Optional {
			continue
		}
		if _, ok := inputsOwnership[slot.Name]; !ok {
			return nil, apierr.New(apierr.CodeInvalidInput, "missing ownership for required input %q", slot.Name)
		}
	}
	for _, slot := range fn.Outputs {
		if slot.Optional {
			continue
		}
		if _, ok := outputsOwnership[slot.Name]; !ok {
			return nil, apierr.New(apierr.CodeInvalidInput, "missing ownership for required output %q", slot.Name)
		}
	}
	for name := range inputsOwnership {
		if !slotExists(fn.Inputs, name) {
			return nil, apierr.New(apierr.CodeInvalidInput, "unknown input slot %q", name)
		}
		if len(inputsOwnership[name]) == 0 {
			return nil, apierr.New(apierr.CodeInvalidInput, "ownership slot %q is empty", name)
		}
	}
	for name := range outputsOwnership {
		if !slotExists(fn.Outputs, name) {
			return nil, apierr.New(apierr.CodeInvalidInput, "unknown output slot %q", name)
		}
		if len(outputsOwnership[name]) == 0 {
			return nil, apierr.New(apierr.CodeInvalidInput, "ownership slot %q is empty", name)
		}
	}

	functionOwnerParticipant := fn.Owner
	if fn.Public {
		functionOwnerParticipant = ""
	}
	participants := union([]string{callerID, functionOwnerParticipant}, flattenOwners(inputsOwnership), flattenOwners(outputsOwnership))

	now := time.Now()
	t := &types.Task{
		ID:                objectstore.NewID(types.PrefixTask),
		Creator:           callerID,
		FunctionID:        functionID,
		FunctionArguments: resolved,
		Executor:          executor,
		ExecutorType:      fn.ExecutorType,
		InputsOwnership:   inputsOwnership,
		OutputsOwnership:  outputsOwnership,
		FunctionOwner:     fn.Owner,
		Participants:      participants,
		ApprovedUsers:     nil,
		AssignedInputs:    map[string]string{},
		AssignedOutputs:   map[string]string{},
		Status:            types.TaskCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if len(participants) == 1 {
		// A single-participant task is auto-approved by the creator alone.
		t.ApprovedUsers = []string{callerID}
	}
	if err := m.store.PutTask(t); err != nil {
		return nil, err
	}
	return t, nil
}

func slotExists(slots []types.FileSlotSpec, name string) bool {
	for _, s := range slots {
		if s.Name == name {
			return true
		}
	}
	return false
}

func flattenOwners(ownership map[string][]string) []string {
	var out []string
	for _, owners := range ownership {
		out = append(out, owners...)
	}
	return out
}

// resolveArguments reconciles caller-supplied values against the
// function's declared argument specs: an overwritable argument uses the caller-supplied
// value if present, else the default; non-overwritable arguments always
// use the default. The caller map must contain exactly the set of
// overwritable arguments, no more, no less.
func resolveArguments(fn *types.Function, provided map[string]string) (types.FunctionArguments, error) {
	overwritable := map[string]bool{}
	for _, a := range fn.Arguments {
		if a.AllowOverwrite {
			overwritable[a.Key] = true
		}
	}
	for k := range provided {
		if !overwritable[k] {
			return nil, apierr.New(apierr.CodeInvalidInput, "argument %q is not overwritable", k)
		}
	}
	for k := range overwritable {
		if _, ok := provided[k]; !ok {
			return nil, apierr.New(apierr.CodeInvalidInput, "overwritable argument %q not supplied", k)
		}
	}
	out := types.FunctionArguments{}
	for _, a := range fn.Arguments {
		if a.AllowOverwrite {
			if v, ok := provided[a.Key]; ok {
				out[a.Key] = v
				continue
			}
		}
		out[a.Key] = a.Default
	}
	for _, a := range fn.Arguments {
		if !a.AllowOverwrite && !a.AutoFill {
			if _, ok := out[a.Key]; !ok {
				return nil, apierr.New(apierr.CodeMissingValue, "missing required argument %q", a.Key)
			}
		}
	}
	return out, nil
}

// AssignData binds concrete files to the task's declared ownership
// slots, verifying the caller owns each file and that every file's
// owner set matches the slot's declaration.
func (m *Machine) AssignData(callerID, taskID string, inputsMap, outputsMap map[string]string) (*types.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TaskCreated {
		return nil, apierr.New(apierr.CodeImpossibleOperation, "task %s not in Created", taskID)
	}

	for slot, fileID := range inputsMap {
		owners, declared := t.InputsOwnership[slot]
		if !declared {
			return nil, apierr.New(apierr.CodeSchemaMismatch, "input slot %q not declared on task", slot)
		}
		f, err := m.store.GetInputFile(fileID)
		if err != nil {
			return nil, err
		}
		if !ownsFile(callerID, f.Owner) {
			return nil, apierr.New(apierr.CodePermissionDenied, "caller does not own input file %s", fileID)
		}
		if !sameSet(f.Owner, owners) {
			return nil, apierr.New(apierr.CodeSchemaMismatch, "input file %s owner set does not match declared ownership for slot %q", fileID, slot)
		}
		t.AssignedInputs[slot] = fileID
	}
	for slot, fileID := range outputsMap {
		owners, declared := t.OutputsOwnership[slot]
		if !declared {
			return nil, apierr.New(apierr.CodeSchemaMismatch, "output slot %q not declared on task", slot)
		}
		f, err := m.store.GetOutputFile(fileID)
		if err != nil {
			return nil, err
		}
		if !ownsFile(callerID, f.Owner) {
			return nil, apierr.New(apierr.CodePermissionDenied, "caller does not own output file %s", fileID)
		}
		if len(f.IntegrityTag) != 0 {
			return nil, apierr.New(apierr.CodeImpossibleOperation, "output file %s already finalized", fileID)
		}
		if !sameSet(f.Owner, owners) {
			return nil, apierr.New(apierr.CodeSchemaMismatch, "output file %s owner set does not match declared ownership for slot %q", fileID, slot)
		}
		t.AssignedOutputs[slot] = fileID
	}

	if !allSlotsAssigned(t) {
		// Stay in Created until every slot declared in the ownership maps
		// is assigned; the caller may call assign_data incrementally.
		t.UpdatedAt = time.Now()
		return t, m.store.PutTask(t)
	}

	t.Status = types.TaskDataAssigned
	t.UpdatedAt = time.Now()
	if err := m.store.PutTask(t); err != nil {
		return nil, err
	}
	transition(types.TaskCreated, types.TaskDataAssigned)
	return t, nil
}

func ownsFile(callerID string, owners []string) bool { return contains(owners, callerID) }

func allSlotsAssigned(t *types.Task) bool {
	for slot := range t.InputsOwnership {
		if _, ok := t.AssignedInputs[slot]; !ok {
			return false
		}
	}
	for slot := range t.OutputsOwnership {
		if _, ok := t.AssignedOutputs[slot]; !ok {
			return false
		}
	}
	return true
}

// ApproveTask records one participant's approval; when the approved
// set reaches the full participant set the task advances to Approved.
func (m *Machine) ApproveTask(callerID, taskID string) (*types.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TaskDataAssigned {
		return nil, apierr.New(apierr.CodeImpossibleOperation, "task %s not in DataAssigned", taskID)
	}
	if !contains(t.Participants, callerID) {
		return nil, apierr.New(apierr.CodePermissionDenied, "caller is not a participant of task %s", taskID)
	}
	if !contains(t.ApprovedUsers, callerID) {
		t.ApprovedUsers = append(t.ApprovedUsers, callerID)
	}
	approvedNow := false
	if everyoneApproved(t) {
		t.Status = types.TaskApproved
		approvedNow = true
	}
	t.UpdatedAt = time.Now()
	if err := m.store.PutTask(t); err != nil {
		return nil, err
	}
	if approvedNow {
		transition(types.TaskDataAssigned, types.TaskApproved)
	}
	return t, nil
}

func everyoneApproved(t *types.Task) bool {
	if len(t.Participants) <= 1 {
		return true
	}
	for _, p := range t.Participants {
		if !contains(t.ApprovedUsers, p) {
			return false
		}
	}
	return true
}

// InvokeTask transitions Approved ->
// Staged, enqueues the StagedTask, and atomically bumps the function's
// usage counter.
func (m *Machine) InvokeTask(callerID, taskID string) (*types.StagedTask, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TaskApproved {
		return nil, apierr.New(apierr.CodeImpossibleOperation, "task %s not in Approved", taskID)
	}
	if t.Creator != callerID {
		return nil, apierr.New(apierr.CodePermissionDenied, "only the creator may invoke task %s", taskID)
	}
	fn, err := m.store.GetFunction(t.FunctionID)
	if err != nil {
		return nil, err
	}
	if err := m.store.IncrementFunctionUsage(fn.ID); err != nil {
		return nil, err
	}

	staged, err := m.buildStagedTask(t, fn)
	if err != nil {
		return nil, err
	}

	t.Status = types.TaskStaged
	t.UpdatedAt = time.Now()
	if err := m.store.PutTask(t); err != nil {
		return nil, err
	}
	if err := m.store.Queue("staged_task").Enqueue(staged); err != nil {
		return nil, err
	}
	transition(types.TaskApproved, types.TaskStaged)
	return staged, nil
}

func (m *Machine) buildStagedTask(t *types.Task, fn *types.Function) (*types.StagedTask, error) {
	inputData := map[string]types.StagedFileRef{}
	for slot, fileID := range t.AssignedInputs {
		f, err := m.store.GetInputFile(fileID)
		if err != nil {
			return nil, err
		}
		inputData[slot] = types.StagedFileRef{URL: f.URL, Crypto: f.Crypto, IntegrityTag: f.IntegrityTag}
	}
	outputData := map[string]types.StagedFileRef{}
	for slot, fileID := range t.AssignedOutputs {
		f, err := m.store.GetOutputFile(fileID)
		if err != nil {
			return nil, err
		}
		outputData[slot] = types.StagedFileRef{URL: f.URL, Crypto: f.Crypto}
	}
	return &types.StagedTask{
		TaskID:            t.ID,
		UserID:            t.Creator,
		Executor:          t.Executor,
		ExecutorType:      fn.ExecutorType,
		FunctionID:        fn.ID,
		FunctionName:      fn.Name,
		FunctionPayload:   fn.Payload,
		FunctionArguments: t.FunctionArguments,
		InputData:         inputData,
		OutputData:        outputData,
	}, nil
}

// Dispatch performs the Staged -> Running transition triggered when the
// scheduler hands the StagedTask to an executor.
func (m *Machine) Dispatch(taskID, executorID string) (*types.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TaskStaged {
		return nil, apierr.New(apierr.CodeImpossibleOperation, "task %s not in Staged", taskID)
	}
	t.Status = types.TaskRunning
	t.Executor = executorID
	t.UpdatedAt = time.Now()
	if err := m.store.PutTask(t); err != nil {
		return nil, err
	}
	transition(types.TaskStaged, types.TaskRunning)
	return t, nil
}

// UpdateResult records the executor's outcome. On Ok it also finalizes
// every reported output file's integrity tag; a tag already set cannot
// be overwritten.
func (m *Machine) UpdateResult(callerID, taskID string, result types.TaskResult) (*types.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TaskRunning && t.Status != types.TaskStaged {
		return nil, apierr.New(apierr.CodeImpossibleOperation, "task %s not Running or Staged", taskID)
	}
	if callerID != "" && t.Executor != callerID {
		return nil, apierr.New(apierr.CodePermissionDenied, "caller is not the assigned executor for task %s", taskID)
	}
	from := t.Status

	switch result.Status {
	case types.ResultOk:
		for slot, fileID := range t.AssignedOutputs {
			tag, ok := result.Tags[slot]
			if !ok {
				continue
			}
			f, err := m.store.GetOutputFile(fileID)
			if err != nil {
				return nil, err
			}
			if len(f.IntegrityTag) != 0 {
				return nil, apierr.New(apierr.CodeImpossibleOperation, "output file %s already finalized", fileID)
			}
			f.IntegrityTag = tag
			if err := m.store.PutOutputFile(f); err != nil {
				return nil, err
			}
		}
		t.Status = types.TaskFinished
	case types.ResultErr:
		t.Status = types.TaskFailed
	default:
		return nil, apierr.New(apierr.CodeInvalidInput, "invalid result status %q", result.Status)
	}
	t.Result = result
	t.UpdatedAt = time.Now()
	if err := m.store.PutTask(t); err != nil {
		return nil, err
	}
	transition(from, t.Status)
	return t, nil
}

// CancelTask enqueues the task onto the durable cancel queue consumed
// by the scheduler. The task's own status is left untouched until the
// scheduler actually issues Stop: cancellation here is a request, not
// an immediate transition.
func (m *Machine) CancelTask(callerID, taskID string) error {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if isTerminal(t.Status) {
		return apierr.New(apierr.CodeImpossibleOperation, "task %s already ended", taskID)
	}
	if t.Creator != callerID {
		return apierr.New(apierr.CodePermissionDenied, "only the creator may cancel task %s", taskID)
	}
	return m.store.Queue("cancel_task").Enqueue(taskID)
}

// Canceled marks a task Canceled once the scheduler has confirmed Stop
// delivery to the executor.
func (m *Machine) Canceled(taskID string) (*types.Task, error) {
	t, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if isTerminal(t.Status) {
		return t, nil
	}
	from := t.Status
	t.Status = types.TaskCanceled
	t.Result = types.TaskResult{Status: types.ResultErr, Reason: "Task Canceled by the user"}
	t.UpdatedAt = time.Now()
	if err := m.store.PutTask(t); err != nil {
		return nil, err
	}
	transition(from, types.TaskCanceled)
	return t, nil
}

// Timeout marks a Running task Failed with the executor-timeout reason,
// used by the scheduler's heartbeat sweep when an executor goes silent.
func (m *Machine) Timeout(taskID string) (*types.Task, error) {
	return m.UpdateResult("", taskID, types.TaskResult{
		Status: types.ResultErr,
		Reason: "Runtime Error: Executor Timeout",
	})
}

func isTerminal(s types.TaskStatus) bool {
	return s == types.TaskFinished || s == types.TaskFailed || s == types.TaskCanceled
}
