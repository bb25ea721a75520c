// Package types defines the core entities of the confidential task
// platform: users, functions, files, tasks, and their wire-level snapshot.
package types

import "time"

// Role is the capability level bound to a user's session token.
type Role string

const (
	RolePlatformAdmin Role = "PlatformAdmin"
	RoleFunctionOwner Role = "FunctionOwner"
	RoleDataOwner     Role = "DataOwner"
	RoleDataProvider  Role = "DataProvider"
)

// ExecutorType identifies which runtime a Function expects.
type ExecutorType string

const (
	ExecutorBuiltin ExecutorType = "Builtin"
	ExecutorPython  ExecutorType = "Python"
	ExecutorWASM    ExecutorType = "WASM"
)

// TaskStatus is a node in the task lifecycle graph. Transitions are
// enforced by pkg/task's guarded methods, never by direct field
// assignment.
type TaskStatus string

const (
	TaskCreated      TaskStatus = "Created"
	TaskDataAssigned TaskStatus = "DataAssigned"
	TaskApproved     TaskStatus = "Approved"
	TaskStaged       TaskStatus = "Staged"
	TaskRunning      TaskStatus = "Running"
	TaskFinished     TaskStatus = "Finished"
	TaskFailed       TaskStatus = "Failed"
	TaskCanceled     TaskStatus = "Canceled"
)

// ExecutorStatus is the liveness state the scheduler tracks per executor.
type ExecutorStatus string

const (
	ExecutorIdle      ExecutorStatus = "Idle"
	ExecutorExecuting ExecutorStatus = "Executing"
)

// SchedulerCommand is the single-enum response to a heartbeat.
type SchedulerCommand string

const (
	CommandNoAction SchedulerCommand = "NoAction"
	CommandNewTask  SchedulerCommand = "NewTask"
	CommandStop     SchedulerCommand = "Stop"
)

// FileCrypto describes how a file's payload is encrypted at rest. The
// platform never inspects plaintext; this descriptor is opaque to the
// engine and only meaningful to the executor and the external file store.
type FileCrypto struct {
	Schema string `json:"schema"` // e.g. "aes_gcm_128", "aes_gcm_256"
	Key    []byte `json:"key"`
	Iv     []byte `json:"iv"`
}

// User is a registered identity. Never deleted in the core.
type User struct {
	ID           string   `json:"id"`
	PasswordHash []byte   `json:"password_hash"`
	Role         Role     `json:"role"`
	Attribute    string   `json:"attribute"`
	Tokens       []string `json:"tokens"`
}

// FunctionArgSpec describes one declared function argument.
type FunctionArgSpec struct {
	Key            string `json:"key"`
	Default        string `json:"default"`
	AllowOverwrite bool   `json:"allow_overwrite"`
	AutoFill       bool   `json:"auto_fill"`
}

// FileSlotSpec describes one declared input or output slot.
type FileSlotSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
}

// Function is immutable after registration, save for its usage counter.
type Function struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	ExecutorType ExecutorType      `json:"executor_type"`
	Payload      []byte            `json:"payload"`
	Public       bool              `json:"public"`
	Arguments    []FunctionArgSpec `json:"arguments"`
	Inputs       []FileSlotSpec    `json:"inputs"`
	Outputs      []FileSlotSpec    `json:"outputs"`
	// UserAllowlist names the users a non-public function is shared
	// with; the owner is always allowed.
	UserAllowlist []string `json:"user_allowlist,omitempty"`
	UsageQuota    *int32   `json:"usage_quota,omitempty"`
	UsageCount    int32    `json:"usage_count"`
}

// InputFile is a caller-supplied data file. Its integrity tag, once set,
// is immutable.
type InputFile struct {
	ID           string     `json:"id"`
	Owner        []string   `json:"owner"`
	URL          string     `json:"url"`
	IntegrityTag []byte     `json:"integrity_tag,omitempty"`
	Crypto       FileCrypto `json:"crypto"`
}

// OutputFile's integrity tag transitions from empty to set exactly once,
// by the executor completing the task that owns it.
type OutputFile struct {
	ID           string     `json:"id"`
	Owner        []string   `json:"owner"`
	URL          string     `json:"url"`
	Crypto       FileCrypto `json:"crypto"`
	IntegrityTag []byte     `json:"integrity_tag,omitempty"`
	// FusionOf records the producing task id, set only for fusion outputs.
	FusionOf string `json:"fusion_of,omitempty"`
}

// FunctionArguments is the resolved key/value argument map passed to the
// executor, after overwrite/default reconciliation.
type FunctionArguments map[string]string

// TaskResultStatus is the tri-state outcome of a task.
type TaskResultStatus string

const (
	ResultNotReady TaskResultStatus = "NotReady"
	ResultOk       TaskResultStatus = "Ok"
	ResultErr      TaskResultStatus = "Err"
)

// TaskResult is the outcome payload recorded on Finished/Failed tasks.
type TaskResult struct {
	Status      TaskResultStatus  `json:"status"`
	ReturnValue []byte            `json:"return_value,omitempty"`
	Log         string            `json:"log,omitempty"`
	Tags        map[string][]byte `json:"tags,omitempty"` // slot -> integrity tag
	Reason      string            `json:"reason,omitempty"`
}

// Task is the central entity of the platform: a multi-party computation
// request moving through the lifecycle in pkg/task.
type Task struct {
	ID                string            `json:"id"`
	Creator           string            `json:"creator"`
	FunctionID        string            `json:"function_id"`
	FunctionArguments FunctionArguments `json:"function_arguments"`
	Executor          string            `json:"executor"` // assigned executor id, set at dispatch
	ExecutorType      ExecutorType      `json:"executor_type"`

	InputsOwnership  map[string][]string `json:"inputs_ownership"`
	OutputsOwnership map[string][]string `json:"outputs_ownership"`

	FunctionOwner string   `json:"function_owner"`
	Participants  []string `json:"participants"`
	ApprovedUsers []string `json:"approved_users"`

	AssignedInputs  map[string]string `json:"assigned_inputs"`  // slot -> InputFile ID
	AssignedOutputs map[string]string `json:"assigned_outputs"` // slot -> OutputFile ID

	Result TaskResult `json:"result"`
	Status TaskStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StagedFileRef is the resolved file descriptor handed to an executor.
type StagedFileRef struct {
	URL          string     `json:"url"`
	Crypto       FileCrypto `json:"crypto"`
	IntegrityTag []byte     `json:"integrity_tag,omitempty"`
}

// StagedTask is the immutable, self-contained snapshot of a Task at the
// moment of dispatch.
type StagedTask struct {
	TaskID            string                   `json:"task_id"`
	UserID            string                   `json:"user_id"`
	Executor          string                   `json:"executor"`
	ExecutorType      ExecutorType             `json:"executor_type"`
	FunctionID        string                   `json:"function_id"`
	FunctionName      string                   `json:"function_name"`
	FunctionPayload   []byte                   `json:"function_payload"`
	FunctionArguments FunctionArguments        `json:"function_arguments"`
	InputData         map[string]StagedFileRef `json:"input_data"`
	OutputData        map[string]StagedFileRef `json:"output_data"`
}

// AuditEntry is one append-only record in the audit log.
type AuditEntry struct {
	TimestampMicros int64  `json:"timestamp_micros"`
	IP              []byte `json:"ip"` // 16 bytes, v4-mapped if IPv4
	User            string `json:"user"`
	Message         string `json:"message"`
	Result          bool   `json:"result"`
}

// ID prefixes for external (string) identifier rendering.
const (
	PrefixUser     = "user"
	PrefixFunction = "function"
	PrefixInput    = "input"
	PrefixOutput   = "output"
	PrefixTask     = "task"
	PrefixFusion   = "fusion"
)
