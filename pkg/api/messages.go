// Package api is the platform's service fabric: the RPC endpoints for
// authentication, management/frontend, and scheduler<->executor
// coordination, plus the role-based access-control interceptor. Message
// shapes below are the hand-written equivalent of protoc-generated
// request/response structs; the grpc.ServiceDesc values are declared
// beside each server in this package, and pkg/rpc supplies the codec and
// generic handler wiring that would normally come from generated code.
package api

import "github.com/cloakmesh/enclave/pkg/types"

// --- Auth service ---

type RegisterRequest struct {
	ID        string     `json:"id"`
	Password  string     `json:"password"`
	Role      types.Role `json:"role"`
	Attribute string     `json:"attribute"`
}

type RegisterResponse struct {
	ID string `json:"id"`
}

type LoginRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// --- Management / frontend service ---

type RegisterInputFileRequest struct {
	Owner  []string         `json:"owner"`
	URL    string           `json:"url"`
	Crypto types.FileCrypto `json:"crypto"`
}

type RegisterOutputFileRequest struct {
	Owner  []string         `json:"owner"`
	URL    string           `json:"url"`
	Crypto types.FileCrypto `json:"crypto"`
}

type RegisterFusionOutputRequest struct {
	ProducingTaskID string           `json:"producing_task_id"`
	URL             string           `json:"url"`
	Crypto          types.FileCrypto `json:"crypto"`
}

type RegisterInputFromOutputRequest struct {
	OutputFileID string `json:"output_file_id"`
}

type FileIDResponse struct {
	ID string `json:"id"`
}

type GetFileRequest struct {
	ID string `json:"id"`
}

type GetInputFileResponse struct {
	File *types.InputFile `json:"file"`
}

type GetOutputFileResponse struct {
	File *types.OutputFile `json:"file"`
}

type RegisterFunctionRequest struct {
	Name          string                  `json:"name"`
	Description   string                  `json:"description"`
	ExecutorType  types.ExecutorType      `json:"executor_type"`
	Payload       []byte                  `json:"payload"`
	Public        bool                    `json:"public"`
	Arguments     []types.FunctionArgSpec `json:"arguments"`
	Inputs        []types.FileSlotSpec    `json:"inputs"`
	Outputs       []types.FileSlotSpec    `json:"outputs"`
	UserAllowlist []string                `json:"user_allowlist,omitempty"`
	UsageQuota    *int32                  `json:"usage_quota,omitempty"`
}

type GetFunctionRequest struct {
	ID string `json:"id"`
}

type GetFunctionResponse struct {
	Function *types.Function `json:"function"`
}

type GetFunctionUsageStatsResponse struct {
	UsageCount int32  `json:"usage_count"`
	UsageQuota *int32 `json:"usage_quota,omitempty"`
}

type CreateTaskRequest struct {
	FunctionID       string              `json:"function_id"`
	Arguments        map[string]string   `json:"arguments"`
	Executor         string              `json:"executor"`
	InputsOwnership  map[string][]string `json:"inputs_ownership"`
	OutputsOwnership map[string][]string `json:"outputs_ownership"`
}

type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
}

type AssignDataRequest struct {
	TaskID  string            `json:"task_id"`
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
}

type TaskIDRequest struct {
	TaskID string `json:"task_id"`
}

type TaskResponse struct {
	Task *types.Task `json:"task"`
}

type GetTaskResultResponse struct {
	Result types.TaskResult `json:"result"`
	Status types.TaskStatus `json:"status"`
}

type QueryAuditLogsRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type QueryAuditLogsResponse struct {
	Entries []types.AuditEntry `json:"entries"`
}

// --- Scheduler <-> executor service ---

type HeartbeatRequest struct {
	ExecutorID string               `json:"executor_id"`
	Status     types.ExecutorStatus `json:"status"`
}

type HeartbeatResponse struct {
	Command types.SchedulerCommand `json:"command"`
}

type PullTaskRequest struct {
	ExecutorID string `json:"executor_id"`
}

type PullTaskResponse struct {
	Task *types.StagedTask `json:"task"`
}

type UpdateTaskStatusRequest struct {
	ExecutorID string           `json:"executor_id"`
	TaskID     string           `json:"task_id"`
	Status     types.TaskStatus `json:"status"`
}

type UpdateTaskResultRequest struct {
	ExecutorID string           `json:"executor_id"`
	TaskID     string           `json:"task_id"`
	Result     types.TaskResult `json:"result"`
}

type PublishTaskRequest struct {
	Task *types.StagedTask `json:"task"`
}

type Empty struct{}
