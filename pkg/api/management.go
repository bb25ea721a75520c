package api

import (
	"context"
	"sort"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/audit"
	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/rpc"
	"github.com/cloakmesh/enclave/pkg/task"
	"github.com/cloakmesh/enclave/pkg/types"
	"google.golang.org/grpc"
)

// ManagementServer is the combined frontend/management surface: file
// and function registration, and the task lifecycle
// operations layered on pkg/task's state machine. Cancellation is
// queue-mediated (pkg/task.CancelTask enqueues onto cancel_task), so this
// server never talks to the scheduler directly.
type ManagementServer struct {
	store *objectstore.Store
	tasks *task.Machine
	audit *audit.Log
}

// NewManagementServer constructs a ManagementServer.
func NewManagementServer(store *objectstore.Store, log *audit.Log) *ManagementServer {
	return &ManagementServer{store: store, tasks: task.New(store), audit: log}
}

func (s *ManagementServer) audited(ctx context.Context, message string, err error) error {
	c, _ := CallerFrom(ctx)
	recordAudit(s.audit, ctx, c.UserID, message, err == nil)
	return err
}

// RegisterInputFile implements register_input_file.
func (s *ManagementServer) RegisterInputFile(ctx context.Context, req *RegisterInputFileRequest) (*FileIDResponse, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Owner) == 0 {
		return nil, s.audited(ctx, "register_input_file", apierr.New(apierr.CodeInvalidInput, "owner set cannot be empty"))
	}
	if !contains(req.Owner, c.UserID) {
		return nil, s.audited(ctx, "register_input_file", apierr.New(apierr.CodePermissionDenied, "caller must be among the declared owners"))
	}
	f := &types.InputFile{ID: objectstore.NewID(types.PrefixInput), Owner: req.Owner, URL: req.URL, Crypto: req.Crypto}
	if err := s.store.PutInputFile(f); err != nil {
		return nil, s.audited(ctx, "register_input_file", err)
	}
	return &FileIDResponse{ID: f.ID}, s.audited(ctx, "register_input_file", nil)
}

// RegisterOutputFile implements register_output_file.
func (s *ManagementServer) RegisterOutputFile(ctx context.Context, req *RegisterOutputFileRequest) (*FileIDResponse, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Owner) == 0 {
		return nil, s.audited(ctx, "register_output_file", apierr.New(apierr.CodeInvalidInput, "owner set cannot be empty"))
	}
	if !contains(req.Owner, c.UserID) {
		return nil, s.audited(ctx, "register_output_file", apierr.New(apierr.CodePermissionDenied, "caller must be among the declared owners"))
	}
	f := &types.OutputFile{ID: objectstore.NewID(types.PrefixOutput), Owner: req.Owner, URL: req.URL, Crypto: req.Crypto}
	if err := s.store.PutOutputFile(f); err != nil {
		return nil, s.audited(ctx, "register_output_file", err)
	}
	return &FileIDResponse{ID: f.ID}, s.audited(ctx, "register_output_file", nil)
}

// RegisterFusionOutput implements register_fusion_output: the owner set
// is the union of the producing task's data contributors.
func (s *ManagementServer) RegisterFusionOutput(ctx context.Context, req *RegisterFusionOutputRequest) (*FileIDResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(req.ProducingTaskID)
	if err != nil {
		return nil, s.audited(ctx, "register_fusion_output", err)
	}
	owners := dataContributors(t)
	f := &types.OutputFile{
		ID:       objectstore.NewID(types.PrefixFusion),
		Owner:    owners,
		URL:      req.URL,
		Crypto:   req.Crypto,
		FusionOf: t.ID,
	}
	if err := s.store.PutOutputFile(f); err != nil {
		return nil, s.audited(ctx, "register_fusion_output", err)
	}
	return &FileIDResponse{ID: f.ID}, s.audited(ctx, "register_fusion_output", nil)
}

func dataContributors(t *types.Task) []string {
	var owners []string
	for _, o := range t.InputsOwnership {
		owners = append(owners, o...)
	}
	for _, o := range t.OutputsOwnership {
		owners = append(owners, o...)
	}
	return dedupeSorted(owners)
}

// RegisterInputFromOutput implements register_input_from_output: a
// finished OutputFile becomes a reusable InputFile for a later task,
// carrying over owner set, URL, crypto, and integrity tag.
func (s *ManagementServer) RegisterInputFromOutput(ctx context.Context, req *RegisterInputFromOutputRequest) (*FileIDResponse, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.store.GetOutputFile(req.OutputFileID)
	if err != nil {
		return nil, s.audited(ctx, "register_input_from_output", err)
	}
	if !contains(out.Owner, c.UserID) {
		return nil, s.audited(ctx, "register_input_from_output", apierr.New(apierr.CodePermissionDenied, "caller does not own output file %s", out.ID))
	}
	in := &types.InputFile{ID: objectstore.NewID(types.PrefixInput), Owner: out.Owner, URL: out.URL, Crypto: out.Crypto, IntegrityTag: out.IntegrityTag}
	if err := s.store.PutInputFile(in); err != nil {
		return nil, s.audited(ctx, "register_input_from_output", err)
	}
	return &FileIDResponse{ID: in.ID}, s.audited(ctx, "register_input_from_output", nil)
}

// GetInputFile implements get_input_file.
func (s *ManagementServer) GetInputFile(ctx context.Context, req *GetFileRequest) (*GetInputFileResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	f, err := s.store.GetInputFile(req.ID)
	if err != nil {
		return nil, err
	}
	return &GetInputFileResponse{File: f}, nil
}

// GetOutputFile implements get_output_file.
func (s *ManagementServer) GetOutputFile(ctx context.Context, req *GetFileRequest) (*GetOutputFileResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	f, err := s.store.GetOutputFile(req.ID)
	if err != nil {
		return nil, err
	}
	return &GetOutputFileResponse{File: f}, nil
}

// GetFusionFile implements get_fusion_file.
func (s *ManagementServer) GetFusionFile(ctx context.Context, req *GetFileRequest) (*GetOutputFileResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	f, err := s.store.GetOutputFile(req.ID)
	if err != nil {
		return nil, err
	}
	if f.FusionOf == "" {
		return nil, apierr.New(apierr.CodeNotFound, "%s is not a fusion output", req.ID)
	}
	return &GetOutputFileResponse{File: f}, nil
}

// RegisterFunction implements register_function.
func (s *ManagementServer) RegisterFunction(ctx context.Context, req *RegisterFunctionRequest) (*FileIDResponse, error) {
	c, err := RequireRole(ctx, types.RoleFunctionOwner, types.RolePlatformAdmin)
	if err != nil {
		return nil, err
	}
	fn := &types.Function{
		ID:            objectstore.NewID(types.PrefixFunction),
		Owner:         c.UserID,
		Name:          req.Name,
		Description:   req.Description,
		ExecutorType:  req.ExecutorType,
		Payload:       req.Payload,
		Public:        req.Public,
		Arguments:     req.Arguments,
		Inputs:        req.Inputs,
		Outputs:       req.Outputs,
		UserAllowlist: req.UserAllowlist,
		UsageQuota:    req.UsageQuota,
	}
	if err := s.store.PutFunction(fn); err != nil {
		return nil, s.audited(ctx, "register_function", err)
	}
	metrics.FunctionsTotal.Inc()
	return &FileIDResponse{ID: fn.ID}, s.audited(ctx, "register_function", nil)
}

// GetFunction implements get_function.
func (s *ManagementServer) GetFunction(ctx context.Context, req *GetFunctionRequest) (*GetFunctionResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	fn, err := s.store.GetFunction(req.ID)
	if err != nil {
		return nil, err
	}
	return &GetFunctionResponse{Function: fn}, nil
}

// GetFunctionUsageStats implements get_function_usage_stats.
func (s *ManagementServer) GetFunctionUsageStats(ctx context.Context, req *GetFunctionRequest) (*GetFunctionUsageStatsResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	fn, err := s.store.GetFunction(req.ID)
	if err != nil {
		return nil, err
	}
	return &GetFunctionUsageStatsResponse{UsageCount: fn.UsageCount, UsageQuota: fn.UsageQuota}, nil
}

// CreateTask implements create_task.
func (s *ManagementServer) CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.CreateTask(c.UserID, req.FunctionID, req.Arguments, req.Executor, req.InputsOwnership, req.OutputsOwnership)
	if err != nil {
		return nil, s.audited(ctx, "create_task", err)
	}
	return &CreateTaskResponse{TaskID: t.ID}, s.audited(ctx, "create_task", nil)
}

// AssignData implements assign_data.
func (s *ManagementServer) AssignData(ctx context.Context, req *AssignDataRequest) (*TaskResponse, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.AssignData(c.UserID, req.TaskID, req.Inputs, req.Outputs)
	if err != nil {
		return nil, s.audited(ctx, "assign_data", err)
	}
	return &TaskResponse{Task: t}, s.audited(ctx, "assign_data", nil)
}

// ApproveTask implements approve_task.
func (s *ManagementServer) ApproveTask(ctx context.Context, req *TaskIDRequest) (*TaskResponse, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.ApproveTask(c.UserID, req.TaskID)
	if err != nil {
		return nil, s.audited(ctx, "approve_task", err)
	}
	return &TaskResponse{Task: t}, s.audited(ctx, "approve_task", nil)
}

// InvokeTask implements invoke_task.
func (s *ManagementServer) InvokeTask(ctx context.Context, req *TaskIDRequest) (*TaskResponse, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.tasks.InvokeTask(c.UserID, req.TaskID); err != nil {
		return nil, s.audited(ctx, "invoke_task", err)
	}
	t, err := s.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	return &TaskResponse{Task: t}, s.audited(ctx, "invoke_task", nil)
}

// CancelTask implements cancel_task.
func (s *ManagementServer) CancelTask(ctx context.Context, req *TaskIDRequest) (*Empty, error) {
	c, err := RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.CancelTask(c.UserID, req.TaskID); err != nil {
		return nil, s.audited(ctx, "cancel_task", err)
	}
	return &Empty{}, s.audited(ctx, "cancel_task", nil)
}

// GetTask implements get_task.
func (s *ManagementServer) GetTask(ctx context.Context, req *TaskIDRequest) (*TaskResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	return &TaskResponse{Task: t}, nil
}

// GetTaskResult implements get_task_result.
func (s *ManagementServer) GetTaskResult(ctx context.Context, req *TaskIDRequest) (*GetTaskResultResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	t, err := s.store.GetTask(req.TaskID)
	if err != nil {
		return nil, err
	}
	return &GetTaskResultResponse{Result: t.Result, Status: t.Status}, nil
}

// QueryAuditLogs implements query_audit_logs, restricted to
// PlatformAdmin.
func (s *ManagementServer) QueryAuditLogs(ctx context.Context, req *QueryAuditLogsRequest) (*QueryAuditLogsResponse, error) {
	if _, err := RequireRole(ctx, types.RolePlatformAdmin); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return &QueryAuditLogsResponse{}, nil
	}
	entries, err := s.audit.Query(req.Query, req.Limit)
	if err != nil {
		return nil, err
	}
	return &QueryAuditLogsResponse{Entries: entries}, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func dedupeSorted(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range in {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// ManagementServiceDesc registers the Frontend/Management RPC surface.
var ManagementServiceDesc = grpc.ServiceDesc{
	ServiceName: "enclave.Management",
	HandlerType: (*ManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterInputFile", Handler: mgmtRegisterInputFileHandler},
		{MethodName: "RegisterOutputFile", Handler: mgmtRegisterOutputFileHandler},
		{MethodName: "RegisterFusionOutput", Handler: mgmtRegisterFusionOutputHandler},
		{MethodName: "RegisterInputFromOutput", Handler: mgmtRegisterInputFromOutputHandler},
		{MethodName: "GetInputFile", Handler: mgmtGetInputFileHandler},
		{MethodName: "GetOutputFile", Handler: mgmtGetOutputFileHandler},
		{MethodName: "GetFusionFile", Handler: mgmtGetFusionFileHandler},
		{MethodName: "RegisterFunction", Handler: mgmtRegisterFunctionHandler},
		{MethodName: "GetFunction", Handler: mgmtGetFunctionHandler},
		{MethodName: "GetFunctionUsageStats", Handler: mgmtGetFunctionUsageStatsHandler},
		{MethodName: "CreateTask", Handler: mgmtCreateTaskHandler},
		{MethodName: "AssignData", Handler: mgmtAssignDataHandler},
		{MethodName: "ApproveTask", Handler: mgmtApproveTaskHandler},
		{MethodName: "InvokeTask", Handler: mgmtInvokeTaskHandler},
		{MethodName: "CancelTask", Handler: mgmtCancelTaskHandler},
		{MethodName: "GetTask", Handler: mgmtGetTaskHandler},
		{MethodName: "GetTaskResult", Handler: mgmtGetTaskResultHandler},
		{MethodName: "QueryAuditLogs", Handler: mgmtQueryAuditLogsHandler},
	},
}

func mgmtRegisterInputFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).RegisterInputFile)(srv, ctx, dec, interceptor)
}

func mgmtRegisterOutputFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).RegisterOutputFile)(srv, ctx, dec, interceptor)
}

func mgmtRegisterFusionOutputHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).RegisterFusionOutput)(srv, ctx, dec, interceptor)
}

func mgmtRegisterInputFromOutputHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).RegisterInputFromOutput)(srv, ctx, dec, interceptor)
}

func mgmtGetInputFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).GetInputFile)(srv, ctx, dec, interceptor)
}

func mgmtGetOutputFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).GetOutputFile)(srv, ctx, dec, interceptor)
}

func mgmtGetFusionFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).GetFusionFile)(srv, ctx, dec, interceptor)
}

func mgmtRegisterFunctionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).RegisterFunction)(srv, ctx, dec, interceptor)
}

func mgmtGetFunctionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).GetFunction)(srv, ctx, dec, interceptor)
}

func mgmtGetFunctionUsageStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).GetFunctionUsageStats)(srv, ctx, dec, interceptor)
}

func mgmtCreateTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).CreateTask)(srv, ctx, dec, interceptor)
}

func mgmtAssignDataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).AssignData)(srv, ctx, dec, interceptor)
}

func mgmtApproveTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).ApproveTask)(srv, ctx, dec, interceptor)
}

func mgmtInvokeTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).InvokeTask)(srv, ctx, dec, interceptor)
}

func mgmtCancelTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).CancelTask)(srv, ctx, dec, interceptor)
}

func mgmtGetTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).GetTask)(srv, ctx, dec, interceptor)
}

func mgmtGetTaskResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).GetTaskResult)(srv, ctx, dec, interceptor)
}

func mgmtQueryAuditLogsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*ManagementServer).QueryAuditLogs)(srv, ctx, dec, interceptor)
}
