package api

import (
	"context"

	"github.com/cloakmesh/enclave/pkg/rpc"
	"github.com/cloakmesh/enclave/pkg/scheduler"
	"google.golang.org/grpc"
)

// SchedulerServer exposes the pull-based executor coordination protocol
// (PublishTask/Heartbeat/PullTask/UpdateTaskStatus/UpdateTaskResult)
// over the same RPC plumbing as the management surface. PublishTask is
// the ingest side; the other methods are the executor side. The interceptor
// still authenticates the bearer token, but no per-method role check is
// applied beyond "is a known caller" since executor identity is not
// modeled as a distinct Role.
type SchedulerServer struct {
	sched *scheduler.Scheduler
}

// NewSchedulerServer constructs a SchedulerServer.
func NewSchedulerServer(sched *scheduler.Scheduler) *SchedulerServer {
	return &SchedulerServer{sched: sched}
}

// PublishTask implements the publish_task ingest RPC: the management
// plane (or an operator tool) hands a staged task to the scheduler's
// durable queue.
func (s *SchedulerServer) PublishTask(ctx context.Context, req *PublishTaskRequest) (*Empty, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	if err := s.sched.Publish(req.Task); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Heartbeat implements the Heartbeat RPC.
func (s *SchedulerServer) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	cmd := s.sched.Heartbeat(req.ExecutorID, req.Status)
	return &HeartbeatResponse{Command: cmd}, nil
}

// PullTask implements the PullTask RPC.
func (s *SchedulerServer) PullTask(ctx context.Context, req *PullTaskRequest) (*PullTaskResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	st, err := s.sched.PullTask(req.ExecutorID)
	if err != nil {
		return nil, err
	}
	return &PullTaskResponse{Task: st}, nil
}

// UpdateTaskStatus implements the UpdateTaskStatus RPC.
func (s *SchedulerServer) UpdateTaskStatus(ctx context.Context, req *UpdateTaskStatusRequest) (*TaskResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	t, err := s.sched.UpdateTaskStatus(req.ExecutorID, req.TaskID, req.Status)
	if err != nil {
		return nil, err
	}
	return &TaskResponse{Task: t}, nil
}

// UpdateTaskResult implements the UpdateTaskResult RPC.
func (s *SchedulerServer) UpdateTaskResult(ctx context.Context, req *UpdateTaskResultRequest) (*TaskResponse, error) {
	if _, err := RequireRole(ctx); err != nil {
		return nil, err
	}
	t, err := s.sched.UpdateTaskResult(req.ExecutorID, req.TaskID, req.Result)
	if err != nil {
		return nil, err
	}
	return &TaskResponse{Task: t}, nil
}

// SchedulerServiceDesc registers the scheduler<->executor RPC surface.
var SchedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: "enclave.Scheduler",
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PublishTask", Handler: schedPublishTaskHandler},
		{MethodName: "Heartbeat", Handler: schedHeartbeatHandler},
		{MethodName: "PullTask", Handler: schedPullTaskHandler},
		{MethodName: "UpdateTaskStatus", Handler: schedUpdateTaskStatusHandler},
		{MethodName: "UpdateTaskResult", Handler: schedUpdateTaskResultHandler},
	},
}

func schedPublishTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*SchedulerServer).PublishTask)(srv, ctx, dec, interceptor)
}

func schedHeartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*SchedulerServer).Heartbeat)(srv, ctx, dec, interceptor)
}

func schedPullTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*SchedulerServer).PullTask)(srv, ctx, dec, interceptor)
}

func schedUpdateTaskStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*SchedulerServer).UpdateTaskStatus)(srv, ctx, dec, interceptor)
}

func schedUpdateTaskResultHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*SchedulerServer).UpdateTaskResult)(srv, ctx, dec, interceptor)
}
