// Package client is a typed SDK over the platform's gRPC surface.
// Callers authenticate with a bearer token obtained via Login;
// certificate issuance and attestation happen outside this package.
package client

import (
	"context"
	"time"

	"github.com/cloakmesh/enclave/pkg/api"
	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/rpc"
	"github.com/cloakmesh/enclave/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client wraps a grpc.ClientConn with typed request/response methods for
// every RPC in pkg/api.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial connects to addr in plaintext unless opts carry their own
// transport credentials, which take precedence. TLS/attestation dialing
// is the caller's responsibility to layer on via grpc.DialOption.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// SetToken attaches the bearer token used on every subsequent call.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) authed(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// Register calls user_register.
func (c *Client) Register(ctx context.Context, id, password string, role types.Role, attribute string) (string, error) {
	resp, err := rpc.Call[api.RegisterRequest, api.RegisterResponse](c.authed(ctx), c.conn, "/enclave.Auth/Register",
		&api.RegisterRequest{ID: id, Password: password, Role: role, Attribute: attribute})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Login calls user_login and stores the returned token on success.
func (c *Client) Login(ctx context.Context, id, password string) (string, error) {
	resp, err := rpc.Call[api.LoginRequest, api.LoginResponse](ctx, c.conn, "/enclave.Auth/Login",
		&api.LoginRequest{ID: id, Password: password})
	if err != nil {
		return "", err
	}
	c.token = resp.Token
	return resp.Token, nil
}

// RegisterInputFile calls register_input_file.
func (c *Client) RegisterInputFile(ctx context.Context, owner []string, url string, crypto types.FileCrypto) (string, error) {
	resp, err := rpc.Call[api.RegisterInputFileRequest, api.FileIDResponse](c.authed(ctx), c.conn, "/enclave.Management/RegisterInputFile",
		&api.RegisterInputFileRequest{Owner: owner, URL: url, Crypto: crypto})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RegisterOutputFile calls register_output_file.
func (c *Client) RegisterOutputFile(ctx context.Context, owner []string, url string, crypto types.FileCrypto) (string, error) {
	resp, err := rpc.Call[api.RegisterOutputFileRequest, api.FileIDResponse](c.authed(ctx), c.conn, "/enclave.Management/RegisterOutputFile",
		&api.RegisterOutputFileRequest{Owner: owner, URL: url, Crypto: crypto})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RegisterFunction calls register_function.
func (c *Client) RegisterFunction(ctx context.Context, req *api.RegisterFunctionRequest) (string, error) {
	resp, err := rpc.Call[api.RegisterFunctionRequest, api.FileIDResponse](c.authed(ctx), c.conn, "/enclave.Management/RegisterFunction", req)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateTask calls create_task.
func (c *Client) CreateTask(ctx context.Context, req *api.CreateTaskRequest) (string, error) {
	resp, err := rpc.Call[api.CreateTaskRequest, api.CreateTaskResponse](c.authed(ctx), c.conn, "/enclave.Management/CreateTask", req)
	if err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// AssignData calls assign_data.
func (c *Client) AssignData(ctx context.Context, taskID string, inputs, outputs map[string]string) (*types.Task, error) {
	resp, err := rpc.Call[api.AssignDataRequest, api.TaskResponse](c.authed(ctx), c.conn, "/enclave.Management/AssignData",
		&api.AssignDataRequest{TaskID: taskID, Inputs: inputs, Outputs: outputs})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// ApproveTask calls approve_task.
func (c *Client) ApproveTask(ctx context.Context, taskID string) (*types.Task, error) {
	resp, err := rpc.Call[api.TaskIDRequest, api.TaskResponse](c.authed(ctx), c.conn, "/enclave.Management/ApproveTask",
		&api.TaskIDRequest{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// InvokeTask calls invoke_task.
func (c *Client) InvokeTask(ctx context.Context, taskID string) (*types.Task, error) {
	resp, err := rpc.Call[api.TaskIDRequest, api.TaskResponse](c.authed(ctx), c.conn, "/enclave.Management/InvokeTask",
		&api.TaskIDRequest{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// CancelTask calls cancel_task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	_, err := rpc.Call[api.TaskIDRequest, api.Empty](c.authed(ctx), c.conn, "/enclave.Management/CancelTask",
		&api.TaskIDRequest{TaskID: taskID})
	return err
}

// GetTask calls get_task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	resp, err := rpc.Call[api.TaskIDRequest, api.TaskResponse](c.authed(ctx), c.conn, "/enclave.Management/GetTask",
		&api.TaskIDRequest{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// GetTaskResult calls get_task_result once, without polling.
func (c *Client) GetTaskResult(ctx context.Context, taskID string) (*api.GetTaskResultResponse, error) {
	return rpc.Call[api.TaskIDRequest, api.GetTaskResultResponse](c.authed(ctx), c.conn, "/enclave.Management/GetTaskResult",
		&api.TaskIDRequest{TaskID: taskID})
}

// AwaitTaskResult blocks until the task reaches a terminal state. The
// wire operation itself is a single poll, so a client that wants to
// block until completion repeats it with caller-supplied backoff rather
// than the server holding the connection open. backoff is called
// between polls and may itself watch ctx for cancellation; a nil
// backoff falls back to a fixed 500ms sleep.
func (c *Client) AwaitTaskResult(ctx context.Context, taskID string, backoff func(attempt int)) (*api.GetTaskResultResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.GetTaskResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch resp.Status {
		case types.TaskFinished, types.TaskFailed, types.TaskCanceled:
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.CodeIoError, ctx.Err(), "await task result canceled")
		default:
		}
		if backoff != nil {
			backoff(attempt)
		} else {
			time.Sleep(500 * time.Millisecond)
		}
	}
}

// PublishTask calls the scheduler publish_task ingest RPC.
func (c *Client) PublishTask(ctx context.Context, staged *types.StagedTask) error {
	_, err := rpc.Call[api.PublishTaskRequest, api.Empty](c.authed(ctx), c.conn, "/enclave.Scheduler/PublishTask",
		&api.PublishTaskRequest{Task: staged})
	return err
}

// Heartbeat calls the scheduler Heartbeat RPC.
func (c *Client) Heartbeat(ctx context.Context, executorID string, status types.ExecutorStatus) (types.SchedulerCommand, error) {
	resp, err := rpc.Call[api.HeartbeatRequest, api.HeartbeatResponse](c.authed(ctx), c.conn, "/enclave.Scheduler/Heartbeat",
		&api.HeartbeatRequest{ExecutorID: executorID, Status: status})
	if err != nil {
		return "", err
	}
	return resp.Command, nil
}

// PullTask calls the scheduler PullTask RPC.
func (c *Client) PullTask(ctx context.Context, executorID string) (*types.StagedTask, error) {
	resp, err := rpc.Call[api.PullTaskRequest, api.PullTaskResponse](c.authed(ctx), c.conn, "/enclave.Scheduler/PullTask",
		&api.PullTaskRequest{ExecutorID: executorID})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// UpdateTaskStatus calls the scheduler UpdateTaskStatus RPC.
func (c *Client) UpdateTaskStatus(ctx context.Context, executorID, taskID string, status types.TaskStatus) (*types.Task, error) {
	resp, err := rpc.Call[api.UpdateTaskStatusRequest, api.TaskResponse](c.authed(ctx), c.conn, "/enclave.Scheduler/UpdateTaskStatus",
		&api.UpdateTaskStatusRequest{ExecutorID: executorID, TaskID: taskID, Status: status})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// UpdateTaskResult calls the scheduler UpdateTaskResult RPC.
func (c *Client) UpdateTaskResult(ctx context.Context, executorID, taskID string, result types.TaskResult) (*types.Task, error) {
	resp, err := rpc.Call[api.UpdateTaskResultRequest, api.TaskResponse](c.authed(ctx), c.conn, "/enclave.Scheduler/UpdateTaskResult",
		&api.UpdateTaskResultRequest{ExecutorID: executorID, TaskID: taskID, Result: result})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}
