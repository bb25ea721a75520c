// Package executor is the reference implementation of the executor
// contract: a process that heartbeats, pulls a staged task when told
// to, runs the function, and reports the result back. It invokes
// in-process Builtin functions directly; the sandboxed runtime of a
// production executor (container/VM/enclave execution) plugs in behind
// the same contract.
package executor

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cloakmesh/enclave/pkg/client"
	"github.com/cloakmesh/enclave/pkg/log"
	"github.com/cloakmesh/enclave/pkg/security"
	"github.com/cloakmesh/enclave/pkg/types"
	"github.com/rs/zerolog"
)

// HeartbeatInterval governs how often the executor reports liveness;
// kept well under scheduler.ExecutorTimeout so a brief hiccup doesn't
// trip the liveness sweep.
const HeartbeatInterval = 5 * time.Second

// Function is a registered in-process task body. It receives the
// resolved staged task and returns the result payload, the per-slot
// integrity tags for its outputs, or an error.
type Function func(ctx context.Context, task *types.StagedTask) (returnValue []byte, tags map[string][]byte, err error)

// Registry maps function names to their Builtin implementation.
type Registry map[string]Function

// NewRegistry returns a Registry pre-populated with the Echo builtin.
func NewRegistry() Registry {
	return Registry{"echo": Echo}
}

// Echo is the platform's minimal Builtin function: it returns its
// "message" argument verbatim. It exists so an empty deployment can
// exercise the full task lifecycle end to end without a real function
// payload. Declared output slots receive an integrity tag computed by
// sealing the return value with a fresh key, the same way a real
// function's output files are finalized.
func Echo(ctx context.Context, task *types.StagedTask) ([]byte, map[string][]byte, error) {
	message, ok := task.FunctionArguments["message"]
	if !ok {
		return nil, nil, fmt.Errorf("echo: missing required argument \"message\"")
	}
	tags := map[string][]byte{}
	if len(task.OutputData) > 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, fmt.Errorf("echo: generate output key: %w", err)
		}
		sealer, err := security.NewSealer(key)
		if err != nil {
			return nil, nil, err
		}
		sealed, err := sealer.Seal([]byte(message))
		if err != nil {
			return nil, nil, fmt.Errorf("echo: seal output: %w", err)
		}
		for slot := range task.OutputData {
			tags[slot] = security.IntegrityTag(sealed)
		}
	}
	return []byte(message), tags, nil
}

// Executor runs the executor side of the pull-based heartbeat/execute
// protocol.
type Executor struct {
	id       string
	client   *client.Client
	registry Registry
	logger   zerolog.Logger

	stopCh chan struct{}
}

// New constructs an Executor identified by id, pulling work over c.
func New(id string, c *client.Client, registry Registry) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Executor{id: id, client: c, registry: registry, logger: log.WithExecutorID(id), stopCh: make(chan struct{})}
}

// Run blocks, heartbeating and executing tasks until ctx is canceled or
// Stop is called.
func (e *Executor) Run(ctx context.Context) {
	status := types.ExecutorIdle
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			cmd, err := e.client.Heartbeat(ctx, e.id, status)
			if err != nil {
				e.logger.Error().Err(err).Msg("heartbeat failed")
				continue
			}
			switch cmd {
			case types.CommandStop:
				status = types.ExecutorIdle
			case types.CommandNewTask:
				status = e.pullAndRun(ctx)
			}
		}
	}
}

// Stop halts Run.
func (e *Executor) Stop() { close(e.stopCh) }

func (e *Executor) pullAndRun(ctx context.Context) types.ExecutorStatus {
	staged, err := e.client.PullTask(ctx, e.id)
	if err != nil {
		e.logger.Error().Err(err).Msg("pull task failed")
		return types.ExecutorIdle
	}
	if staged == nil {
		return types.ExecutorIdle
	}

	if _, err := e.client.UpdateTaskStatus(ctx, e.id, staged.TaskID, types.TaskRunning); err != nil {
		e.logger.Error().Err(err).Str("task_id", staged.TaskID).Msg("report running")
	}

	result := e.execute(ctx, staged)
	if _, err := e.client.UpdateTaskResult(ctx, e.id, staged.TaskID, result); err != nil {
		e.logger.Error().Err(err).Str("task_id", staged.TaskID).Msg("report result")
	}
	return types.ExecutorIdle
}

func (e *Executor) execute(ctx context.Context, staged *types.StagedTask) types.TaskResult {
	fn, ok := e.registry[staged.FunctionName]
	if !ok {
		return types.TaskResult{Status: types.ResultErr, Reason: fmt.Sprintf("executor: unknown function %q", staged.FunctionName)}
	}
	returnValue, tags, err := fn(ctx, staged)
	if err != nil {
		return types.TaskResult{Status: types.ResultErr, Reason: err.Error()}
	}
	return types.TaskResult{Status: types.ResultOk, ReturnValue: returnValue, Tags: tags}
}
