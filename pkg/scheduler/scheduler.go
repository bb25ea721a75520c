// Package scheduler implements the pull-based work-dispatch
// coordination protocol: a single mutex-protected `resources` struct, a
// background ingest loop that drains the durable staged/cancel queues
// and sweeps executor heartbeat timeouts, and the Heartbeat/PullTask/
// UpdateTaskStatus/UpdateTaskResult RPC-facing operations.
package scheduler

import (
	"sync"
	"time"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/log"
	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/task"
	"github.com/cloakmesh/enclave/pkg/types"
	"github.com/rs/zerolog"
)

// ExecutorTimeout is the heartbeat-liveness window: an executor that
// misses heartbeats for this long is presumed lost.
const ExecutorTimeout = 30 * time.Second

// IngestInterval is how often the background loop drains the durable
// queues and sweeps for timed-out executors.
const IngestInterval = 2 * time.Second

// resources is the scheduler's single shared mutable state, guarded by
// one mutex held for the duration of each RPC handler's critical
// section. Nothing blocks while the lock is held.
type resources struct {
	taskQueue       []*types.StagedTask
	executorsTasks  map[string]string // executor_id -> task_id
	executorsLastHB map[string]time.Time
	executorsStatus map[string]types.ExecutorStatus
	tasksToCancel   map[string]struct{}
}

// Scheduler coordinates work dispatch between staged tasks and live
// executors. It is reconstructable from the object store on crash:
// taskQueue and tasksToCancel are rebuilt by re-draining the persisted
// queues; heartbeat/executor state is intentionally transient and
// rebuilt on the next heartbeat.
type Scheduler struct {
	store  *objectstore.Store
	tasks  *task.Machine
	logger zerolog.Logger

	mu       sync.Mutex
	res      resources
	lastTick time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler over store. Call Start to begin the ingest
// loop.
func New(store *objectstore.Store) *Scheduler {
	return &Scheduler{
		store:  store,
		tasks:  task.New(store),
		logger: log.WithComponent("scheduler"),
		res: resources{
			executorsTasks:  make(map[string]string),
			executorsLastHB: make(map[string]time.Time),
			executorsStatus: make(map[string]types.ExecutorStatus),
			tasksToCancel:   make(map[string]struct{}),
		},
		stopCh: make(chan struct{}),
	}
}

// Start begins the background ingest loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.lastTick = time.Now()
	s.mu.Unlock()
	s.wg.Add(1)
	go s.ingestLoop()
}

// Stop halts the background ingest loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) ingestLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(IngestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick drains the persisted staged/cancel queues into in-memory state
// and sweeps for executor heartbeat timeouts.
func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerIngestDuration)

	s.drainStaged()
	s.drainCancels()
	s.sweepTimeouts()

	s.mu.Lock()
	s.lastTick = time.Now()
	metrics.SchedulerQueueDepth.Set(float64(len(s.res.taskQueue)))
	s.mu.Unlock()
}

// LastIngestTick reports when the ingest loop last completed a tick,
// used as the scheduler's liveness signal.
func (s *Scheduler) LastIngestTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

func (s *Scheduler) drainStaged() {
	q := s.store.Queue("staged_task")
	for {
		var st types.StagedTask
		if err := q.Dequeue(&st); err != nil {
			if apierr.CodeOf(err) != apierr.CodeNotFound {
				s.logger.Error().Err(err).Msg("drain staged_task queue")
			}
			return
		}
		s.mu.Lock()
		s.res.taskQueue = append(s.res.taskQueue, &st)
		s.mu.Unlock()
	}
}

func (s *Scheduler) drainCancels() {
	q := s.store.Queue("cancel_task")
	for {
		var taskID string
		if err := q.Dequeue(&taskID); err != nil {
			if apierr.CodeOf(err) != apierr.CodeNotFound {
				s.logger.Error().Err(err).Msg("drain cancel_task queue")
			}
			return
		}
		s.mu.Lock()
		s.res.tasksToCancel[taskID] = struct{}{}
		s.mu.Unlock()
	}
}

// sweepTimeouts marks Failed, with reason "Executor Timeout", any task
// whose assigned executor has not sent a heartbeat in ExecutorTimeout.
func (s *Scheduler) sweepTimeouts() {
	now := time.Now()
	var lost []string
	s.mu.Lock()
	for execID, last := range s.res.executorsLastHB {
		if now.Sub(last) > ExecutorTimeout {
			if taskID, ok := s.res.executorsTasks[execID]; ok {
				lost = append(lost, taskID)
				delete(s.res.executorsTasks, execID)
			}
			delete(s.res.executorsLastHB, execID)
			delete(s.res.executorsStatus, execID)
		}
	}
	s.mu.Unlock()

	for _, taskID := range lost {
		if _, err := s.tasks.Timeout(taskID); err != nil {
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("mark task failed on executor timeout")
			continue
		}
		metrics.ExecutorTimeoutsTotal.Inc()
		s.logger.Warn().Str("task_id", taskID).Msg("executor timeout, task marked Failed")
	}
}

// Publish implements publish_task: a staged task enters
// the durable queue, from which the next ingest tick drains it into the
// in-memory dispatch queue. Durable-first keeps the scheduler
// reconstructable from the object store on crash.
func (s *Scheduler) Publish(st *types.StagedTask) error {
	if st == nil || st.TaskID == "" {
		return apierr.New(apierr.CodeInvalidInput, "staged task is empty")
	}
	return s.store.Queue("staged_task").Enqueue(st)
}

// Heartbeat implements the Heartbeat RPC. Within a single response only
// one command is emitted, and Stop takes precedence over NewTask.
func (s *Scheduler) Heartbeat(executorID string, status types.ExecutorStatus) types.SchedulerCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.res.executorsLastHB[executorID] = time.Now()
	s.res.executorsStatus[executorID] = status

	if taskID, ok := s.res.executorsTasks[executorID]; ok {
		if _, canceling := s.res.tasksToCancel[taskID]; canceling {
			delete(s.res.tasksToCancel, taskID)
			delete(s.res.executorsTasks, executorID)
			s.res.executorsStatus[executorID] = types.ExecutorIdle
			go s.finalizeCancel(taskID)
			metrics.TasksCanceledTotal.Inc()
			return types.CommandStop
		}
	}
	if len(s.res.taskQueue) > 0 && status == types.ExecutorIdle {
		return types.CommandNewTask
	}
	return types.CommandNoAction
}

func (s *Scheduler) finalizeCancel(taskID string) {
	if _, err := s.tasks.Canceled(taskID); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("finalize cancellation")
	}
}

// PullTask pops the head of the queue; if the popped task is pending
// cancellation it is canceled instead and an error is returned so the
// executor retries.
func (s *Scheduler) PullTask(executorID string) (*types.StagedTask, error) {
	s.mu.Lock()
	if len(s.res.taskQueue) == 0 {
		s.mu.Unlock()
		return nil, apierr.New(apierr.CodeNoValidWorker, "no staged task available")
	}
	st := s.res.taskQueue[0]
	s.res.taskQueue = s.res.taskQueue[1:]

	if _, canceling := s.res.tasksToCancel[st.TaskID]; canceling {
		delete(s.res.tasksToCancel, st.TaskID)
		s.mu.Unlock()
		if _, err := s.tasks.Canceled(st.TaskID); err != nil {
			s.logger.Error().Err(err).Str("task_id", st.TaskID).Msg("cancel pulled task")
		}
		metrics.TasksCanceledTotal.Inc()
		return nil, apierr.New(apierr.CodeImpossibleOperation, "task %s was canceled", st.TaskID)
	}

	// Recording the (executor, task) pair and popping the queue happen
	// under the same mutex critical section, which is what prevents
	// double-dispatch.
	s.res.executorsTasks[executorID] = st.TaskID
	s.res.executorsStatus[executorID] = types.ExecutorExecuting
	s.mu.Unlock()

	if _, err := s.tasks.Dispatch(st.TaskID, executorID); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateTaskStatus implements the UpdateTaskStatus RPC, restricted to
// the Staged -> Running transition, the only status an executor may
// report directly rather than through UpdateTaskResult.
func (s *Scheduler) UpdateTaskStatus(executorID, taskID string, status types.TaskStatus) (*types.Task, error) {
	if status != types.TaskRunning {
		return nil, apierr.New(apierr.CodeImpossibleOperation, "UpdateTaskStatus only accepts Running")
	}
	return s.tasks.Dispatch(taskID, executorID)
}

// UpdateTaskResult implements the UpdateTaskResult RPC.
func (s *Scheduler) UpdateTaskResult(executorID, taskID string, result types.TaskResult) (*types.Task, error) {
	s.mu.Lock()
	delete(s.res.executorsTasks, executorID)
	s.res.executorsStatus[executorID] = types.ExecutorIdle
	s.mu.Unlock()
	return s.tasks.UpdateResult(executorID, taskID, result)
}

// QueueDepth reports the current in-memory staged-task queue length, for
// metrics collection.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.res.taskQueue)
}

// ExecutorCounts reports how many known executors are in each status.
func (s *Scheduler) ExecutorCounts() map[types.ExecutorStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[types.ExecutorStatus]int{}
	for _, st := range s.res.executorsStatus {
		counts[st]++
	}
	return counts
}
