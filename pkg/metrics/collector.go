package metrics

import (
	"time"

	"github.com/cloakmesh/enclave/pkg/types"
)

// Collector periodically samples scheduler and task-store state into the
// Prometheus gauges declared in metrics.go. It takes its data sources as
// closures rather than concrete types to avoid an import cycle: both
// pkg/scheduler and pkg/objectstore already depend on this package for
// instrumentation.
type Collector struct {
	queueDepth     func() int
	executorCounts func() map[types.ExecutorStatus]int
	listTasks      func() ([]*types.Task, error)
	stopCh         chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(queueDepth func() int, executorCounts func() map[types.ExecutorStatus]int, listTasks func() ([]*types.Task, error)) *Collector {
	return &Collector{
		queueDepth:     queueDepth,
		executorCounts: executorCounts,
		listTasks:      listTasks,
		stopCh:         make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	SchedulerQueueDepth.Set(float64(c.queueDepth()))
	for status, count := range c.executorCounts() {
		SchedulerExecutorsTotal.WithLabelValues(string(status)).Set(float64(count))
	}

	tasks, err := c.listTasks()
	if err != nil {
		return
	}
	counts := map[types.TaskStatus]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
