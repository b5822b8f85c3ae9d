package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// TaskScheduler is the ready queue shared by the workers of a thread pool.
type TaskScheduler struct {
	queue       TaskQueue
	signal      chan struct{}
	workerCount int

	delayManager *DelayManager

	metricQueued atomic.Int32
	metricActive atomic.Int32

	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler
	logger              Logger

	shuttingDown atomic.Bool
}

func NewPriorityTaskScheduler(workerCount int) *TaskScheduler {
	return NewPriorityTaskSchedulerWithConfig(workerCount, DefaultTaskSchedulerConfig())
}

func NewPriorityTaskSchedulerWithConfig(workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	return newTaskScheduler(NewPriorityTaskQueue(), workerCount, config, clock.RealClock{})
}

func NewFIFOTaskScheduler(workerCount int) *TaskScheduler {
	return NewFIFOTaskSchedulerWithConfig(workerCount, DefaultTaskSchedulerConfig())
}

func NewFIFOTaskSchedulerWithConfig(workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	return newTaskScheduler(NewFIFOTaskQueue(), workerCount, config, clock.RealClock{})
}

func newTaskScheduler(queue TaskQueue, workerCount int, config *TaskSchedulerConfig, clk clock.Clock) *TaskScheduler {
	s := &TaskScheduler{
		queue:        queue,
		signal:       make(chan struct{}, workerCount*2),
		workerCount:  workerCount,
		delayManager: NewDelayManagerWithClock(clk),
	}

	if config != nil {
		s.panicHandler = config.PanicHandler
		s.metrics = config.Metrics
		s.rejectedTaskHandler = config.RejectedTaskHandler
		s.logger = config.Logger
	}

	s.logger = LoggerOrNop(s.logger)
	if s.panicHandler == nil {
		s.panicHandler = &DefaultPanicHandler{Logger: s.logger}
	}
	if s.metrics == nil {
		s.metrics = &NilMetrics{}
	}
	if s.rejectedTaskHandler == nil {
		s.rejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: s.logger}
	}
	return s
}

func (s *TaskScheduler) PostInternal(task Task, traits TaskTraits) {
	if s.shuttingDown.Load() {
		s.rejectedTaskHandler.HandleRejectedTask("TaskScheduler", "shutting down")
		s.metrics.RecordTaskRejected("TaskScheduler", "shutting down")
		return
	}

	s.queue.Push(task, traits)
	s.metricQueued.Add(1)

	select {
	case s.signal <- struct{}{}:
	default:
		// Task is queued; a busy worker will pick it up.
	}
}

func (s *TaskScheduler) PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) {
	if s.shuttingDown.Load() {
		return
	}
	s.delayManager.AddDelayedTask(task, delay, traits, target)
}

// GetWork blocks until a task is ready or stopCh closes.
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (Task, bool) {
	for {
		if item, ok := s.queue.Pop(); ok {
			s.metricQueued.Add(-1)
			return item.Task, true
		}

		select {
		case <-s.signal:
		case <-stopCh:
			return nil, false
		}
	}
}

func (s *TaskScheduler) Shutdown() {
	if s.shuttingDown.Swap(true) {
		return
	}
	s.delayManager.Stop()
	s.queue.Clear()
}

// ShutdownGraceful waits for queued and active tasks to complete, clearing
// whatever is left once timeout expires.
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	if !s.shuttingDown.Swap(true) {
		s.delayManager.Stop()
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			s.queue.Clear()
			return fmt.Errorf("shutdown graceful timeout after %v, forced clearing", timeout)
		case <-ticker.C:
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

func (s *TaskScheduler) WorkerCount() int      { return s.workerCount }
func (s *TaskScheduler) QueuedTaskCount() int  { return int(s.metricQueued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int  { return int(s.metricActive.Load()) }
func (s *TaskScheduler) DelayedTaskCount() int { return s.delayManager.TaskCount() }

func (s *TaskScheduler) OnTaskStart() { s.metricActive.Add(1) }
func (s *TaskScheduler) OnTaskEnd()   { s.metricActive.Add(-1) }

func (s *TaskScheduler) GetPanicHandler() PanicHandler { return s.panicHandler }
func (s *TaskScheduler) GetMetrics() Metrics           { return s.metrics }
func (s *TaskScheduler) GetLogger() Logger             { return s.logger }
