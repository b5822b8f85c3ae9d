package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// SequencedTaskRunnerConfig configures a SequencedTaskRunner.
type SequencedTaskRunnerConfig struct {
	Name string
	// Prioritized orders pending tasks by TaskTraits.Priority instead of FIFO.
	Prioritized  bool
	Metrics      Metrics
	PanicHandler PanicHandler
}

// SequencedTaskRunner runs posted tasks one at a time on a thread pool. A
// frame's main thread is modelled as one of these.
type SequencedTaskRunner struct {
	name          string
	threadPool    ThreadPool
	queue         TaskQueue
	metrics       Metrics
	panicHandler  PanicHandler
	mu            sync.Mutex
	isRunning     bool
	activeRunners atomic.Int32
	closed        atomic.Bool
}

func NewSequencedTaskRunner(threadPool ThreadPool) *SequencedTaskRunner {
	return NewSequencedTaskRunnerWithConfig(threadPool, SequencedTaskRunnerConfig{})
}

// NewPrioritySequencedTaskRunner returns a runner whose pending tasks are
// ordered by priority, FIFO within a priority.
func NewPrioritySequencedTaskRunner(threadPool ThreadPool) *SequencedTaskRunner {
	return NewSequencedTaskRunnerWithConfig(threadPool, SequencedTaskRunnerConfig{Prioritized: true})
}

func NewSequencedTaskRunnerWithConfig(threadPool ThreadPool, cfg SequencedTaskRunnerConfig) *SequencedTaskRunner {
	r := &SequencedTaskRunner{
		name:         cfg.Name,
		threadPool:   threadPool,
		metrics:      cfg.Metrics,
		panicHandler: cfg.PanicHandler,
	}
	if r.name == "" {
		r.name = "sequenced"
	}
	if cfg.Prioritized {
		r.queue = NewPriorityTaskQueue()
	} else {
		r.queue = NewFIFOTaskQueue()
	}
	if r.metrics == nil {
		r.metrics = &NilMetrics{}
	}
	if r.panicHandler == nil {
		r.panicHandler = &DefaultPanicHandler{}
	}
	return r
}

func (r *SequencedTaskRunner) Name() string { return r.name }

func (r *SequencedTaskRunner) PostTask(task Task) {
	r.PostTaskWithTraits(task, DefaultTaskTraits())
}

func (r *SequencedTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	if r.closed.Load() {
		r.metrics.RecordTaskRejected(r.name, "closed")
		return
	}
	r.queue.Push(task, traits)
	r.metrics.RecordQueueDepth(r.name, r.queue.Len())
	r.scheduleRunLoop(traits)
}

func (r *SequencedTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

func (r *SequencedTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	if r.closed.Load() {
		return
	}
	r.threadPool.PostDelayedInternal(task, delay, traits, r)
}

// scheduleRunLoop starts runLoop (if not already running)
func (r *SequencedTaskRunner) scheduleRunLoop(traits TaskTraits) {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = true
	r.mu.Unlock()
	r.threadPool.PostInternal(r.runLoop, traits)
}

// runLoop executes exactly one task, then yields back to the pool if more
// work is queued.
func (r *SequencedTaskRunner) runLoop(ctx context.Context) {
	if n := r.activeRunners.Add(1); n > 1 {
		panic(fmt.Sprintf("SequencedTaskRunner: concurrent runLoop detected (count=%d)", n))
	}
	defer r.activeRunners.Add(-1)

	if item, ok := r.queue.Pop(); ok {
		r.runTask(context.WithValue(ctx, taskRunnerKey, r), item)
	}

	r.mu.Lock()
	more := !r.queue.IsEmpty() && !r.closed.Load()
	if !more {
		r.isRunning = false
	}
	r.mu.Unlock()

	if more {
		nextTraits, _ := r.queue.PeekTraits()
		r.threadPool.PostInternal(r.runLoop, nextTraits)
	}
}

func (r *SequencedTaskRunner) runTask(ctx context.Context, item TaskItem) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.metrics.RecordTaskPanic(r.name, p)
			r.panicHandler.HandlePanic(ctx, r.name, -1, p, debug.Stack())
		}
		r.metrics.RecordTaskDuration(r.name, item.Traits.Priority, time.Since(start))
	}()
	item.Task(ctx)
}

// Shutdown stops accepting tasks and drops everything still queued. A task
// that is already running is not interrupted.
func (r *SequencedTaskRunner) Shutdown() {
	r.closed.Store(true)

	r.mu.Lock()
	r.queue.Clear()
	r.mu.Unlock()
}

// IsClosed reports whether posted tasks are dropped, either because the
// runner was shut down or because its pool has stopped.
func (r *SequencedTaskRunner) IsClosed() bool {
	if r.closed.Load() {
		return true
	}
	p, ok := r.threadPool.(interface{ IsStopped() bool })
	return ok && p.IsStopped()
}

func (r *SequencedTaskRunner) PendingTaskCount() int {
	return r.queue.Len()
}
