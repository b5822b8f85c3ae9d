package loadscheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-load-scheduler/core"
)

type poolState int

const (
	poolIdle poolState = iota
	poolRunning
	poolStopped
)

// GoroutineThreadPool runs frame main threads on a fixed set of worker
// goroutines. Workers always take the highest priority ready sequence, so a
// throttling pump posted with TraitsControl is never stuck behind
// best-effort work of another frame.
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	logger    core.Logger

	mu     sync.Mutex
	state  poolState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ core.ThreadPool = (*GoroutineThreadPool)(nil)

func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, core.DefaultTaskSchedulerConfig())
}

// NewGoroutineThreadPoolWithConfig creates a pool with custom panic, metrics
// and rejection handlers. A worker count below one is raised to one.
func NewGoroutineThreadPoolWithConfig(id string, workers int, cfg *core.TaskSchedulerConfig) *GoroutineThreadPool {
	workers = max(workers, 1)
	scheduler := core.NewPriorityTaskSchedulerWithConfig(workers, cfg)
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: scheduler,
		logger:    scheduler.GetLogger(),
	}
}

// Start launches the workers. Calling it on a running or stopped pool does
// nothing.
func (p *GoroutineThreadPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != poolIdle {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.state = poolRunning
	p.wg.Add(p.workers)
	for i := range p.workers {
		go p.work(ctx, i)
	}
	p.logger.Debug("thread pool started", core.F("pool", p.id), core.F("workers", p.workers))
}

// Stop drops queued and delayed tasks and waits for the workers to finish
// their current task.
func (p *GoroutineThreadPool) Stop() {
	p.scheduler.Shutdown()
	p.halt()
}

// StopGraceful lets the workers drain the ready queue for up to timeout
// before stopping. Delayed tasks that are not yet due are dropped.
func (p *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	if !p.IsRunning() {
		p.scheduler.Shutdown()
		p.halt()
		return nil
	}
	err := p.scheduler.ShutdownGraceful(timeout)
	if err != nil {
		p.logger.Warn("thread pool stopped with tasks left", core.F("pool", p.id), core.F("error", err))
	}
	p.halt()
	return err
}

// halt cancels the workers and waits for them. It is idempotent.
func (p *GoroutineThreadPool) halt() {
	p.mu.Lock()
	wasRunning := p.state == poolRunning
	p.state = poolStopped
	cancel := p.cancel
	p.mu.Unlock()

	if !wasRunning {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Debug("thread pool stopped", core.F("pool", p.id))
}

func (p *GoroutineThreadPool) work(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		task, ok := p.scheduler.GetWork(ctx.Done())
		if !ok {
			return
		}
		p.run(ctx, worker, task)
	}
}

func (p *GoroutineThreadPool) run(ctx context.Context, worker int, task core.Task) {
	p.scheduler.OnTaskStart()
	defer func() {
		p.scheduler.OnTaskEnd()
		if r := recover(); r != nil {
			p.scheduler.GetMetrics().RecordTaskPanic(p.id, r)
			p.scheduler.GetPanicHandler().HandlePanic(ctx, p.id, worker, r, debug.Stack())
		}
	}()
	task(ctx)
}

// Join blocks until every worker has exited.
func (p *GoroutineThreadPool) Join() {
	p.wg.Wait()
}

func (p *GoroutineThreadPool) ID() string { return p.id }

func (p *GoroutineThreadPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == poolRunning
}

// IsStopped reports whether Stop or StopGraceful has been called. A pool that
// was never started is not stopped.
func (p *GoroutineThreadPool) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == poolStopped
}

func (p *GoroutineThreadPool) WorkerCount() int      { return p.workers }
func (p *GoroutineThreadPool) QueuedTaskCount() int  { return p.scheduler.QueuedTaskCount() }
func (p *GoroutineThreadPool) ActiveTaskCount() int  { return p.scheduler.ActiveTaskCount() }
func (p *GoroutineThreadPool) DelayedTaskCount() int { return p.scheduler.DelayedTaskCount() }

func (p *GoroutineThreadPool) PostInternal(task core.Task, traits core.TaskTraits) {
	p.scheduler.PostInternal(task, traits)
}

func (p *GoroutineThreadPool) PostDelayedInternal(task core.Task, delay time.Duration, traits core.TaskTraits, target core.TaskRunner) {
	p.scheduler.PostDelayedInternal(task, delay, traits, target)
}

// =============================================================================
// Process-wide pool shared by every frame
// =============================================================================

var (
	globalMu   sync.Mutex
	globalPool *GoroutineThreadPool
)

// InitGlobalThreadPool creates and starts the shared pool. Later calls are
// ignored until ShutdownGlobalThreadPool.
func InitGlobalThreadPool(workers int) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalPool != nil {
		return
	}
	globalPool = NewGoroutineThreadPool("global-pool", workers)
	globalPool.Start(context.Background())
}

// GetGlobalThreadPool panics if InitGlobalThreadPool has not been called.
func GetGlobalThreadPool() *GoroutineThreadPool {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalPool == nil {
		panic("loadscheduler: global thread pool not initialized, call InitGlobalThreadPool first")
	}
	return globalPool
}

func ShutdownGlobalThreadPool() {
	globalMu.Lock()
	pool := globalPool
	globalPool = nil
	globalMu.Unlock()
	if pool != nil {
		pool.Stop()
	}
}

// CreateMainThreadRunner creates a priority-ordered SequencedTaskRunner on
// the global thread pool, suitable as a frame's main thread.
func CreateMainThreadRunner(name string) *SequencedTaskRunner {
	return core.NewSequencedTaskRunnerWithConfig(GetGlobalThreadPool(), core.SequencedTaskRunnerConfig{
		Name:        name,
		Prioritized: true,
	})
}
