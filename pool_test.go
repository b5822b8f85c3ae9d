package loadscheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Swind/go-load-scheduler/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPanicHandler struct {
	mu     sync.Mutex
	panics []any
	worker []int
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.panics = append(h.panics, panicInfo)
	h.worker = append(h.worker, workerID)
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.panics)
}

func TestGoroutineThreadPool_Lifecycle(t *testing.T) {
	pool := NewGoroutineThreadPool("test-pool", 2)

	if pool.ID() != "test-pool" {
		t.Errorf("expected ID 'test-pool', got %s", pool.ID())
	}
	if pool.IsRunning() {
		t.Error("pool should not be running initially")
	}

	pool.Start(context.Background())
	if !pool.IsRunning() {
		t.Error("pool should be running after Start()")
	}
	if pool.WorkerCount() != 2 {
		t.Errorf("expected 2 workers, got %d", pool.WorkerCount())
	}

	pool.Stop()
	if pool.IsRunning() {
		t.Error("pool should not be running after Stop()")
	}
}

func TestGoroutineThreadPool_ZeroWorkersUsesOne(t *testing.T) {
	pool := NewGoroutineThreadPool("tiny", 0)
	defer pool.Stop()

	if pool.WorkerCount() != 1 {
		t.Errorf("expected 1 worker, got %d", pool.WorkerCount())
	}
}

func TestGoroutineThreadPool_TaskExecution(t *testing.T) {
	pool := NewGoroutineThreadPool("exec-pool", 4)
	pool.Start(context.Background())
	defer pool.Stop()

	var counter int32
	var wg sync.WaitGroup
	const taskCount = 10
	wg.Add(taskCount)

	for i := 0; i < taskCount; i++ {
		pool.PostInternal(func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt32(&counter, 1)
		}, core.DefaultTaskTraits())
	}
	wg.Wait()

	if val := atomic.LoadInt32(&counter); val != taskCount {
		t.Errorf("expected %d executed tasks, got %d", taskCount, val)
	}
}

// Given a single worker blocked on a task
// When tasks of different priorities queue up behind it
// Then the higher priority task runs first once the worker is free
func TestGoroutineThreadPool_RunsHigherPriorityFirst(t *testing.T) {
	pool := NewGoroutineThreadPool("priority-pool", 1)
	pool.Start(context.Background())
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	pool.PostInternal(func(ctx context.Context) {
		close(started)
		<-block
	}, core.DefaultTaskTraits())
	<-started

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(2)
	pool.PostInternal(func(ctx context.Context) {
		defer wg.Done()
		mu.Lock()
		order = append(order, "best_effort")
		mu.Unlock()
	}, core.TraitsBestEffort())
	pool.PostInternal(func(ctx context.Context) {
		defer wg.Done()
		mu.Lock()
		order = append(order, "control")
		mu.Unlock()
	}, core.TraitsControl())

	close(block)
	wg.Wait()

	if len(order) != 2 || order[0] != "control" {
		t.Errorf("expected control task first, got %v", order)
	}
}

func TestGoroutineThreadPool_PanicGoesToHandler(t *testing.T) {
	handler := &recordingPanicHandler{}
	pool := NewGoroutineThreadPoolWithConfig("panic-pool", 1, &core.TaskSchedulerConfig{
		PanicHandler: handler,
		Metrics:      &core.NilMetrics{},
	})
	pool.Start(context.Background())
	defer pool.Stop()

	done := make(chan struct{})
	pool.PostInternal(func(ctx context.Context) { panic("boom") }, core.DefaultTaskTraits())
	pool.PostInternal(func(ctx context.Context) { close(done) }, core.DefaultTaskTraits())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	if handler.count() != 1 {
		t.Fatalf("expected 1 panic, got %d", handler.count())
	}
	if handler.worker[0] != 0 {
		t.Errorf("expected worker 0, got %d", handler.worker[0])
	}
}

func TestGoroutineThreadPool_Metrics(t *testing.T) {
	pool := NewGoroutineThreadPool("metrics-pool", 1)
	pool.Start(context.Background())
	defer pool.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	finished := make(chan struct{})
	pool.PostInternal(func(ctx context.Context) {
		close(started)
		<-block
	}, core.DefaultTaskTraits())
	<-started

	if active := pool.ActiveTaskCount(); active != 1 {
		t.Errorf("expected 1 active task, got %d", active)
	}

	pool.PostInternal(func(ctx context.Context) {}, core.DefaultTaskTraits())
	pool.PostInternal(func(ctx context.Context) { close(finished) }, core.DefaultTaskTraits())

	if queued := pool.QueuedTaskCount(); queued != 2 {
		t.Errorf("expected 2 queued tasks, got %d", queued)
	}

	close(block)
	<-finished

	if queued := pool.QueuedTaskCount(); queued != 0 {
		t.Errorf("expected 0 queued tasks, got %d", queued)
	}
}

func TestGoroutineThreadPool_StopGraceful_WithQueuedTasks(t *testing.T) {
	pool := NewGoroutineThreadPool("graceful-queued-pool", 2)
	pool.Start(context.Background())

	var executed int32
	const taskCount = 5
	for i := 0; i < taskCount; i++ {
		pool.PostInternal(func(ctx context.Context) {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&executed, 1)
		}, core.DefaultTaskTraits())
	}

	if err := pool.StopGraceful(time.Second); err != nil {
		t.Fatalf("StopGraceful failed: %v", err)
	}
	if got := atomic.LoadInt32(&executed); got != taskCount {
		t.Errorf("expected %d executed tasks, got %d", taskCount, got)
	}
	if pool.IsRunning() {
		t.Error("pool should not be running after StopGraceful")
	}
}

func TestGoroutineThreadPool_StopGraceful_Timeout(t *testing.T) {
	pool := NewGoroutineThreadPool("timeout-pool", 1)
	pool.Start(context.Background())

	started := make(chan struct{})
	pool.PostInternal(func(ctx context.Context) {
		close(started)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
	}, core.DefaultTaskTraits())
	<-started
	pool.PostInternal(func(ctx context.Context) {}, core.DefaultTaskTraits())

	start := time.Now()
	err := pool.StopGraceful(50 * time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("expected timeout error, got nil")
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("StopGraceful took too long: %v", elapsed)
	}
}

func TestGoroutineThreadPool_StopWithoutStart(t *testing.T) {
	pool := NewGoroutineThreadPool("never-started", 1)
	pool.Stop()
	pool.Stop()

	if err := pool.StopGraceful(time.Millisecond); err != nil {
		t.Errorf("StopGraceful on stopped pool: %v", err)
	}
}

func TestGlobalThreadPool_MainThreadRunner(t *testing.T) {
	InitGlobalThreadPool(2)
	defer ShutdownGlobalThreadPool()
	InitGlobalThreadPool(8)

	if got := GetGlobalThreadPool().WorkerCount(); got != 2 {
		t.Errorf("second init should be ignored, got %d workers", got)
	}

	runner := CreateMainThreadRunner("main")
	done := make(chan TaskRunner, 1)
	runner.PostTask(func(ctx context.Context) {
		done <- GetCurrentTaskRunner(ctx)
	})

	select {
	case got := <-done:
		if got != TaskRunner(runner) {
			t.Errorf("task ran outside its runner")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	runner.Shutdown()
}

func TestGetGlobalThreadPool_PanicsBeforeInit(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	GetGlobalThreadPool()
}
