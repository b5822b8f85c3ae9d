package loadscheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/Swind/go-load-scheduler/config"
	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/frame"
	"github.com/Swind/go-load-scheduler/loader"
	"github.com/Swind/go-load-scheduler/throttling"
)

// snapshotTimeout bounds how long a poller waits for a busy main thread.
const snapshotTimeout = 2 * time.Second

// ErrMainThreadClosed is returned by Do once the main-thread runner drops
// posted tasks.
var ErrMainThreadClosed = errors.New("loadscheduler: main thread runner is closed")

// Metrics is everything a Frame reports. The Prometheus exporter in
// observability/prometheus implements it.
type Metrics interface {
	core.Metrics
	loader.Metrics
	throttling.Metrics
}

// FrameOptions configures a Frame. Only Name is commonly set; everything else
// has a usable default.
type FrameOptions struct {
	Name string
	// Config defaults to config.Default().
	Config *config.Config
	Policy loader.ThrottlingPolicy
	Clock  clock.PassiveClock
	// Throttler is shared by the frames of a page. A private one is created
	// when nil.
	Throttler     *throttling.TaskQueueThrottler
	Logger        core.Logger
	Metrics       Metrics
	PanicHandler  core.PanicHandler
	ConsoleLogger loader.ConsoleLogger
}

// Frame wires a FrameScheduler and a ResourceLoadScheduler to one main-thread
// runner. The loader observes the frame's lifecycle, and the frame's budget
// pools are configured from the throttling section of the config.
//
// Everything reachable from Scheduler and Loader must be used on the main
// thread. Do hops there from other goroutines.
type Frame struct {
	name      string
	runner    core.TaskRunner
	clock     clock.PassiveClock
	scheduler *frame.FrameScheduler
	loader    *loader.ResourceLoadScheduler
	loading   *frame.TaskQueue

	snapshotTimeout time.Duration
}

func NewFrame(runner core.TaskRunner, opts FrameOptions) (*Frame, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("frame config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Name == "" {
		opts.Name = "main"
	}
	logger := core.LoggerOrNop(opts.Logger)

	fsCfg := frame.FrameSchedulerConfig{
		Name:         opts.Name,
		IsMainFrame:  cfg.Loader.IsMainFrame,
		Runner:       runner,
		Clock:        opts.Clock,
		Throttler:    opts.Throttler,
		Logger:       logger,
		PanicHandler: opts.PanicHandler,
	}
	loaderCfg, err := cfg.Loader.ToLoaderConfig()
	if err != nil {
		return nil, fmt.Errorf("frame config: %w", err)
	}
	loaderCfg.Clock = opts.Clock
	loaderCfg.Logger = logger
	loaderCfg.ConsoleLogger = opts.ConsoleLogger
	if opts.Metrics != nil {
		fsCfg.Metrics = opts.Metrics
		fsCfg.ThrottlingMetrics = opts.Metrics
		loaderCfg.Metrics = opts.Metrics
	}

	fs := frame.NewFrameScheduler(fsCfg)
	now := opts.Clock.Now()
	cfg.Throttling.CPU.ApplyToCPUPool(now, fs.CPUTimeBudgetPool())
	cfg.Throttling.WakeUp.ApplyToWakeUpPool(now, fs.WakeUpBudgetPool())

	f := &Frame{
		name:      opts.Name,
		runner:    runner,
		clock:     opts.Clock,
		scheduler: fs,
		loader:    loader.NewResourceLoadScheduler(opts.Policy, fs, loaderCfg),
		loading:   fs.NewResourceLoadingTaskQueue(),

		snapshotTimeout: snapshotTimeout,
	}
	logger.Debug("frame created",
		core.F("frame", f.name),
		core.F("main_frame", cfg.Loader.IsMainFrame),
		core.F("policy", opts.Policy.String()))
	return f, nil
}

func (f *Frame) Name() string                          { return f.name }
func (f *Frame) Runner() core.TaskRunner               { return f.runner }
func (f *Frame) Scheduler() *frame.FrameScheduler      { return f.scheduler }
func (f *Frame) Loader() *loader.ResourceLoadScheduler { return f.loader }

// LoadingTaskQueue is the frame's resource loading queue. Load responses are
// delivered on it.
func (f *Frame) LoadingTaskQueue() *frame.TaskQueue { return f.loading }

// Do runs fn on the main thread and waits for it. Called from a task already
// on the main thread, fn runs inline. If ctx ends first Do returns its error
// and fn may still run later. Once the runner is closed Do returns
// ErrMainThreadClosed without running fn.
func (f *Frame) Do(ctx context.Context, fn func()) error {
	if core.GetCurrentTaskRunner(ctx) == f.runner {
		fn()
		return nil
	}
	if c, ok := f.runner.(interface{ IsClosed() bool }); ok && c.IsClosed() {
		return ErrMainThreadClosed
	}
	done := make(chan struct{})
	f.runner.PostTaskWithTraits(func(ctx context.Context) {
		defer close(done)
		fn()
	}, core.TraitsHigh())
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the loader and the frame scheduler. It must run on the main
// thread.
func (f *Frame) Shutdown() {
	f.loader.Shutdown()
	f.scheduler.Shutdown()
}

// Close shuts the frame down from any goroutine.
func (f *Frame) Close(ctx context.Context) error {
	return f.Do(ctx, f.Shutdown)
}

// LoaderSnapshot reads the loader state on the main thread. An empty snapshot
// is returned when the main thread has stopped.
func (f *Frame) LoaderSnapshot() loader.SchedulerSnapshot {
	return readOnMainThread(f, f.loader.Snapshot)
}

// ThrottlerSnapshot reads the throttler state on the main thread.
func (f *Frame) ThrottlerSnapshot() throttling.ThrottlerSnapshot {
	return readOnMainThread(f, func() throttling.ThrottlerSnapshot {
		return f.scheduler.Throttler().Snapshot()
	})
}

// readOnMainThread returns the zero value when the main thread does not run
// read within the snapshot timeout. A late read lands in the buffered channel
// and is dropped.
func readOnMainThread[T any](f *Frame, read func() T) T {
	ctx, cancel := context.WithTimeout(context.Background(), f.snapshotTimeout)
	defer cancel()
	ch := make(chan T, 1)
	if err := f.Do(ctx, func() { ch <- read() }); err != nil {
		var zero T
		return zero
	}
	return <-ch
}
