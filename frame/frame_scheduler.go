package frame

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/throttling"
)

// FrameSchedulerConfig configures a FrameScheduler.
type FrameSchedulerConfig struct {
	Name        string
	IsMainFrame bool
	// Runner is the frame's main thread. All frame work runs on it.
	Runner core.TaskRunner
	Clock  clock.PassiveClock
	// Throttler is shared by the frames of a page. A private one is created
	// when nil.
	Throttler    *throttling.TaskQueueThrottler
	Logger       core.Logger
	Metrics      core.Metrics
	PanicHandler core.PanicHandler

	// ThrottlingMetrics is only used by a privately created throttler.
	ThrottlingMetrics throttling.Metrics
}

type lifecycleObserverEntry struct {
	typ      ObserverType
	observer LifecycleObserver
	last     SchedulingLifecycleState
}

// FrameScheduler owns a frame's task queues and derives its lifecycle state
// from the page signals it is given.
//
// Throttleable queues join the frame's CPU time and wake-up budget pools and
// are throttled while the page is throttled. Freezing and pausing disable the
// queues whose traits allow it.
type FrameScheduler struct {
	name        string
	isMainFrame bool
	runner      core.TaskRunner
	clock       clock.PassiveClock
	logger      core.Logger

	controller *FrameTaskQueueController
	throttler  *throttling.TaskQueueThrottler
	cpuPool    *throttling.CPUTimeBudgetPool
	wakeUpPool *throttling.WakeUpBudgetPool

	pageVisible               bool
	pageThrottled             bool
	pageFrozen                bool
	paused                    bool
	subresourceLoadingPaused  bool
	optedOutOfAggressiveLimit bool

	frameVoters map[*TaskQueue]*QueueEnabledVoter
	throttled   map[*TaskQueue]bool

	observers      map[int]*lifecycleObserverEntry
	nextObserverID int
	shutdown       bool
}

var (
	_ LifecycleNotifier = (*FrameScheduler)(nil)
	_ Delegate          = (*FrameScheduler)(nil)
	_ TaskQueueObserver = (*FrameScheduler)(nil)
)

func NewFrameScheduler(cfg FrameSchedulerConfig) *FrameScheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Name == "" {
		cfg.Name = "frame"
	}
	logger := core.LoggerOrNop(cfg.Logger)
	fs := &FrameScheduler{
		name:        cfg.Name,
		isMainFrame: cfg.IsMainFrame,
		runner:      cfg.Runner,
		clock:       cfg.Clock,
		logger:      logger,
		throttler:   cfg.Throttler,
		pageVisible: true,
		frameVoters: make(map[*TaskQueue]*QueueEnabledVoter),
		throttled:   make(map[*TaskQueue]bool),
		observers:   make(map[int]*lifecycleObserverEntry),
	}
	if fs.throttler == nil {
		fs.throttler = throttling.NewTaskQueueThrottler(cfg.Runner, cfg.Clock, throttling.TaskQueueThrottlerConfig{
			Logger:  logger,
			Metrics: cfg.ThrottlingMetrics,
		})
	}
	fs.cpuPool = fs.throttler.CreateCPUTimeBudgetPool(cfg.Name + "/cpu")
	fs.wakeUpPool = fs.throttler.CreateWakeUpBudgetPool(cfg.Name + "/wake_up")

	fs.controller = NewFrameTaskQueueController(cfg.Name, TaskQueueEnv{
		Runner:       cfg.Runner,
		Clock:        cfg.Clock,
		Metrics:      cfg.Metrics,
		PanicHandler: cfg.PanicHandler,
		Observer:     fs,
	}, fs)
	return fs
}

func (fs *FrameScheduler) Name() string                                     { return fs.name }
func (fs *FrameScheduler) IsMainFrame() bool                                { return fs.isMainFrame }
func (fs *FrameScheduler) Controller() *FrameTaskQueueController            { return fs.controller }
func (fs *FrameScheduler) Throttler() *throttling.TaskQueueThrottler        { return fs.throttler }
func (fs *FrameScheduler) CPUTimeBudgetPool() *throttling.CPUTimeBudgetPool { return fs.cpuPool }
func (fs *FrameScheduler) WakeUpBudgetPool() *throttling.WakeUpBudgetPool   { return fs.wakeUpPool }

// GetTaskQueue returns the frame queue for traits.
func (fs *FrameScheduler) GetTaskQueue(traits QueueTraits) *TaskQueue {
	return fs.controller.GetTaskQueue(traits)
}

func (fs *FrameScheduler) NewResourceLoadingTaskQueue() *TaskQueue {
	return fs.controller.NewResourceLoadingTaskQueue()
}

// RemoveResourceLoadingTaskQueue shuts down a resource loading queue.
func (fs *FrameScheduler) RemoveResourceLoadingTaskQueue(q *TaskQueue) bool {
	if !fs.controller.RemoveResourceLoadingTaskQueue(q) {
		return false
	}
	delete(fs.frameVoters, q)
	fs.throttler.ShutdownTaskQueue(q)
	q.ShutdownTaskQueue()
	return true
}

// =============================================================================
// Page signals
// =============================================================================

func (fs *FrameScheduler) SetPageVisible(visible bool) {
	if fs.pageVisible == visible {
		return
	}
	fs.pageVisible = visible
	fs.onPageStateChanged()
}

func (fs *FrameScheduler) SetPageThrottled(throttled bool) {
	if fs.pageThrottled == throttled {
		return
	}
	fs.pageThrottled = throttled
	fs.onPageStateChanged()
}

func (fs *FrameScheduler) SetPageFrozen(frozen bool) {
	if fs.pageFrozen == frozen {
		return
	}
	fs.pageFrozen = frozen
	fs.onPageStateChanged()
}

// SetPaused pauses queues whose traits allow it, e.g. while a modal dialog
// is open.
func (fs *FrameScheduler) SetPaused(paused bool) {
	if fs.paused == paused {
		return
	}
	fs.paused = paused
	fs.updateQueuePolicies()
}

// SetSubresourceLoadingPaused stops loaders without freezing the frame.
func (fs *FrameScheduler) SetSubresourceLoadingPaused(paused bool) {
	if fs.subresourceLoadingPaused == paused {
		return
	}
	fs.subresourceLoadingPaused = paused
	fs.notifyLifecycleObservers()
}

// SetOptedOutFromAggressiveThrottling keeps loaders unthrottled while the
// page is in the background, e.g. while it plays audio.
func (fs *FrameScheduler) SetOptedOutFromAggressiveThrottling(optedOut bool) {
	if fs.optedOutOfAggressiveLimit == optedOut {
		return
	}
	fs.optedOutOfAggressiveLimit = optedOut
	fs.notifyLifecycleObservers()
}

func (fs *FrameScheduler) onPageStateChanged() {
	fs.updateQueuePolicies()
	fs.notifyLifecycleObservers()
}

// CalculateLifecycleState derives the state reported to observers of type t.
func (fs *FrameScheduler) CalculateLifecycleState(t ObserverType) SchedulingLifecycleState {
	switch {
	case fs.pageFrozen:
		return Stopped
	case t == ObserverTypeLoader && fs.subresourceLoadingPaused:
		return Stopped
	case t == ObserverTypeLoader && fs.optedOutOfAggressiveLimit:
		return NotThrottled
	case fs.pageThrottled:
		return Throttled
	case !fs.pageVisible:
		return Hidden
	default:
		return NotThrottled
	}
}

// =============================================================================
// Lifecycle observers
// =============================================================================

func (fs *FrameScheduler) AddLifecycleObserver(t ObserverType, o LifecycleObserver) *LifecycleObserverHandle {
	id := fs.nextObserverID
	fs.nextObserverID++
	state := fs.CalculateLifecycleState(t)
	fs.observers[id] = &lifecycleObserverEntry{typ: t, observer: o, last: state}
	o.OnLifecycleStateChanged(state)
	return NewLifecycleObserverHandle(func() { delete(fs.observers, id) })
}

func (fs *FrameScheduler) notifyLifecycleObservers() {
	for id := 0; id < fs.nextObserverID; id++ {
		entry, ok := fs.observers[id]
		if !ok {
			continue
		}
		state := fs.CalculateLifecycleState(entry.typ)
		if state == entry.last {
			continue
		}
		entry.last = state
		fs.logger.Debug("frame lifecycle state changed",
			core.F("frame", fs.name), core.F("state", state.String()))
		entry.observer.OnLifecycleStateChanged(state)
	}
}

// =============================================================================
// Queue policies
// =============================================================================

// OnTaskQueueCreated wires a new queue into the frame's policies.
func (fs *FrameScheduler) OnTaskQueueCreated(q *TaskQueue, voter *QueueEnabledVoter) {
	fs.frameVoters[q] = voter
	if q.Traits().CanBeThrottled && q.Type() != QueueTypeWebScheduling {
		now := fs.clock.Now()
		fs.cpuPool.AddQueue(now, q)
		fs.wakeUpPool.AddQueue(now, q)
	}
	fs.updateQueuePolicy(q)
}

func (fs *FrameScheduler) updateQueuePolicies() {
	for _, entry := range fs.controller.GetAllTaskQueuesAndVoters() {
		fs.updateQueuePolicy(entry.Queue)
	}
}

func (fs *FrameScheduler) updateQueuePolicy(q *TaskQueue) {
	traits := q.Traits()
	if voter := fs.frameVoters[q]; voter != nil {
		disabled := (fs.pageFrozen && traits.CanBeFrozen) || (fs.paused && traits.CanBePaused)
		voter.SetVoteToEnable(!disabled)
	}

	shouldThrottle := fs.pageThrottled && traits.CanBeThrottled && !traits.CanRunInBackground
	switch {
	case shouldThrottle && !fs.throttled[q]:
		fs.throttled[q] = true
		fs.throttler.IncreaseThrottleRefCount(q)
	case !shouldThrottle && fs.throttled[q]:
		delete(fs.throttled, q)
		fs.throttler.DecreaseThrottleRefCount(q)
	}
}

// OnTaskCompleted charges throttled queues for the time their task took.
func (fs *FrameScheduler) OnTaskCompleted(q *TaskQueue, start, end time.Time) {
	fs.throttler.OnTaskRunTimeReported(q, start, end)
}

func (fs *FrameScheduler) OnQueueHasPendingTasks(q *TaskQueue) {
	fs.throttler.OnQueueHasPendingTasks(q)
}

// Shutdown detaches every queue from throttling and drops their tasks.
func (fs *FrameScheduler) Shutdown() {
	if fs.shutdown {
		return
	}
	fs.shutdown = true
	for _, entry := range fs.controller.GetAllTaskQueuesAndVoters() {
		fs.throttler.ShutdownTaskQueue(entry.Queue)
		entry.Queue.ShutdownTaskQueue()
	}
	fs.cpuPool.Close()
	fs.wakeUpPool.Close()
	clear(fs.observers)
}
