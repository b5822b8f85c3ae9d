package throttling

import (
	"context"
	"slices"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/Swind/go-load-scheduler/core"
)

// TaskQueueThrottlerConfig holds the collaborators of a TaskQueueThrottler.
type TaskQueueThrottlerConfig struct {
	Logger  core.Logger
	Metrics Metrics
}

type queueMetadata struct {
	throttleRefCount int
	pools            sets.Set[BudgetPool]
	// nextGrantedRunTime is zero when no pump is pending for the queue.
	nextGrantedRunTime time.Time
}

// TaskQueueThrottler controls when tasks on throttled queues get to run.
//
// Throttled queues are disabled while their budget pools refuse them, and a
// single pump task is posted to the main-thread runner for the earliest time
// any of them becomes runnable again. Several subsystems may throttle the
// same queue, so throttling is reference counted.
type TaskQueueThrottler struct {
	runner  core.TaskRunner
	clock   clock.PassiveClock
	logger  core.Logger
	metrics Metrics

	queues          map[Queue]*queueMetadata
	pools           sets.Set[BudgetPool]
	allowThrottling bool

	pumpAt         time.Time
	pumpGeneration uint64
	lastPumpAt     time.Time
}

var _ BudgetPoolController = (*TaskQueueThrottler)(nil)

func NewTaskQueueThrottler(runner core.TaskRunner, clk clock.PassiveClock, cfg TaskQueueThrottlerConfig) *TaskQueueThrottler {
	t := &TaskQueueThrottler{
		runner:          runner,
		clock:           clk,
		logger:          core.LoggerOrNop(cfg.Logger),
		metrics:         cfg.Metrics,
		queues:          make(map[Queue]*queueMetadata),
		pools:           sets.New[BudgetPool](),
		allowThrottling: true,
	}
	if t.metrics == nil {
		t.metrics = NilMetrics{}
	}
	return t
}

// =============================================================================
// Pool factories
// =============================================================================

func (t *TaskQueueThrottler) CreateCPUTimeBudgetPool(name string) *CPUTimeBudgetPool {
	p := NewCPUTimeBudgetPool(name, t, t.clock.Now(), PoolOptions{Logger: t.logger, Metrics: t.metrics})
	t.pools.Insert(p)
	return p
}

func (t *TaskQueueThrottler) CreateWakeUpBudgetPool(name string) *WakeUpBudgetPool {
	p := NewWakeUpBudgetPool(name, t, t.clock.Now(), PoolOptions{Logger: t.logger, Metrics: t.metrics})
	t.pools.Insert(p)
	return p
}

// =============================================================================
// BudgetPoolController
// =============================================================================

func (t *TaskQueueThrottler) AddQueueToBudgetPool(q Queue, pool BudgetPool) {
	t.findOrCreateMetadata(q).pools.Insert(pool)
}

func (t *TaskQueueThrottler) RemoveQueueFromBudgetPool(q Queue, pool BudgetPool) {
	md, ok := t.queues[q]
	if !ok {
		return
	}
	md.pools.Delete(pool)
	t.maybeDeleteMetadata(q)
}

func (t *TaskQueueThrottler) UnregisterBudgetPool(pool BudgetPool) {
	t.pools.Delete(pool)
}

func (t *TaskQueueThrottler) UpdateQueueSchedulingLifecycleState(now time.Time, q Queue) {
	t.updateQueue(now, q, false)
}

func (t *TaskQueueThrottler) IsThrottled(q Queue) bool {
	if !t.allowThrottling {
		return false
	}
	md, ok := t.queues[q]
	return ok && md.throttleRefCount > 0
}

// =============================================================================
// Throttle references
// =============================================================================

// IncreaseThrottleRefCount throttles q if it was not throttled already.
func (t *TaskQueueThrottler) IncreaseThrottleRefCount(q Queue) {
	md := t.findOrCreateMetadata(q)
	md.throttleRefCount++
	if md.throttleRefCount > 1 || !t.allowThrottling {
		return
	}
	t.logger.Debug("queue throttled", core.F("queue", q.Name()))
	t.updateQueue(t.clock.Now(), q, false)
}

// DecreaseThrottleRefCount unthrottles q once the last reference is dropped.
// Dropping a reference that was never taken does nothing.
func (t *TaskQueueThrottler) DecreaseThrottleRefCount(q Queue) {
	md, ok := t.queues[q]
	if !ok || md.throttleRefCount == 0 {
		return
	}
	md.throttleRefCount--
	if md.throttleRefCount > 0 {
		return
	}
	t.logger.Debug("queue unthrottled", core.F("queue", q.Name()))
	md.nextGrantedRunTime = time.Time{}
	q.SetAllowedToRun(true)
	t.maybeDeleteMetadata(q)
}

// ShutdownTaskQueue forgets q and detaches it from its budget pools.
func (t *TaskQueueThrottler) ShutdownTaskQueue(q Queue) {
	md, ok := t.queues[q]
	if !ok {
		return
	}
	// Pools call back into RemoveQueueFromBudgetPool, which mutates md.pools.
	for _, pool := range sortedPools(md.pools) {
		pool.UnregisterQueue(q)
	}
	delete(t.queues, q)
}

// DisableThrottling lets every queue run regardless of its budget pools, for
// events such as audio playback that must not be throttled.
func (t *TaskQueueThrottler) DisableThrottling() {
	if !t.allowThrottling {
		return
	}
	t.allowThrottling = false
	for _, q := range t.sortedQueues() {
		t.queues[q].nextGrantedRunTime = time.Time{}
		q.SetAllowedToRun(true)
	}
	t.logger.Info("throttling disabled")
}

func (t *TaskQueueThrottler) EnableThrottling() {
	if t.allowThrottling {
		return
	}
	t.allowThrottling = true
	now := t.clock.Now()
	for _, q := range t.sortedQueues() {
		t.updateQueue(now, q, false)
	}
	t.logger.Info("throttling enabled")
}

// =============================================================================
// Task accounting
// =============================================================================

// OnTaskRunTimeReported charges a finished task to the budget pools of its
// queue and re-evaluates the queue.
func (t *TaskQueueThrottler) OnTaskRunTimeReported(q Queue, start, end time.Time) {
	if !t.IsThrottled(q) {
		return
	}
	md := t.queues[q]
	for _, pool := range sortedPools(md.pools) {
		pool.RecordTaskRunTime(q, start, end)
	}
	t.updateQueue(end, q, false)
}

// OnQueueHasPendingTasks is called when work is posted to a queue that is not
// currently allowed to run, so a pump can be scheduled for it.
func (t *TaskQueueThrottler) OnQueueHasPendingTasks(q Queue) {
	if !t.IsThrottled(q) {
		return
	}
	t.updateQueue(t.clock.Now(), q, false)
}

// updateQueue recomputes whether q may run at now and schedules a pump for
// the time it next may.
func (t *TaskQueueThrottler) updateQueue(now time.Time, q Queue, isWakeUp bool) {
	md, ok := t.queues[q]
	if !ok || !t.IsThrottled(q) {
		q.SetAllowedToRun(true)
		return
	}

	if t.canRunTasksAt(md, now, isWakeUp) {
		md.nextGrantedRunTime = time.Time{}
		q.SetAllowedToRun(true)
		return
	}

	q.SetAllowedToRun(false)
	if !q.HasPendingTasks() {
		md.nextGrantedRunTime = time.Time{}
		return
	}

	next := t.nextAllowedRunTime(md, now)
	if !next.After(now) && t.lastPumpAt.Equal(now) {
		// The wake-up at now has been used up.
		next = t.nextAllowedRunTime(md, now.Add(time.Nanosecond))
	}
	if next.Equal(MaxTime) {
		t.logger.Warn("throttled queue has no next run time", core.F("queue", q.Name()))
		md.nextGrantedRunTime = time.Time{}
		return
	}
	if !md.nextGrantedRunTime.Equal(next) {
		t.metrics.RecordQueueThrottled(q.Name(), next.Sub(now))
	}
	md.nextGrantedRunTime = next
	t.maybeSchedulePump(now, next)
}

func (t *TaskQueueThrottler) canRunTasksAt(md *queueMetadata, now time.Time, isWakeUp bool) bool {
	for _, pool := range sortedPools(md.pools) {
		if !pool.CanRunTasksAt(now, isWakeUp) {
			return false
		}
	}
	return true
}

func (t *TaskQueueThrottler) nextAllowedRunTime(md *queueMetadata, desired time.Time) time.Time {
	next := desired
	for _, pool := range sortedPools(md.pools) {
		next = maxTime(next, pool.GetNextAllowedRunTime(desired))
	}
	return next
}

// =============================================================================
// Pump
// =============================================================================

// maybeSchedulePump posts a pump for runAt unless one is already due no later.
func (t *TaskQueueThrottler) maybeSchedulePump(now, runAt time.Time) {
	if !t.pumpAt.IsZero() && !t.pumpAt.After(runAt) {
		return
	}
	t.pumpAt = runAt
	t.pumpGeneration++
	generation := t.pumpGeneration
	t.runner.PostDelayedTaskWithTraits(func(ctx context.Context) {
		if generation != t.pumpGeneration {
			return
		}
		t.pumpThrottledTasks()
	}, max(runAt.Sub(now), 0), core.TraitsControl())
}

func (t *TaskQueueThrottler) pumpThrottledTasks() {
	t.pumpAt = time.Time{}
	now := t.clock.Now()
	t.lastPumpAt = now

	for _, q := range t.sortedQueues() {
		md := t.queues[q]
		if md == nil || !t.IsThrottled(q) || !q.HasPendingTasks() {
			continue
		}
		if md.nextGrantedRunTime.IsZero() || md.nextGrantedRunTime.After(now) {
			t.updateQueue(now, q, false)
			continue
		}
		for _, pool := range sortedPools(md.pools) {
			pool.OnWakeUp(now)
		}
		t.updateQueue(now, q, true)
	}
}

// =============================================================================
// Introspection
// =============================================================================

// ThrottlerSnapshot describes the throttler for status pages and traces.
type ThrottlerSnapshot struct {
	ThrottlingAllowed bool           `json:"throttling_allowed" yaml:"throttling_allowed"`
	NextPump          *time.Time     `json:"next_pump,omitempty" yaml:"next_pump,omitempty"`
	Queues            []QueueState   `json:"queues" yaml:"queues"`
	Pools             []PoolSnapshot `json:"pools" yaml:"pools"`
}

type QueueState struct {
	Name               string     `json:"name" yaml:"name"`
	ThrottleRefCount   int        `json:"throttle_ref_count" yaml:"throttle_ref_count"`
	NextGrantedRunTime *time.Time `json:"next_granted_run_time,omitempty" yaml:"next_granted_run_time,omitempty"`
}

func (t *TaskQueueThrottler) Snapshot() ThrottlerSnapshot {
	now := t.clock.Now()
	s := ThrottlerSnapshot{ThrottlingAllowed: t.allowThrottling}
	if !t.pumpAt.IsZero() {
		at := t.pumpAt
		s.NextPump = &at
	}
	for _, q := range t.sortedQueues() {
		md := t.queues[q]
		qs := QueueState{Name: q.Name(), ThrottleRefCount: md.throttleRefCount}
		if !md.nextGrantedRunTime.IsZero() {
			at := md.nextGrantedRunTime
			qs.NextGrantedRunTime = &at
		}
		s.Queues = append(s.Queues, qs)
	}
	for _, p := range sortedPools(t.pools) {
		s.Pools = append(s.Pools, p.Snapshot(now))
	}
	return s
}

func (t *TaskQueueThrottler) findOrCreateMetadata(q Queue) *queueMetadata {
	md, ok := t.queues[q]
	if !ok {
		md = &queueMetadata{pools: sets.New[BudgetPool]()}
		t.queues[q] = md
	}
	return md
}

func (t *TaskQueueThrottler) maybeDeleteMetadata(q Queue) {
	md := t.queues[q]
	if md.throttleRefCount > 0 || md.pools.Len() > 0 {
		return
	}
	delete(t.queues, q)
}

func (t *TaskQueueThrottler) sortedQueues() []Queue {
	qs := make([]Queue, 0, len(t.queues))
	for q := range t.queues {
		qs = append(qs, q)
	}
	slices.SortFunc(qs, func(a, b Queue) int { return strings.Compare(a.Name(), b.Name()) })
	return qs
}

func sortedPools(s sets.Set[BudgetPool]) []BudgetPool {
	ps := s.UnsortedList()
	slices.SortFunc(ps, func(a, b BudgetPool) int { return strings.Compare(a.Name(), b.Name()) })
	return ps
}
