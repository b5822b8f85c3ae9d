// Package throttling gates background task queues with shared budgets.
//
// A BudgetPool decides when the queues associated with it may run. Pools never
// touch queues directly; they ask their BudgetPoolController (normally a
// TaskQueueThrottler) to re-evaluate a queue, and the controller enables or
// disables it.
//
// All types in this package are single-sequence: call them from the frame's
// main-thread runner only.
package throttling

import (
	"slices"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/Swind/go-load-scheduler/core"
)

// MaxTime stands in for "never" when a pool cannot say when it will allow work.
var MaxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Queue is a task queue that can be throttled.
type Queue interface {
	Name() string
	HasPendingTasks() bool
	// SetAllowedToRun records the throttler's vote on the queue.
	SetAllowedToRun(allowed bool)
}

// BudgetPoolController is the mediator budget pools use to push state changes
// to queues they do not own.
type BudgetPoolController interface {
	AddQueueToBudgetPool(q Queue, pool BudgetPool)
	RemoveQueueFromBudgetPool(q Queue, pool BudgetPool)
	UnregisterBudgetPool(pool BudgetPool)
	UpdateQueueSchedulingLifecycleState(now time.Time, q Queue)
	IsThrottled(q Queue) bool
}

// BudgetPool is a shared allowance gating the queues associated with it.
type BudgetPool interface {
	Name() string
	IsThrottlingEnabled() bool
	EnableThrottling(now time.Time)
	DisableThrottling(now time.Time)

	AddQueue(now time.Time, q Queue)
	RemoveQueue(now time.Time, q Queue)
	// UnregisterQueue drops q without re-evaluating it, for queues being shut down.
	UnregisterQueue(q Queue)
	Queues() []Queue

	CanRunTasksAt(moment time.Time, isWakeUp bool) bool
	GetNextAllowedRunTime(desired time.Time) time.Time
	// GetTimeTasksCanRunUntil returns MaxTime when there is no limit and the
	// zero time when tasks cannot run at now.
	GetTimeTasksCanRunUntil(now time.Time, isWakeUp bool) time.Time
	RecordTaskRunTime(q Queue, start, end time.Time)
	OnWakeUp(now time.Time)

	Snapshot(now time.Time) PoolSnapshot
	// Close unregisters the pool from its controller. All queues must have
	// been removed first.
	Close()
}

// PoolSnapshot is a point-in-time view of a pool for status pages and traces.
type PoolSnapshot struct {
	Name    string   `json:"name" yaml:"name"`
	Kind    string   `json:"kind" yaml:"kind"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Queues  []string `json:"queues" yaml:"queues"`

	BudgetLevel         time.Duration  `json:"budget_level,omitempty" yaml:"budget_level,omitempty"`
	RecoveryRate        float64        `json:"recovery_rate,omitempty" yaml:"recovery_rate,omitempty"`
	MaxBudgetLevel      *time.Duration `json:"max_budget_level,omitempty" yaml:"max_budget_level,omitempty"`
	MaxThrottlingDelay  *time.Duration `json:"max_throttling_delay,omitempty" yaml:"max_throttling_delay,omitempty"`
	MinBudgetLevelToRun time.Duration  `json:"min_budget_level_to_run,omitempty" yaml:"min_budget_level_to_run,omitempty"`

	WakeUpInterval  time.Duration  `json:"wake_up_interval,omitempty" yaml:"wake_up_interval,omitempty"`
	WakeUpDuration  time.Duration  `json:"wake_up_duration,omitempty" yaml:"wake_up_duration,omitempty"`
	WakeUpAlignment time.Duration  `json:"wake_up_alignment,omitempty" yaml:"wake_up_alignment,omitempty"`
	LastWakeUpAgo   *time.Duration `json:"last_wake_up_ago,omitempty" yaml:"last_wake_up_ago,omitempty"`
}

// =============================================================================
// Metrics
// =============================================================================

// Metrics receives budget pool and throttler measurements.
type Metrics interface {
	RecordBudgetLevel(pool string, level time.Duration)
	RecordWakeUp(pool string)
	// RecordThrottlingOverage is fed by the CPU pool's reporting callback
	// when a task drives the budget negative.
	RecordThrottlingOverage(pool string, delay time.Duration)
	RecordQueueThrottled(queue string, delay time.Duration)
}

// NilMetrics discards everything.
type NilMetrics struct{}

func (NilMetrics) RecordBudgetLevel(pool string, level time.Duration)       {}
func (NilMetrics) RecordWakeUp(pool string)                                 {}
func (NilMetrics) RecordThrottlingOverage(pool string, delay time.Duration) {}
func (NilMetrics) RecordQueueThrottled(queue string, delay time.Duration)   {}

// =============================================================================
// budgetPoolBase: state and bookkeeping shared by every pool
// =============================================================================

type budgetPoolBase struct {
	name       string
	controller BudgetPoolController
	queues     sets.Set[Queue]
	enabled    bool
	logger     core.Logger
	metrics    Metrics
	self       BudgetPool
}

func newBudgetPoolBase(name string, controller BudgetPoolController, logger core.Logger, metrics Metrics) budgetPoolBase {
	if metrics == nil {
		metrics = NilMetrics{}
	}
	return budgetPoolBase{
		name:       name,
		controller: controller,
		queues:     sets.New[Queue](),
		enabled:    true,
		logger:     core.LoggerOrNop(logger),
		metrics:    metrics,
	}
}

func (b *budgetPoolBase) Name() string { return b.name }

func (b *budgetPoolBase) IsThrottlingEnabled() bool { return b.enabled }

func (b *budgetPoolBase) AddQueue(now time.Time, q Queue) {
	b.controller.AddQueueToBudgetPool(q, b.self)
	b.queues.Insert(q)
	if !b.enabled {
		return
	}
	b.controller.UpdateQueueSchedulingLifecycleState(now, q)
}

func (b *budgetPoolBase) RemoveQueue(now time.Time, q Queue) {
	b.dissociateQueue(q)
	if !b.enabled {
		return
	}
	b.controller.UpdateQueueSchedulingLifecycleState(now, q)
}

func (b *budgetPoolBase) UnregisterQueue(q Queue) {
	b.dissociateQueue(q)
}

func (b *budgetPoolBase) dissociateQueue(q Queue) {
	b.controller.RemoveQueueFromBudgetPool(q, b.self)
	b.queues.Delete(q)
}

func (b *budgetPoolBase) EnableThrottling(now time.Time) {
	if b.enabled {
		return
	}
	b.enabled = true
	b.updateThrottlingStateForAllQueues(now)
}

func (b *budgetPoolBase) DisableThrottling(now time.Time) {
	if !b.enabled {
		return
	}
	b.enabled = false
	for _, q := range b.Queues() {
		if !b.controller.IsThrottled(q) {
			continue
		}
		b.controller.UpdateQueueSchedulingLifecycleState(now, q)
	}
}

// Queues returns the associated queues ordered by name.
func (b *budgetPoolBase) Queues() []Queue {
	return sortedQueues(b.queues)
}

func (b *budgetPoolBase) Close() {
	if b.queues.Len() > 0 {
		b.logger.Warn("closing budget pool with associated queues",
			core.F("pool", b.name), core.F("queues", b.queues.Len()))
	}
	b.controller.UnregisterBudgetPool(b.self)
}

func (b *budgetPoolBase) updateThrottlingStateForAllQueues(now time.Time) {
	for _, q := range b.Queues() {
		b.controller.UpdateQueueSchedulingLifecycleState(now, q)
	}
}

func (b *budgetPoolBase) queueNames() []string {
	names := make([]string, 0, b.queues.Len())
	for _, q := range b.Queues() {
		names = append(names, q.Name())
	}
	return names
}

func sortedQueues(s sets.Set[Queue]) []Queue {
	qs := s.UnsortedList()
	slices.SortFunc(qs, func(a, b Queue) int { return strings.Compare(a.Name(), b.Name()) })
	return qs
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
