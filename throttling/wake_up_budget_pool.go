package throttling

import (
	"time"

	"github.com/Swind/go-load-scheduler/core"
)

const DefaultWakeUpInterval = time.Second

// WakeUpBudgetPool limits how often its queues may wake up, regardless of
// how much CPU they use once awake. Queues run for WakeUpDuration after
// each wake-up; wake-ups are aligned to WakeUpInterval ticks.
type WakeUpBudgetPool struct {
	budgetPoolBase

	wakeUpInterval                  time.Duration
	wakeUpDuration                  time.Duration
	wakeUpAlignmentIfNoRecentWakeUp time.Duration
	lastWakeUp                      time.Time
	hasWokenUp                      bool
}

var _ BudgetPool = (*WakeUpBudgetPool)(nil)

func NewWakeUpBudgetPool(name string, controller BudgetPoolController, now time.Time, opts PoolOptions) *WakeUpBudgetPool {
	p := &WakeUpBudgetPool{
		budgetPoolBase: newBudgetPoolBase(name, controller, opts.Logger, opts.Metrics),
		wakeUpInterval: DefaultWakeUpInterval,
	}
	p.self = p
	return p
}

// SetWakeUpInterval changes the wake-up cadence and re-evaluates every queue.
// A non-positive interval disables alignment.
func (p *WakeUpBudgetPool) SetWakeUpInterval(now time.Time, interval time.Duration) {
	if interval < 0 {
		p.logger.Warn("negative wake-up interval clamped to zero",
			core.F("pool", p.name), core.F("interval", interval))
		interval = 0
	}
	p.wakeUpInterval = interval
	if p.wakeUpAlignmentIfNoRecentWakeUp > interval {
		p.wakeUpAlignmentIfNoRecentWakeUp = interval
	}
	p.updateThrottlingStateForAllQueues(now)
}

func (p *WakeUpBudgetPool) SetWakeUpDuration(duration time.Duration) {
	p.wakeUpDuration = max(duration, 0)
}

// AllowLowerAlignmentIfNoRecentWakeUp lets a queue that has not woken up
// within the last interval wake up on a finer alignment. The alignment can
// not exceed the wake-up interval.
func (p *WakeUpBudgetPool) AllowLowerAlignmentIfNoRecentWakeUp(alignment time.Duration) {
	if alignment > p.wakeUpInterval {
		p.logger.Warn("wake-up alignment larger than interval clamped",
			core.F("pool", p.name), core.F("alignment", alignment), core.F("interval", p.wakeUpInterval))
		alignment = p.wakeUpInterval
	}
	p.wakeUpAlignmentIfNoRecentWakeUp = max(alignment, 0)
}

func (p *WakeUpBudgetPool) RecordTaskRunTime(q Queue, start, end time.Time) {
	p.controller.UpdateQueueSchedulingLifecycleState(end, q)
}

func (p *WakeUpBudgetPool) CanRunTasksAt(moment time.Time, isWakeUp bool) bool {
	if !p.enabled {
		return true
	}
	if !p.hasWokenUp {
		return false
	}
	// A zero-duration wake-up still lets the task that started it run.
	if isWakeUp && p.lastWakeUp.Equal(moment) {
		return true
	}
	return moment.Before(p.lastWakeUp.Add(p.wakeUpDuration))
}

func (p *WakeUpBudgetPool) GetTimeTasksCanRunUntil(now time.Time, isWakeUp bool) time.Time {
	if !p.enabled {
		return MaxTime
	}
	if !p.hasWokenUp || !p.CanRunTasksAt(now, isWakeUp) {
		return time.Time{}
	}
	return p.lastWakeUp.Add(p.wakeUpDuration)
}

func (p *WakeUpBudgetPool) GetNextAllowedRunTime(desired time.Time) time.Time {
	if !p.enabled {
		return desired
	}

	// Still inside the window of the last wake-up.
	if p.hasWokenUp && desired.Before(p.lastWakeUp.Add(p.wakeUpDuration)) {
		return desired
	}

	if p.wakeUpAlignmentIfNoRecentWakeUp > 0 {
		if !p.hasWokenUp {
			return snapToNextTick(desired, p.wakeUpAlignmentIfNoRecentWakeUp)
		}

		// At least one interval after the last wake-up, on the fine alignment...
		nextAligned := snapToNextTick(
			maxTime(desired, p.lastWakeUp.Add(p.wakeUpInterval)),
			p.wakeUpAlignmentIfNoRecentWakeUp)
		// ...or on the regular interval grid, whichever is first.
		nextAtInterval := snapToNextTick(desired, p.wakeUpInterval)
		return minTime(nextAligned, nextAtInterval)
	}

	return snapToNextTick(desired, p.wakeUpInterval)
}

// OnWakeUp records a wake-up at now. Wake-ups inside the window of the
// previous one are coalesced into it.
func (p *WakeUpBudgetPool) OnWakeUp(now time.Time) {
	if p.hasWokenUp && now.Before(p.lastWakeUp.Add(p.wakeUpDuration)) {
		return
	}
	p.lastWakeUp = now
	p.hasWokenUp = true
	p.metrics.RecordWakeUp(p.name)
}

// LastWakeUp returns the last recorded wake-up, if any.
func (p *WakeUpBudgetPool) LastWakeUp() (time.Time, bool) {
	return p.lastWakeUp, p.hasWokenUp
}

func (p *WakeUpBudgetPool) WakeUpInterval() time.Duration { return p.wakeUpInterval }

func (p *WakeUpBudgetPool) WakeUpDuration() time.Duration { return p.wakeUpDuration }

func (p *WakeUpBudgetPool) Snapshot(now time.Time) PoolSnapshot {
	s := PoolSnapshot{
		Name:            p.name,
		Kind:            "wake_up",
		Enabled:         p.enabled,
		Queues:          p.queueNames(),
		WakeUpInterval:  p.wakeUpInterval,
		WakeUpDuration:  p.wakeUpDuration,
		WakeUpAlignment: p.wakeUpAlignmentIfNoRecentWakeUp,
	}
	if p.hasWokenUp {
		ago := now.Sub(p.lastWakeUp)
		s.LastWakeUpAgo = &ago
	}
	return s
}
