package throttling

import (
	"time"

	"github.com/Swind/go-load-scheduler/core"
)

// CPUTimeBudgetPool is a token bucket of CPU time. Running tasks drain it,
// wall-clock time refills it at the recovery rate, and queues may only run
// while the level is non-negative.
type CPUTimeBudgetPool struct {
	budgetPoolBase

	maxBudgetLevel      *time.Duration
	maxThrottlingDelay  *time.Duration
	minBudgetLevelToRun time.Duration

	currentBudgetLevel time.Duration
	lastCheckpoint     time.Time
	cpuPercentage      float64

	reportingCallback func(overage time.Duration)
}

var _ BudgetPool = (*CPUTimeBudgetPool)(nil)

// PoolOptions carries the ambient collaborators of a budget pool.
type PoolOptions struct {
	Logger  core.Logger
	Metrics Metrics
}

func NewCPUTimeBudgetPool(name string, controller BudgetPoolController, now time.Time, opts PoolOptions) *CPUTimeBudgetPool {
	p := &CPUTimeBudgetPool{
		budgetPoolBase: newBudgetPoolBase(name, controller, opts.Logger, opts.Metrics),
		lastCheckpoint: now,
		cpuPercentage:  1,
	}
	p.self = p
	return p
}

// SetMaxBudgetLevel caps how much budget can be accumulated. nil removes the cap.
func (p *CPUTimeBudgetPool) SetMaxBudgetLevel(now time.Time, level *time.Duration) {
	p.Advance(now)
	p.maxBudgetLevel = cloneDuration(level)
	p.enforceBudgetLevelRestrictions()
}

// SetMaxThrottlingDelay bounds how long a queue can be blocked by bounding
// the debt to delay*recovery rate. nil removes the bound.
func (p *CPUTimeBudgetPool) SetMaxThrottlingDelay(now time.Time, delay *time.Duration) {
	p.Advance(now)
	p.maxThrottlingDelay = cloneDuration(delay)
	p.enforceBudgetLevelRestrictions()
}

func (p *CPUTimeBudgetPool) SetMinBudgetLevelToRun(now time.Time, level time.Duration) {
	p.Advance(now)
	p.minBudgetLevelToRun = level
}

// SetTimeBudgetRecoveryRate sets the fraction of one core the pool regains
// per second of wall time. Negative rates are treated as zero.
func (p *CPUTimeBudgetPool) SetTimeBudgetRecoveryRate(now time.Time, cpuPercentage float64) {
	p.Advance(now)
	if cpuPercentage < 0 {
		p.logger.Warn("negative cpu budget recovery rate clamped to zero",
			core.F("pool", p.name), core.F("rate", cpuPercentage))
		cpuPercentage = 0
	}
	p.cpuPercentage = cpuPercentage
	p.enforceBudgetLevelRestrictions()
}

func (p *CPUTimeBudgetPool) GrantAdditionalBudget(now time.Time, amount time.Duration) {
	p.Advance(now)
	p.currentBudgetLevel += amount
	p.enforceBudgetLevelRestrictions()
}

// SetReportingCallback installs a callback that fires with the resulting
// throttling delay whenever a task takes the budget from positive to negative.
func (p *CPUTimeBudgetPool) SetReportingCallback(cb func(overage time.Duration)) {
	p.reportingCallback = cb
}

func (p *CPUTimeBudgetPool) CanRunTasksAt(moment time.Time, isWakeUp bool) bool {
	return !moment.Before(p.GetNextAllowedRunTime(moment))
}

func (p *CPUTimeBudgetPool) GetTimeTasksCanRunUntil(now time.Time, isWakeUp bool) time.Time {
	if p.CanRunTasksAt(now, isWakeUp) {
		return MaxTime
	}
	return time.Time{}
}

func (p *CPUTimeBudgetPool) GetNextAllowedRunTime(desired time.Time) time.Time {
	if !p.enabled || p.currentBudgetLevel >= 0 {
		return p.lastCheckpoint
	}
	if p.cpuPercentage <= 0 {
		return MaxTime
	}
	debt := float64(-p.currentBudgetLevel+p.minBudgetLevelToRun) / p.cpuPercentage
	if debt >= float64(MaxTime.Sub(p.lastCheckpoint)) {
		return MaxTime
	}
	return p.lastCheckpoint.Add(time.Duration(debt))
}

func (p *CPUTimeBudgetPool) RecordTaskRunTime(q Queue, start, end time.Time) {
	if end.Before(start) {
		p.logger.Warn("task run time ends before it starts",
			core.F("pool", p.name), core.F("start", start), core.F("end", end))
		end = start
	}
	p.Advance(end)
	if p.enabled {
		oldLevel := p.currentBudgetLevel
		p.currentBudgetLevel -= end.Sub(start)
		p.enforceBudgetLevelRestrictions()

		if oldLevel > 0 && p.currentBudgetLevel < 0 && p.cpuPercentage > 0 {
			overage := scaleDuration(-p.currentBudgetLevel, 1/p.cpuPercentage)
			p.metrics.RecordThrottlingOverage(p.name, overage)
			if p.reportingCallback != nil {
				p.reportingCallback(overage)
			}
		}
	}
	p.metrics.RecordBudgetLevel(p.name, p.currentBudgetLevel)

	if p.currentBudgetLevel < 0 {
		p.updateThrottlingStateForAllQueues(end)
	}
}

func (p *CPUTimeBudgetPool) OnWakeUp(now time.Time) {}

// Advance accrues recovery up to now. Time only moves forward; earlier
// moments are ignored.
func (p *CPUTimeBudgetPool) Advance(now time.Time) {
	if !now.After(p.lastCheckpoint) {
		return
	}
	if p.enabled {
		p.currentBudgetLevel += scaleDuration(now.Sub(p.lastCheckpoint), p.cpuPercentage)
		p.enforceBudgetLevelRestrictions()
	}
	p.lastCheckpoint = now
}

func (p *CPUTimeBudgetPool) CurrentBudgetLevel() time.Duration { return p.currentBudgetLevel }

func (p *CPUTimeBudgetPool) LastCheckpoint() time.Time { return p.lastCheckpoint }

func (p *CPUTimeBudgetPool) enforceBudgetLevelRestrictions() {
	if p.maxBudgetLevel != nil {
		p.currentBudgetLevel = min(p.currentBudgetLevel, *p.maxBudgetLevel)
	}
	if p.maxThrottlingDelay != nil {
		// The level may be negative.
		p.currentBudgetLevel = max(p.currentBudgetLevel, -scaleDuration(*p.maxThrottlingDelay, p.cpuPercentage))
	}
}

func (p *CPUTimeBudgetPool) Snapshot(now time.Time) PoolSnapshot {
	return PoolSnapshot{
		Name:                p.name,
		Kind:                "cpu_time",
		Enabled:             p.enabled,
		Queues:              p.queueNames(),
		BudgetLevel:         p.currentBudgetLevel,
		RecoveryRate:        p.cpuPercentage,
		MaxBudgetLevel:      cloneDuration(p.maxBudgetLevel),
		MaxThrottlingDelay:  cloneDuration(p.maxThrottlingDelay),
		MinBudgetLevelToRun: p.minBudgetLevelToRun,
	}
}

func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
