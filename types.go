package loadscheduler

import (
	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/frame"
	"github.com/Swind/go-load-scheduler/loader"
)

// Re-export commonly used types so most users only import this package.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskTraits defines task attributes
type TaskTraits = core.TaskTraits

// TaskPriority defines the priority levels for tasks
type TaskPriority = core.TaskPriority

// TaskRunner is the interface for posting tasks
type TaskRunner = core.TaskRunner

// SequencedTaskRunner ensures sequential execution of tasks
type SequencedTaskRunner = core.SequencedTaskRunner

// ThreadPool is re-exported for type compatibility
type ThreadPool = core.ThreadPool

// Priority constants
const (
	TaskPriorityBestEffort = core.TaskPriorityBestEffort
	TaskPriorityLow        = core.TaskPriorityLow
	TaskPriorityNormal     = core.TaskPriorityNormal
	TaskPriorityHigh       = core.TaskPriorityHigh
	TaskPriorityHighest    = core.TaskPriorityHighest
	TaskPriorityControl    = core.TaskPriorityControl
)

var (
	DefaultTaskTraits = core.DefaultTaskTraits
	TraitsBestEffort  = core.TraitsBestEffort
	TraitsHigh        = core.TraitsHigh
	TraitsControl     = core.TraitsControl
)

// Resource loading.
type (
	ClientID             = loader.ClientID
	Client               = loader.Client
	ClientFunc           = loader.ClientFunc
	ThrottleOption       = loader.ThrottleOption
	ReleaseOption        = loader.ReleaseOption
	ResourceLoadPriority = loader.ResourceLoadPriority
	TrafficReportHints   = loader.TrafficReportHints
)

const (
	Throttleable               = loader.Throttleable
	Stoppable                  = loader.Stoppable
	CanNotBeStoppedOrThrottled = loader.CanNotBeStoppedOrThrottled

	ReleaseOnly        = loader.ReleaseOnly
	ReleaseAndSchedule = loader.ReleaseAndSchedule

	PriorityVeryLow  = loader.PriorityVeryLow
	PriorityLow      = loader.PriorityLow
	PriorityMedium   = loader.PriorityMedium
	PriorityHigh     = loader.PriorityHigh
	PriorityVeryHigh = loader.PriorityVeryHigh
)

var (
	NewTrafficReportHints     = loader.NewTrafficReportHints
	InvalidTrafficReportHints = loader.InvalidTrafficReportHints
)

// SchedulingLifecycleState is the frame state the loader throttles on.
type SchedulingLifecycleState = frame.SchedulingLifecycleState

// NewSequencedTaskRunner creates a new SequencedTaskRunner with the given thread pool.
func NewSequencedTaskRunner(pool ThreadPool) *SequencedTaskRunner {
	return core.NewSequencedTaskRunner(pool)
}

// GetCurrentTaskRunner retrieves the current TaskRunner from context
var GetCurrentTaskRunner = core.GetCurrentTaskRunner
