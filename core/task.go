package core

import (
	"context"
	"time"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: Define task attributes (priority, owning queue, etc.)
// =============================================================================

// TaskPriority mirrors the main-thread queue priorities a frame can hand out.
// Higher values run first when several sequences compete for a worker.
type TaskPriority int

const (
	TaskPriorityBestEffort TaskPriority = iota
	TaskPriorityLow
	TaskPriorityNormal
	TaskPriorityHigh
	TaskPriorityHighest

	// TaskPriorityControl is reserved for scheduler bookkeeping such as
	// throttled-queue pumps. It outranks every frame task.
	TaskPriorityControl
)

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityBestEffort:
		return "best_effort"
	case TaskPriorityLow:
		return "low"
	case TaskPriorityNormal:
		return "normal"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityHighest:
		return "highest"
	case TaskPriorityControl:
		return "control"
	default:
		return "unknown"
	}
}

type TaskTraits struct {
	Priority TaskPriority
	// Category names the frame queue that produced the task, if any.
	Category string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityNormal}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

func TraitsHigh() TaskTraits {
	return TaskTraits{Priority: TaskPriorityHigh}
}

func TraitsControl() TaskTraits {
	return TaskTraits{Priority: TaskPriorityControl}
}

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================
type TaskRunner interface {
	PostTask(task Task)
	PostTaskWithTraits(task Task, traits TaskTraits)
	PostDelayedTask(task Task, delay time.Duration)
	PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits)
}

// ThreadPool is the execution backend a SequencedTaskRunner posts its run
// loop to.
type ThreadPool interface {
	PostInternal(task Task, traits TaskTraits)
	PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits, target TaskRunner)

	Start(ctx context.Context)
	Stop()
	ID() string
	IsRunning() bool

	WorkerCount() int
	QueuedTaskCount() int
	ActiveTaskCount() int
	DelayedTaskCount() int
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}
