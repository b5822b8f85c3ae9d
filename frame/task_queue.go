package frame

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/throttling"
)

// TaskQueueObserver is told about a queue's activity on the main sequence.
type TaskQueueObserver interface {
	OnTaskCompleted(q *TaskQueue, start, end time.Time)
	// OnQueueHasPendingTasks fires when work is posted to a queue that is not
	// allowed to run.
	OnQueueHasPendingTasks(q *TaskQueue)
}

// TaskQueueParams describes a queue to create.
type TaskQueueParams struct {
	Name   string
	Type   QueueType
	Traits QueueTraits
	// Priority overrides the runner priority derived from Type and Traits.
	Priority *core.TaskPriority
}

// TaskQueueEnv is what every queue of a frame shares.
type TaskQueueEnv struct {
	Runner       core.TaskRunner
	Clock        clock.PassiveClock
	Metrics      core.Metrics
	PanicHandler core.PanicHandler
	Observer     TaskQueueObserver
}

// TaskQueue holds a frame's tasks of one kind and feeds them one at a time
// to the frame's main-thread runner while every voter lets it run.
//
// Posting is safe from any goroutine. Voting, draining and observer
// callbacks happen on the main-thread runner.
type TaskQueue struct {
	name     string
	typ      QueueType
	traits   QueueTraits
	priority core.TaskPriority
	env      TaskQueueEnv

	tasks *core.FIFOTaskQueue

	mu             sync.Mutex
	disabledVotes  int
	drainScheduled bool
	shutdown       bool

	throttlerVoter *QueueEnabledVoter
}

var _ throttling.Queue = (*TaskQueue)(nil)

func NewTaskQueue(params TaskQueueParams, env TaskQueueEnv) *TaskQueue {
	if env.Metrics == nil {
		env.Metrics = &core.NilMetrics{}
	}
	if env.PanicHandler == nil {
		env.PanicHandler = &core.DefaultPanicHandler{}
	}
	q := &TaskQueue{
		name:     params.Name,
		typ:      params.Type,
		traits:   params.Traits,
		priority: taskPriorityFor(params.Type, params.Traits),
		env:      env,
		tasks:    core.NewFIFOTaskQueue(),
	}
	if params.Priority != nil {
		q.priority = *params.Priority
	}
	q.throttlerVoter = q.CreateQueueEnabledVoter()
	return q
}

func (q *TaskQueue) Name() string                { return q.name }
func (q *TaskQueue) Type() QueueType             { return q.typ }
func (q *TaskQueue) Traits() QueueTraits         { return q.traits }
func (q *TaskQueue) Priority() core.TaskPriority { return q.priority }

// SetObserver replaces the observer. Call it before posting tasks.
func (q *TaskQueue) SetObserver(o TaskQueueObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.env.Observer = o
}

func (q *TaskQueue) PostTask(task core.Task) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		q.env.Metrics.RecordTaskRejected(q.name, "shutdown")
		return
	}
	q.tasks.Push(task, core.TaskTraits{Priority: q.priority, Category: q.name})
	enabled := q.disabledVotes == 0
	q.mu.Unlock()

	q.env.Metrics.RecordQueueDepth(q.name, q.tasks.Len())
	if enabled {
		q.scheduleDrain()
		return
	}
	q.env.Runner.PostTaskWithTraits(func(ctx context.Context) {
		if o := q.observer(); o != nil {
			o.OnQueueHasPendingTasks(q)
		}
	}, core.TraitsControl())
}

func (q *TaskQueue) PostDelayedTask(task core.Task, delay time.Duration) {
	if delay <= 0 {
		q.PostTask(task)
		return
	}
	q.env.Runner.PostDelayedTaskWithTraits(func(ctx context.Context) {
		q.PostTask(task)
	}, delay, core.TraitsControl())
}

func (q *TaskQueue) HasPendingTasks() bool {
	return !q.tasks.IsEmpty()
}

func (q *TaskQueue) PendingTaskCount() int {
	return q.tasks.Len()
}

// IsQueueEnabled reports whether every voter allows the queue to run.
func (q *TaskQueue) IsQueueEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.disabledVotes == 0
}

// SetAllowedToRun is the throttler's vote.
func (q *TaskQueue) SetAllowedToRun(allowed bool) {
	q.throttlerVoter.SetVoteToEnable(allowed)
}

// ShutdownTaskQueue drops pending tasks and rejects new ones.
func (q *TaskQueue) ShutdownTaskQueue() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.tasks.Clear()
}

func (q *TaskQueue) CreateQueueEnabledVoter() *QueueEnabledVoter {
	return &QueueEnabledVoter{queue: q, enabled: true}
}

func (q *TaskQueue) observer() TaskQueueObserver {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.env.Observer
}

func (q *TaskQueue) onVoteChanged(enabled bool) {
	q.mu.Lock()
	if enabled {
		q.disabledVotes--
	} else {
		q.disabledVotes++
	}
	nowEnabled := q.disabledVotes == 0
	q.mu.Unlock()

	if nowEnabled {
		q.scheduleDrain()
	}
}

func (q *TaskQueue) scheduleDrain() {
	q.mu.Lock()
	if q.drainScheduled || q.shutdown || q.disabledVotes > 0 || q.tasks.IsEmpty() {
		q.mu.Unlock()
		return
	}
	q.drainScheduled = true
	q.mu.Unlock()

	q.env.Runner.PostTaskWithTraits(q.runNextTask, core.TaskTraits{Priority: q.priority, Category: q.name})
}

// runNextTask runs exactly one task and then re-arms itself, so voters and the
// throttler get a say between consecutive tasks.
func (q *TaskQueue) runNextTask(ctx context.Context) {
	q.mu.Lock()
	q.drainScheduled = false
	if q.shutdown || q.disabledVotes > 0 {
		q.mu.Unlock()
		return
	}
	item, ok := q.tasks.Pop()
	q.mu.Unlock()
	if !ok {
		return
	}

	start := q.env.Clock.Now()
	func() {
		defer func() {
			if p := recover(); p != nil {
				q.env.Metrics.RecordTaskPanic(q.name, p)
				q.env.PanicHandler.HandlePanic(ctx, q.name, -1, p, debug.Stack())
			}
		}()
		item.Task(ctx)
	}()
	end := q.env.Clock.Now()

	q.env.Metrics.RecordTaskDuration(q.name, q.priority, end.Sub(start))
	if o := q.observer(); o != nil {
		o.OnTaskCompleted(q, start, end)
	}
	q.scheduleDrain()
}

// =============================================================================
// QueueEnabledVoter
// =============================================================================

// QueueEnabledVoter is one vote on whether a queue may run. A queue runs only
// while all of its voters vote to enable it. Voters start out enabling.
type QueueEnabledVoter struct {
	queue   *TaskQueue
	enabled bool
}

func (v *QueueEnabledVoter) SetVoteToEnable(enabled bool) {
	if v == nil || v.enabled == enabled {
		return
	}
	v.enabled = enabled
	v.queue.onVoteChanged(enabled)
}

func (v *QueueEnabledVoter) IsVotingToEnable() bool {
	return v == nil || v.enabled
}
