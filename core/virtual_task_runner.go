package core

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// SettableClock is a clock whose time can be moved by its owner, such as
// k8s.io/utils/clock/testing.FakeClock.
type SettableClock interface {
	clock.PassiveClock
	SetTime(t time.Time)
}

// VirtualTaskRunner is a single-sequence TaskRunner driven by virtual time.
// Nothing runs until the owner calls RunUntilIdle, RunUntil or AdvanceBy,
// which makes frame behaviour fully deterministic in simulations and tests.
type VirtualTaskRunner struct {
	clock SettableClock

	mu      sync.Mutex
	ready   *FIFOTaskQueue
	delayed DelayedTaskHeap
	seq     uint64
	closed  bool
}

var _ TaskRunner = (*VirtualTaskRunner)(nil)

func NewVirtualTaskRunner(clk SettableClock) *VirtualTaskRunner {
	return &VirtualTaskRunner{
		clock: clk,
		ready: NewFIFOTaskQueue(),
	}
}

func (r *VirtualTaskRunner) Now() time.Time { return r.clock.Now() }

func (r *VirtualTaskRunner) PostTask(task Task) {
	r.PostTaskWithTraits(task, DefaultTaskTraits())
}

func (r *VirtualTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.ready.Push(task, traits)
}

func (r *VirtualTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

func (r *VirtualTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	if delay <= 0 {
		r.PostTaskWithTraits(task, traits)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	heap.Push(&r.delayed, &DelayedTask{
		RunAt:    r.clock.Now().Add(delay),
		Task:     task,
		Traits:   traits,
		Target:   r,
		sequence: r.seq,
	})
	r.seq++
}

// RunUntilIdle runs ready tasks, including ones they post, without moving
// time. It returns the number of tasks run.
func (r *VirtualTaskRunner) RunUntilIdle() int {
	ctx := context.WithValue(context.Background(), taskRunnerKey, TaskRunner(r))
	n := 0
	for {
		item, ok := r.ready.Pop()
		if !ok {
			return n
		}
		item.Task(ctx)
		n++
	}
}

// RunUntil runs every task due at or before deadline, moving the clock to
// each delayed task's due time, and leaves the clock at deadline.
func (r *VirtualTaskRunner) RunUntil(deadline time.Time) int {
	n := r.RunUntilIdle()
	for {
		r.mu.Lock()
		next := r.delayed.Peek()
		if next == nil || next.RunAt.After(deadline) {
			r.mu.Unlock()
			break
		}
		due := next.RunAt
		for item := r.delayed.Peek(); item != nil && !item.RunAt.After(due); item = r.delayed.Peek() {
			heap.Pop(&r.delayed)
			r.ready.Push(item.Task, item.Traits)
		}
		r.mu.Unlock()

		if due.After(r.clock.Now()) {
			r.clock.SetTime(due)
		}
		n += r.RunUntilIdle()
	}
	if deadline.After(r.clock.Now()) {
		r.clock.SetTime(deadline)
	}
	return n
}

func (r *VirtualTaskRunner) AdvanceBy(d time.Duration) int {
	return r.RunUntil(r.clock.Now().Add(d))
}

// NextDelayedRunTime reports when the earliest delayed task is due.
func (r *VirtualTaskRunner) NextDelayedRunTime() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next := r.delayed.Peek(); next != nil {
		return next.RunAt, true
	}
	return time.Time{}, false
}

func (r *VirtualTaskRunner) PendingTaskCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready.Len() + len(r.delayed)
}

func (r *VirtualTaskRunner) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Shutdown drops all pending work and ignores later posts.
func (r *VirtualTaskRunner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.delayed = nil
	r.ready.Clear()
}
