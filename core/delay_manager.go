package core

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DelayedTask represents a task scheduled for the future
type DelayedTask struct {
	RunAt  time.Time
	Task   Task
	Traits TaskTraits
	Target TaskRunner

	sequence uint64
	index    int
}

// DelayedTaskHeap orders delayed tasks by due time, then by posting order.
type DelayedTaskHeap []*DelayedTask

func (h DelayedTaskHeap) Len() int { return len(h) }
func (h DelayedTaskHeap) Less(i, j int) bool {
	if !h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].RunAt.Before(h[j].RunAt)
	}
	return h[i].sequence < h[j].sequence
}
func (h DelayedTaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *DelayedTaskHeap) Push(x any) {
	item := x.(*DelayedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *DelayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func (h DelayedTaskHeap) Peek() *DelayedTask {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// DelayManager holds delayed tasks until they are due and then hands them to
// their target runner. It runs one timer goroutine.
type DelayManager struct {
	clock  clock.Clock
	pq     DelayedTaskHeap
	seq    uint64
	mu     sync.Mutex
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDelayManager() *DelayManager {
	return NewDelayManagerWithClock(clock.RealClock{})
}

func NewDelayManagerWithClock(clk clock.Clock) *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		clock:  clk,
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go dm.loop()
	return dm
}

func (dm *DelayManager) AddDelayedTask(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := &DelayedTask{
		RunAt:    dm.clock.Now().Add(delay),
		Task:     task,
		Traits:   traits,
		Target:   target,
		sequence: dm.seq,
	}
	dm.seq++
	heap.Push(&dm.pq, item)

	if item.index == 0 {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
}

func (dm *DelayManager) loop() {
	defer close(dm.done)
	for {
		wait, ok := dm.nextWait()
		var timerC <-chan time.Time
		var timer clock.Timer
		if ok {
			timer = dm.clock.NewTimer(wait)
			timerC = timer.C()
		}

		select {
		case <-dm.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timerC:
			dm.processExpiredTasks()
		case <-dm.wakeup:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// nextWait reports how long until the earliest task is due. ok is false when
// nothing is scheduled.
func (dm *DelayManager) nextWait() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	item := dm.pq.Peek()
	if item == nil {
		return 0, false
	}
	return max(item.RunAt.Sub(dm.clock.Now()), 0), true
}

func (dm *DelayManager) processExpiredTasks() {
	dm.mu.Lock()
	now := dm.clock.Now()
	var expired []*DelayedTask
	for item := dm.pq.Peek(); item != nil && !item.RunAt.After(now); item = dm.pq.Peek() {
		heap.Pop(&dm.pq)
		expired = append(expired, item)
	}
	dm.mu.Unlock()

	// Post outside the lock; targets may post more delayed work.
	for _, item := range expired {
		item.Target.PostTaskWithTraits(item.Task, item.Traits)
	}
}

// Stop terminates the timer goroutine and drops every pending task.
func (dm *DelayManager) Stop() {
	dm.cancel()
	<-dm.done

	dm.mu.Lock()
	dm.pq = nil
	dm.mu.Unlock()
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
