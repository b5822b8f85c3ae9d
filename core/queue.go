package core

import (
	"sync"

	"github.com/google/btree"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // ring buffers smaller than this never shrink
	compactShrinkFactor = 4  // shrink once len < cap/4
)

type TaskItem struct {
	Task   Task
	Traits TaskTraits
}

// TaskQueue is the storage behind a sequence. Implementations are safe for
// concurrent use.
type TaskQueue interface {
	Push(t Task, traits TaskTraits)
	Pop() (TaskItem, bool)
	PeekTraits() (TaskTraits, bool)
	Len() int
	IsEmpty() bool
	Clear()
}

// =============================================================================
// FIFOTaskQueue: ring buffer
// =============================================================================

type FIFOTaskQueue struct {
	mu   sync.Mutex
	buf  []TaskItem
	head int
	n    int
}

func NewFIFOTaskQueue() *FIFOTaskQueue {
	return &FIFOTaskQueue{buf: make([]TaskItem, defaultQueueCap)}
}

func (q *FIFOTaskQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		q.resizeLocked(2 * len(q.buf))
	}
	q.buf[(q.head+q.n)%len(q.buf)] = TaskItem{Task: t, Traits: traits}
	q.n++
}

func (q *FIFOTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return TaskItem{}, false
	}
	item := q.buf[q.head]
	q.buf[q.head] = TaskItem{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--

	if c := len(q.buf); c >= compactMinCap && q.n*compactShrinkFactor < c {
		q.resizeLocked(max(c/2, defaultQueueCap))
	}
	return item, true
}

// resizeLocked moves the live items to a new buffer of the given size,
// starting at index 0.
func (q *FIFOTaskQueue) resizeLocked(size int) {
	next := make([]TaskItem, size)
	for i := range q.n {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

func (q *FIFOTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return TaskTraits{}, false
	}
	return q.buf[q.head].Traits, true
}

func (q *FIFOTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *FIFOTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *FIFOTaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = make([]TaskItem, defaultQueueCap)
	q.head, q.n = 0, 0
}

// =============================================================================
// PriorityTaskQueue: ordered by priority (highest first), FIFO within one
// =============================================================================

type priorityItem struct {
	TaskItem
	sequence uint64
}

func priorityLess(a, b priorityItem) bool {
	if a.Traits.Priority != b.Traits.Priority {
		return a.Traits.Priority > b.Traits.Priority
	}
	return a.sequence < b.sequence
}

type PriorityTaskQueue struct {
	mu           sync.Mutex
	tree         *btree.BTreeG[priorityItem]
	nextSequence uint64
}

func NewPriorityTaskQueue() *PriorityTaskQueue {
	return &PriorityTaskQueue{tree: btree.NewG(16, priorityLess)}
}

func (q *PriorityTaskQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.ReplaceOrInsert(priorityItem{
		TaskItem: TaskItem{Task: t, Traits: traits},
		sequence: q.nextSequence,
	})
	q.nextSequence++
}

func (q *PriorityTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.tree.DeleteMin()
	return item.TaskItem, ok
}

func (q *PriorityTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.tree.Min()
	return item.Traits, ok
}

func (q *PriorityTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

func (q *PriorityTaskQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *PriorityTaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tree.Clear(false)
}
