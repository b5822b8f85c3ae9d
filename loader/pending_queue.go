package loader

import (
	"time"

	"github.com/google/btree"
)

// pendingEntry is the ordering key of a waiting request.
type pendingEntry struct {
	id            ClientID
	priority      ResourceLoadPriority
	intraPriority int
}

// pendingLess orders entries by priority, then intra-priority, both
// descending, then by ascending id so equal priorities run in request order.
func pendingLess(a, b pendingEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.intraPriority != b.intraPriority {
		return a.intraPriority > b.intraPriority
	}
	return a.id < b.id
}

// pendingQueue is the ordered set of requests waiting under one throttle
// option. updatedAt is the last time the queue became non-empty or its head
// was granted.
type pendingQueue struct {
	tree      *btree.BTreeG[pendingEntry]
	updatedAt time.Time
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{tree: btree.NewG(16, pendingLess)}
}

func (q *pendingQueue) insert(e pendingEntry, now time.Time) {
	if q.tree.Len() == 0 {
		q.updatedAt = now
	}
	q.tree.ReplaceOrInsert(e)
}

func (q *pendingQueue) remove(e pendingEntry) bool {
	_, ok := q.tree.Delete(e)
	return ok
}

func (q *pendingQueue) head() (pendingEntry, bool) {
	return q.tree.Min()
}

func (q *pendingQueue) popHead(now time.Time) (pendingEntry, bool) {
	e, ok := q.tree.DeleteMin()
	if ok {
		q.updatedAt = now
	}
	return e, ok
}

func (q *pendingQueue) len() int { return q.tree.Len() }

// ids returns the queued ids in grant order.
func (q *pendingQueue) ids() []ClientID {
	out := make([]ClientID, 0, q.tree.Len())
	q.tree.Ascend(func(e pendingEntry) bool {
		out = append(out, e.id)
		return true
	})
	return out
}
