package frame

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Delegate is told about every queue the controller creates, together with
// the voter the controller keeps for it.
type Delegate interface {
	OnTaskQueueCreated(q *TaskQueue, voter *QueueEnabledVoter)
}

// TaskQueueAndVoter pairs a queue with its controller-owned voter.
type TaskQueueAndVoter struct {
	Queue *TaskQueue
	Voter *QueueEnabledVoter
}

// FrameTaskQueueController creates and tracks the task queues of one frame.
//
// Queues requested by traits are created once per distinct traits key and
// cached. Resource loading and web scheduling queues are always new.
type FrameTaskQueueController struct {
	namePrefix string
	env        TaskQueueEnv
	delegate   Delegate

	taskQueues                map[uint64]*TaskQueue
	resourceLoadingTaskQueues sets.Set[*TaskQueue]
	voters                    map[*TaskQueue]*QueueEnabledVoter
	allTaskQueuesAndVoters    []TaskQueueAndVoter
	nextQueueID               int
}

func NewFrameTaskQueueController(namePrefix string, env TaskQueueEnv, delegate Delegate) *FrameTaskQueueController {
	return &FrameTaskQueueController{
		namePrefix:                namePrefix,
		env:                       env,
		delegate:                  delegate,
		taskQueues:                make(map[uint64]*TaskQueue),
		resourceLoadingTaskQueues: sets.New[*TaskQueue](),
		voters:                    make(map[*TaskQueue]*QueueEnabledVoter),
	}
}

// GetTaskQueue returns the queue for traits, creating it on first use.
func (c *FrameTaskQueueController) GetTaskQueue(traits QueueTraits) *TaskQueue {
	if q, ok := c.taskQueues[traits.Key()]; ok {
		return q
	}
	typ := QueueTypeFromQueueTraits(traits)
	q := NewTaskQueue(TaskQueueParams{
		Name:   c.queueName(typ),
		Type:   typ,
		Traits: traits,
	}, c.env)
	c.taskQueueCreated(q)
	c.taskQueues[traits.Key()] = q
	return q
}

func (c *FrameTaskQueueController) NewResourceLoadingTaskQueue() *TaskQueue {
	q := NewTaskQueue(TaskQueueParams{
		Name:   c.queueName(QueueTypeFrameLoading),
		Type:   QueueTypeFrameLoading,
		Traits: LoadingTaskQueueTraits,
	}, c.env)
	c.taskQueueCreated(q)
	c.resourceLoadingTaskQueues.Insert(q)
	return q
}

// NewWebSchedulingTaskQueue creates a queue for the scheduling API. It is
// only tracked in GetAllTaskQueuesAndVoters.
func (c *FrameTaskQueueController) NewWebSchedulingTaskQueue(traits QueueTraits, priority WebSchedulingPriority) *TaskQueue {
	p := priority.taskPriority()
	q := NewTaskQueue(TaskQueueParams{
		Name:     c.queueName(QueueTypeWebScheduling),
		Type:     QueueTypeWebScheduling,
		Traits:   traits,
		Priority: &p,
	}, c.env)
	c.taskQueueCreated(q)
	return q
}

func (c *FrameTaskQueueController) GetAllTaskQueuesAndVoters() []TaskQueueAndVoter {
	out := make([]TaskQueueAndVoter, len(c.allTaskQueuesAndVoters))
	copy(out, c.allTaskQueuesAndVoters)
	return out
}

// GetQueueEnabledVoter returns nil for queues this controller does not track.
func (c *FrameTaskQueueController) GetQueueEnabledVoter(q *TaskQueue) *QueueEnabledVoter {
	return c.voters[q]
}

// RemoveResourceLoadingTaskQueue stops tracking a queue created by
// NewResourceLoadingTaskQueue. It returns false for any other queue.
func (c *FrameTaskQueueController) RemoveResourceLoadingTaskQueue(q *TaskQueue) bool {
	if !c.resourceLoadingTaskQueues.Has(q) {
		return false
	}
	c.resourceLoadingTaskQueues.Delete(q)
	delete(c.voters, q)
	for i, entry := range c.allTaskQueuesAndVoters {
		if entry.Queue == q {
			c.allTaskQueuesAndVoters = append(c.allTaskQueuesAndVoters[:i], c.allTaskQueuesAndVoters[i+1:]...)
			break
		}
	}
	return true
}

// ResourceLoadingTaskQueueCount is the number of live resource loading queues.
func (c *FrameTaskQueueController) ResourceLoadingTaskQueueCount() int {
	return c.resourceLoadingTaskQueues.Len()
}

func (c *FrameTaskQueueController) taskQueueCreated(q *TaskQueue) {
	voter := q.CreateQueueEnabledVoter()
	if c.delegate != nil {
		c.delegate.OnTaskQueueCreated(q, voter)
	}
	c.allTaskQueuesAndVoters = append(c.allTaskQueuesAndVoters, TaskQueueAndVoter{Queue: q, Voter: voter})
	c.voters[q] = voter
}

func (c *FrameTaskQueueController) queueName(t QueueType) string {
	c.nextQueueID++
	if c.namePrefix == "" {
		return fmt.Sprintf("%s#%d", t, c.nextQueueID)
	}
	return fmt.Sprintf("%s/%s#%d", c.namePrefix, t, c.nextQueueID)
}
