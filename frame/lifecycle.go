// Package frame models the per-frame side of the main-thread scheduler: the
// frame's lifecycle state, its task queues and the controller that hands
// those queues out.
package frame

import "sync"

// SchedulingLifecycleState is the throttling state a frame reports to the
// subsystems observing it.
type SchedulingLifecycleState int

const (
	NotThrottled SchedulingLifecycleState = iota
	// Hidden frames are not visible but are not yet throttled.
	Hidden
	Throttled
	// Stopped frames must not make progress at all.
	Stopped
)

func (s SchedulingLifecycleState) String() string {
	switch s {
	case NotThrottled:
		return "not_throttled"
	case Hidden:
		return "hidden"
	case Throttled:
		return "throttled"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParseSchedulingLifecycleState is the inverse of String.
func ParseSchedulingLifecycleState(s string) (SchedulingLifecycleState, bool) {
	for _, st := range []SchedulingLifecycleState{NotThrottled, Hidden, Throttled, Stopped} {
		if st.String() == s {
			return st, true
		}
	}
	return NotThrottled, false
}

// ObserverType selects which lifecycle computation an observer receives.
// Loaders additionally stop while subresource loading is paused.
type ObserverType int

const (
	ObserverTypeLoader ObserverType = iota
	ObserverTypeWorkerScheduler
)

// LifecycleObserver is notified whenever the state it observes changes.
type LifecycleObserver interface {
	OnLifecycleStateChanged(state SchedulingLifecycleState)
}

// LifecycleNotifier is implemented by frame schedulers. New observers are
// told the current state immediately.
type LifecycleNotifier interface {
	AddLifecycleObserver(t ObserverType, o LifecycleObserver) *LifecycleObserverHandle
}

// LifecycleObserverHandle unregisters an observer. Remove is idempotent.
type LifecycleObserverHandle struct {
	once   sync.Once
	remove func()
}

func NewLifecycleObserverHandle(remove func()) *LifecycleObserverHandle {
	return &LifecycleObserverHandle{remove: remove}
}

func (h *LifecycleObserverHandle) Remove() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.remove != nil {
			h.remove()
		}
	})
}
