package frame

import "github.com/Swind/go-load-scheduler/core"

// PrioritisationType is the coarse category of work a queue carries.
type PrioritisationType int

const (
	PrioritisationRegular PrioritisationType = iota
	PrioritisationLoading
	PrioritisationLoadingControl
	PrioritisationBestEffort
	PrioritisationHigh
	PrioritisationJavaScriptTimer
	PrioritisationInput
)

// QueueTraits describes what may be done to a queue and what it carries. Two
// queues with equal traits are interchangeable.
type QueueTraits struct {
	CanBeDeferred      bool
	CanBeThrottled     bool
	CanBePaused        bool
	CanBeFrozen        bool
	CanRunInBackground bool
	Prioritisation     PrioritisationType
}

// Key packs the traits into an integer usable as a map key.
func (t QueueTraits) Key() uint64 {
	var key uint64
	for i, bit := range []bool{t.CanBeDeferred, t.CanBeThrottled, t.CanBePaused, t.CanBeFrozen, t.CanRunInBackground} {
		if bit {
			key |= 1 << i
		}
	}
	return key | uint64(t.Prioritisation)<<8
}

func (t QueueTraits) SetCanBeDeferred(v bool) QueueTraits      { t.CanBeDeferred = v; return t }
func (t QueueTraits) SetCanBeThrottled(v bool) QueueTraits     { t.CanBeThrottled = v; return t }
func (t QueueTraits) SetCanBePaused(v bool) QueueTraits        { t.CanBePaused = v; return t }
func (t QueueTraits) SetCanBeFrozen(v bool) QueueTraits        { t.CanBeFrozen = v; return t }
func (t QueueTraits) SetCanRunInBackground(v bool) QueueTraits { t.CanRunInBackground = v; return t }
func (t QueueTraits) SetPrioritisation(p PrioritisationType) QueueTraits {
	t.Prioritisation = p
	return t
}

// Commonly used trait sets.
var (
	ThrottleableTaskQueueTraits = QueueTraits{CanBeThrottled: true, CanBePaused: true, CanBeFrozen: true, CanBeDeferred: true}
	DeferrableTaskQueueTraits   = QueueTraits{CanBeDeferred: true, CanBePaused: true, CanBeFrozen: true}
	PausableTaskQueueTraits     = QueueTraits{CanBePaused: true, CanBeFrozen: true}
	UnpausableTaskQueueTraits   = QueueTraits{}
	LoadingTaskQueueTraits      = QueueTraits{CanBePaused: true, CanBeFrozen: true, Prioritisation: PrioritisationLoading}
	LoadingControlQueueTraits   = QueueTraits{CanBePaused: true, CanBeFrozen: true, Prioritisation: PrioritisationLoadingControl}
)

// QueueType is the kind of queue the controller creates for a set of traits.
type QueueType int

const (
	QueueTypeFrameLoading QueueType = iota
	QueueTypeFrameLoadingControl
	QueueTypeFrameThrottleable
	QueueTypeFrameDeferrable
	QueueTypeFramePausable
	QueueTypeFrameUnpausable
	QueueTypeWebScheduling
)

func (t QueueType) String() string {
	switch t {
	case QueueTypeFrameLoading:
		return "frame_loading"
	case QueueTypeFrameLoadingControl:
		return "frame_loading_control"
	case QueueTypeFrameThrottleable:
		return "frame_throttleable"
	case QueueTypeFrameDeferrable:
		return "frame_deferrable"
	case QueueTypeFramePausable:
		return "frame_pausable"
	case QueueTypeFrameUnpausable:
		return "frame_unpausable"
	case QueueTypeWebScheduling:
		return "web_scheduling"
	default:
		return "unknown"
	}
}

// QueueTypeFromQueueTraits maps traits to a queue type. The loading
// categories win over the capability bits because loading queues set some
// of them too; among the bits, throttling wins over deferral, then pausing.
func QueueTypeFromQueueTraits(traits QueueTraits) QueueType {
	switch {
	case traits.Prioritisation == PrioritisationLoading:
		return QueueTypeFrameLoading
	case traits.Prioritisation == PrioritisationLoadingControl:
		return QueueTypeFrameLoadingControl
	case traits.CanBeThrottled:
		return QueueTypeFrameThrottleable
	case traits.CanBeDeferred:
		return QueueTypeFrameDeferrable
	case traits.CanBePaused:
		return QueueTypeFramePausable
	default:
		return QueueTypeFrameUnpausable
	}
}

// WebSchedulingPriority is the priority of a queue created for the
// scheduling API.
type WebSchedulingPriority int

const (
	WebSchedulingUserBlocking WebSchedulingPriority = iota
	WebSchedulingUserVisible
	WebSchedulingBackground
)

func (p WebSchedulingPriority) taskPriority() core.TaskPriority {
	switch p {
	case WebSchedulingUserBlocking:
		return core.TaskPriorityHigh
	case WebSchedulingBackground:
		return core.TaskPriorityBestEffort
	default:
		return core.TaskPriorityNormal
	}
}

// taskPriorityFor picks the runner priority of tasks coming from a queue.
func taskPriorityFor(t QueueType, traits QueueTraits) core.TaskPriority {
	switch {
	case t == QueueTypeFrameLoadingControl:
		return core.TaskPriorityHigh
	case traits.Prioritisation == PrioritisationInput:
		return core.TaskPriorityHighest
	case traits.Prioritisation == PrioritisationHigh:
		return core.TaskPriorityHigh
	case traits.Prioritisation == PrioritisationBestEffort:
		return core.TaskPriorityBestEffort
	case t == QueueTypeFrameThrottleable:
		return core.TaskPriorityLow
	default:
		return core.TaskPriorityNormal
	}
}
