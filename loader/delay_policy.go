package loader

import (
	"fmt"
	"strings"
)

// DelayMilestone is the page-load event after which low priority requests
// stop being held back for important ones.
type DelayMilestone int

const (
	// DelayMilestoneNone disables delaying.
	DelayMilestoneNone DelayMilestone = iota
	DelayMilestoneFirstPaint
	DelayMilestoneFirstContentfulPaint
)

func (m DelayMilestone) String() string {
	switch m {
	case DelayMilestoneFirstPaint:
		return "first_paint"
	case DelayMilestoneFirstContentfulPaint:
		return "first_contentful_paint"
	default:
		return "none"
	}
}

func ParseDelayMilestone(s string) (DelayMilestone, error) {
	for _, m := range []DelayMilestone{DelayMilestoneNone, DelayMilestoneFirstPaint, DelayMilestoneFirstContentfulPaint} {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return DelayMilestoneNone, fmt.Errorf("unknown delay milestone %q", s)
}

// DelayPolicy holds throttleable requests below ImportanceThreshold while
// important requests are in flight, until Milestone is reached or
// MaxImportantRequests important requests have been granted.
type DelayPolicy struct {
	Enabled              bool
	Milestone            DelayMilestone
	ImportanceThreshold  ResourceLoadPriority
	MaxImportantRequests int
}

func DefaultDelayPolicy() DelayPolicy {
	return DelayPolicy{
		Enabled:              true,
		Milestone:            DelayMilestoneFirstContentfulPaint,
		ImportanceThreshold:  PriorityMedium,
		MaxImportantRequests: 10,
	}
}

// DisabledDelayPolicy never delays.
func DisabledDelayPolicy() DelayPolicy {
	p := DefaultDelayPolicy()
	p.Enabled = false
	return p
}

// ComputeDelayMilestone returns the milestone that ends delaying, or
// DelayMilestoneNone when the policy never delays.
func (p DelayPolicy) ComputeDelayMilestone() DelayMilestone {
	if !p.Enabled {
		return DelayMilestoneNone
	}
	return p.Milestone
}

func (p DelayPolicy) active() bool {
	return p.ComputeDelayMilestone() != DelayMilestoneNone
}

// IsImportant reports whether a request of priority counts as important.
func (p DelayPolicy) IsImportant(priority ResourceLoadPriority) bool {
	return priority >= p.ImportanceThreshold
}

// delayState is the scheduler-side bookkeeping the policy looks at.
type delayState struct {
	milestoneReached  bool
	inFlightImportant int
	importantGranted  int
}

// shouldDelay reports whether a throttleable request of priority must keep
// waiting.
func (p DelayPolicy) shouldDelay(s delayState, priority ResourceLoadPriority) bool {
	if !p.active() || s.milestoneReached {
		return false
	}
	if p.IsImportant(priority) {
		return false
	}
	if p.MaxImportantRequests > 0 && s.importantGranted >= p.MaxImportantRequests {
		return false
	}
	return s.inFlightImportant > 0
}
