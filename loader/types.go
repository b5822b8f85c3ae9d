// Package loader implements admission control for resource loads.
//
// A ResourceLoadScheduler decides when each registered load may start. Loads
// that must not be throttled start synchronously; the rest wait in priority
// order until the outstanding-request limit of the current throttling policy
// and frame lifecycle state lets them through.
//
// The scheduler is single-sequence: call it from the frame's main thread.
// Clients may call back into the scheduler from Run.
package loader

import (
	"fmt"
	"math"
	"strings"
)

// ClientID identifies a request for its whole lifetime. IDs are issued in
// increasing order and never reused.
type ClientID uint64

const InvalidClientID ClientID = 0

// Client is the party waiting for permission to load.
type Client interface {
	// Run is called once the load may start.
	Run()
}

// ClientFunc adapts a function to Client.
type ClientFunc func()

func (f ClientFunc) Run() { f() }

// =============================================================================
// ThrottleOption
// =============================================================================

// ThrottleOption is how aggressively a request may be held back.
type ThrottleOption int

const (
	// Throttleable requests are subject to the outstanding limit.
	Throttleable ThrottleOption = iota
	// Stoppable requests run freely unless the frame is stopped.
	Stoppable
	// CanNotBeStoppedOrThrottled requests always run immediately.
	CanNotBeStoppedOrThrottled
)

func (o ThrottleOption) String() string {
	switch o {
	case Throttleable:
		return "throttleable"
	case Stoppable:
		return "stoppable"
	case CanNotBeStoppedOrThrottled:
		return "can_not_be_stopped_or_throttled"
	default:
		return "unknown"
	}
}

func ParseThrottleOption(s string) (ThrottleOption, error) {
	for _, o := range []ThrottleOption{Throttleable, Stoppable, CanNotBeStoppedOrThrottled} {
		if strings.EqualFold(o.String(), s) {
			return o, nil
		}
	}
	return Throttleable, fmt.Errorf("unknown throttle option %q", s)
}

// ThrottleOptionOverride rewrites the option of incoming requests.
type ThrottleOptionOverride int

const (
	ThrottleOptionOverrideNone ThrottleOptionOverride = iota
	// StoppableAsThrottleable treats Stoppable requests as Throttleable, for
	// frames that must keep loading while stopped.
	StoppableAsThrottleable
)

// ReleaseOption says whether releasing a request should backfill capacity.
type ReleaseOption int

const (
	// ReleaseOnly never calls back into clients, for use during teardown.
	ReleaseOnly ReleaseOption = iota
	ReleaseAndSchedule
)

// ThrottlingPolicy selects between the tight and normal outstanding limits.
// A scheduler only ever moves from Tight to Normal.
type ThrottlingPolicy int

const (
	ThrottlingPolicyTight ThrottlingPolicy = iota
	ThrottlingPolicyNormal
)

func (p ThrottlingPolicy) String() string {
	if p == ThrottlingPolicyTight {
		return "tight"
	}
	return "normal"
}

// =============================================================================
// ResourceLoadPriority
// =============================================================================

type ResourceLoadPriority int

const (
	PriorityUnresolved ResourceLoadPriority = iota - 1
	PriorityVeryLow
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityVeryHigh
)

func (p ResourceLoadPriority) String() string {
	switch p {
	case PriorityUnresolved:
		return "unresolved"
	case PriorityVeryLow:
		return "very_low"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very_high"
	default:
		return "unknown"
	}
}

func ParseResourceLoadPriority(s string) (ResourceLoadPriority, error) {
	for p := PriorityUnresolved; p <= PriorityVeryHigh; p++ {
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	return PriorityUnresolved, fmt.Errorf("unknown resource load priority %q", s)
}

// =============================================================================
// Limits and traffic hints
// =============================================================================

// OutstandingUnlimited means no limit applies.
const OutstandingUnlimited = math.MaxInt

const (
	DefaultTightOutstandingLimit  = 2
	DefaultNormalOutstandingLimit = 1024

	DefaultOutstandingLimitForBackgroundMainFrame = 3
	DefaultOutstandingLimitForBackgroundSubFrame  = 2
)

// TrafficReportHints carries the byte counts of a finished load.
type TrafficReportHints struct {
	valid             bool
	EncodedDataLength int64
	DecodedBodyLength int64
}

func NewTrafficReportHints(encodedDataLength, decodedBodyLength int64) TrafficReportHints {
	return TrafficReportHints{
		valid:             true,
		EncodedDataLength: encodedDataLength,
		DecodedBodyLength: decodedBodyLength,
	}
}

// InvalidTrafficReportHints is passed when a load ended without traffic to
// report.
func InvalidTrafficReportHints() TrafficReportHints {
	return TrafficReportHints{}
}

func (h TrafficReportHints) IsValid() bool { return h.valid }
