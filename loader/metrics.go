package loader

import (
	"time"

	"github.com/Swind/go-load-scheduler/frame"
)

// Metrics receives the scheduler's measurements.
type Metrics interface {
	// RecordRequestGranted is called when a request is allowed to start. wait
	// is zero for requests that were never queued.
	RecordRequestGranted(option ThrottleOption, priority ResourceLoadPriority, wait time.Duration)
	RecordPendingRequests(option ThrottleOption, count int)
	RecordRunningRequests(total, throttleable int)
	RecordTraffic(state frame.SchedulingLifecycleState, encodedDataLength, decodedBodyLength int64)
}

// NilMetrics discards everything.
type NilMetrics struct{}

func (NilMetrics) RecordRequestGranted(ThrottleOption, ResourceLoadPriority, time.Duration) {}
func (NilMetrics) RecordPendingRequests(ThrottleOption, int)                                {}
func (NilMetrics) RecordRunningRequests(int, int)                                           {}
func (NilMetrics) RecordTraffic(frame.SchedulingLifecycleState, int64, int64)               {}
