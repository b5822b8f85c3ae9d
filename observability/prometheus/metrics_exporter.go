package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/frame"
	"github.com/Swind/go-load-scheduler/loader"
	"github.com/Swind/go-load-scheduler/throttling"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
	// WaitBuckets are the buckets of the request wait histogram. Defaults to
	// DurationBuckets.
	WaitBuckets []float64
}

// MetricsExporter adapts core.Metrics, loader.Metrics and throttling.Metrics
// to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec

	requestsGrantedTotal *prom.CounterVec
	requestWaitSeconds   *prom.HistogramVec
	pendingRequests      *prom.GaugeVec
	runningRequests      *prom.GaugeVec
	trafficBytesTotal    *prom.CounterVec

	budgetLevelSeconds       *prom.GaugeVec
	wakeUpsTotal             *prom.CounterVec
	throttlingOverageSeconds *prom.HistogramVec
	queueDelaySeconds        *prom.HistogramVec
}

var (
	_ core.Metrics       = (*MetricsExporter)(nil)
	_ loader.Metrics     = (*MetricsExporter)(nil)
	_ throttling.Metrics = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates and registers the collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "loadscheduler"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	waitBuckets := opts.WaitBuckets
	if len(waitBuckets) == 0 {
		waitBuckets = buckets
	}

	m := &MetricsExporter{
		taskDurationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   buckets,
		}, []string{"runner", "priority"}),
		taskPanicTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_panic_total",
			Help:      "Total number of task panics.",
		}, []string{"runner"}),
		taskRejectedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_rejected_total",
			Help:      "Total number of rejected tasks.",
		}, []string{"runner", "reason"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current queue depth.",
		}, []string{"runner"}),

		requestsGrantedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "requests_granted_total",
			Help:      "Total number of resource load requests allowed to start.",
		}, []string{"option", "priority"}),
		requestWaitSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "request_wait_seconds",
			Help:      "Time a request spent pending before it was granted.",
			Buckets:   waitBuckets,
		}, []string{"option"}),
		pendingRequests: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "pending_requests",
			Help:      "Pending requests per throttle option.",
		}, []string{"option"}),
		runningRequests: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "running_requests",
			Help:      "Running requests, all and throttleable only.",
		}, []string{"kind"}),
		trafficBytesTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "traffic_bytes_total",
			Help:      "Bytes reported on release, by lifecycle state.",
		}, []string{"state", "kind"}),

		budgetLevelSeconds: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "throttling",
			Name:      "budget_level_seconds",
			Help:      "CPU time budget level after the last recorded task.",
		}, []string{"pool"}),
		wakeUpsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "throttling",
			Name:      "wake_ups_total",
			Help:      "Wake-ups recorded by wake-up budget pools.",
		}, []string{"pool"}),
		throttlingOverageSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Subsystem: "throttling",
			Name:      "overage_seconds",
			Help:      "Throttling delay caused by tasks that exhausted a CPU budget.",
			Buckets:   buckets,
		}, []string{"pool"}),
		queueDelaySeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Subsystem: "throttling",
			Name:      "queue_delay_seconds",
			Help:      "Delay imposed on a throttled queue until its next allowed run.",
			Buckets:   buckets,
		}, []string{"queue"}),
	}

	var err error
	if m.taskDurationSeconds, err = registerCollector(reg, m.taskDurationSeconds); err != nil {
		return nil, err
	}
	if m.taskPanicTotal, err = registerCollector(reg, m.taskPanicTotal); err != nil {
		return nil, err
	}
	if m.taskRejectedTotal, err = registerCollector(reg, m.taskRejectedTotal); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.requestsGrantedTotal, err = registerCollector(reg, m.requestsGrantedTotal); err != nil {
		return nil, err
	}
	if m.requestWaitSeconds, err = registerCollector(reg, m.requestWaitSeconds); err != nil {
		return nil, err
	}
	if m.pendingRequests, err = registerCollector(reg, m.pendingRequests); err != nil {
		return nil, err
	}
	if m.runningRequests, err = registerCollector(reg, m.runningRequests); err != nil {
		return nil, err
	}
	if m.trafficBytesTotal, err = registerCollector(reg, m.trafficBytesTotal); err != nil {
		return nil, err
	}
	if m.budgetLevelSeconds, err = registerCollector(reg, m.budgetLevelSeconds); err != nil {
		return nil, err
	}
	if m.wakeUpsTotal, err = registerCollector(reg, m.wakeUpsTotal); err != nil {
		return nil, err
	}
	if m.throttlingOverageSeconds, err = registerCollector(reg, m.throttlingOverageSeconds); err != nil {
		return nil, err
	}
	if m.queueDelaySeconds, err = registerCollector(reg, m.queueDelaySeconds); err != nil {
		return nil, err
	}
	return m, nil
}

// =============================================================================
// core.Metrics
// =============================================================================

// RecordTaskDuration records task execution duration.
func (m *MetricsExporter) RecordTaskDuration(runnerName string, priority core.TaskPriority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(runnerName, "unknown"), priority.String()).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(runnerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(runnerName, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(runnerName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(runnerName, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(runnerName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(runnerName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// =============================================================================
// loader.Metrics
// =============================================================================

func (m *MetricsExporter) RecordRequestGranted(option loader.ThrottleOption, priority loader.ResourceLoadPriority, wait time.Duration) {
	if m == nil {
		return
	}
	m.requestsGrantedTotal.WithLabelValues(option.String(), priority.String()).Inc()
	m.requestWaitSeconds.WithLabelValues(option.String()).Observe(wait.Seconds())
}

func (m *MetricsExporter) RecordPendingRequests(option loader.ThrottleOption, count int) {
	if m == nil {
		return
	}
	m.pendingRequests.WithLabelValues(option.String()).Set(float64(count))
}

func (m *MetricsExporter) RecordRunningRequests(total, throttleable int) {
	if m == nil {
		return
	}
	m.runningRequests.WithLabelValues("all").Set(float64(total))
	m.runningRequests.WithLabelValues("throttleable").Set(float64(throttleable))
}

func (m *MetricsExporter) RecordTraffic(state frame.SchedulingLifecycleState, encodedDataLength, decodedBodyLength int64) {
	if m == nil {
		return
	}
	m.trafficBytesTotal.WithLabelValues(state.String(), "encoded").Add(float64(max(encodedDataLength, 0)))
	m.trafficBytesTotal.WithLabelValues(state.String(), "decoded").Add(float64(max(decodedBodyLength, 0)))
}

// =============================================================================
// throttling.Metrics
// =============================================================================

func (m *MetricsExporter) RecordBudgetLevel(pool string, level time.Duration) {
	if m == nil {
		return
	}
	m.budgetLevelSeconds.WithLabelValues(normalizeLabel(pool, "unknown")).Set(level.Seconds())
}

func (m *MetricsExporter) RecordWakeUp(pool string) {
	if m == nil {
		return
	}
	m.wakeUpsTotal.WithLabelValues(normalizeLabel(pool, "unknown")).Inc()
}

func (m *MetricsExporter) RecordThrottlingOverage(pool string, delay time.Duration) {
	if m == nil {
		return
	}
	m.throttlingOverageSeconds.WithLabelValues(normalizeLabel(pool, "unknown")).Observe(delay.Seconds())
}

func (m *MetricsExporter) RecordQueueThrottled(queue string, delay time.Duration) {
	if m == nil {
		return
	}
	m.queueDelaySeconds.WithLabelValues(normalizeLabel(queue, "unknown")).Observe(delay.Seconds())
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
