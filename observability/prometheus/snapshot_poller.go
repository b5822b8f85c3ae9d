package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-load-scheduler/loader"
	"github.com/Swind/go-load-scheduler/throttling"
)

// LoaderSnapshotProvider provides current resource load scheduler snapshots.
// It is called from the poller goroutine and must be safe for that.
type LoaderSnapshotProvider interface {
	LoaderSnapshot() loader.SchedulerSnapshot
}

// ThrottlerSnapshotProvider provides current throttler snapshots. It is
// called from the poller goroutine and must be safe for that.
type ThrottlerSnapshotProvider interface {
	ThrottlerSnapshot() throttling.ThrottlerSnapshot
}

// SnapshotPoller periodically exports loader and throttler snapshots into
// Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	loadersMu sync.RWMutex
	loaders   map[string]LoaderSnapshotProvider

	throttlersMu sync.RWMutex
	throttlers   map[string]ThrottlerSnapshotProvider

	loaderPending  *prom.GaugeVec
	loaderRunning  *prom.GaugeVec
	loaderShutdown *prom.GaugeVec

	poolBudgetLevel *prom.GaugeVec
	poolEnabled     *prom.GaugeVec
	poolQueues      *prom.GaugeVec
	throttledQueues *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "loadscheduler"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{
		interval:   interval,
		loaders:    make(map[string]LoaderSnapshotProvider),
		throttlers: make(map[string]ThrottlerSnapshotProvider),

		loaderPending: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_pending_requests",
			Help:      "Pending requests per frame and throttle option.",
		}, []string{"frame", "option"}),
		loaderRunning: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_running_requests",
			Help:      "Running requests per frame.",
		}, []string{"frame", "kind"}),
		loaderShutdown: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_loader_shutdown",
			Help:      "Loader shutdown state (1=shut down, 0=active).",
		}, []string{"frame"}),

		poolBudgetLevel: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_budget_level_seconds",
			Help:      "CPU time budget level per pool.",
		}, []string{"throttler", "pool"}),
		poolEnabled: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_enabled",
			Help:      "Pool throttling state (1=enabled, 0=disabled).",
		}, []string{"throttler", "pool", "kind"}),
		poolQueues: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queues",
			Help:      "Queues associated with each pool.",
		}, []string{"throttler", "pool"}),
		throttledQueues: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "throttled_queues",
			Help:      "Queues with a positive throttle ref count.",
		}, []string{"throttler"}),
	}

	var err error
	if p.loaderPending, err = registerCollector(reg, p.loaderPending); err != nil {
		return nil, err
	}
	if p.loaderRunning, err = registerCollector(reg, p.loaderRunning); err != nil {
		return nil, err
	}
	if p.loaderShutdown, err = registerCollector(reg, p.loaderShutdown); err != nil {
		return nil, err
	}
	if p.poolBudgetLevel, err = registerCollector(reg, p.poolBudgetLevel); err != nil {
		return nil, err
	}
	if p.poolEnabled, err = registerCollector(reg, p.poolEnabled); err != nil {
		return nil, err
	}
	if p.poolQueues, err = registerCollector(reg, p.poolQueues); err != nil {
		return nil, err
	}
	if p.throttledQueues, err = registerCollector(reg, p.throttledQueues); err != nil {
		return nil, err
	}
	return p, nil
}

// AddLoader adds or replaces a loader snapshot provider by frame name.
func (p *SnapshotPoller) AddLoader(name string, provider LoaderSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "frame")
	p.loadersMu.Lock()
	p.loaders[name] = provider
	p.loadersMu.Unlock()
}

// AddThrottler adds or replaces a throttler snapshot provider by name.
func (p *SnapshotPoller) AddThrottler(name string, provider ThrottlerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "throttler")
	p.throttlersMu.Lock()
	p.throttlers[name] = provider
	p.throttlersMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

// CollectOnce polls every provider immediately.
func (p *SnapshotPoller) CollectOnce() {
	if p == nil {
		return
	}
	p.collectOnce()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.loadersMu.RLock()
	for name, provider := range p.loaders {
		snap := provider.LoaderSnapshot()
		p.loaderPending.WithLabelValues(name, loader.Throttleable.String()).Set(float64(len(snap.PendingThrottleable)))
		p.loaderPending.WithLabelValues(name, loader.Stoppable.String()).Set(float64(len(snap.PendingStoppable)))
		p.loaderRunning.WithLabelValues(name, "all").Set(float64(snap.Running))
		p.loaderRunning.WithLabelValues(name, "throttleable").Set(float64(snap.RunningThrottleable))
		p.loaderShutdown.WithLabelValues(name).Set(boolGauge(snap.Shutdown))
	}
	p.loadersMu.RUnlock()

	p.throttlersMu.RLock()
	for name, provider := range p.throttlers {
		snap := provider.ThrottlerSnapshot()
		throttled := 0
		for _, q := range snap.Queues {
			if q.ThrottleRefCount > 0 {
				throttled++
			}
		}
		p.throttledQueues.WithLabelValues(name).Set(float64(throttled))
		for _, pool := range snap.Pools {
			p.poolEnabled.WithLabelValues(name, pool.Name, pool.Kind).Set(boolGauge(pool.Enabled))
			p.poolQueues.WithLabelValues(name, pool.Name).Set(float64(len(pool.Queues)))
			if pool.Kind == "cpu_time" {
				p.poolBudgetLevel.WithLabelValues(name, pool.Name).Set(pool.BudgetLevel.Seconds())
			}
		}
	}
	p.throttlersMu.RUnlock()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
