package loader

import (
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/frame"
)

// DefaultStaleQueueThreshold is how long a pending queue may go without
// granting anything before the scheduler tells the console about it.
const DefaultStaleQueueThreshold = time.Minute

const staleQueueMessage = "Some resource load requests were throttled while the tab was in background, " +
	"and no request was sent from the queue in the last 1 minute. This means previously requested " +
	"in-flight requests haven't received any response from servers."

// ConsoleLogger receives developer-facing messages.
type ConsoleLogger interface {
	AddConsoleMessage(message string)
}

// ResourceLoadSchedulerConfig holds the limits and collaborators of a
// ResourceLoadScheduler. Zero limits take their defaults.
type ResourceLoadSchedulerConfig struct {
	IsMainFrame bool

	TightOutstandingLimit                  int
	NormalOutstandingLimit                 int
	OutstandingLimitForBackgroundMainFrame int
	OutstandingLimitForBackgroundSubFrame  int

	DelayPolicy            DelayPolicy
	ThrottleOptionOverride ThrottleOptionOverride
	StaleQueueThreshold    time.Duration

	Clock         clock.PassiveClock
	Logger        core.Logger
	Metrics       Metrics
	ConsoleLogger ConsoleLogger
}

func DefaultResourceLoadSchedulerConfig() ResourceLoadSchedulerConfig {
	return ResourceLoadSchedulerConfig{
		IsMainFrame:                            true,
		TightOutstandingLimit:                  DefaultTightOutstandingLimit,
		NormalOutstandingLimit:                 DefaultNormalOutstandingLimit,
		OutstandingLimitForBackgroundMainFrame: DefaultOutstandingLimitForBackgroundMainFrame,
		OutstandingLimitForBackgroundSubFrame:  DefaultOutstandingLimitForBackgroundSubFrame,
		DelayPolicy:                            DefaultDelayPolicy(),
		StaleQueueThreshold:                    DefaultStaleQueueThreshold,
	}
}

func (c *ResourceLoadSchedulerConfig) setDefaults() {
	d := DefaultResourceLoadSchedulerConfig()
	if c.TightOutstandingLimit <= 0 {
		c.TightOutstandingLimit = d.TightOutstandingLimit
	}
	if c.NormalOutstandingLimit <= 0 {
		c.NormalOutstandingLimit = d.NormalOutstandingLimit
	}
	if c.OutstandingLimitForBackgroundMainFrame <= 0 {
		c.OutstandingLimitForBackgroundMainFrame = d.OutstandingLimitForBackgroundMainFrame
	}
	if c.OutstandingLimitForBackgroundSubFrame <= 0 {
		c.OutstandingLimitForBackgroundSubFrame = d.OutstandingLimitForBackgroundSubFrame
	}
	if c.StaleQueueThreshold <= 0 {
		c.StaleQueueThreshold = d.StaleQueueThreshold
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Metrics == nil {
		c.Metrics = NilMetrics{}
	}
}

type clientInfo struct {
	client        Client
	option        ThrottleOption
	priority      ResourceLoadPriority
	intraPriority int
	requestedAt   time.Time
}

// runningRequest keeps whether a request counted as important when it was
// granted, so a later delay policy change does not skew the count.
type runningRequest struct {
	priority  ResourceLoadPriority
	important bool
}

func (ci *clientInfo) entry(id ClientID) pendingEntry {
	return pendingEntry{id: id, priority: ci.priority, intraPriority: ci.intraPriority}
}

// TrafficTotals is the reported traffic of one lifecycle state.
type TrafficTotals struct {
	Requests          int   `json:"requests" yaml:"requests"`
	EncodedDataLength int64 `json:"encoded_data_length" yaml:"encoded_data_length"`
	DecodedBodyLength int64 `json:"decoded_body_length" yaml:"decoded_body_length"`
}

// ResourceLoadScheduler grants resource loads permission to start.
//
// Throttleable requests wait until fewer throttleable requests are running
// than the outstanding limit, which depends on the throttling policy, the
// frame lifecycle state and the request priority. Stoppable requests wait
// only while the frame is stopped. Waiting requests are granted highest
// priority first and, within a priority, in request order.
type ResourceLoadScheduler struct {
	cfg     ResourceLoadSchedulerConfig
	clock   clock.PassiveClock
	logger  core.Logger
	metrics Metrics

	policy         ThrottlingPolicy
	lifecycleState frame.SchedulingLifecycleState
	override       ThrottleOptionOverride

	tightLimit  int
	normalLimit int

	nextID  ClientID
	pending map[ClientID]*clientInfo
	queues  map[ThrottleOption]*pendingQueue
	running             map[ClientID]runningRequest
	runningThrottleable sets.Set[ClientID]

	delayPolicy       DelayPolicy
	milestoneReached  bool
	inFlightImportant int
	importantGranted  int

	traffic map[frame.SchedulingLifecycleState]*TrafficTotals

	consoleMessageShown bool
	isShutdown          bool
	lifecycleHandle     *frame.LifecycleObserverHandle
}

var _ frame.LifecycleObserver = (*ResourceLoadScheduler)(nil)

// NewResourceLoadScheduler creates a scheduler. When notifier is not nil the
// scheduler observes it as a loader until Shutdown.
func NewResourceLoadScheduler(policy ThrottlingPolicy, notifier frame.LifecycleNotifier, cfg ResourceLoadSchedulerConfig) *ResourceLoadScheduler {
	cfg.setDefaults()
	s := &ResourceLoadScheduler{
		cfg:                 cfg,
		clock:               cfg.Clock,
		logger:              core.LoggerOrNop(cfg.Logger),
		metrics:             cfg.Metrics,
		policy:              policy,
		lifecycleState:      frame.NotThrottled,
		override:            cfg.ThrottleOptionOverride,
		tightLimit:          cfg.TightOutstandingLimit,
		normalLimit:         cfg.NormalOutstandingLimit,
		nextID:              InvalidClientID,
		pending:             make(map[ClientID]*clientInfo),
		queues:              map[ThrottleOption]*pendingQueue{Throttleable: newPendingQueue(), Stoppable: newPendingQueue()},
		running:             make(map[ClientID]runningRequest),
		runningThrottleable: sets.New[ClientID](),
		delayPolicy:         cfg.DelayPolicy,
		traffic:             make(map[frame.SchedulingLifecycleState]*TrafficTotals),
	}
	if notifier != nil {
		s.lifecycleHandle = notifier.AddLifecycleObserver(frame.ObserverTypeLoader, s)
	}
	return s
}

// Request registers client and returns its id. The client runs before
// Request returns when it is not delayable in the current state, or when it
// is granted right away. After Shutdown nothing is registered, but a fresh
// id is still returned. Shutdown wins over CanNotBeStoppedOrThrottled, so such
// a request made after Shutdown gets an id but never runs.
func (s *ResourceLoadScheduler) Request(client Client, option ThrottleOption, priority ResourceLoadPriority, intraPriority int) ClientID {
	s.nextID++
	id := s.nextID
	if s.isShutdown {
		return id
	}

	if s.override == StoppableAsThrottleable && option == Stoppable {
		option = Throttleable
	}

	if !s.IsClientDelayable(option) {
		s.metrics.RecordRequestGranted(option, priority, 0)
		s.run(id, client, false, priority)
		return id
	}

	now := s.clock.Now()
	info := &clientInfo{
		client:        client,
		option:        option,
		priority:      priority,
		intraPriority: intraPriority,
		requestedAt:   now,
	}
	s.pending[id] = info
	s.queues[option].insert(info.entry(id), now)
	s.metrics.RecordPendingRequests(option, s.queues[option].len())

	s.MaybeRun()
	return id
}

// SetPriority moves a pending request to its new place in the order. It
// does nothing for running or unknown ids.
func (s *ResourceLoadScheduler) SetPriority(id ClientID, priority ResourceLoadPriority, intraPriority int) {
	info, ok := s.pending[id]
	if !ok {
		return
	}
	q := s.queues[info.option]
	q.remove(info.entry(id))
	info.priority = priority
	info.intraPriority = intraPriority
	q.tree.ReplaceOrInsert(info.entry(id))

	s.MaybeRun()
}

// Release ends a request. It returns false for ids that are neither pending
// nor running. With ReleaseAndSchedule, freed capacity is handed to waiting
// requests before Release returns.
func (s *ResourceLoadScheduler) Release(id ClientID, option ReleaseOption, hints TrafficReportHints) bool {
	if id == InvalidClientID {
		return false
	}

	if r, ok := s.running[id]; ok {
		delete(s.running, id)
		s.runningThrottleable.Delete(id)
		if r.important {
			s.inFlightImportant--
		}
		s.reportTraffic(hints)
		s.metrics.RecordRunningRequests(len(s.running), s.runningThrottleable.Len())
		if option == ReleaseAndSchedule {
			s.MaybeRun()
		}
		return true
	}

	if info, ok := s.pending[id]; ok {
		delete(s.pending, id)
		q := s.queues[info.option]
		q.remove(info.entry(id))
		s.metrics.RecordPendingRequests(info.option, q.len())
		// Nothing was running, but the limit may have changed since the last
		// attempt.
		if option == ReleaseAndSchedule {
			s.MaybeRun()
		}
		return true
	}
	return false
}

// IsRunning reports whether id has been granted and not yet released.
func (s *ResourceLoadScheduler) IsRunning(id ClientID) bool {
	_, ok := s.running[id]
	return ok
}

// IsPending reports whether id is waiting to be granted.
func (s *ResourceLoadScheduler) IsPending(id ClientID) bool {
	_, ok := s.pending[id]
	return ok
}

// LoosenThrottlingPolicy switches a tight scheduler to the normal policy.
func (s *ResourceLoadScheduler) LoosenThrottlingPolicy() {
	if s.policy != ThrottlingPolicyTight {
		return
	}
	s.policy = ThrottlingPolicyNormal
	s.logger.Debug("resource load throttling policy loosened")
	s.MaybeRun()
}

func (s *ResourceLoadScheduler) ThrottlingPolicy() ThrottlingPolicy { return s.policy }

// Shutdown stops granting requests and stops observing the frame. Running
// requests may still be released.
func (s *ResourceLoadScheduler) Shutdown() {
	if s.isShutdown {
		return
	}
	s.isShutdown = true
	s.lifecycleHandle.Remove()
	s.lifecycleHandle = nil
}

func (s *ResourceLoadScheduler) IsShutdown() bool { return s.isShutdown }

// OnLifecycleStateChanged applies the frame's new lifecycle state.
func (s *ResourceLoadScheduler) OnLifecycleStateChanged(state frame.SchedulingLifecycleState) {
	if s.lifecycleState == state {
		return
	}
	s.lifecycleState = state
	if state == frame.NotThrottled {
		s.showConsoleMessageIfNeeded()
	}
	s.MaybeRun()
}

func (s *ResourceLoadScheduler) LifecycleState() frame.SchedulingLifecycleState {
	return s.lifecycleState
}

// MarkFirstPaint records the first paint of the frame.
func (s *ResourceLoadScheduler) MarkFirstPaint() {
	s.markMilestone(DelayMilestoneFirstPaint)
}

// MarkFirstContentfulPaint records the first contentful paint of the frame.
func (s *ResourceLoadScheduler) MarkFirstContentfulPaint() {
	s.markMilestone(DelayMilestoneFirstContentfulPaint)
}

func (s *ResourceLoadScheduler) markMilestone(m DelayMilestone) {
	if s.milestoneReached || s.delayPolicy.ComputeDelayMilestone() != m {
		return
	}
	s.milestoneReached = true
	s.logger.Debug("resource load delay milestone reached", core.F("milestone", m.String()))
	s.MaybeRun()
}

// SetDelayPolicy replaces the policy for delaying competing low priority
// requests.
func (s *ResourceLoadScheduler) SetDelayPolicy(p DelayPolicy) {
	s.delayPolicy = p
	s.MaybeRun()
}

// SetThrottleOptionOverride changes how later requests are classified.
// Requests already registered keep their option.
func (s *ResourceLoadScheduler) SetThrottleOptionOverride(o ThrottleOptionOverride) {
	s.override = o
}

// SetOutstandingLimitForTesting replaces both policy limits.
func (s *ResourceLoadScheduler) SetOutstandingLimitForTesting(tightLimit, normalLimit int) {
	s.tightLimit = tightLimit
	s.normalLimit = normalLimit
	s.MaybeRun()
}

// IsClientDelayable reports whether a request with option may have to wait
// in the current lifecycle state.
func (s *ResourceLoadScheduler) IsClientDelayable(option ThrottleOption) bool {
	switch s.lifecycleState {
	case frame.Stopped:
		return option != CanNotBeStoppedOrThrottled
	default:
		return option == Throttleable
	}
}

// GetOutstandingLimit returns how many throttleable requests may run while
// a request of priority waits.
func (s *ResourceLoadScheduler) GetOutstandingLimit(priority ResourceLoadPriority) int {
	limit := OutstandingUnlimited
	switch s.lifecycleState {
	case frame.Hidden, frame.Throttled:
		if s.cfg.IsMainFrame {
			limit = min(limit, s.cfg.OutstandingLimitForBackgroundMainFrame)
		} else {
			limit = min(limit, s.cfg.OutstandingLimitForBackgroundSubFrame)
		}
	case frame.Stopped:
		limit = 0
	}

	switch s.policy {
	case ThrottlingPolicyTight:
		if priority < PriorityHigh {
			limit = min(limit, s.tightLimit)
		} else {
			limit = min(limit, s.normalLimit)
		}
	default:
		limit = min(limit, s.normalLimit)
	}
	return limit
}

// MaybeRun grants waiting requests until none of them is allowed to start.
// Clients may re-enter the scheduler from Run.
func (s *ResourceLoadScheduler) MaybeRun() {
	if s.isShutdown {
		return
	}
	for {
		id, ok := s.nextPendingRequest()
		if !ok {
			return
		}
		info, ok := s.pending[id]
		if !ok {
			continue
		}
		delete(s.pending, id)
		s.metrics.RecordRequestGranted(info.option, info.priority, s.clock.Since(info.requestedAt))
		s.metrics.RecordPendingRequests(info.option, s.queues[info.option].len())
		s.run(id, info.client, info.option == Throttleable, info.priority)
	}
}

// nextPendingRequest pops the head that should run next, if any head may
// run at all.
func (s *ResourceLoadScheduler) nextPendingRequest() (ClientID, bool) {
	stoppable := s.queues[Stoppable]
	throttleable := s.queues[Throttleable]

	stoppableHead, hasStoppable := stoppable.head()
	hasStoppable = hasStoppable && s.canRun(Stoppable, stoppableHead.priority)

	throttleableHead, hasThrottleable := throttleable.head()
	hasThrottleable = hasThrottleable && s.canRun(Throttleable, throttleableHead.priority)

	if !hasStoppable && !hasThrottleable {
		return InvalidClientID, false
	}

	now := s.clock.Now()
	if hasStoppable && (!hasThrottleable || pendingLess(stoppableHead, throttleableHead)) {
		stoppable.popHead(now)
		return stoppableHead.id, true
	}
	throttleable.popHead(now)
	return throttleableHead.id, true
}

func (s *ResourceLoadScheduler) canRun(option ThrottleOption, priority ResourceLoadPriority) bool {
	if !s.IsClientDelayable(option) {
		return true
	}
	if s.runningThrottleable.Len() >= s.GetOutstandingLimit(priority) {
		return false
	}
	if option == Throttleable && s.delayPolicy.shouldDelay(s.delayState(), priority) {
		return false
	}
	return true
}

func (s *ResourceLoadScheduler) delayState() delayState {
	return delayState{
		milestoneReached:  s.milestoneReached,
		inFlightImportant: s.inFlightImportant,
		importantGranted:  s.importantGranted,
	}
}

func (s *ResourceLoadScheduler) run(id ClientID, client Client, throttleable bool, priority ResourceLoadPriority) {
	important := s.delayPolicy.IsImportant(priority)
	s.running[id] = runningRequest{priority: priority, important: important}
	if throttleable {
		s.runningThrottleable.Insert(id)
	}
	if important {
		s.inFlightImportant++
		s.importantGranted++
		if capped := s.delayPolicy.MaxImportantRequests; s.delayPolicy.active() && capped > 0 && s.importantGranted >= capped && !s.milestoneReached {
			s.milestoneReached = true
			s.logger.Debug("resource load delay ended by important request count", core.F("count", s.importantGranted))
		}
	}
	s.metrics.RecordRunningRequests(len(s.running), s.runningThrottleable.Len())
	client.Run()
}

func (s *ResourceLoadScheduler) reportTraffic(hints TrafficReportHints) {
	if !hints.IsValid() {
		return
	}
	t, ok := s.traffic[s.lifecycleState]
	if !ok {
		t = &TrafficTotals{}
		s.traffic[s.lifecycleState] = t
	}
	t.Requests++
	t.EncodedDataLength += hints.EncodedDataLength
	t.DecodedBodyLength += hints.DecodedBodyLength
	s.metrics.RecordTraffic(s.lifecycleState, hints.EncodedDataLength, hints.DecodedBodyLength)
}

func (s *ResourceLoadScheduler) showConsoleMessageIfNeeded() {
	if s.consoleMessageShown || len(s.pending) == 0 {
		return
	}
	limit := s.clock.Now().Add(-s.cfg.StaleQueueThreshold)
	stale := false
	for _, option := range []ThrottleOption{Throttleable, Stoppable} {
		q := s.queues[option]
		if q.len() > 0 && q.updatedAt.Before(limit) {
			stale = true
			break
		}
	}
	if !stale {
		return
	}
	s.consoleMessageShown = true
	s.logger.Info(staleQueueMessage, core.F("pending", len(s.pending)))
	if s.cfg.ConsoleLogger != nil {
		s.cfg.ConsoleLogger.AddConsoleMessage(staleQueueMessage)
	}
}

// =============================================================================
// Introspection
// =============================================================================

// SchedulerSnapshot is a point-in-time view of a scheduler.
type SchedulerSnapshot struct {
	Policy                string                   `json:"policy" yaml:"policy"`
	LifecycleState        string                   `json:"lifecycle_state" yaml:"lifecycle_state"`
	Shutdown              bool                     `json:"shutdown" yaml:"shutdown"`
	PendingThrottleable   []ClientID               `json:"pending_throttleable" yaml:"pending_throttleable"`
	PendingStoppable      []ClientID               `json:"pending_stoppable" yaml:"pending_stoppable"`
	Running               int                      `json:"running" yaml:"running"`
	RunningThrottleable   int                      `json:"running_throttleable" yaml:"running_throttleable"`
	InFlightImportant     int                      `json:"in_flight_important" yaml:"in_flight_important"`
	DelayMilestoneReached bool                     `json:"delay_milestone_reached" yaml:"delay_milestone_reached"`
	Traffic               map[string]TrafficTotals `json:"traffic,omitempty" yaml:"traffic,omitempty"`
}

func (s *ResourceLoadScheduler) Snapshot() SchedulerSnapshot {
	snap := SchedulerSnapshot{
		Policy:                s.policy.String(),
		LifecycleState:        s.lifecycleState.String(),
		Shutdown:              s.isShutdown,
		PendingThrottleable:   s.queues[Throttleable].ids(),
		PendingStoppable:      s.queues[Stoppable].ids(),
		Running:               len(s.running),
		RunningThrottleable:   s.runningThrottleable.Len(),
		InFlightImportant:     s.inFlightImportant,
		DelayMilestoneReached: s.milestoneReached,
	}
	if len(s.traffic) > 0 {
		snap.Traffic = make(map[string]TrafficTotals, len(s.traffic))
		for state, t := range s.traffic {
			snap.Traffic[state.String()] = *t
		}
	}
	return snap
}
