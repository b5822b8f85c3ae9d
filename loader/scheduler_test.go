package loader_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/Swind/go-load-scheduler/frame"
	"github.com/Swind/go-load-scheduler/loader"
)

var t0 = time.Unix(1_000_000, 0)

// fakeNotifier stands in for a frame scheduler.
type fakeNotifier struct {
	state    frame.SchedulingLifecycleState
	observer frame.LifecycleObserver
}

func (n *fakeNotifier) AddLifecycleObserver(t frame.ObserverType, o frame.LifecycleObserver) *frame.LifecycleObserverHandle {
	n.observer = o
	o.OnLifecycleStateChanged(n.state)
	return frame.NewLifecycleObserverHandle(func() { n.observer = nil })
}

func (n *fakeNotifier) set(s frame.SchedulingLifecycleState) {
	n.state = s
	if n.observer != nil {
		n.observer.OnLifecycleStateChanged(s)
	}
}

// runLog records the order in which clients are granted.
type runLog struct {
	order []string
}

func (l *runLog) client(name string) loader.Client {
	return loader.ClientFunc(func() { l.order = append(l.order, name) })
}

type consoleRecorder struct {
	messages []string
}

func (c *consoleRecorder) AddConsoleMessage(m string) { c.messages = append(c.messages, m) }

type fixture struct {
	clock    *clocktesting.FakeClock
	notifier *fakeNotifier
	console  *consoleRecorder
	log      *runLog
	s        *loader.ResourceLoadScheduler
}

func newFixture(t *testing.T, policy loader.ThrottlingPolicy, mutate func(*loader.ResourceLoadSchedulerConfig)) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clocktesting.NewFakeClock(t0),
		notifier: &fakeNotifier{},
		console:  &consoleRecorder{},
		log:      &runLog{},
	}
	cfg := loader.DefaultResourceLoadSchedulerConfig()
	cfg.DelayPolicy = loader.DisabledDelayPolicy()
	cfg.Clock = f.clock
	cfg.Logger = zaptest.NewLogger(t)
	cfg.ConsoleLogger = f.console
	if mutate != nil {
		mutate(&cfg)
	}
	f.s = loader.NewResourceLoadScheduler(policy, f.notifier, cfg)
	return f
}

// TestResourceLoadScheduler_ReleaseGrantsNextRequest verifies backfilling
// Given: A normal scheduler limited to one outstanding request
// When: A high then a low priority throttleable request arrive and the first is released
// Then: The first runs at once, the second waits and runs on release
func TestResourceLoadScheduler_ReleaseGrantsNextRequest(t *testing.T) {
	// Arrange
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.s.SetOutstandingLimitForTesting(1, 1)

	// Act
	a := f.s.Request(f.log.client("A"), loader.Throttleable, loader.PriorityHigh, 0)
	b := f.s.Request(f.log.client("B"), loader.Throttleable, loader.PriorityLow, 0)

	// Assert
	assert.Equal(t, []string{"A"}, f.log.order)
	assert.True(t, f.s.IsRunning(a))
	assert.True(t, f.s.IsPending(b))

	// Act
	require.True(t, f.s.Release(a, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints()))

	// Assert
	assert.Equal(t, []string{"A", "B"}, f.log.order)
	assert.True(t, f.s.IsRunning(b))
}

// TestResourceLoadScheduler_GrantOrder verifies priority ordering
// Given: A saturated scheduler
// When: Requests with mixed priorities are queued and capacity frees up one by one
// Then: Grants follow priority, then intra-priority, then request order
func TestResourceLoadScheduler_GrantOrder(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.s.SetOutstandingLimitForTesting(1, 1)
	blocker := f.s.Request(f.log.client("blocker"), loader.Throttleable, loader.PriorityVeryHigh, 0)

	ids := []loader.ClientID{blocker}
	for _, r := range []struct {
		name  string
		prio  loader.ResourceLoadPriority
		intra int
	}{
		{"low", loader.PriorityLow, 0},
		{"high-1", loader.PriorityHigh, 1},
		{"high-5", loader.PriorityHigh, 5},
		{"medium-a", loader.PriorityMedium, 0},
		{"medium-b", loader.PriorityMedium, 0},
		{"very-low", loader.PriorityVeryLow, 9},
	} {
		ids = append(ids, f.s.Request(f.log.client(r.name), loader.Throttleable, r.prio, r.intra))
	}

	for released := true; released; {
		released = false
		for _, id := range ids {
			if f.s.IsRunning(id) {
				released = f.s.Release(id, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())
				break
			}
		}
	}

	want := []string{"blocker", "high-5", "high-1", "medium-a", "medium-b", "low", "very-low"}
	if diff := cmp.Diff(want, f.log.order); diff != "" {
		t.Errorf("grant order mismatch (-want +got):\n%s", diff)
	}
}

// TestResourceLoadScheduler_SetPriorityReorders verifies re-ranking
func TestResourceLoadScheduler_SetPriorityReorders(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.s.SetOutstandingLimitForTesting(1, 1)
	blocker := f.s.Request(f.log.client("blocker"), loader.Throttleable, loader.PriorityHigh, 0)
	f.s.Request(f.log.client("first"), loader.Throttleable, loader.PriorityLow, 0)
	second := f.s.Request(f.log.client("second"), loader.Throttleable, loader.PriorityLow, 0)

	f.s.SetPriority(second, loader.PriorityVeryHigh, 0)
	// Unknown and running ids are ignored.
	f.s.SetPriority(blocker, loader.PriorityVeryLow, 0)
	f.s.SetPriority(999, loader.PriorityVeryHigh, 0)
	f.s.Release(blocker, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())

	assert.Equal(t, []string{"blocker", "second"}, f.log.order)
}

// TestResourceLoadScheduler_UnthrottleableRunsImmediately verifies immediacy
// Given: A stopped scheduler with no capacity at all
// When: An unthrottleable request arrives
// Then: It runs before Request returns
func TestResourceLoadScheduler_UnthrottleableRunsImmediately(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyTight, nil)
	f.notifier.set(frame.Stopped)
	require.Equal(t, 0, f.s.GetOutstandingLimit(loader.PriorityVeryHigh))

	id := f.s.Request(f.log.client("critical"), loader.CanNotBeStoppedOrThrottled, loader.PriorityVeryLow, 0)

	assert.Equal(t, []string{"critical"}, f.log.order)
	assert.True(t, f.s.IsRunning(id))
	assert.Equal(t, 0, f.s.Snapshot().RunningThrottleable)
}

// TestResourceLoadScheduler_ReleaseUnknownID verifies unknown ids are inert
func TestResourceLoadScheduler_ReleaseUnknownID(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.s.SetOutstandingLimitForTesting(1, 1)
	a := f.s.Request(f.log.client("A"), loader.Throttleable, loader.PriorityHigh, 0)
	f.s.Request(f.log.client("B"), loader.Throttleable, loader.PriorityHigh, 0)
	before := f.s.Snapshot()

	assert.False(t, f.s.Release(loader.InvalidClientID, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints()))
	assert.False(t, f.s.Release(12345, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints()))
	assert.Equal(t, before, f.s.Snapshot())

	require.True(t, f.s.Release(a, loader.ReleaseOnly, loader.InvalidTrafficReportHints()))
	after := f.s.Snapshot()
	assert.False(t, f.s.Release(a, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints()))
	assert.Equal(t, after, f.s.Snapshot(), "a second release changes nothing")
	assert.Equal(t, []string{"A"}, f.log.order, "ReleaseOnly does not schedule")
}

// TestResourceLoadScheduler_ReleasePending verifies pending requests can be
// withdrawn
func TestResourceLoadScheduler_ReleasePending(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.s.SetOutstandingLimitForTesting(1, 1)
	a := f.s.Request(f.log.client("A"), loader.Throttleable, loader.PriorityHigh, 0)
	b := f.s.Request(f.log.client("B"), loader.Throttleable, loader.PriorityHigh, 0)
	f.s.Request(f.log.client("C"), loader.Throttleable, loader.PriorityLow, 0)

	assert.True(t, f.s.Release(b, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints()))
	assert.False(t, f.s.IsPending(b))
	f.s.Release(a, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())

	assert.Equal(t, []string{"A", "C"}, f.log.order)
}

func TestResourceLoadScheduler_OutstandingLimits(t *testing.T) {
	tests := []struct {
		name      string
		policy    loader.ThrottlingPolicy
		mainFrame bool
		state     frame.SchedulingLifecycleState
		priority  loader.ResourceLoadPriority
		want      int
	}{
		{"normal visible", loader.ThrottlingPolicyNormal, true, frame.NotThrottled, loader.PriorityLow, loader.DefaultNormalOutstandingLimit},
		{"tight low", loader.ThrottlingPolicyTight, true, frame.NotThrottled, loader.PriorityMedium, loader.DefaultTightOutstandingLimit},
		{"tight high", loader.ThrottlingPolicyTight, true, frame.NotThrottled, loader.PriorityHigh, loader.DefaultNormalOutstandingLimit},
		{"hidden main frame", loader.ThrottlingPolicyNormal, true, frame.Hidden, loader.PriorityHigh, 3},
		{"throttled subframe", loader.ThrottlingPolicyNormal, false, frame.Throttled, loader.PriorityHigh, 2},
		{"tight throttled subframe", loader.ThrottlingPolicyTight, false, frame.Throttled, loader.PriorityLow, 2},
		{"stopped", loader.ThrottlingPolicyNormal, true, frame.Stopped, loader.PriorityVeryHigh, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy, func(c *loader.ResourceLoadSchedulerConfig) { c.IsMainFrame = tt.mainFrame })
			f.notifier.set(tt.state)
			assert.Equal(t, tt.want, f.s.GetOutstandingLimit(tt.priority))
		})
	}
}

// TestResourceLoadScheduler_TightPolicyAndLoosen verifies policy switching
func TestResourceLoadScheduler_TightPolicyAndLoosen(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyTight, nil)
	for _, name := range []string{"1", "2", "3", "4"} {
		f.s.Request(f.log.client(name), loader.Throttleable, loader.PriorityLow, 0)
	}
	f.s.Request(f.log.client("high"), loader.Throttleable, loader.PriorityHigh, 0)
	assert.Equal(t, []string{"1", "2", "high"}, f.log.order)

	f.s.LoosenThrottlingPolicy()
	assert.Equal(t, loader.ThrottlingPolicyNormal, f.s.ThrottlingPolicy())
	assert.Equal(t, []string{"1", "2", "high", "3", "4"}, f.log.order)

	f.s.LoosenThrottlingPolicy()
	assert.Equal(t, loader.ThrottlingPolicyNormal, f.s.ThrottlingPolicy())
}

// TestResourceLoadScheduler_StoppableWaitsWhileStopped verifies stop handling
// Given: A stopped frame
// When: Stoppable and throttleable requests arrive and the frame resumes
// Then: Nothing runs while stopped; both run on resume
func TestResourceLoadScheduler_StoppableWaitsWhileStopped(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)

	f.s.Request(f.log.client("stoppable-visible"), loader.Stoppable, loader.PriorityLow, 0)
	assert.Equal(t, []string{"stoppable-visible"}, f.log.order, "stoppable runs freely while not stopped")

	f.notifier.set(frame.Stopped)
	f.s.Request(f.log.client("stoppable"), loader.Stoppable, loader.PriorityLow, 0)
	f.s.Request(f.log.client("throttleable"), loader.Throttleable, loader.PriorityHigh, 0)
	assert.Len(t, f.log.order, 1)

	f.notifier.set(frame.NotThrottled)
	assert.Equal(t, []string{"stoppable-visible", "throttleable", "stoppable"}, f.log.order)
	assert.Equal(t, 1, f.s.Snapshot().RunningThrottleable)
}

func TestResourceLoadScheduler_StoppableAsThrottleable(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, func(c *loader.ResourceLoadSchedulerConfig) {
		c.ThrottleOptionOverride = loader.StoppableAsThrottleable
	})
	f.s.SetOutstandingLimitForTesting(1, 1)

	f.s.Request(f.log.client("A"), loader.Stoppable, loader.PriorityLow, 0)
	f.s.Request(f.log.client("B"), loader.Stoppable, loader.PriorityLow, 0)

	assert.Equal(t, []string{"A"}, f.log.order, "stoppable requests are limited like throttleable ones")
	snap := f.s.Snapshot()
	assert.Len(t, snap.PendingThrottleable, 1)
	assert.Empty(t, snap.PendingStoppable)

	f.s.SetThrottleOptionOverride(loader.ThrottleOptionOverrideNone)
	f.s.Request(f.log.client("C"), loader.Stoppable, loader.PriorityLow, 0)
	assert.Equal(t, []string{"A", "C"}, f.log.order)
}

// TestResourceLoadScheduler_ReentrantClients verifies clients may call back in
// Given: A client that releases itself and issues a new request from Run
// When: It is granted
// Then: The nested request is scheduled and capacity stays consistent
func TestResourceLoadScheduler_ReentrantClients(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.s.SetOutstandingLimitForTesting(1, 1)

	var self loader.ClientID
	nested := false
	reentrant := loader.ClientFunc(func() {
		f.log.order = append(f.log.order, "reentrant")
		f.s.Release(self, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())
		f.s.Request(loader.ClientFunc(func() {
			nested = true
			f.log.order = append(f.log.order, "nested")
		}), loader.Throttleable, loader.PriorityLow, 0)
	})

	blocker := f.s.Request(f.log.client("blocker"), loader.Throttleable, loader.PriorityHigh, 0)
	self = f.s.Request(reentrant, loader.Throttleable, loader.PriorityHigh, 0)
	queued := f.s.Request(f.log.client("queued"), loader.Throttleable, loader.PriorityMedium, 0)

	f.s.Release(blocker, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())

	// The self-release inside Run handed the slot to "queued"; the nested
	// request waits behind it.
	assert.Equal(t, []string{"blocker", "reentrant", "queued"}, f.log.order)
	assert.False(t, nested)
	assert.Equal(t, 1, f.s.Snapshot().RunningThrottleable)

	f.s.Release(queued, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())
	assert.True(t, nested)
	assert.Equal(t, 1, f.s.Snapshot().RunningThrottleable)
}

// TestResourceLoadScheduler_NeverExceedsLimit drives random operations and
// checks capacity whenever a throttleable request is granted
func TestResourceLoadScheduler_NeverExceedsLimit(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyTight, func(c *loader.ResourceLoadSchedulerConfig) {
		c.DelayPolicy = loader.DefaultDelayPolicy()
	})
	f.s.SetOutstandingLimitForTesting(2, 4)
	rng := rand.New(rand.NewPCG(1, 2))

	states := []frame.SchedulingLifecycleState{frame.NotThrottled, frame.Hidden, frame.Throttled, frame.Stopped}
	options := []loader.ThrottleOption{loader.Throttleable, loader.Throttleable, loader.Stoppable, loader.CanNotBeStoppedOrThrottled}
	var ids []loader.ClientID

	for step := 0; step < 2000; step++ {
		switch op := rng.IntN(10); {
		case op < 5:
			option := options[rng.IntN(len(options))]
			priority := loader.ResourceLoadPriority(rng.IntN(5))
			client := loader.ClientFunc(func() {
				if option != loader.Throttleable {
					return
				}
				running := f.s.Snapshot().RunningThrottleable
				if limit := f.s.GetOutstandingLimit(priority); running > limit {
					t.Fatalf("step %d: %d throttleable requests running, limit %d", step, running, limit)
				}
			})
			ids = append(ids, f.s.Request(client, option, priority, rng.IntN(3)))
		case op < 8 && len(ids) > 0:
			i := rng.IntN(len(ids))
			f.s.Release(ids[i], loader.ReleaseAndSchedule, loader.NewTrafficReportHints(100, 200))
			ids = append(ids[:i], ids[i+1:]...)
		case op == 8:
			f.notifier.set(states[rng.IntN(len(states))])
		default:
			if rng.IntN(20) == 0 {
				f.s.MarkFirstContentfulPaint()
			}
		}
	}
}

// TestResourceLoadScheduler_DelaysLowPriorityUntilMilestone verifies the
// delay policy
// Given: An important request in flight on a scheduler delaying until first
// contentful paint
// When: A low priority request arrives with capacity to spare
// Then: It waits until first contentful paint, not first paint
func TestResourceLoadScheduler_DelaysLowPriorityUntilMilestone(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, func(c *loader.ResourceLoadSchedulerConfig) {
		c.DelayPolicy = loader.DefaultDelayPolicy()
	})

	f.s.Request(f.log.client("important"), loader.Throttleable, loader.PriorityHigh, 0)
	f.s.Request(f.log.client("low"), loader.Throttleable, loader.PriorityLow, 0)
	f.s.Request(f.log.client("medium"), loader.Throttleable, loader.PriorityMedium, 0)
	assert.Equal(t, []string{"important", "medium"}, f.log.order)

	f.s.MarkFirstPaint()
	assert.Len(t, f.log.order, 2)

	f.s.MarkFirstContentfulPaint()
	assert.Equal(t, []string{"important", "medium", "low"}, f.log.order)
	assert.True(t, f.s.Snapshot().DelayMilestoneReached)
}

func TestResourceLoadScheduler_DelayEndsWhenImportantRequestsFinish(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, func(c *loader.ResourceLoadSchedulerConfig) {
		c.DelayPolicy = loader.DefaultDelayPolicy()
	})

	important := f.s.Request(f.log.client("important"), loader.Throttleable, loader.PriorityVeryHigh, 0)
	f.s.Request(f.log.client("low"), loader.Throttleable, loader.PriorityVeryLow, 0)
	require.Len(t, f.log.order, 1)

	f.s.Release(important, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())

	assert.Equal(t, []string{"important", "low"}, f.log.order)
}

func TestResourceLoadScheduler_DelayEndsAfterMaxImportantRequests(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, func(c *loader.ResourceLoadSchedulerConfig) {
		c.DelayPolicy = loader.DefaultDelayPolicy()
		c.DelayPolicy.MaxImportantRequests = 2
	})

	f.s.Request(f.log.client("important-1"), loader.Throttleable, loader.PriorityHigh, 0)
	f.s.Request(f.log.client("low"), loader.Throttleable, loader.PriorityLow, 0)
	require.Len(t, f.log.order, 1)

	f.s.Request(f.log.client("important-2"), loader.Throttleable, loader.PriorityHigh, 0)

	assert.Equal(t, []string{"important-1", "important-2", "low"}, f.log.order)
	assert.True(t, f.s.Snapshot().DelayMilestoneReached, "the cap ends delaying for good")
}

// TestResourceLoadScheduler_DelayPolicyChangeKeepsImportantCount verifies
// importance is judged once, at grant time
// Given: A medium priority request granted while medium counts as important
// When: The threshold is raised to high before it is released
// Then: Release clears the count and a later low priority request runs at once
func TestResourceLoadScheduler_DelayPolicyChangeKeepsImportantCount(t *testing.T) {
	// Arrange
	f := newFixture(t, loader.ThrottlingPolicyNormal, func(c *loader.ResourceLoadSchedulerConfig) {
		c.DelayPolicy = loader.DefaultDelayPolicy()
	})
	a := f.s.Request(f.log.client("a"), loader.Throttleable, loader.PriorityMedium, 0)
	require.Equal(t, 1, f.s.Snapshot().InFlightImportant)

	raised := loader.DefaultDelayPolicy()
	raised.ImportanceThreshold = loader.PriorityHigh
	f.s.SetDelayPolicy(raised)

	// Act
	f.s.Release(a, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())
	low := f.s.Request(f.log.client("low"), loader.Throttleable, loader.PriorityLow, 0)

	// Assert
	assert.Equal(t, []string{"a", "low"}, f.log.order)
	assert.True(t, f.s.IsRunning(low))
	assert.Zero(t, f.s.Snapshot().InFlightImportant)
}

// TestResourceLoadScheduler_LoweredThresholdKeepsCountNonNegative verifies the
// count cannot go below zero
// Given: A low priority request granted while it does not count as important
// When: The threshold is lowered to low before it is released
// Then: A later important request still holds back lower priority work
func TestResourceLoadScheduler_LoweredThresholdKeepsCountNonNegative(t *testing.T) {
	// Arrange
	f := newFixture(t, loader.ThrottlingPolicyNormal, func(c *loader.ResourceLoadSchedulerConfig) {
		c.DelayPolicy = loader.DefaultDelayPolicy()
	})
	low := f.s.Request(f.log.client("low"), loader.Throttleable, loader.PriorityLow, 0)
	require.Zero(t, f.s.Snapshot().InFlightImportant)

	lowered := loader.DefaultDelayPolicy()
	lowered.ImportanceThreshold = loader.PriorityLow
	f.s.SetDelayPolicy(lowered)

	// Act
	f.s.Release(low, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())
	f.s.Request(f.log.client("high"), loader.Throttleable, loader.PriorityHigh, 0)
	veryLow := f.s.Request(f.log.client("very-low"), loader.Throttleable, loader.PriorityVeryLow, 0)

	// Assert
	assert.Equal(t, []string{"low", "high"}, f.log.order)
	assert.True(t, f.s.IsPending(veryLow))
	assert.Equal(t, 1, f.s.Snapshot().InFlightImportant)
}

// TestResourceLoadScheduler_ShutdownAbandonsPending verifies shutdown
func TestResourceLoadScheduler_ShutdownAbandonsPending(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.s.SetOutstandingLimitForTesting(1, 1)
	a := f.s.Request(f.log.client("A"), loader.Throttleable, loader.PriorityHigh, 0)
	f.s.Request(f.log.client("B"), loader.Throttleable, loader.PriorityHigh, 0)

	f.s.Shutdown()
	f.s.Shutdown()

	assert.Nil(t, f.notifier.observer, "shutdown stops observing the frame")
	assert.True(t, f.s.Release(a, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints()))
	late := f.s.Request(f.log.client("late"), loader.CanNotBeStoppedOrThrottled, loader.PriorityHigh, 0)
	assert.NotEqual(t, loader.InvalidClientID, late)
	assert.False(t, f.s.IsRunning(late))
	assert.Equal(t, []string{"A"}, f.log.order)
	assert.True(t, f.s.IsShutdown())
}

// TestResourceLoadScheduler_StaleQueueConsoleMessage verifies the one-time
// diagnostic
// Given: A throttled frame with a request stuck for over a minute
// When: The frame becomes unthrottled, twice
// Then: The console hears about it exactly once
func TestResourceLoadScheduler_StaleQueueConsoleMessage(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	f.notifier.set(frame.Throttled)
	for i := 0; i < 4; i++ {
		f.s.Request(f.log.client("r"), loader.Throttleable, loader.PriorityLow, 0)
	}
	require.Len(t, f.log.order, 3)

	f.clock.Step(30 * time.Second)
	f.notifier.set(frame.NotThrottled)
	assert.Empty(t, f.console.messages, "not stale yet")

	f.notifier.set(frame.Throttled)
	for i := 0; i < 4; i++ {
		f.s.Request(f.log.client("r"), loader.Throttleable, loader.PriorityLow, 0)
	}
	f.clock.Step(61 * time.Second)
	f.notifier.set(frame.NotThrottled)
	assert.Len(t, f.console.messages, 1)

	f.notifier.set(frame.Throttled)
	f.s.Request(f.log.client("r"), loader.Throttleable, loader.PriorityLow, 0)
	f.clock.Step(2 * time.Minute)
	f.notifier.set(frame.NotThrottled)
	assert.Len(t, f.console.messages, 1)
}

func TestResourceLoadScheduler_TrafficTotals(t *testing.T) {
	f := newFixture(t, loader.ThrottlingPolicyNormal, nil)
	a := f.s.Request(f.log.client("A"), loader.Throttleable, loader.PriorityHigh, 0)
	b := f.s.Request(f.log.client("B"), loader.Throttleable, loader.PriorityHigh, 0)
	c := f.s.Request(f.log.client("C"), loader.Throttleable, loader.PriorityHigh, 0)

	f.s.Release(a, loader.ReleaseAndSchedule, loader.NewTrafficReportHints(10, 20))
	f.notifier.set(frame.Hidden)
	f.s.Release(b, loader.ReleaseAndSchedule, loader.NewTrafficReportHints(1, 2))
	f.s.Release(c, loader.ReleaseAndSchedule, loader.InvalidTrafficReportHints())

	want := map[string]loader.TrafficTotals{
		"not_throttled": {Requests: 1, EncodedDataLength: 10, DecodedBodyLength: 20},
		"hidden":        {Requests: 1, EncodedDataLength: 1, DecodedBodyLength: 2},
	}
	assert.Equal(t, want, f.s.Snapshot().Traffic)
}

func TestParseEnums(t *testing.T) {
	p, err := loader.ParseResourceLoadPriority("VERY_HIGH")
	require.NoError(t, err)
	assert.Equal(t, loader.PriorityVeryHigh, p)

	o, err := loader.ParseThrottleOption("stoppable")
	require.NoError(t, err)
	assert.Equal(t, loader.Stoppable, o)

	m, err := loader.ParseDelayMilestone("first_paint")
	require.NoError(t, err)
	assert.Equal(t, loader.DelayMilestoneFirstPaint, m)

	_, err = loader.ParseResourceLoadPriority("urgent")
	assert.Error(t, err)
	_, err = loader.ParseThrottleOption("")
	assert.Error(t, err)
}
