package sim_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/Swind/go-load-scheduler/config"
	"github.com/Swind/go-load-scheduler/internal/sim"
)

func mustLoad(t *testing.T, doc string) sim.Scenario {
	t.Helper()
	sc, err := sim.Load(strings.NewReader(doc))
	require.NoError(t, err)
	return sc
}

func run(t *testing.T, sc sim.Scenario, mutate func(*config.Config)) *sim.Result {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	res, err := sim.Run(context.Background(), sc, sim.Options{Config: &cfg, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return res
}

func startTimes(res *sim.Result) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, e := range res.Filter(sim.EventStart) {
		out[e.Client] = e.At
	}
	return out
}

// Given three throttleable images that each take 100ms to load
// When they are requested together under the tight policy
// Then the third starts only when the first finishes loading
func TestRun_TightPolicyQueuesThirdRequest(t *testing.T) {
	// Arrange
	sc := mustLoad(t, `
name: tight
steps:
  - {at: 0s, action: request, name: a, priority: low, duration: 100ms}
  - {at: 0s, action: request, name: b, priority: low, duration: 150ms}
  - {at: 0s, action: request, name: c, priority: low, duration: 100ms}
`)

	// Act
	res := run(t, sc, func(c *config.Config) { c.Loader.Delay.Enabled = false })

	// Assert
	starts := startTimes(res)
	assert.Equal(t, time.Duration(0), starts["a"])
	assert.Equal(t, time.Duration(0), starts["b"])
	assert.Equal(t, 100*time.Millisecond, starts["c"])
	assert.Len(t, res.Filter(sim.EventRelease), 3)
	assert.Equal(t, 0, res.Loader.Running)
	assert.GreaterOrEqual(t, res.Duration, 200*time.Millisecond)
}

// Given an important script in flight before first contentful paint
// When a low priority image is requested
// Then the image waits for the paint milestone
func TestRun_DelaysLowPriorityUntilFirstContentfulPaint(t *testing.T) {
	// Arrange
	sc := mustLoad(t, `
name: delay
steps:
  - {at: 0s, action: request, name: script, option: can_not_be_stopped_or_throttled, priority: high}
  - {at: 0s, action: request, name: image, priority: low}
  - {at: 300ms, action: first_contentful_paint}
`)

	// Act
	res := run(t, sc, nil)

	// Assert
	requests := res.Filter(sim.EventRequest)
	require.Len(t, requests, 2)
	assert.Equal(t, "granted", requests[0].Detail)
	assert.Equal(t, "pending", requests[1].Detail)
	assert.Equal(t, 300*time.Millisecond, startTimes(res)["image"])
}

func TestRun_FrozenPageHoldsStoppableRequests(t *testing.T) {
	sc := mustLoad(t, `
name: frozen
steps:
  - {at: 0s, action: lifecycle, state: frozen}
  - {at: 10ms, action: request, name: xhr, option: stoppable, priority: high}
  - {at: 10ms, action: request, name: beacon, option: can_not_be_stopped_or_throttled}
  - {at: 500ms, action: lifecycle, state: resumed}
`)

	res := run(t, sc, nil)

	starts := startTimes(res)
	assert.Equal(t, 10*time.Millisecond, starts["beacon"])
	assert.Equal(t, 500*time.Millisecond, starts["xhr"])
	lifecycle := res.Filter(sim.EventLifecycle)
	require.Len(t, lifecycle, 2)
	assert.Equal(t, "frozen loader=stopped", lifecycle[0].Detail)
	assert.Equal(t, "resumed loader=not_throttled", lifecycle[1].Detail)
}

func TestRun_SetPriorityAndLoosen(t *testing.T) {
	sc := mustLoad(t, `
name: priority
policy: tight
steps:
  - {at: 0s, action: request, name: a, priority: low}
  - {at: 0s, action: request, name: b, priority: low}
  - {at: 0s, action: request, name: c, priority: low}
  - {at: 0s, action: request, name: d, priority: low}
  - {at: 10ms, action: set_priority, name: d, priority: very_low}
  - {at: 20ms, action: loosen}
`)

	res := run(t, sc, func(c *config.Config) { c.Loader.Delay.Enabled = false })

	starts := startTimes(res)
	assert.Equal(t, 20*time.Millisecond, starts["c"])
	assert.Equal(t, 20*time.Millisecond, starts["d"])
	policy := res.Filter(sim.EventPolicy)
	require.Len(t, policy, 1)
	assert.Equal(t, "normal", policy[0].Detail)
	assert.Equal(t, "normal", res.Loader.Policy)
}

// Given a throttled page
// When tasks are posted to a throttleable and an unpausable queue
// Then only the throttleable task waits for the next aligned wake-up
func TestRun_ThrottledPageAlignsTasks(t *testing.T) {
	// Arrange
	sc := mustLoad(t, `
name: throttled
steps:
  - {at: 0s, action: lifecycle, state: throttled}
  - {at: 10ms, action: post_task, queue: throttleable}
  - {at: 10ms, action: post_task, queue: unpausable}
`)

	// Act
	res := run(t, sc, nil)

	// Assert
	tasks := res.Filter(sim.EventTask)
	require.Len(t, tasks, 2)
	assert.Equal(t, 10*time.Millisecond, tasks[0].At)
	assert.Contains(t, tasks[0].Detail, "unpausable")
	assert.Greater(t, tasks[1].At, 10*time.Millisecond)
}

func TestRun_ReportsTrafficAndShutdown(t *testing.T) {
	sc := mustLoad(t, `
name: traffic
steps:
  - {at: 0s, action: request, name: a, option: can_not_be_stopped_or_throttled, encoded_bytes: 100, decoded_bytes: 400}
  - {at: 50ms, action: release, name: a}
  - {at: 60ms, action: shutdown}
  - {at: 70ms, action: request, name: late}
`)

	res := run(t, sc, nil)

	assert.True(t, res.Loader.Shutdown)
	assert.NotContains(t, startTimes(res), "late")
	totals, ok := res.Loader.Traffic["not_throttled"]
	require.True(t, ok)
	assert.EqualValues(t, 100, totals.EncodedDataLength)
	assert.Len(t, res.Filter(sim.EventShutdown), 1)
}

func TestRun_CanceledContext(t *testing.T) {
	sc := mustLoad(t, `
name: cancel
steps:
  - {at: 0s, action: loosen}
`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Run(ctx, sc, sim.Options{})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := sim.Load(strings.NewReader("name: x\nsteps: []\nbogus: 1\n"))

	assert.ErrorContains(t, err, "parse scenario")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	sc := sim.Scenario{
		Policy: "loose",
		Steps: []sim.Step{
			{Action: sim.ActionRequest},
			{Action: sim.ActionRelease, Name: "ghost"},
			{Action: sim.ActionLifecycle, State: "sleepy"},
			{Action: "teleport"},
			{At: -time.Second, Action: sim.ActionLoosen},
		},
	}

	err := sc.Validate()

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 7)
}

func TestLoadFile_PageLoadScenario(t *testing.T) {
	sc, err := sim.LoadFile("testdata/page_load.yaml")
	require.NoError(t, err)

	res, err := sim.Run(context.Background(), sc, sim.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	starts := startTimes(res)
	assert.Len(t, starts, 9)
	assert.Equal(t, 8*time.Second, starts["late-poll"])
	assert.Equal(t, "normal", res.Loader.Policy)
	assert.Equal(t, 0, res.Loader.Running)
	assert.Len(t, res.Filter(sim.EventTask), 2)
}
