package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// stepUntil moves the fake clock by d, then keeps nudging it until cond
// holds. The nudges cover timers the manager re-arms after a wakeup.
func stepUntil(t *testing.T, clk *clocktesting.FakeClock, d time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(d)
	require.Eventually(t, func() bool {
		clk.Step(0)
		return cond()
	}, time.Second, time.Millisecond)
}

// TestDelayManager_RunsTasksWhenDue verifies tasks are held until due
// Given: A DelayManager on a fake clock with tasks at 10ms and 20ms
// When: The clock advances 10ms and then another 10ms
// Then: Each task reaches its target only once its delay has elapsed
func TestDelayManager_RunsTasksWhenDue(t *testing.T) {
	// Arrange
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	dm := NewDelayManagerWithClock(clk)
	defer dm.Stop()
	target := &recordingRunner{}

	dm.AddDelayedTask(target.record("first"), 10*time.Millisecond, DefaultTaskTraits(), target)
	dm.AddDelayedTask(target.record("second"), 20*time.Millisecond, TraitsHigh(), target)
	require.Equal(t, 2, dm.TaskCount())
	assert.Empty(t, target.seen())

	// Act
	stepUntil(t, clk, 10*time.Millisecond, func() bool { return len(target.seen()) == 1 })

	// Assert
	assert.Equal(t, []string{"first"}, target.seen())
	assert.Equal(t, 1, dm.TaskCount())

	// Act
	stepUntil(t, clk, 10*time.Millisecond, func() bool { return len(target.seen()) == 2 })

	// Assert
	assert.Equal(t, []string{"first", "second"}, target.seen())
	assert.Equal(t, TaskPriorityHigh, target.traits[1].Priority)
	assert.Zero(t, dm.TaskCount())
}

// TestDelayManager_EarlierTaskPreemptsTimer verifies a sooner task rearms the timer
// Given: A task due in 1s already armed
// When: A task due in 5ms is added and 5ms pass
// Then: The newer task runs first and the older one stays pending
func TestDelayManager_EarlierTaskPreemptsTimer(t *testing.T) {
	// Arrange
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	dm := NewDelayManagerWithClock(clk)
	defer dm.Stop()
	target := &recordingRunner{}
	dm.AddDelayedTask(target.record("late"), time.Second, DefaultTaskTraits(), target)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)

	// Act
	dm.AddDelayedTask(target.record("early"), 5*time.Millisecond, DefaultTaskTraits(), target)
	stepUntil(t, clk, 5*time.Millisecond, func() bool { return len(target.seen()) == 1 })

	// Assert
	assert.Equal(t, []string{"early"}, target.seen())
	assert.Equal(t, 1, dm.TaskCount())
}

// TestDelayManager_SameDueTimeKeepsPostingOrder verifies ties run in posting order
// Given: Ten tasks with the same delay
// When: The delay elapses
// Then: They reach the target in the order they were added
func TestDelayManager_SameDueTimeKeepsPostingOrder(t *testing.T) {
	// Arrange
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	dm := NewDelayManagerWithClock(clk)
	defer dm.Stop()
	target := &recordingRunner{}
	want := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	for _, label := range want {
		dm.AddDelayedTask(target.record(label), time.Second, DefaultTaskTraits(), target)
	}

	// Act
	stepUntil(t, clk, time.Second, func() bool { return len(target.seen()) == len(want) })

	// Assert
	assert.Equal(t, want, target.seen())
}

func TestDelayManager_StopDropsPendingTasks(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	dm := NewDelayManagerWithClock(clk)
	target := &recordingRunner{}
	dm.AddDelayedTask(target.record("never"), time.Millisecond, DefaultTaskTraits(), target)

	dm.Stop()
	clk.Step(time.Second)

	assert.Zero(t, dm.TaskCount())
	assert.Empty(t, target.seen())
}

func TestDelayedTaskHeap_Peek(t *testing.T) {
	var h DelayedTaskHeap
	assert.Nil(t, h.Peek())
}
