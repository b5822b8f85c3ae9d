package sim

import (
	"context"
	"fmt"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	loadscheduler "github.com/Swind/go-load-scheduler"
	"github.com/Swind/go-load-scheduler/config"
	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/frame"
	"github.com/Swind/go-load-scheduler/loader"
	"github.com/Swind/go-load-scheduler/throttling"
)

// Event kinds.
const (
	EventRequest   = "request"
	EventStart     = "start"
	EventRelease   = "release"
	EventPriority  = "priority"
	EventLifecycle = "lifecycle"
	EventPolicy    = "policy"
	EventMilestone = "milestone"
	EventTask      = "task"
	EventConsole   = "console"
	EventShutdown  = "shutdown"
)

// Event is one entry of the timeline. At is the virtual offset from the
// start of the run.
type Event struct {
	At       time.Duration   `json:"at" yaml:"at"`
	Kind     string          `json:"kind" yaml:"kind"`
	Client   string          `json:"client,omitempty" yaml:"client,omitempty"`
	ClientID loader.ClientID `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Priority string          `json:"priority,omitempty" yaml:"priority,omitempty"`
	Option   string          `json:"option,omitempty" yaml:"option,omitempty"`
	Detail   string          `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Options configures a run. Everything is optional.
type Options struct {
	Config  *config.Config
	Logger  core.Logger
	Metrics loadscheduler.Metrics
	// Start is the virtual wall time the run begins at.
	Start time.Time
}

// Result is the outcome of a run. The snapshots are taken after the drain,
// before the frame shuts down.
type Result struct {
	Scenario  string                       `json:"scenario" yaml:"scenario"`
	StartedAt time.Time                    `json:"started_at" yaml:"started_at"`
	Duration  time.Duration                `json:"duration" yaml:"duration"`
	Events    []Event                      `json:"events" yaml:"events"`
	Loader    loader.SchedulerSnapshot     `json:"loader" yaml:"loader"`
	Throttler throttling.ThrottlerSnapshot `json:"throttler" yaml:"throttler"`
}

// Filter returns the events of the given kind.
func (r *Result) Filter(kind string) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type request struct {
	step     Step
	id       loader.ClientID
	inline   bool
	released bool
}

type simulation struct {
	clock    *clocktesting.FakeClock
	runner   *core.VirtualTaskRunner
	frame    *loadscheduler.Frame
	logger   core.Logger
	start    time.Time
	requests map[string]*request
	events   []Event
}

// Run replays sc on a fresh frame. All scheduling happens on the calling
// goroutine; ctx is checked between steps.
func Run(ctx context.Context, sc Scenario, opts Options) (*Result, error) {
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("validate scenario: %w", err)
	}
	policy, _ := parsePolicy(sc.Policy)
	start := opts.Start
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	drain := sc.Drain
	if drain == 0 {
		drain = DefaultDrain
	}

	clk := clocktesting.NewFakeClock(start)
	runner := core.NewVirtualTaskRunner(clk)
	defer runner.Shutdown()

	s := &simulation{
		clock:    clk,
		runner:   runner,
		logger:   core.LoggerOrNop(opts.Logger),
		start:    start,
		requests: make(map[string]*request),
	}
	f, err := loadscheduler.NewFrame(runner, loadscheduler.FrameOptions{
		Name:          sc.Name,
		Config:        opts.Config,
		Policy:        policy,
		Clock:         clk,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		ConsoleLogger: s,
	})
	if err != nil {
		return nil, err
	}
	s.frame = f

	s.logger.Info("simulation started", core.F("scenario", sc.Name), core.F("steps", len(sc.Steps)))
	for _, st := range sc.sortedSteps() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runner.RunUntil(start.Add(st.At))
		s.apply(st)
		runner.RunUntilIdle()
	}

	horizon := clk.Now().Add(drain)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runner.RunUntilIdle()
		next, ok := runner.NextDelayedRunTime()
		if !ok || next.After(horizon) {
			break
		}
		runner.RunUntil(next)
	}

	result := &Result{
		Scenario:  sc.Name,
		StartedAt: start,
		Duration:  clk.Since(start),
		Events:    s.events,
		Loader:    f.Loader().Snapshot(),
		Throttler: f.Scheduler().Throttler().Snapshot(),
	}
	f.Shutdown()
	s.logger.Info("simulation finished",
		core.F("scenario", sc.Name),
		core.F("events", len(s.events)),
		core.F("duration", result.Duration))
	return result, nil
}

// AddConsoleMessage records developer-facing loader messages.
func (s *simulation) AddConsoleMessage(message string) {
	s.record(Event{Kind: EventConsole, Detail: message})
}

func (s *simulation) record(e Event) {
	e.At = s.clock.Since(s.start)
	s.events = append(s.events, e)
}

func (s *simulation) requestEvent(kind string, req *request, detail string) {
	s.record(Event{
		Kind:     kind,
		Client:   req.step.Name,
		ClientID: req.id,
		Priority: req.step.Priority,
		Option:   req.step.Option,
		Detail:   detail,
	})
}

func (s *simulation) apply(st Step) {
	l := s.frame.Loader()
	switch st.Action {
	case ActionRequest:
		s.request(st)
	case ActionRelease:
		s.release(s.requests[st.Name], false)
	case ActionSetPriority:
		req := s.requests[st.Name]
		prio, _ := parsePriority(st.Priority)
		l.SetPriority(req.id, prio, st.IntraPriority)
		req.step.Priority = prio.String()
		s.requestEvent(EventPriority, req, fmt.Sprintf("intra=%d", st.IntraPriority))
	case ActionLifecycle:
		s.setPageState(st.State)
		s.record(Event{Kind: EventLifecycle, Detail: fmt.Sprintf("%s loader=%s", st.State, l.LifecycleState())})
	case ActionLoosen:
		l.LoosenThrottlingPolicy()
		s.record(Event{Kind: EventPolicy, Detail: l.ThrottlingPolicy().String()})
	case ActionFirstPaint:
		l.MarkFirstPaint()
		s.record(Event{Kind: EventMilestone, Detail: loader.DelayMilestoneFirstPaint.String()})
	case ActionFirstContentfulPaint:
		l.MarkFirstContentfulPaint()
		s.record(Event{Kind: EventMilestone, Detail: loader.DelayMilestoneFirstContentfulPaint.String()})
	case ActionPostTask:
		s.postTask(st)
	case ActionShutdown:
		s.frame.Shutdown()
		s.record(Event{Kind: EventShutdown})
	}
}

func (s *simulation) request(st Step) {
	opt, _ := parseOption(st.Option)
	prio, _ := parsePriority(st.Priority)
	st.Option = opt.String()
	st.Priority = prio.String()
	req := &request{step: st}
	s.requests[st.Name] = req

	client := loader.ClientFunc(func() {
		if req.id == loader.InvalidClientID {
			req.inline = true
			return
		}
		s.started(req)
	})
	req.id = s.frame.Loader().Request(client, opt, prio, st.IntraPriority)

	detail := "pending"
	if req.inline || s.frame.Loader().IsRunning(req.id) {
		detail = "granted"
	}
	s.requestEvent(EventRequest, req, detail)
	if req.inline {
		s.started(req)
	}
}

func (s *simulation) started(req *request) {
	s.requestEvent(EventStart, req, "")
	if req.step.Duration <= 0 {
		return
	}
	s.frame.LoadingTaskQueue().PostDelayedTask(func(ctx context.Context) {
		s.release(req, true)
	}, req.step.Duration)
}

func (s *simulation) release(req *request, auto bool) {
	if auto && req.released {
		return
	}
	hints := loader.InvalidTrafficReportHints()
	if req.step.EncodedBytes > 0 || req.step.DecodedBytes > 0 {
		hints = loader.NewTrafficReportHints(req.step.EncodedBytes, req.step.DecodedBytes)
	}
	req.released = true
	detail := "released"
	if !s.frame.Loader().Release(req.id, loader.ReleaseAndSchedule, hints) {
		detail = "unknown"
	}
	if auto {
		detail += " after load"
	}
	s.requestEvent(EventRelease, req, detail)
}

func (s *simulation) setPageState(state string) {
	fs := s.frame.Scheduler()
	switch state {
	case PageVisible:
		fs.SetPageThrottled(false)
		fs.SetPageVisible(true)
	case PageHidden:
		fs.SetPageVisible(false)
	case PageThrottled:
		fs.SetPageVisible(false)
		fs.SetPageThrottled(true)
	case PageFrozen:
		fs.SetPageFrozen(true)
	case PageResumed:
		fs.SetPageFrozen(false)
	case PageSubresourcePaused:
		fs.SetSubresourceLoadingPaused(true)
	case PageSubresourceResumed:
		fs.SetSubresourceLoadingPaused(false)
	}
}

func (s *simulation) postTask(st Step) {
	traits, _ := parseQueue(st.Queue)
	q := s.frame.Scheduler().GetTaskQueue(traits)
	posted := s.clock.Since(s.start)
	q.PostTask(func(ctx context.Context) {
		s.record(Event{
			Kind:   EventTask,
			Detail: fmt.Sprintf("%s cost=%v waited=%v", q.Name(), st.Cost, s.clock.Since(s.start)-posted),
		})
		s.clock.Step(st.Cost)
	})
}

func parseQueue(s string) (frame.QueueTraits, error) {
	switch s {
	case "", "throttleable":
		return frame.ThrottleableTaskQueueTraits, nil
	case "deferrable":
		return frame.DeferrableTaskQueueTraits, nil
	case "pausable":
		return frame.PausableTaskQueueTraits, nil
	case "unpausable":
		return frame.UnpausableTaskQueueTraits, nil
	case "loading":
		return frame.LoadingTaskQueueTraits, nil
	}
	return frame.QueueTraits{}, fmt.Errorf("unknown queue %q", s)
}
