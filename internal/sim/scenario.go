// Package sim replays scripted page loads against a Frame in virtual time.
//
// A scenario is a YAML list of timed steps: requests with an optional load
// duration, releases, priority changes, page state changes, paint milestones
// and CPU-heavy frame tasks. Running it yields the ordered timeline of what
// the schedulers did.
package sim

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Swind/go-load-scheduler/loader"
)

// Step actions.
const (
	ActionRequest              = "request"
	ActionRelease              = "release"
	ActionSetPriority          = "set_priority"
	ActionLifecycle            = "lifecycle"
	ActionLoosen               = "loosen"
	ActionFirstPaint           = "first_paint"
	ActionFirstContentfulPaint = "first_contentful_paint"
	ActionPostTask             = "post_task"
	ActionShutdown             = "shutdown"
)

// Page states accepted by the lifecycle action.
const (
	PageVisible            = "visible"
	PageHidden             = "hidden"
	PageThrottled          = "throttled"
	PageFrozen             = "frozen"
	PageResumed            = "resumed"
	PageSubresourcePaused  = "subresource_paused"
	PageSubresourceResumed = "subresource_resumed"
)

var pageStates = map[string]bool{
	PageVisible: true, PageHidden: true, PageThrottled: true, PageFrozen: true,
	PageResumed: true, PageSubresourcePaused: true, PageSubresourceResumed: true,
}

// Scenario is a scripted page load.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Policy is "tight" (default) or "normal".
	Policy string `yaml:"policy,omitempty"`
	// Drain bounds how long the run continues after the last step.
	Drain time.Duration `yaml:"drain,omitempty"`
	Steps []Step        `yaml:"steps"`
}

// Step is one action at a virtual offset from the start of the run.
type Step struct {
	At     time.Duration `yaml:"at"`
	Action string        `yaml:"action"`

	// Name identifies the request for request, release and set_priority.
	Name          string `yaml:"name,omitempty"`
	Option        string `yaml:"option,omitempty"`
	Priority      string `yaml:"priority,omitempty"`
	IntraPriority int    `yaml:"intra_priority,omitempty"`
	// Duration releases a granted request automatically after it.
	Duration     time.Duration `yaml:"duration,omitempty"`
	EncodedBytes int64         `yaml:"encoded_bytes,omitempty"`
	DecodedBytes int64         `yaml:"decoded_bytes,omitempty"`

	// State is the page state for the lifecycle action.
	State string `yaml:"state,omitempty"`

	// Queue and Cost describe a post_task step.
	Queue string        `yaml:"queue,omitempty"`
	Cost  time.Duration `yaml:"cost,omitempty"`
}

// DefaultDrain is used when a scenario leaves Drain unset.
const DefaultDrain = time.Minute

// LoadFile reads a scenario from a YAML file.
func LoadFile(path string) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, err
	}
	defer f.Close()
	return Load(f)
}

// Load decodes and validates a scenario. Unknown fields are rejected.
func Load(r io.Reader) (Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, fmt.Errorf("validate scenario: %w", err)
	}
	return sc, nil
}

// Validate reports every problem of the scenario at once.
func (sc Scenario) Validate() error {
	var err error
	if sc.Name == "" {
		err = multierr.Append(err, fmt.Errorf("name is required"))
	}
	if _, perr := parsePolicy(sc.Policy); perr != nil {
		err = multierr.Append(err, perr)
	}
	if sc.Drain < 0 {
		err = multierr.Append(err, fmt.Errorf("drain must not be negative"))
	}

	requested := make(map[string]bool)
	for _, st := range sc.sortedSteps() {
		err = multierr.Append(err, st.validate(requested))
	}
	return err
}

func (st Step) validate(requested map[string]bool) error {
	wrap := func(format string, args ...any) error {
		return fmt.Errorf("step %s at %v: %s", st.Action, st.At, fmt.Sprintf(format, args...))
	}
	if st.At < 0 {
		return wrap("negative offset")
	}

	switch st.Action {
	case ActionRequest:
		if st.Name == "" {
			return wrap("name is required")
		}
		if requested[st.Name] {
			return wrap("request %q already exists", st.Name)
		}
		requested[st.Name] = true
		if _, err := parseOption(st.Option); err != nil {
			return wrap("%v", err)
		}
		if _, err := parsePriority(st.Priority); err != nil {
			return wrap("%v", err)
		}
		if st.Duration < 0 {
			return wrap("negative duration")
		}
	case ActionRelease, ActionSetPriority:
		if !requested[st.Name] {
			return wrap("unknown request %q", st.Name)
		}
		if st.Action == ActionSetPriority {
			if _, err := parsePriority(st.Priority); err != nil {
				return wrap("%v", err)
			}
		}
	case ActionLifecycle:
		if !pageStates[st.State] {
			return wrap("unknown page state %q", st.State)
		}
	case ActionPostTask:
		if _, err := parseQueue(st.Queue); err != nil {
			return wrap("%v", err)
		}
		if st.Cost < 0 {
			return wrap("negative cost")
		}
	case ActionLoosen, ActionFirstPaint, ActionFirstContentfulPaint, ActionShutdown:
	default:
		return wrap("unknown action")
	}
	return nil
}

// sortedSteps orders steps by offset, keeping file order for equal offsets.
func (sc Scenario) sortedSteps() []Step {
	steps := append([]Step(nil), sc.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].At < steps[j].At })
	return steps
}

func parsePolicy(s string) (loader.ThrottlingPolicy, error) {
	switch s {
	case "", loader.ThrottlingPolicyTight.String():
		return loader.ThrottlingPolicyTight, nil
	case loader.ThrottlingPolicyNormal.String():
		return loader.ThrottlingPolicyNormal, nil
	}
	return loader.ThrottlingPolicyTight, fmt.Errorf("unknown policy %q", s)
}

func parseOption(s string) (loader.ThrottleOption, error) {
	if s == "" {
		return loader.Throttleable, nil
	}
	return loader.ParseThrottleOption(s)
}

func parsePriority(s string) (loader.ResourceLoadPriority, error) {
	if s == "" {
		return loader.PriorityMedium, nil
	}
	return loader.ParseResourceLoadPriority(s)
}
