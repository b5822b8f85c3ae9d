// Package config loads and validates the TOML configuration shared by the
// load scheduler, the budget pools and the loadsim tool.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/loader"
	"github.com/Swind/go-load-scheduler/throttling"
)

// Config holds all configuration.
type Config struct {
	Loader     LoaderConfig     `toml:"loader"`
	Throttling ThrottlingConfig `toml:"throttling"`
	Logging    LoggingConfig    `toml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// LoaderConfig configures a ResourceLoadScheduler.
type LoaderConfig struct {
	IsMainFrame              bool          `toml:"is_main_frame"`
	TightOutstandingLimit    int           `toml:"tight_outstanding_limit"`
	NormalOutstandingLimit   int           `toml:"normal_outstanding_limit"`
	BackgroundMainFrameLimit int           `toml:"background_main_frame_limit"`
	BackgroundSubFrameLimit  int           `toml:"background_sub_frame_limit"`
	StoppableAsThrottleable  bool          `toml:"stoppable_as_throttleable"`
	StaleQueueThreshold      time.Duration `toml:"stale_queue_threshold"`

	Delay DelayConfig `toml:"delay"`
}

// DelayConfig configures the low-priority delay policy.
type DelayConfig struct {
	Enabled              bool   `toml:"enabled"`
	Milestone            string `toml:"milestone"`
	ImportanceThreshold  string `toml:"importance_threshold"`
	MaxImportantRequests int    `toml:"max_important_requests"`
}

type ThrottlingConfig struct {
	CPU    CPUBudgetConfig    `toml:"cpu"`
	WakeUp WakeUpBudgetConfig `toml:"wake_up"`
}

// CPUBudgetConfig configures a CPU time budget pool. Zero MaxBudgetLevel and
// MaxThrottlingDelay mean unbounded.
type CPUBudgetConfig struct {
	Enabled             bool          `toml:"enabled"`
	RecoveryRate        float64       `toml:"recovery_rate"`
	InitialBudget       time.Duration `toml:"initial_budget"`
	MaxBudgetLevel      time.Duration `toml:"max_budget_level"`
	MaxThrottlingDelay  time.Duration `toml:"max_throttling_delay"`
	MinBudgetLevelToRun time.Duration `toml:"min_budget_level_to_run"`
}

// WakeUpBudgetConfig configures a wake-up budget pool.
type WakeUpBudgetConfig struct {
	Enabled                   bool          `toml:"enabled"`
	Interval                  time.Duration `toml:"interval"`
	Duration                  time.Duration `toml:"duration"`
	AlignmentIfNoRecentWakeUp time.Duration `toml:"alignment_if_no_recent_wake_up"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Default returns the configuration used when no file is given. The budget
// values follow the background throttling defaults of a browser tab.
func Default() Config {
	return Config{
		Loader: LoaderConfig{
			IsMainFrame:              true,
			TightOutstandingLimit:    loader.DefaultTightOutstandingLimit,
			NormalOutstandingLimit:   loader.DefaultNormalOutstandingLimit,
			BackgroundMainFrameLimit: loader.DefaultOutstandingLimitForBackgroundMainFrame,
			BackgroundSubFrameLimit:  loader.DefaultOutstandingLimitForBackgroundSubFrame,
			StaleQueueThreshold:      loader.DefaultStaleQueueThreshold,
			Delay: DelayConfig{
				Enabled:              true,
				Milestone:            loader.DelayMilestoneFirstContentfulPaint.String(),
				ImportanceThreshold:  loader.PriorityMedium.String(),
				MaxImportantRequests: 10,
			},
		},
		Throttling: ThrottlingConfig{
			CPU: CPUBudgetConfig{
				Enabled:            true,
				RecoveryRate:       0.01,
				InitialBudget:      time.Second,
				MaxBudgetLevel:     3 * time.Second,
				MaxThrottlingDelay: time.Minute,
			},
			WakeUp: WakeUpBudgetConfig{
				Enabled:  true,
				Interval: throttling.DefaultWakeUpInterval,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Load reads the TOML file at path over the defaults. A missing file, or an
// empty path, yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Write encodes cfg as TOML.
func Write(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error

	l := c.Loader
	if l.TightOutstandingLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("loader.tight_outstanding_limit must be positive, got %d", l.TightOutstandingLimit))
	}
	if l.NormalOutstandingLimit < l.TightOutstandingLimit {
		err = multierr.Append(err, fmt.Errorf("loader.normal_outstanding_limit %d is below the tight limit %d",
			l.NormalOutstandingLimit, l.TightOutstandingLimit))
	}
	if l.BackgroundMainFrameLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("loader.background_main_frame_limit must be positive, got %d", l.BackgroundMainFrameLimit))
	}
	if l.BackgroundSubFrameLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("loader.background_sub_frame_limit must be positive, got %d", l.BackgroundSubFrameLimit))
	}
	if l.StaleQueueThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("loader.stale_queue_threshold must not be negative, got %s", l.StaleQueueThreshold))
	}
	if _, perr := l.Delay.ToDelayPolicy(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if l.Delay.MaxImportantRequests < 0 {
		err = multierr.Append(err, fmt.Errorf("loader.delay.max_important_requests must not be negative, got %d", l.Delay.MaxImportantRequests))
	}

	cpu := c.Throttling.CPU
	if cpu.RecoveryRate < 0 || cpu.RecoveryRate > 1 {
		err = multierr.Append(err, fmt.Errorf("throttling.cpu.recovery_rate must be within [0, 1], got %v", cpu.RecoveryRate))
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"initial_budget", cpu.InitialBudget},
		{"max_budget_level", cpu.MaxBudgetLevel},
		{"max_throttling_delay", cpu.MaxThrottlingDelay},
		{"min_budget_level_to_run", cpu.MinBudgetLevelToRun},
	} {
		if f.d < 0 {
			err = multierr.Append(err, fmt.Errorf("throttling.cpu.%s must not be negative, got %s", f.name, f.d))
		}
	}

	w := c.Throttling.WakeUp
	if w.Interval < 0 || w.Duration < 0 || w.AlignmentIfNoRecentWakeUp < 0 {
		err = multierr.Append(err, errors.New("throttling.wake_up durations must not be negative"))
	}
	if w.AlignmentIfNoRecentWakeUp > w.Interval {
		err = multierr.Append(err, fmt.Errorf("throttling.wake_up.alignment_if_no_recent_wake_up %s exceeds the interval %s",
			w.AlignmentIfNoRecentWakeUp, w.Interval))
	}

	if _, lerr := zapcore.ParseLevel(c.Logging.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("logging.level: %w", lerr))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		err = multierr.Append(err, errors.New("metrics.addr is required when metrics are enabled"))
	}
	return err
}

// NewLogger builds the zap logger described by the logging section.
func (c LoggingConfig) NewLogger() (*zap.Logger, error) {
	return core.NewLogger(c.Level, c.Development)
}

// ToDelayPolicy parses the delay section.
func (c DelayConfig) ToDelayPolicy() (loader.DelayPolicy, error) {
	milestone, err := loader.ParseDelayMilestone(c.Milestone)
	if err != nil {
		return loader.DelayPolicy{}, fmt.Errorf("loader.delay.milestone: %w", err)
	}
	threshold, err := loader.ParseResourceLoadPriority(c.ImportanceThreshold)
	if err != nil {
		return loader.DelayPolicy{}, fmt.Errorf("loader.delay.importance_threshold: %w", err)
	}
	return loader.DelayPolicy{
		Enabled:              c.Enabled,
		Milestone:            milestone,
		ImportanceThreshold:  threshold,
		MaxImportantRequests: c.MaxImportantRequests,
	}, nil
}

// ToLoaderConfig converts the loader section. Collaborators such as the
// clock, logger and metrics are left for the caller to fill in.
func (c LoaderConfig) ToLoaderConfig() (loader.ResourceLoadSchedulerConfig, error) {
	policy, err := c.Delay.ToDelayPolicy()
	if err != nil {
		return loader.ResourceLoadSchedulerConfig{}, err
	}
	override := loader.ThrottleOptionOverrideNone
	if c.StoppableAsThrottleable {
		override = loader.StoppableAsThrottleable
	}
	return loader.ResourceLoadSchedulerConfig{
		IsMainFrame:                            c.IsMainFrame,
		TightOutstandingLimit:                  c.TightOutstandingLimit,
		NormalOutstandingLimit:                 c.NormalOutstandingLimit,
		OutstandingLimitForBackgroundMainFrame: c.BackgroundMainFrameLimit,
		OutstandingLimitForBackgroundSubFrame:  c.BackgroundSubFrameLimit,
		DelayPolicy:                            policy,
		ThrottleOptionOverride:                 override,
		StaleQueueThreshold:                    c.StaleQueueThreshold,
	}, nil
}

// ApplyToCPUPool configures pool as of now.
func (c CPUBudgetConfig) ApplyToCPUPool(now time.Time, pool *throttling.CPUTimeBudgetPool) {
	pool.SetTimeBudgetRecoveryRate(now, c.RecoveryRate)
	pool.SetMaxBudgetLevel(now, positiveOrNil(c.MaxBudgetLevel))
	pool.SetMaxThrottlingDelay(now, positiveOrNil(c.MaxThrottlingDelay))
	pool.SetMinBudgetLevelToRun(now, c.MinBudgetLevelToRun)
	if c.InitialBudget > 0 {
		pool.GrantAdditionalBudget(now, c.InitialBudget)
	}
	if c.Enabled {
		pool.EnableThrottling(now)
	} else {
		pool.DisableThrottling(now)
	}
}

// ApplyToWakeUpPool configures pool as of now.
func (c WakeUpBudgetConfig) ApplyToWakeUpPool(now time.Time, pool *throttling.WakeUpBudgetPool) {
	pool.SetWakeUpDuration(c.Duration)
	pool.SetWakeUpInterval(now, c.Interval)
	pool.AllowLowerAlignmentIfNoRecentWakeUp(c.AlignmentIfNoRecentWakeUp)
	if c.Enabled {
		pool.EnableThrottling(now)
	} else {
		pool.DisableThrottling(now)
	}
}

func positiveOrNil(d time.Duration) *time.Duration {
	if d <= 0 {
		return nil
	}
	return &d
}
