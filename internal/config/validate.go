package config

import (
	"fmt"

	"github.com/cwbudde/trialflow/internal/metric"
)

// ConfigError reports a malformed or missing configuration value. It is
// always fatal and surfaces before any trial runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Reason
}

// Validate checks the normalized config.
func (c *Config) Validate() error {
	opts := c.OptimizationOptions

	if opts.Experiment.Name == "" {
		return &ConfigError{Field: "optimization_options.experiment.name", Reason: "required unless experiment_dir is set"}
	}
	if opts.WorkingDir != "" && opts.ExperimentDir != "" {
		return &ConfigError{Field: "optimization_options.experiment_dir", Reason: "cannot be combined with working_dir"}
	}

	s := opts.Scheduler
	if s.TotalTrials < 0 {
		return &ConfigError{Field: "optimization_options.scheduler.total_trials", Reason: "cannot be negative"}
	}
	if opts.GenerationStrategy.NumTrials <= 0 {
		return &ConfigError{
			Field:  "optimization_options.generation_strategy.num_trials",
			Reason: "must be positive (set it or scheduler.total_trials)",
		}
	}
	for field, v := range map[string]int{
		"max_pending_trials": s.MaxPendingTrials,
		"max_poll_retries":   s.MaxPollRetries,
		"snapshot_every":     s.SnapshotEvery,
	} {
		if v < 0 {
			return &ConfigError{Field: "optimization_options.scheduler." + field, Reason: "cannot be negative"}
		}
	}
	for field, d := range map[string]Duration{
		"poll_interval":    s.PollInterval,
		"trial_timeout":    s.TrialTimeout,
		"call_timeout":     s.CallTimeout,
		"wall_clock_limit": s.WallClockLimit,
	} {
		if d < 0 {
			return &ConfigError{Field: "optimization_options.scheduler." + field, Reason: "cannot be negative"}
		}
	}
	if gs := s.GlobalStopping; gs.Enabled && (gs.Patience < 0 || gs.Threshold < 0 || gs.MinTrials < 0) {
		return &ConfigError{Field: "optimization_options.scheduler.global_stopping", Reason: "patience, threshold and min_trials cannot be negative"}
	}

	metrics := append([]MetricConfig{opts.Metric}, opts.TrackingMetrics...)
	seen := make(map[string]bool, len(metrics))
	for i, m := range metrics {
		field := "optimization_options.metric"
		if i > 0 {
			field = fmt.Sprintf("optimization_options.tracking_metrics[%d]", i-1)
		}
		if _, ok := metric.Lookup(m.Metric); !ok {
			return &ConfigError{Field: field + ".metric", Reason: fmt.Sprintf("unknown function %q (known: %v)", m.Metric, metric.Names())}
		}
		if seen[m.Name] {
			return &ConfigError{Field: field + ".name", Reason: fmt.Sprintf("duplicate metric name %q", m.Name)}
		}
		seen[m.Name] = true
	}

	if len(c.SearchSpace.Parameters) == 0 {
		return &ConfigError{Field: "search_space.parameters", Reason: "at least one parameter is required"}
	}
	if _, err := c.BuildSearchSpace(); err != nil {
		return err
	}
	return nil
}
