package config

import (
	"fmt"

	"github.com/cwbudde/trialflow/internal/adapter"
	"github.com/cwbudde/trialflow/internal/engine"
	"github.com/cwbudde/trialflow/internal/experiment"
	"github.com/cwbudde/trialflow/internal/scheduler"
)

// BuildSearchSpace converts the search_space block.
func (c *Config) BuildSearchSpace() (*experiment.SearchSpace, error) {
	params := make([]*experiment.Parameter, 0, len(c.SearchSpace.Parameters))
	for i, pc := range c.SearchSpace.Parameters {
		p, err := pc.build()
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("search_space.parameters[%d]", i), Reason: err.Error()}
		}
		params = append(params, p)
	}

	constraints := make([]*experiment.ParameterConstraint, 0, len(c.SearchSpace.ParameterConstraints))
	for i, expr := range c.SearchSpace.ParameterConstraints {
		pc, err := experiment.ParseConstraint(expr)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("search_space.parameter_constraints[%d]", i), Reason: err.Error()}
		}
		constraints = append(constraints, pc)
	}

	space, err := experiment.NewSearchSpace(params, constraints)
	if err != nil {
		return nil, &ConfigError{Field: "search_space", Reason: err.Error()}
	}
	return space, nil
}

func (pc ParameterConfig) build() (*experiment.Parameter, error) {
	p := &experiment.Parameter{
		Name:      pc.Name,
		Kind:      experiment.ParameterKind(pc.Type),
		ValueType: experiment.ValueType(pc.ValueType),
		LogScale:  pc.LogScale,
	}

	switch p.Kind {
	case experiment.KindRange:
		if len(pc.Bounds) != 2 {
			return nil, fmt.Errorf("range parameter %s needs bounds [lower, upper]", pc.Name)
		}
		p.Lower, p.Upper = pc.Bounds[0], pc.Bounds[1]
		if p.ValueType == "" {
			p.ValueType = experiment.TypeFloat
		}
	case experiment.KindChoice:
		p.Values = make([]any, len(pc.Values))
		for i, v := range pc.Values {
			p.Values[i] = normalizeValue(v)
		}
		if p.ValueType == "" && len(p.Values) > 0 {
			p.ValueType = valueTypeOf(p.Values[0])
		}
	case experiment.KindFixed:
		p.Value = normalizeValue(pc.Value)
		if p.ValueType == "" {
			p.ValueType = valueTypeOf(p.Value)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	// Re-type values so that, e.g., 1 declared as float becomes 1.0.
	var err error
	switch p.Kind {
	case experiment.KindFixed:
		if p.Value, err = p.Cast(p.Value); err != nil {
			return nil, err
		}
	case experiment.KindChoice:
		for i, v := range p.Values {
			if p.Values[i], err = p.Cast(v); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// normalizeValue turns YAML integers into int64, the type parameters carry.
func normalizeValue(v any) any {
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}

func valueTypeOf(v any) experiment.ValueType {
	switch v.(type) {
	case int64:
		return experiment.TypeInt
	case float64:
		return experiment.TypeFloat
	case bool:
		return experiment.TypeBool
	}
	return experiment.TypeString
}

// EngineConfig converts the generation_strategy block.
func (c *Config) EngineConfig() engine.Config {
	gs := c.OptimizationOptions.GenerationStrategy
	return engine.Config{
		Name:                    gs.Name,
		NumTrials:               gs.NumTrials,
		NumInitializationTrials: gs.NumInitializationTrials,
		Seed:                    gs.Seed,
		MaxIterations:           gs.MaxIterations,
		PopulationSize:          gs.PopulationSize,
	}
}

// SchedulerOptions converts the scheduler block.
func (c *Config) SchedulerOptions() scheduler.Options {
	s := c.OptimizationOptions.Scheduler

	stopping := scheduler.ConvergenceConfig{}
	if s.GlobalStopping.Enabled {
		stopping = scheduler.DefaultConvergenceConfig()
		if s.GlobalStopping.Patience > 0 {
			stopping.Patience = s.GlobalStopping.Patience
		}
		if s.GlobalStopping.Threshold > 0 {
			stopping.Threshold = s.GlobalStopping.Threshold
		}
		if s.GlobalStopping.MinTrials > 0 {
			stopping.MinTrials = s.GlobalStopping.MinTrials
		}
	}

	return scheduler.Options{
		TotalTrials:      s.TotalTrials,
		MaxPendingTrials: s.MaxPendingTrials,
		PollInterval:     s.PollInterval.Std(),
		TrialTimeout:     s.TrialTimeout.Std(),
		CallTimeout:      s.CallTimeout.Std(),
		MaxPollRetries:   s.MaxPollRetries,
		WallClockLimit:   s.WallClockLimit.Std(),
		SnapshotEvery:    s.SnapshotEvery,
		GlobalStopping:   stopping,
		TerminateOnStop:  s.TerminateOnStop,
	}
}

// AdapterOptions converts the adapter block for an experiment directory.
func (c *Config) AdapterOptions(experimentDir string) adapter.Options {
	return adapter.Options{
		ExperimentDir: experimentDir,
		OutputFile:    c.Adapter.OutputFile,
		Command:       c.Adapter.Command,
		Shell:         c.Adapter.Shell,
		Function:      c.Adapter.Function,
		Value:         c.Adapter.Value,
	}
}

// BuildExperiment creates an empty experiment whose runner and metrics use live.
func (c *Config) BuildExperiment(kind string, live experiment.ExecutionAdapter) (*experiment.Experiment, error) {
	space, err := c.BuildSearchSpace()
	if err != nil {
		return nil, err
	}

	opts := c.OptimizationOptions
	newMetric := func(m MetricConfig) *experiment.Metric {
		return experiment.NewMetric(m.Name, m.Metric, m.Properties, live)
	}
	cfg := &experiment.OptimizationConfig{
		Objective: experiment.Objective{
			Metric:   newMetric(opts.Metric),
			Minimize: opts.Metric.Minimize == nil || *opts.Metric.Minimize,
		},
	}
	for _, m := range opts.TrackingMetrics {
		cfg.TrackingMetrics = append(cfg.TrackingMetrics, newMetric(m))
	}

	exp, err := experiment.New(opts.Experiment.Name, space, cfg, experiment.NewRunner(kind, live))
	if err != nil {
		return nil, &ConfigError{Field: "optimization_options", Reason: err.Error()}
	}
	exp.Description = opts.Experiment.Description
	if len(c.ModelOptions) > 0 {
		exp.Properties["model_options"] = c.ModelOptions
	}
	return exp, nil
}
