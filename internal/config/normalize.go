package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize.
const (
	DefaultMaxPendingTrials = 10
	DefaultMetricFunction   = "mean"
	DefaultStrategy         = "random"
	DefaultSnapshotEvery    = 1
)

// Normalize fills defaults and merges parameters found under parameter_keys
// into the search space. It is idempotent.
func (c *Config) Normalize() error {
	opts := &c.OptimizationOptions

	if opts.AppendTimestamp == nil {
		t := true
		opts.AppendTimestamp = &t
	}
	if opts.Experiment.Name == "" && opts.ExperimentDir != "" {
		opts.Experiment.Name = filepath.Base(filepath.Clean(opts.ExperimentDir))
	}

	gs := &opts.GenerationStrategy
	if gs.NumTrials == 0 {
		gs.NumTrials = opts.Scheduler.TotalTrials
	}
	if gs.Name == "" {
		gs.Name = DefaultStrategy
	}

	if opts.Scheduler.MaxPendingTrials == 0 {
		opts.Scheduler.MaxPendingTrials = DefaultMaxPendingTrials
	}
	if opts.Scheduler.SnapshotEvery == 0 {
		opts.Scheduler.SnapshotEvery = DefaultSnapshotEvery
	}

	normalizeMetric(&opts.Metric)
	for i := range opts.TrackingMetrics {
		normalizeMetric(&opts.TrackingMetrics[i])
	}

	return c.mergeParameterKeys()
}

func normalizeMetric(m *MetricConfig) {
	if m.Metric == "" {
		m.Metric = DefaultMetricFunction
	}
	if m.Name == "" {
		m.Name = m.Metric
	}
	if m.Minimize == nil {
		t := true
		m.Minimize = &t
	}
}

// mergeParameterKeys appends parameters defined under each parameter key. A
// key may hold a list of parameter definitions or a mapping from name to
// definition.
func (c *Config) mergeParameterKeys() error {
	if len(c.OptimizationOptions.ParameterKeys) == 0 {
		return nil
	}

	known := make(map[string]bool, len(c.SearchSpace.Parameters))
	for _, p := range c.SearchSpace.Parameters {
		known[p.Name] = true
	}

	for _, key := range c.OptimizationOptions.ParameterKeys {
		field := "optimization_options.parameter_keys[" + key + "]"
		v, ok := lookup(c.raw, key)
		if !ok {
			return &ConfigError{Field: field, Reason: "path not found in config"}
		}
		params, err := parametersAt(v)
		if err != nil {
			return &ConfigError{Field: field, Reason: err.Error()}
		}
		for _, p := range params {
			if known[p.Name] {
				continue
			}
			known[p.Name] = true
			c.SearchSpace.Parameters = append(c.SearchSpace.Parameters, p)
		}
	}
	return nil
}

func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func parametersAt(v any) ([]ParameterConfig, error) {
	var list []any
	switch x := v.(type) {
	case []any:
		list = x
	case map[string]any:
		names := make([]string, 0, len(x))
		for name := range x {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			def, ok := x[name].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parameter %s: expected a mapping, got %T", name, x[name])
			}
			if _, ok := def["name"]; !ok {
				def["name"] = name
			}
			list = append(list, def)
		}
	default:
		return nil, fmt.Errorf("expected a list or mapping of parameters, got %T", v)
	}

	data, err := yaml.Marshal(list)
	if err != nil {
		return nil, err
	}
	var params []ParameterConfig
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	return params, nil
}
