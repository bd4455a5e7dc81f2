package experiment

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnboundAdapter is returned when a metric or runner is used before a live
// adapter was attached.
var ErrUnboundAdapter = errors.New("execution adapter is not bound")

// Metric names a quantity fetched through the adapter and how to reduce it.
type Metric struct {
	Name string
	// Function names the reduction applied to fetched data (see internal/metric).
	Function   string
	Properties map[string]any

	adapter ExecutionAdapter
}

// NewMetric creates a metric bound to adapter.
func NewMetric(name, function string, properties map[string]any, adapter ExecutionAdapter) *Metric {
	return &Metric{Name: name, Function: function, Properties: properties, adapter: adapter}
}

// Bind attaches a live adapter.
func (m *Metric) Bind(adapter ExecutionAdapter) {
	m.adapter = adapter
}

// Adapter returns the bound adapter.
func (m *Metric) Adapter() ExecutionAdapter {
	return m.adapter
}

// Fetch retrieves the metric's data for a trial.
func (m *Metric) Fetch(ctx context.Context, trial *Trial) (map[string]any, error) {
	if m.adapter == nil {
		return nil, fmt.Errorf("metric %s: %w", m.Name, ErrUnboundAdapter)
	}
	return m.adapter.Fetch(ctx, trial, m.Properties, m.Name)
}

// Objective is the metric being optimized and its direction.
type Objective struct {
	Metric   *Metric
	Minimize bool
}

// OptimizationConfig describes what the run optimizes.
type OptimizationConfig struct {
	Objective Objective
	// TrackingMetrics are fetched and recorded but not optimized.
	TrackingMetrics []*Metric
}

// Metrics returns the objective metric followed by tracking metrics.
func (c *OptimizationConfig) Metrics() []*Metric {
	metrics := make([]*Metric, 0, 1+len(c.TrackingMetrics))
	if c.Objective.Metric != nil {
		metrics = append(metrics, c.Objective.Metric)
	}
	return append(metrics, c.TrackingMetrics...)
}
