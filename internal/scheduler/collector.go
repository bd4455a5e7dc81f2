package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/trialflow/internal/experiment"
	"github.com/cwbudde/trialflow/internal/metric"
)

// ResultRecord maps metric names to the data fetched for them.
type ResultRecord map[string]map[string]any

// Collector fetches results of completed trials and evaluates their metrics.
type Collector struct {
	exp         *experiment.Experiment
	callTimeout time.Duration
}

// NewCollector returns a collector over every metric of exp.
func NewCollector(exp *experiment.Experiment, callTimeout time.Duration) *Collector {
	return &Collector{exp: exp, callTimeout: callTimeout}
}

// Collect fetches the trial's results once and caches them on the trial. On
// any failure the trial is demoted to failed, nothing is stored and a
// *FetchError is returned.
func (c *Collector) Collect(ctx context.Context, trial *experiment.Trial) (ResultRecord, error) {
	if trial.Status != experiment.StatusCompleted {
		return nil, fmt.Errorf("collect trial %d (%s): %w", trial.Index, trial.Status, ErrNotCompleted)
	}
	if trial.HasResults() {
		return ResultRecord(trial.Results), nil
	}

	results := make(ResultRecord)
	objectives := make(map[string]float64)
	for _, m := range c.exp.Metrics() {
		data, err := c.fetch(ctx, m, trial)
		if err == nil && len(data) == 0 {
			err = errors.New("empty result payload")
		}
		var value float64
		if err == nil {
			value, err = metric.Evaluate(m.Function, data, m.Properties)
		}
		if err != nil {
			return nil, c.demote(trial, m.Name, err)
		}
		results[m.Name] = data
		objectives[m.Name] = value
	}

	trial.SetResults(results, objectives)
	slog.Info("Trial results collected", "trial", trial.Index, "objectives", objectives)
	return results, nil
}

func (c *Collector) fetch(ctx context.Context, m *experiment.Metric, trial *experiment.Trial) (map[string]any, error) {
	callCtx, cancel := withTimeout(ctx, c.callTimeout)
	defer cancel()

	var data map[string]any
	err := guard(func() error {
		var fetchErr error
		data, fetchErr = m.Fetch(callCtx, trial)
		return fetchErr
	})
	return data, err
}

func (c *Collector) demote(trial *experiment.Trial, metricName string, cause error) error {
	if err := trial.Demote(fmt.Sprintf("fetch %s: %v", metricName, cause)); err != nil {
		cause = errors.Join(cause, err)
	}
	slog.Warn("Trial results unavailable, marking failed", "trial", trial.Index, "metric", metricName, "error", cause)
	return &FetchError{Trial: trial.Index, Metric: metricName, Err: cause}
}
