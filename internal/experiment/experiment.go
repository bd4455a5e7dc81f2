package experiment

import (
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/trialflow/internal/expdir"
)

// Experiment is the full record of a run: search space, optimization config,
// runner and all trials in creation order.
type Experiment struct {
	Name               string
	Description        string
	Dir                expdir.Path
	SearchSpace        *SearchSpace
	OptimizationConfig *OptimizationConfig
	Runner             *Runner
	Trials             []*Trial
	Properties         map[string]any
	CreatedAt          time.Time
}

// New creates an empty experiment.
func New(name string, space *SearchSpace, cfg *OptimizationConfig, runner *Runner) (*Experiment, error) {
	if name == "" {
		return nil, errors.New("experiment name is required")
	}
	if space == nil {
		return nil, errors.New("search space is required")
	}
	if cfg == nil || cfg.Objective.Metric == nil {
		return nil, errors.New("optimization config with an objective metric is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	return &Experiment{
		Name:               name,
		SearchSpace:        space,
		OptimizationConfig: cfg,
		Runner:             runner,
		Properties:         map[string]any{},
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// NewTrial validates params and appends a candidate trial. Its index is the
// next integer after the last trial.
func (e *Experiment) NewTrial(params map[string]any) (*Trial, error) {
	if err := e.SearchSpace.Validate(params); err != nil {
		return nil, fmt.Errorf("invalid parameters for trial %d: %w", len(e.Trials), err)
	}
	t := newTrial(len(e.Trials), params)
	e.Trials = append(e.Trials, t)
	return t, nil
}

// Trial returns the trial with the given index.
func (e *Experiment) Trial(index int) (*Trial, bool) {
	if index < 0 || index >= len(e.Trials) {
		return nil, false
	}
	return e.Trials[index], true
}

// TrialsWithStatus returns trials in index order whose status is one of statuses.
func (e *Experiment) TrialsWithStatus(statuses ...TrialStatus) []*Trial {
	var out []*Trial
	for _, t := range e.Trials {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// NonTerminal returns the trials that have not reached a terminal status.
func (e *Experiment) NonTerminal() []*Trial {
	var out []*Trial
	for _, t := range e.Trials {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

// StatusCounts tallies trials per status.
func (e *Experiment) StatusCounts() map[TrialStatus]int {
	counts := make(map[TrialStatus]int)
	for _, t := range e.Trials {
		counts[t.Status]++
	}
	return counts
}

// CheckInvariants verifies contiguous indices and unique job handles.
func (e *Experiment) CheckInvariants() error {
	handles := make(map[JobHandle]int)
	for i, t := range e.Trials {
		if t == nil {
			return fmt.Errorf("trial %d is nil", i)
		}
		if t.Index != i {
			return fmt.Errorf("trial at position %d has index %d", i, t.Index)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("trial %d has unknown status %q", i, t.Status)
		}
		if t.JobHandle == "" {
			continue
		}
		if other, ok := handles[t.JobHandle]; ok {
			return fmt.Errorf("trials %d and %d share job handle %q", other, i, t.JobHandle)
		}
		handles[t.JobHandle] = i
	}
	return nil
}

// Metrics returns every metric of the optimization config.
func (e *Experiment) Metrics() []*Metric {
	return e.OptimizationConfig.Metrics()
}

// BindAdapter attaches adapter to the runner and every metric.
func (e *Experiment) BindAdapter(adapter ExecutionAdapter) {
	e.Runner.Bind(adapter)
	for _, m := range e.Metrics() {
		m.Bind(adapter)
	}
}

// BestTrial returns the completed trial with the best objective value.
func (e *Experiment) BestTrial() (*Trial, bool) {
	obj := e.OptimizationConfig.Objective
	var best *Trial
	var bestVal float64
	for _, t := range e.Trials {
		if t.Status != StatusCompleted {
			continue
		}
		v, ok := t.Objective(obj.Metric.Name)
		if !ok {
			continue
		}
		if best == nil || (obj.Minimize && v < bestVal) || (!obj.Minimize && v > bestVal) {
			best, bestVal = t, v
		}
	}
	return best, best != nil
}
