package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/experiment"
)

// fakeAdapter completes every job on the first poll unless told otherwise.
type fakeAdapter struct {
	mu sync.Mutex

	start func(trial *experiment.Trial) (experiment.JobHandle, error)
	poll  func(trial *experiment.Trial) (experiment.TrialStatus, error)
	fetch func(trial *experiment.Trial) (map[string]any, error)

	starts     int
	polls      int
	fetches    int
	terminated []int
}

func (f *fakeAdapter) Start(_ context.Context, trial *experiment.Trial, _ string) (experiment.JobHandle, error) {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	if f.start != nil {
		return f.start(trial)
	}
	return experiment.JobHandle(fmt.Sprintf("job-%d", trial.Index)), nil
}

func (f *fakeAdapter) PollStatus(_ context.Context, trial *experiment.Trial) (experiment.TrialStatus, error) {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	if f.poll != nil {
		return f.poll(trial)
	}
	return experiment.StatusCompleted, nil
}

func (f *fakeAdapter) Fetch(_ context.Context, trial *experiment.Trial, _ map[string]any, _ string) (map[string]any, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch(trial)
	}
	return map[string]any{"output": []any{0.5}}, nil
}

func (f *fakeAdapter) Terminate(_ context.Context, trial *experiment.Trial) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, trial.Index)
	return nil
}

func unitSpace(t *testing.T) *experiment.SearchSpace {
	t.Helper()
	space, err := experiment.NewSearchSpace([]*experiment.Parameter{
		{Name: "x", Kind: experiment.KindRange, ValueType: experiment.TypeFloat, Lower: 0, Upper: 1},
	}, nil)
	require.NoError(t, err)
	return space
}

func newExperiment(t *testing.T, adapter experiment.ExecutionAdapter) *experiment.Experiment {
	t.Helper()
	cfg := &experiment.OptimizationConfig{
		Objective: experiment.Objective{Metric: experiment.NewMetric("obj", "mean", nil, adapter), Minimize: true},
	}
	exp, err := experiment.New("sched", unitSpace(t), cfg, experiment.NewRunner("fake", adapter))
	require.NoError(t, err)
	exp.Dir = expdir.Path(t.TempDir())
	return exp
}

// runningTrial adds a trial and dispatches it through d.
func runningTrial(t *testing.T, exp *experiment.Experiment, d *Dispatcher) *experiment.Trial {
	t.Helper()
	trial, err := exp.NewTrial(map[string]any{"x": 0.5})
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), trial))
	return trial
}

// completedTrial adds a trial that the adapter reported completed.
func completedTrial(t *testing.T, exp *experiment.Experiment) *experiment.Trial {
	t.Helper()
	trial, err := exp.NewTrial(map[string]any{"x": 0.5})
	require.NoError(t, err)
	require.NoError(t, trial.MarkStaged())
	require.NoError(t, trial.MarkRunning(experiment.JobHandle(fmt.Sprintf("job-%d", trial.Index))))
	require.NoError(t, trial.MarkCompleted())
	return trial
}

// recorder collects trial events.
type recorder struct {
	events []experiment.TrialEvent
}

func (r *recorder) OnTrialEvent(e experiment.TrialEvent) {
	r.events = append(r.events, e)
}

func (r *recorder) statuses(index int) []experiment.TrialStatus {
	var out []experiment.TrialStatus
	for _, e := range r.events {
		if e.Index == index {
			out = append(out, e.Status)
		}
	}
	return out
}
