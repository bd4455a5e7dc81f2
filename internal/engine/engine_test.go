package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/trialflow/internal/experiment"
)

func testSpace(t *testing.T, constraints ...string) *experiment.SearchSpace {
	t.Helper()
	var cs []*experiment.ParameterConstraint
	for _, expr := range constraints {
		c, err := experiment.ParseConstraint(expr)
		require.NoError(t, err)
		cs = append(cs, c)
	}
	space, err := experiment.NewSearchSpace([]*experiment.Parameter{
		{Name: "x", Kind: experiment.KindRange, ValueType: experiment.TypeFloat, Lower: 0, Upper: 1},
		{Name: "y", Kind: experiment.KindRange, ValueType: experiment.TypeFloat, Lower: 0, Upper: 1},
		{Name: "lr", Kind: experiment.KindRange, ValueType: experiment.TypeFloat, Lower: 1e-4, Upper: 1e-1, LogScale: true},
		{Name: "n", Kind: experiment.KindRange, ValueType: experiment.TypeInt, Lower: 1, Upper: 4},
		{Name: "act", Kind: experiment.KindChoice, ValueType: experiment.TypeString, Values: []any{"relu", "tanh"}},
		{Name: "seed", Kind: experiment.KindFixed, ValueType: experiment.TypeInt, Value: int64(3)},
	}, cs)
	require.NoError(t, err)
	return space
}

func testExperiment(t *testing.T, space *experiment.SearchSpace) *experiment.Experiment {
	t.Helper()
	cfg := &experiment.OptimizationConfig{Objective: experiment.Objective{
		Metric:   experiment.NewMetric("obj", "mean", nil, nil),
		Minimize: true,
	}}
	exp, err := experiment.New("engine", space, cfg, experiment.NewRunner("none", nil))
	require.NoError(t, err)
	return exp
}

func TestRandom_BudgetAndDomain(t *testing.T) {
	space := testSpace(t, "x + y <= 1")
	s, err := New(Config{Name: NameRandom, NumTrials: 20, Seed: 1}, space)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		params, err := s.Gen(nil)
		require.NoError(t, err)
		require.NoError(t, space.Validate(params), "trial %d", i)
		assert.IsType(t, int64(0), params["n"])
	}
	assert.Equal(t, 0, s.Remaining())

	_, err = s.Gen(nil)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRandom_RestoreContinuesSequence(t *testing.T) {
	space := testSpace(t)
	cfg := Config{Name: NameRandom, NumTrials: 3, Seed: 42}

	reference, err := New(cfg, space)
	require.NoError(t, err)
	var want []map[string]any
	for i := 0; i < 3; i++ {
		p, err := reference.Gen(nil)
		require.NoError(t, err)
		want = append(want, p)
	}

	first, err := New(cfg, space)
	require.NoError(t, err)
	_, err = first.Gen(nil)
	require.NoError(t, err)
	_, err = first.Gen(nil)
	require.NoError(t, err)

	state, err := first.MarshalState()
	require.NoError(t, err)
	var compact bytes.Buffer
	require.NoError(t, json.Compact(&compact, state))
	assert.Equal(t, compact.Bytes(), state, "state must be compact JSON")

	restored, err := Restore(state, space)
	require.NoError(t, err)
	assert.Equal(t, NameRandom, restored.Name())
	assert.Equal(t, 1, restored.Remaining())

	got, err := restored.Gen(nil)
	require.NoError(t, err)
	assert.Equal(t, want[2], got)

	again, err := restored.MarshalState()
	require.NoError(t, err)
	assert.Contains(t, string(again), `"generated":3`)
}

func TestNewAndRestoreErrors(t *testing.T) {
	space := testSpace(t)

	_, err := New(Config{Name: "sobol", NumTrials: 1}, space)
	assert.Error(t, err)
	_, err = New(Config{Name: NameRandom}, space)
	assert.Error(t, err)
	_, err = New(Config{NumTrials: 1}, nil)
	assert.Error(t, err)

	_, err = Restore([]byte("not json"), space)
	assert.Error(t, err)
	_, err = Restore([]byte(`{"name":"random","num_trials":2,"generated":5}`), space)
	assert.Error(t, err)
}

func TestUnsatisfiableConstraints(t *testing.T) {
	space := testSpace(t, "x + y >= 3")
	s, err := New(Config{NumTrials: 1}, space)
	require.NoError(t, err)
	_, err = s.Gen(nil)
	assert.Error(t, err)
	assert.Equal(t, 1, s.Remaining(), "failed generation does not consume budget")
}

func TestMayfly_ProposesValidTrials(t *testing.T) {
	space := testSpace(t, "x + y <= 1.5")
	exp := testExperiment(t, space)

	s, err := New(Config{Name: NameMayfly, NumTrials: 8, NumInitializationTrials: 3, Seed: 7, MaxIterations: 10}, space)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		params, err := s.Gen(exp)
		require.NoError(t, err)
		trial, err := exp.NewTrial(params)
		require.NoError(t, err, "proposal %d", i)

		require.NoError(t, trial.MarkStaged())
		require.NoError(t, trial.MarkRunning(experiment.JobHandle(fmt.Sprintf("job-%d", i))))
		require.NoError(t, trial.MarkCompleted())
		x := params["x"].(float64)
		y := params["y"].(float64)
		v := (x-0.3)*(x-0.3) + (y-0.6)*(y-0.6)
		trial.SetResults(map[string]map[string]any{"obj": {"output": []any{v}}}, map[string]float64{"obj": v})
	}

	_, err = s.Gen(exp)
	assert.ErrorIs(t, err, ErrExhausted)

	state, err := s.MarshalState()
	require.NoError(t, err)
	restored, err := Restore(state, space)
	require.NoError(t, err)
	assert.Equal(t, NameMayfly, restored.Name())
	assert.Equal(t, 0, restored.Remaining())
}

func TestMayfly_Deterministic(t *testing.T) {
	space := testSpace(t)
	run := func() []map[string]any {
		exp := testExperiment(t, space)
		s, err := New(Config{Name: NameMayfly, NumTrials: 5, NumInitializationTrials: 2, Seed: 11, MaxIterations: 5}, space)
		require.NoError(t, err)
		var out []map[string]any
		for i := 0; i < 5; i++ {
			params, err := s.Gen(exp)
			require.NoError(t, err)
			trial, err := exp.NewTrial(params)
			require.NoError(t, err)
			require.NoError(t, trial.MarkStaged())
			require.NoError(t, trial.MarkRunning(experiment.JobHandle(fmt.Sprintf("job-%d", i))))
			require.NoError(t, trial.MarkCompleted())
			v := params["x"].(float64)
			trial.SetResults(map[string]map[string]any{"obj": {"output": []any{v}}}, map[string]float64{"obj": v})
			out = append(out, params)
		}
		return out
	}
	assert.Equal(t, run(), run())
}
