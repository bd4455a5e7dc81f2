package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/trialflow/internal/experiment"
)

func TestCollect_FetchesOnceAndCaches(t *testing.T) {
	adapter := &fakeAdapter{}
	exp := newExperiment(t, adapter)
	exp.OptimizationConfig.TrackingMetrics = []*experiment.Metric{
		experiment.NewMetric("peak", "max", nil, adapter),
	}
	c := NewCollector(exp, 0)
	trial := completedTrial(t, exp)

	rec, err := c.Collect(context.Background(), trial)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"output": []any{0.5}}, rec["obj"])
	assert.Equal(t, 2, adapter.fetches)

	v, ok := trial.Objective("obj")
	require.True(t, ok)
	assert.Equal(t, 0.5, v)
	_, ok = trial.Objective("peak")
	assert.True(t, ok)

	again, err := c.Collect(context.Background(), trial)
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Equal(t, 2, adapter.fetches, "cached results must not be fetched again")
}

func TestCollect_BadPayloadDemotesTrial(t *testing.T) {
	tests := map[string]func(*experiment.Trial) (map[string]any, error){
		"fetch error": func(*experiment.Trial) (map[string]any, error) { return nil, errors.New("output.json missing") },
		"empty":       func(*experiment.Trial) (map[string]any, error) { return map[string]any{}, nil },
		"malformed":   func(*experiment.Trial) (map[string]any, error) { return map[string]any{"output": "n/a"}, nil },
		"panic":       func(*experiment.Trial) (map[string]any, error) { panic("bad parser") },
	}
	for name, fetch := range tests {
		t.Run(name, func(t *testing.T) {
			exp := newExperiment(t, &fakeAdapter{fetch: fetch})
			trial := completedTrial(t, exp)

			_, err := NewCollector(exp, 0).Collect(context.Background(), trial)
			var fe *FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "obj", fe.Metric)
			assert.Equal(t, experiment.StatusFailed, trial.Status)
			assert.False(t, trial.HasResults(), "no partial result may be stored")
		})
	}
}

func TestCollect_PartialFailureStoresNothing(t *testing.T) {
	good := &fakeAdapter{}
	bad := &fakeAdapter{fetch: func(*experiment.Trial) (map[string]any, error) { return nil, errors.New("gone") }}
	exp := newExperiment(t, good)
	exp.OptimizationConfig.TrackingMetrics = []*experiment.Metric{experiment.NewMetric("aux", "mean", nil, bad)}
	trial := completedTrial(t, exp)

	_, err := NewCollector(exp, 0).Collect(context.Background(), trial)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "aux", fe.Metric)
	assert.Nil(t, trial.Results)
	assert.Nil(t, trial.Objectives)
}

func TestCollect_RequiresCompleted(t *testing.T) {
	exp := newExperiment(t, &fakeAdapter{})
	trial, err := exp.NewTrial(map[string]any{"x": 0.5})
	require.NoError(t, err)

	_, err = NewCollector(exp, 0).Collect(context.Background(), trial)
	assert.ErrorIs(t, err, ErrNotCompleted)
}
