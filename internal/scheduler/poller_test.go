package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/trialflow/internal/experiment"
)

func setupPoller(t *testing.T, adapter *fakeAdapter, opts PollerOptions) (*Poller, *Dispatcher, *experiment.Trial) {
	t.Helper()
	exp := newExperiment(t, adapter)
	d := NewDispatcher(exp, exp.Dir.String(), 0)
	trial := runningTrial(t, exp, d)
	return NewPoller(exp, d, opts), d, trial
}

func TestPoll_AppliesTerminalStatus(t *testing.T) {
	for _, status := range []experiment.TrialStatus{
		experiment.StatusCompleted,
		experiment.StatusFailed,
		experiment.StatusAbandoned,
		experiment.StatusEarlyStopped,
	} {
		t.Run(string(status), func(t *testing.T) {
			adapter := &fakeAdapter{poll: func(*experiment.Trial) (experiment.TrialStatus, error) { return status, nil }}
			p, d, trial := setupPoller(t, adapter, PollerOptions{})

			require.NoError(t, p.Poll(context.Background(), trial))
			assert.Equal(t, status, trial.Status)
			assert.Empty(t, d.Outstanding())
		})
	}
}

func TestPoll_RunningLeavesTrialAlone(t *testing.T) {
	adapter := &fakeAdapter{poll: func(*experiment.Trial) (experiment.TrialStatus, error) {
		return experiment.StatusRunning, nil
	}}
	p, d, trial := setupPoller(t, adapter, PollerOptions{})

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Poll(context.Background(), trial))
	}
	assert.Equal(t, experiment.StatusRunning, trial.Status)
	assert.Equal(t, []int{0}, d.Outstanding())
}

func TestPoll_TransientErrorsRetriedThenFatal(t *testing.T) {
	calls := 0
	adapter := &fakeAdapter{poll: func(*experiment.Trial) (experiment.TrialStatus, error) {
		calls++
		return "", experiment.Transient(errors.New("connection reset"))
	}}
	p, _, trial := setupPoller(t, adapter, PollerOptions{MaxRetries: 3})

	for i := 0; i < 2; i++ {
		err := p.Poll(context.Background(), trial)
		var pe *PollError
		require.ErrorAs(t, err, &pe)
		assert.False(t, pe.Fatal)
		assert.Equal(t, experiment.StatusRunning, trial.Status)
	}

	var pe *PollError
	require.ErrorAs(t, p.Poll(context.Background(), trial), &pe)
	assert.True(t, pe.Fatal)
	assert.Equal(t, experiment.StatusFailed, trial.Status)
	assert.Equal(t, 3, calls)
}

func TestPoll_TransientCounterResetsOnSuccess(t *testing.T) {
	fail := true
	adapter := &fakeAdapter{poll: func(*experiment.Trial) (experiment.TrialStatus, error) {
		if fail {
			return "", experiment.Transient(errors.New("flaky"))
		}
		return experiment.StatusRunning, nil
	}}
	p, _, trial := setupPoller(t, adapter, PollerOptions{MaxRetries: 2})

	assert.Error(t, p.Poll(context.Background(), trial))
	assert.Equal(t, 1, trial.PollFailures)
	fail = false
	require.NoError(t, p.Poll(context.Background(), trial))
	assert.Equal(t, 0, trial.PollFailures)
}

func TestPoll_HardErrorFailsImmediately(t *testing.T) {
	adapter := &fakeAdapter{poll: func(*experiment.Trial) (experiment.TrialStatus, error) {
		return "", errors.New("job record corrupt")
	}}
	p, _, trial := setupPoller(t, adapter, PollerOptions{})

	var pe *PollError
	require.ErrorAs(t, p.Poll(context.Background(), trial), &pe)
	assert.True(t, pe.Fatal)
	assert.Equal(t, experiment.StatusFailed, trial.Status)
	assert.Contains(t, trial.FailureReason, "job record corrupt")
}

func TestPoll_ContractViolationAndPanic(t *testing.T) {
	tests := map[string]func(*experiment.Trial) (experiment.TrialStatus, error){
		"staged status": func(*experiment.Trial) (experiment.TrialStatus, error) { return experiment.StatusStaged, nil },
		"unknown":       func(*experiment.Trial) (experiment.TrialStatus, error) { return "paused", nil },
		"panic":         func(*experiment.Trial) (experiment.TrialStatus, error) { panic("adapter bug") },
	}
	for name, poll := range tests {
		t.Run(name, func(t *testing.T) {
			p, _, trial := setupPoller(t, &fakeAdapter{poll: poll}, PollerOptions{})

			var pe *PollError
			require.ErrorAs(t, p.Poll(context.Background(), trial), &pe)
			assert.True(t, pe.Fatal)
			assert.Equal(t, experiment.StatusFailed, trial.Status)
		})
	}
}

func TestPoll_TimeoutTerminatesAndFails(t *testing.T) {
	adapter := &fakeAdapter{poll: func(*experiment.Trial) (experiment.TrialStatus, error) {
		return experiment.StatusRunning, nil
	}}
	p, d, trial := setupPoller(t, adapter, PollerOptions{TrialTimeout: time.Minute})
	trial.DispatchedAt = time.Now().Add(-2 * time.Minute)

	err := p.Poll(context.Background(), trial)
	assert.ErrorIs(t, err, ErrTrialTimeout)
	assert.Equal(t, experiment.StatusFailed, trial.Status)
	assert.Equal(t, []int{0}, adapter.terminated)
	assert.Empty(t, d.Outstanding())
	assert.Equal(t, 0, adapter.polls, "the adapter is not asked once the trial timed out")
}

func TestPoll_NotRunning(t *testing.T) {
	adapter := &fakeAdapter{}
	exp := newExperiment(t, adapter)
	p := NewPoller(exp, NewDispatcher(exp, exp.Dir.String(), 0), PollerOptions{})

	trial, err := exp.NewTrial(map[string]any{"x": 0.5})
	require.NoError(t, err)
	assert.ErrorIs(t, p.Poll(context.Background(), trial), ErrNotRunning)
	assert.Equal(t, 0, adapter.polls)
}
