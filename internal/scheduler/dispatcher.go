package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/experiment"
)

// Dispatcher starts external jobs for trials and owns the table of jobs in
// flight. The table is per run; nothing about jobs is kept in package state.
type Dispatcher struct {
	exp         *experiment.Experiment
	root        string
	callTimeout time.Duration

	mu   sync.Mutex
	jobs map[int]experiment.JobHandle
}

// NewDispatcher returns a dispatcher creating trial directories below root.
func NewDispatcher(exp *experiment.Experiment, root string, callTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		exp:         exp,
		root:        root,
		callTimeout: callTimeout,
		jobs:        make(map[int]experiment.JobHandle),
	}
}

// Dispatch starts the job for a candidate or staged trial and moves it to
// running. When the adapter fails, the trial is marked failed and a
// *DispatchError is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, trial *experiment.Trial) error {
	if trial.Status == experiment.StatusCandidate {
		if err := trial.MarkStaged(); err != nil {
			return err
		}
	}
	if trial.Status != experiment.StatusStaged {
		return fmt.Errorf("trial %d is %s: %w", trial.Index, trial.Status, ErrAlreadyDispatched)
	}

	// Reserve the slot so a concurrent second call cannot launch twice. The
	// lock is not held while the adapter runs.
	d.mu.Lock()
	if _, ok := d.jobs[trial.Index]; ok {
		d.mu.Unlock()
		return fmt.Errorf("trial %d: %w", trial.Index, ErrAlreadyDispatched)
	}
	d.jobs[trial.Index] = ""
	d.mu.Unlock()

	handle, err := d.start(ctx, trial)
	if err == nil {
		err = d.record(trial.Index, handle)
	}
	if err != nil {
		d.Release(trial)
		if markErr := trial.MarkFailed(err.Error()); markErr != nil {
			err = errors.Join(err, markErr)
		}
		slog.Warn("Trial dispatch failed", "trial", trial.Index, "error", err)
		return &DispatchError{Trial: trial.Index, Err: err}
	}

	if err := trial.MarkRunning(handle); err != nil {
		d.Release(trial)
		return err
	}
	slog.Info("Trial dispatched", "trial", trial.Index, "job", handle)
	return nil
}

func (d *Dispatcher) start(ctx context.Context, trial *experiment.Trial) (experiment.JobHandle, error) {
	adapter := d.exp.Runner.Adapter()
	if adapter == nil {
		return "", experiment.ErrUnboundAdapter
	}

	dir, err := expdir.MakeTrialDir(d.root, trial.Index)
	if err != nil {
		return "", err
	}
	if err := expdir.SaveTrialData(dir, trial.Index, trial.Parameters, trial.Summary()); err != nil {
		return "", err
	}

	callCtx, cancel := withTimeout(ctx, d.callTimeout)
	defer cancel()

	var handle experiment.JobHandle
	err = guard(func() error {
		var startErr error
		handle, startErr = adapter.Start(callCtx, trial, dir)
		return startErr
	})
	if err != nil {
		return "", err
	}
	if handle == "" {
		return "", errors.New("adapter returned an empty job handle")
	}
	return handle, nil
}

// record stores handle for index, rejecting handles already in use.
func (d *Dispatcher) record(index int, handle experiment.JobHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for other, h := range d.jobs {
		if other != index && h == handle {
			return fmt.Errorf("job handle %q already belongs to trial %d", handle, other)
		}
	}
	for _, t := range d.exp.Trials {
		if t.Index != index && t.JobHandle == handle {
			return fmt.Errorf("job handle %q already belongs to trial %d", handle, t.Index)
		}
	}
	d.jobs[index] = handle
	return nil
}

// Adopt registers a trial that was already running when the run was restored.
func (d *Dispatcher) Adopt(trial *experiment.Trial) {
	if trial.Status != experiment.StatusRunning {
		return
	}
	d.mu.Lock()
	d.jobs[trial.Index] = trial.JobHandle
	d.mu.Unlock()
}

// Release forgets the trial's job.
func (d *Dispatcher) Release(trial *experiment.Trial) {
	d.mu.Lock()
	delete(d.jobs, trial.Index)
	d.mu.Unlock()
}

// Outstanding returns the indices of trials with a job in flight, ascending.
func (d *Dispatcher) Outstanding() []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]int, 0, len(d.jobs))
	for idx, h := range d.jobs {
		if h != "" {
			out = append(out, idx)
		}
	}
	slices.Sort(out)
	return out
}

// Shutdown terminates every outstanding job the adapter can stop and marks
// those trials abandoned. Adapters without Terminate leave their jobs running.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	adapter := d.exp.Runner.Adapter()
	term, ok := adapter.(experiment.Terminator)
	if !ok {
		slog.Warn("Adapter cannot terminate jobs, leaving them running", "jobs", len(d.Outstanding()))
		return nil
	}

	var errs []error
	for _, idx := range d.Outstanding() {
		trial, ok := d.exp.Trial(idx)
		if !ok {
			continue
		}
		if err := terminate(ctx, term, trial, d.callTimeout); err != nil {
			errs = append(errs, fmt.Errorf("terminate trial %d: %w", idx, err))
			continue
		}
		if trial.Status == experiment.StatusRunning {
			if err := trial.MarkAbandoned("terminated on shutdown"); err != nil {
				errs = append(errs, err)
			}
		}
		d.Release(trial)
		slog.Info("Trial job terminated", "trial", idx, "job", trial.JobHandle)
	}
	return errors.Join(errs...)
}

func terminate(ctx context.Context, term experiment.Terminator, trial *experiment.Trial, timeout time.Duration) error {
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return guard(func() error { return term.Terminate(callCtx, trial) })
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
