package experiment

import (
	"context"
	"errors"
)

// ExecutionAdapter starts, interrogates and collects external jobs for trials.
// Implementations are supplied by the application and selected explicitly
// through configuration. Every call must return once ctx is done: the run
// loop bounds calls with a deadline and cannot interrupt an adapter that
// ignores it.
type ExecutionAdapter interface {
	// Start launches the external work for a trial. It must not block until
	// the job finishes.
	Start(ctx context.Context, trial *Trial, trialDir string) (JobHandle, error)

	// PollStatus reports StatusRunning while the job is in flight, or a
	// terminal status once it is done. It must be idempotent.
	PollStatus(ctx context.Context, trial *Trial) (TrialStatus, error)

	// Fetch returns the data the named metric needs, keyed by metric input name.
	Fetch(ctx context.Context, trial *Trial, metricProperties map[string]any, metricName string) (map[string]any, error)
}

// Terminator is implemented by adapters that can stop a running job.
type Terminator interface {
	Terminate(ctx context.Context, trial *Trial) error
}

// TransientError marks an adapter failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so the poller retries instead of failing the trial.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Runner binds an Experiment to its ExecutionAdapter. The adapter is live
// process state and is not part of a snapshot; it is re-bound after restore.
type Runner struct {
	// AdapterKind names the adapter implementation for display and sanity checks.
	AdapterKind string

	adapter ExecutionAdapter
}

// NewRunner creates a runner for adapter.
func NewRunner(kind string, adapter ExecutionAdapter) *Runner {
	return &Runner{AdapterKind: kind, adapter: adapter}
}

// Adapter returns the bound adapter, or nil when not yet re-bound.
func (r *Runner) Adapter() ExecutionAdapter {
	return r.adapter
}

// Bind attaches a live adapter.
func (r *Runner) Bind(adapter ExecutionAdapter) {
	r.adapter = adapter
}
