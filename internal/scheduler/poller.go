package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// DefaultMaxPollRetries bounds consecutive transient poll failures.
const DefaultMaxPollRetries = 5

// PollerOptions tune the poller.
type PollerOptions struct {
	// MaxRetries is the number of consecutive transient errors tolerated
	// before the trial fails.
	MaxRetries int
	// TrialTimeout fails trials running longer than this, measured from
	// dispatch. Zero disables it.
	TrialTimeout time.Duration
	// CallTimeout bounds each adapter call. Zero disables it.
	CallTimeout time.Duration
}

// Poller asks the adapter for the state of running trials and applies the
// transitions it reports. The adapter is the only authority for completion.
type Poller struct {
	exp        *experiment.Experiment
	dispatcher *Dispatcher
	opts       PollerOptions
}

// NewPoller returns a poller releasing finished jobs from dispatcher.
func NewPoller(exp *experiment.Experiment, dispatcher *Dispatcher, opts PollerOptions) *Poller {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxPollRetries
	}
	return &Poller{exp: exp, dispatcher: dispatcher, opts: opts}
}

// Poll queries one running trial. It returns nil while the trial is running
// or after it reached a terminal state, and a *PollError otherwise.
func (p *Poller) Poll(ctx context.Context, trial *experiment.Trial) error {
	if trial.Status != experiment.StatusRunning {
		return fmt.Errorf("poll trial %d (%s): %w", trial.Index, trial.Status, ErrNotRunning)
	}

	if p.opts.TrialTimeout > 0 && !trial.DispatchedAt.IsZero() {
		if elapsed := time.Since(trial.DispatchedAt); elapsed > p.opts.TrialTimeout {
			return p.timeout(ctx, trial, elapsed)
		}
	}

	adapter := p.exp.Runner.Adapter()
	if adapter == nil {
		return p.fail(trial, experiment.ErrUnboundAdapter)
	}

	callCtx, cancel := withTimeout(ctx, p.opts.CallTimeout)
	defer cancel()

	var status experiment.TrialStatus
	err := guard(func() error {
		var pollErr error
		status, pollErr = adapter.PollStatus(callCtx, trial)
		return pollErr
	})

	switch {
	case err != nil && (experiment.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)):
		trial.PollFailures++
		if trial.PollFailures >= p.opts.MaxRetries {
			return p.fail(trial, fmt.Errorf("%d consecutive poll failures: %w", trial.PollFailures, err))
		}
		slog.Debug("Transient poll failure", "trial", trial.Index, "failures", trial.PollFailures, "error", err)
		return &PollError{Trial: trial.Index, Err: err}
	case err != nil:
		return p.fail(trial, err)
	}

	trial.PollFailures = 0
	switch {
	case status == experiment.StatusRunning:
		return nil
	case status.IsTerminal():
		if err := trial.SetStatus(status, "job reported "+string(status)); err != nil {
			return p.fail(trial, err)
		}
		p.dispatcher.Release(trial)
		slog.Info("Trial finished", "trial", trial.Index, "status", status)
		return nil
	}
	return p.fail(trial, fmt.Errorf("adapter reported non-terminal status %q", status))
}

func (p *Poller) fail(trial *experiment.Trial, cause error) error {
	p.dispatcher.Release(trial)
	if err := trial.MarkFailed(cause.Error()); err != nil {
		cause = errors.Join(cause, err)
	}
	slog.Warn("Trial failed while polling", "trial", trial.Index, "error", cause)
	return &PollError{Trial: trial.Index, Fatal: true, Err: cause}
}

func (p *Poller) timeout(ctx context.Context, trial *experiment.Trial, elapsed time.Duration) error {
	if term, ok := p.exp.Runner.Adapter().(experiment.Terminator); ok {
		if err := terminate(ctx, term, trial, p.opts.CallTimeout); err != nil {
			slog.Warn("Failed to terminate timed out trial", "trial", trial.Index, "error", err)
		}
	}
	return p.fail(trial, fmt.Errorf("%w after %s", ErrTrialTimeout, elapsed.Round(time.Millisecond)))
}
