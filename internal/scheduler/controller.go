package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/trialflow/internal/codec"
	"github.com/cwbudde/trialflow/internal/engine"
	"github.com/cwbudde/trialflow/internal/experiment"
	"github.com/cwbudde/trialflow/internal/store"
)

// State is the run controller's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = time.Second

// DefaultCallTimeout is used when Options.CallTimeout is zero.
const DefaultCallTimeout = 30 * time.Second

// Options configure a run.
type Options struct {
	// TotalTrials caps the number of trials in the experiment. Zero means the
	// generation strategy's budget is the only limit.
	TotalTrials int
	// MaxPendingTrials caps trials in flight. Zero means no cap.
	MaxPendingTrials int
	PollInterval     time.Duration
	TrialTimeout     time.Duration
	// CallTimeout bounds each adapter call. Zero means DefaultCallTimeout, a
	// negative value removes the bound.
	CallTimeout    time.Duration
	MaxPollRetries int
	// WallClockLimit stops the run after this long. Zero disables it.
	WallClockLimit time.Duration
	// SnapshotEvery writes a snapshot every N cycles. Zero writes only the
	// final snapshot.
	SnapshotEvery  int
	GlobalStopping ConvergenceConfig
	// TerminateOnStop kills outstanding jobs when the run stops early instead
	// of leaving them for a resumed run to pick up.
	TerminateOnStop bool
}

// Observer receives trial events. Observers are called from the controller
// goroutine and must not block.
type Observer interface {
	OnTrialEvent(event experiment.TrialEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(experiment.TrialEvent)

func (f ObserverFunc) OnTrialEvent(event experiment.TrialEvent) { f(event) }

// Result summarizes a finished run.
type Result struct {
	RunID    string
	State    State
	Reason   string
	Cycles   int
	Elapsed  time.Duration
	Counts   map[experiment.TrialStatus]int
	Best     *experiment.Trial
	Snapshot codec.Format
	// Fallback reports that the last snapshot used the binary format.
	Fallback bool
}

// Controller drives the trial loop: generate, dispatch, poll, collect and
// snapshot, one cycle at a time. It exclusively owns the experiment while
// Run executes.
type Controller struct {
	exp      *experiment.Experiment
	strategy engine.Strategy
	store    store.Store
	codec    *codec.Codec
	runID    string
	opts     Options

	dispatcher *Dispatcher
	poller     *Poller
	collector  *Collector
	tracker    *ConvergenceTracker
	observers  []Observer

	mu    sync.RWMutex
	state State

	cycles    int
	exhausted bool
	converged bool
	lastDoc   codec.Document
}

// NewController wires a controller for exp. Trials already running in exp are
// adopted, which is how a restored run resumes polling.
func NewController(exp *experiment.Experiment, strategy engine.Strategy, st store.Store, c *codec.Codec, runID string, opts Options) (*Controller, error) {
	if exp == nil || strategy == nil {
		return nil, errors.New("experiment and generation strategy are required")
	}
	if st == nil || c == nil {
		return nil, errors.New("snapshot store and codec are required")
	}
	if exp.Runner.Adapter() == nil {
		return nil, fmt.Errorf("experiment %s: %w", exp.Name, experiment.ErrUnboundAdapter)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}

	d := NewDispatcher(exp, exp.Dir.String(), opts.CallTimeout)
	for _, t := range exp.TrialsWithStatus(experiment.StatusRunning) {
		d.Adopt(t)
	}

	ctrl := &Controller{
		exp:        exp,
		strategy:   strategy,
		store:      st,
		codec:      c,
		runID:      runID,
		opts:       opts,
		dispatcher: d,
		poller: NewPoller(exp, d, PollerOptions{
			MaxRetries:   opts.MaxPollRetries,
			TrialTimeout: opts.TrialTimeout,
			CallTimeout:  opts.CallTimeout,
		}),
		collector: NewCollector(exp, opts.CallTimeout),
		tracker:   NewConvergenceTracker(opts.GlobalStopping, exp.OptimizationConfig.Objective.Minimize),
		state:     StateIdle,
	}
	ctrl.replayObjectives()
	return ctrl, nil
}

// replayObjectives feeds trials completed before a restore into the
// convergence tracker.
func (c *Controller) replayObjectives() {
	name := c.exp.OptimizationConfig.Objective.Metric.Name
	for _, t := range c.exp.TrialsWithStatus(experiment.StatusCompleted) {
		if v, ok := t.Objective(name); ok {
			c.tracker.Update(v)
		}
	}
}

// Subscribe adds an observer for trial events.
func (c *Controller) Subscribe(o Observer) {
	c.observers = append(c.observers, o)
}

// State returns the current lifecycle state. Safe for concurrent use.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Dispatcher exposes the job table.
func (c *Controller) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Run executes cycles until the run completes, stops or fails. Cancelling ctx
// stops the run after the current cycle. A final snapshot is attempted and
// timing is logged on every exit path.
func (c *Controller) Run(ctx context.Context) (res *Result, err error) {
	if s := c.State(); s != StateIdle {
		return nil, fmt.Errorf("controller is %s, not idle", s)
	}
	c.setState(StateRunning)

	start := time.Now()
	res = &Result{RunID: c.runID}
	slog.Info("Starting run",
		"run_id", c.runID,
		"experiment", c.exp.Name,
		"existing_trials", len(c.exp.Trials),
		"remaining_budget", c.strategy.Remaining(),
	)

	defer func() {
		if r := recover(); r != nil {
			res.State, res.Reason = StateFailed, fmt.Sprintf("panic: %v", r)
			err = fmt.Errorf("run controller panic: %v", r)
		}
		c.finish(ctx, start, res, &err)
	}()

	// Cycles run to completion even when ctx is cancelled; adapter calls are
	// bounded by CallTimeout instead.
	work := context.WithoutCancel(ctx)
	for {
		if reason := c.stopReason(ctx, start); reason != "" {
			res.State, res.Reason = StateStopped, reason
			return res, nil
		}

		done, err := c.cycle(work)
		if err != nil {
			res.State, res.Reason = StateFailed, err.Error()
			slog.Error("Run failed", "run_id", c.runID, "error", err)
			return res, err
		}
		if done {
			res.State, res.Reason = StateCompleted, "generation strategy exhausted"
			return res, nil
		}

		select {
		case <-ctx.Done():
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *Controller) stopReason(ctx context.Context, start time.Time) string {
	switch {
	case ctx.Err() != nil:
		return "stop requested: " + context.Cause(ctx).Error()
	case c.opts.WallClockLimit > 0 && time.Since(start) >= c.opts.WallClockLimit:
		return fmt.Sprintf("wall clock limit %s reached", c.opts.WallClockLimit)
	case c.converged:
		return "objective converged"
	case c.ceilingReached() && len(c.exp.NonTerminal()) == 0 && !c.budgetExhausted():
		return fmt.Sprintf("trial ceiling %d reached", c.opts.TotalTrials)
	}
	return ""
}

func (c *Controller) ceilingReached() bool {
	return c.opts.TotalTrials > 0 && len(c.exp.Trials) >= c.opts.TotalTrials
}

func (c *Controller) budgetExhausted() bool {
	return c.exhausted || c.strategy.Remaining() <= 0
}

// cycle runs one pass. It reports done when the budget is spent and every
// trial is terminal. Only engine and snapshot errors are returned.
func (c *Controller) cycle(ctx context.Context) (bool, error) {
	for _, t := range c.exp.TrialsWithStatus(experiment.StatusCandidate, experiment.StatusStaged) {
		c.dispatch(ctx, t)
	}

	if err := c.generate(ctx); err != nil {
		return false, err
	}

	for _, t := range c.exp.TrialsWithStatus(experiment.StatusRunning) {
		err := c.poller.Poll(ctx, t)
		var pe *PollError
		if errors.As(err, &pe) && !pe.Fatal {
			continue
		}
		if t.Status.IsTerminal() && t.Status != experiment.StatusCompleted {
			c.publish(t)
		}
	}

	// Completed trials are only published once their results are in, so a
	// demotion to failed is never observed.
	for _, t := range c.exp.TrialsWithStatus(experiment.StatusCompleted) {
		if t.HasResults() {
			continue
		}
		if _, err := c.collector.Collect(ctx, t); err == nil {
			if v, ok := t.Objective(c.exp.OptimizationConfig.Objective.Metric.Name); ok && c.tracker.Update(v) {
				c.converged = true
			}
		}
		c.publish(t)
	}

	c.cycles++
	if c.opts.SnapshotEvery > 0 && c.cycles%c.opts.SnapshotEvery == 0 {
		if err := c.snapshot(ctx); err != nil {
			return false, err
		}
	}

	return c.budgetExhausted() && len(c.exp.NonTerminal()) == 0, nil
}

func (c *Controller) dispatch(ctx context.Context, t *experiment.Trial) {
	err := c.dispatcher.Dispatch(ctx, t)
	if errors.Is(err, ErrAlreadyDispatched) {
		slog.Warn("Skipping trial", "trial", t.Index, "error", err)
		return
	}
	c.publish(t)
}

// generate asks the strategy for new trials while budget, ceiling and the
// pending cap allow, and dispatches each one.
func (c *Controller) generate(ctx context.Context) error {
	for !c.budgetExhausted() && !c.ceilingReached() {
		if c.opts.MaxPendingTrials > 0 && len(c.exp.NonTerminal()) >= c.opts.MaxPendingTrials {
			return nil
		}

		params, err := c.strategy.Gen(c.exp)
		if errors.Is(err, engine.ErrExhausted) {
			c.exhausted = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("generation strategy %s: %w", c.strategy.Name(), err)
		}

		t, err := c.exp.NewTrial(params)
		if err != nil {
			return fmt.Errorf("generation strategy %s: %w", c.strategy.Name(), err)
		}
		slog.Debug("Trial generated", "trial", t.Index, "parameters", t.Parameters)
		c.dispatch(ctx, t)
	}
	return nil
}

func (c *Controller) publish(t *experiment.Trial) {
	if len(c.observers) == 0 {
		return
	}
	event := experiment.NewTrialEvent(c.exp.Name, t)
	for _, o := range c.observers {
		o.OnTrialEvent(event)
	}
}

// Snapshot encodes the experiment and strategy state and saves them.
func (c *Controller) snapshot(ctx context.Context) error {
	state, err := c.strategy.MarshalState()
	if err != nil {
		return fmt.Errorf("marshal generation strategy: %w", err)
	}
	doc, err := store.SaveSnapshot(ctx, c.store, c.codec, &codec.Snapshot{
		RunID:              c.runID,
		CreatedAt:          time.Now().UTC(),
		Experiment:         c.exp,
		GenerationStrategy: state,
	})
	if err != nil {
		return err
	}
	c.lastDoc = doc
	slog.Debug("Snapshot saved", "run_id", c.runID, "format", doc.Format, "bytes", len(doc.Data), "fallback", doc.Fallback())
	return nil
}

func (c *Controller) finish(ctx context.Context, start time.Time, res *Result, errp *error) {
	final := context.WithoutCancel(ctx)
	if res.State == StateStopped && c.opts.TerminateOnStop {
		if err := c.dispatcher.Shutdown(final); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
	}

	if err := c.snapshot(final); err != nil {
		slog.Error("Final snapshot failed", "run_id", c.runID, "error", err)
		if *errp == nil {
			res.State, res.Reason = StateFailed, err.Error()
		}
		*errp = errors.Join(*errp, fmt.Errorf("final snapshot: %w", err))
	}

	c.setState(res.State)
	res.Cycles = c.cycles
	res.Elapsed = time.Since(start)
	res.Counts = c.exp.StatusCounts()
	res.Snapshot = c.lastDoc.Format
	res.Fallback = c.lastDoc.Fallback()
	if best, ok := c.exp.BestTrial(); ok {
		res.Best = best
		slog.Info("Best trial",
			"trial", best.Index,
			"parameters", best.Parameters,
			"objectives", best.Objectives,
		)
	}

	var perTrial time.Duration
	if n := len(c.exp.Trials); n > 0 {
		perTrial = res.Elapsed / time.Duration(n)
	}
	slog.Info("Run finished",
		"run_id", c.runID,
		"state", res.State,
		"reason", res.Reason,
		"elapsed", res.Elapsed,
		"cycles", res.Cycles,
		"trials", len(c.exp.Trials),
		"per_trial", perTrial,
		"completed", res.Counts[experiment.StatusCompleted],
		"failed", res.Counts[experiment.StatusFailed],
		"snapshot_format", res.Snapshot,
	)
}
