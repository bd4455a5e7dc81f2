package experiment

import (
	"fmt"
	"maps"
	"time"
)

// JobHandle identifies an external job. Its contents are defined by the
// ExecutionAdapter that started the job.
type JobHandle string

// Trial is one proposed parameter assignment and its execution record.
// Trials are owned by their Experiment; only the dispatcher, poller and
// collector change their status.
type Trial struct {
	Index      int
	Parameters map[string]any
	Status     TrialStatus
	JobHandle  JobHandle

	// Results holds the fetched payload per metric name.
	Results map[string]map[string]any
	// Objectives holds the evaluated value per metric name.
	Objectives map[string]float64

	FailureReason string
	PollFailures  int

	CreatedAt    time.Time
	DispatchedAt time.Time
	CompletedAt  time.Time
}

func newTrial(index int, params map[string]any) *Trial {
	return &Trial{
		Index:      index,
		Parameters: maps.Clone(params),
		Status:     StatusCandidate,
		CreatedAt:  time.Now().UTC(),
	}
}

func (t *Trial) transition(to TrialStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: trial %d %s -> %s", ErrInvalidTransition, t.Index, t.Status, to)
	}
	t.Status = to
	if to.IsTerminal() {
		t.CompletedAt = time.Now().UTC()
	}
	return nil
}

// MarkStaged moves a candidate into the staged state.
func (t *Trial) MarkStaged() error { return t.transition(StatusStaged) }

// MarkRunning records the job handle and moves a staged trial to running.
func (t *Trial) MarkRunning(handle JobHandle) error {
	if err := t.transition(StatusRunning); err != nil {
		return err
	}
	t.JobHandle = handle
	t.DispatchedAt = time.Now().UTC()
	return nil
}

// MarkCompleted moves a running trial to completed.
func (t *Trial) MarkCompleted() error { return t.transition(StatusCompleted) }

// MarkFailed moves the trial to failed and records why.
func (t *Trial) MarkFailed(reason string) error {
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	t.FailureReason = reason
	return nil
}

// MarkAbandoned moves the trial to abandoned.
func (t *Trial) MarkAbandoned(reason string) error {
	if err := t.transition(StatusAbandoned); err != nil {
		return err
	}
	t.FailureReason = reason
	return nil
}

// MarkEarlyStopped moves a running trial to early stopped.
func (t *Trial) MarkEarlyStopped() error { return t.transition(StatusEarlyStopped) }

// SetStatus applies a status reported by an adapter. Only terminal statuses
// reachable from Running are accepted; Running itself is a no-op.
func (t *Trial) SetStatus(status TrialStatus, reason string) error {
	switch status {
	case StatusRunning:
		if t.Status != StatusRunning {
			return fmt.Errorf("%w: trial %d %s -> %s", ErrInvalidTransition, t.Index, t.Status, status)
		}
		return nil
	case StatusFailed:
		return t.MarkFailed(reason)
	case StatusAbandoned:
		return t.MarkAbandoned(reason)
	case StatusCompleted, StatusEarlyStopped:
		return t.transition(status)
	}
	return fmt.Errorf("%w: trial %d %s -> %s", ErrInvalidTransition, t.Index, t.Status, status)
}

// Demote turns a completed trial without results into a failed one. It is the
// only exit from a terminal status and is used when results cannot be fetched.
func (t *Trial) Demote(reason string) error {
	if t.Status != StatusCompleted || len(t.Results) > 0 {
		return fmt.Errorf("%w: trial %d cannot be demoted from %s", ErrInvalidTransition, t.Index, t.Status)
	}
	t.Status = StatusFailed
	t.FailureReason = reason
	return nil
}

// SetResults attaches fetched results and evaluated objective values.
func (t *Trial) SetResults(results map[string]map[string]any, objectives map[string]float64) {
	t.Results = results
	t.Objectives = objectives
}

// HasResults reports whether results were already fetched.
func (t *Trial) HasResults() bool {
	return len(t.Results) > 0
}

// Objective returns the evaluated value for a metric.
func (t *Trial) Objective(metric string) (float64, bool) {
	v, ok := t.Objectives[metric]
	return v, ok
}

// Summary returns a JSON-friendly view of the trial.
func (t *Trial) Summary() map[string]any {
	s := map[string]any{
		"index":      t.Index,
		"status":     string(t.Status),
		"parameters": t.Parameters,
		"job_handle": string(t.JobHandle),
		"created_at": t.CreatedAt,
	}
	if t.FailureReason != "" {
		s["failure_reason"] = t.FailureReason
	}
	if len(t.Objectives) > 0 {
		s["objectives"] = t.Objectives
	}
	return s
}
