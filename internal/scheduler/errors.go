package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyDispatched is returned when a trial is dispatched a second time.
	// No job is started.
	ErrAlreadyDispatched = errors.New("trial already dispatched")

	// ErrNotRunning is returned when a trial that is not running is polled.
	ErrNotRunning = errors.New("trial is not running")

	// ErrNotCompleted is returned when results are collected for a trial that
	// has not completed.
	ErrNotCompleted = errors.New("trial is not completed")

	// ErrTrialTimeout is the cause recorded when a trial outlives TrialTimeout.
	ErrTrialTimeout = errors.New("trial timed out")
)

// DispatchError reports an adapter that failed to start a job. The trial has
// been marked failed.
type DispatchError struct {
	Trial int
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch trial %d: %v", e.Trial, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// PollError reports a failed status query. A transient error leaves the trial
// running; a fatal one means the trial has been marked failed.
type PollError struct {
	Trial int
	Fatal bool
	Err   error
}

func (e *PollError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("poll trial %d (%s): %v", e.Trial, kind, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// FetchError reports missing or malformed results. The trial has been demoted
// to failed and no partial result is stored.
type FetchError struct {
	Trial  int
	Metric string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for trial %d: %v", e.Metric, e.Trial, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return fn()
}
