package experiment

import (
	"errors"
	"fmt"
)

// TrialStatus represents the lifecycle state of a trial.
type TrialStatus string

const (
	StatusCandidate    TrialStatus = "candidate"
	StatusStaged       TrialStatus = "staged"
	StatusRunning      TrialStatus = "running"
	StatusCompleted    TrialStatus = "completed"
	StatusFailed       TrialStatus = "failed"
	StatusAbandoned    TrialStatus = "abandoned"
	StatusEarlyStopped TrialStatus = "early_stopped"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// trial state machine.
var ErrInvalidTransition = errors.New("invalid trial status transition")

// transitions lists the allowed successors of every non-terminal status.
var transitions = map[TrialStatus][]TrialStatus{
	StatusCandidate: {StatusStaged, StatusFailed, StatusAbandoned},
	StatusStaged:    {StatusRunning, StatusFailed, StatusAbandoned},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusAbandoned, StatusEarlyStopped},
}

// IsTerminal reports whether the status is a sink.
func (s TrialStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned, StatusEarlyStopped:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TrialStatus) Valid() bool {
	switch s {
	case StatusCandidate, StatusStaged, StatusRunning,
		StatusCompleted, StatusFailed, StatusAbandoned, StatusEarlyStopped:
		return true
	}
	return false
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to TrialStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a TrialStatus.
func ParseStatus(s string) (TrialStatus, error) {
	status := TrialStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown trial status %q", s)
	}
	return status, nil
}
