package experiment

import (
	"maps"
	"time"
)

// TrialEvent is an immutable view of a trial after a state change. It is what
// the run controller hands to observers, so they never share the live trial.
type TrialEvent struct {
	Experiment string             `json:"experiment"`
	Index      int                `json:"index"`
	Status     TrialStatus        `json:"status"`
	Parameters map[string]any     `json:"parameters,omitempty"`
	Objectives map[string]float64 `json:"objectives,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// NewTrialEvent snapshots t for observers.
func NewTrialEvent(experiment string, t *Trial) TrialEvent {
	return TrialEvent{
		Experiment: experiment,
		Index:      t.Index,
		Status:     t.Status,
		Parameters: maps.Clone(t.Parameters),
		Objectives: maps.Clone(t.Objectives),
		Reason:     t.FailureReason,
		Timestamp:  time.Now().UTC(),
	}
}
