package server

import (
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// RunInfo is the run-level view served by GET /api/v1/run.
type RunInfo struct {
	RunID      string                         `json:"runId"`
	Experiment string                         `json:"experiment"`
	State      string                         `json:"state"`
	Reason     string                         `json:"reason,omitempty"`
	Objective  string                         `json:"objective"`
	Minimize   bool                           `json:"minimize"`
	Counts     map[experiment.TrialStatus]int `json:"counts"`
	Best       *experiment.TrialEvent         `json:"best,omitempty"`
	StartTime  time.Time                      `json:"startTime"`
	EndTime    *time.Time                     `json:"endTime,omitempty"`
}

// Board keeps the latest event of every trial in a run. It is fed by the run
// controller as an observer and read by the HTTP handlers.
type Board struct {
	mu     sync.RWMutex
	run    RunInfo
	trials map[int]experiment.TrialEvent

	broadcaster *EventBroadcaster
}

// NewBoard creates a board for exp, seeded with the trials it already holds
// so a resumed run shows its history.
func NewBoard(runID string, exp *experiment.Experiment) *Board {
	obj := exp.OptimizationConfig.Objective
	b := &Board{
		run: RunInfo{
			RunID:      runID,
			Experiment: exp.Name,
			State:      "idle",
			Objective:  obj.Metric.Name,
			Minimize:   obj.Minimize,
			Counts:     make(map[experiment.TrialStatus]int),
			StartTime:  time.Now(),
		},
		trials:      make(map[int]experiment.TrialEvent, len(exp.Trials)),
		broadcaster: NewEventBroadcaster(),
	}
	for _, t := range exp.Trials {
		b.record(experiment.NewTrialEvent(exp.Name, t))
	}
	return b
}

// OnTrialEvent records the event and forwards it to stream subscribers.
func (b *Board) OnTrialEvent(event experiment.TrialEvent) {
	b.mu.Lock()
	b.record(event)
	b.mu.Unlock()

	b.broadcaster.Broadcast(event)
}

func (b *Board) record(event experiment.TrialEvent) {
	if prev, ok := b.trials[event.Index]; ok {
		b.run.Counts[prev.Status]--
		if b.run.Counts[prev.Status] == 0 {
			delete(b.run.Counts, prev.Status)
		}
	}
	b.trials[event.Index] = event
	b.run.Counts[event.Status]++

	v, ok := event.Objectives[b.run.Objective]
	if event.Status != experiment.StatusCompleted || !ok {
		return
	}
	if b.run.Best == nil || b.better(v, b.run.Best.Objectives[b.run.Objective]) {
		best := event
		b.run.Best = &best
	}
}

func (b *Board) better(v, than float64) bool {
	if b.run.Minimize {
		return v < than
	}
	return v > than
}

// SetState updates the run state shown by the API.
func (b *Board) SetState(state, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.run.State = state
	b.run.Reason = reason
}

// Finish records the final state and ends all event streams.
func (b *Board) Finish(state, reason string) {
	b.mu.Lock()
	now := time.Now()
	b.run.State = state
	b.run.Reason = reason
	b.run.EndTime = &now
	b.mu.Unlock()

	b.broadcaster.CloseAll()
}

// Run returns a copy of the run-level view.
func (b *Board) Run() RunInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := b.run
	info.Counts = make(map[experiment.TrialStatus]int, len(b.run.Counts))
	for k, v := range b.run.Counts {
		info.Counts[k] = v
	}
	if b.run.Best != nil {
		best := *b.run.Best
		info.Best = &best
	}
	return info
}

// Trials returns the latest event of every trial in index order, optionally
// restricted to one status.
func (b *Board) Trials(status experiment.TrialStatus) []experiment.TrialEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]experiment.TrialEvent, 0, len(b.trials))
	for _, ev := range b.trials {
		if status != "" && ev.Status != status {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Trial returns the latest event of one trial.
func (b *Board) Trial(index int) (experiment.TrialEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev, ok := b.trials[index]
	return ev, ok
}
