package scheduler

import (
	"testing"
)

func TestConvergenceTracker_Disabled(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: false, Patience: 1}, true)

	for i := 0; i < 10; i++ {
		if tracker.Update(1.0) {
			t.Fatalf("Disabled tracker reported convergence at update %d", i)
		}
	}
}

func TestConvergenceTracker_Minimize(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2, Threshold: 0.01}, true)

	costs := []float64{10, 8, 7.99, 9}
	want := []bool{false, false, false, true}
	for i, c := range costs {
		if got := tracker.Update(c); got != want[i] {
			t.Errorf("Update(%v) #%d = %v, want %v", c, i, got, want[i])
		}
	}
	if tracker.Best() != 7.99 {
		t.Errorf("Best() = %v, want 7.99", tracker.Best())
	}
	if len(tracker.History()) != len(costs) {
		t.Errorf("History has %d entries, want %d", len(tracker.History()), len(costs))
	}
}

func TestConvergenceTracker_Maximize(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2, Threshold: 0.01}, false)

	tracker.Update(1)
	if tracker.Update(2) {
		t.Fatal("Improvement must not converge")
	}
	if tracker.StaleCount() != 0 {
		t.Errorf("StaleCount() = %d after improvement", tracker.StaleCount())
	}
	tracker.Update(1.5)
	if !tracker.Update(2.001) {
		t.Error("Expected convergence after two stale trials")
	}
	if tracker.Best() != 2.001 {
		t.Errorf("Best() = %v, want 2.001", tracker.Best())
	}
}

func TestConvergenceTracker_MinTrials(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 1, Threshold: 0.5, MinTrials: 4}, true)

	for i := 0; i < 3; i++ {
		if tracker.Update(1) {
			t.Fatalf("Converged before MinTrials at update %d", i)
		}
	}
	if !tracker.Update(1) {
		t.Error("Expected convergence once MinTrials is reached")
	}
}

func TestConvergenceTracker_ZeroObjective(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 1, Threshold: 0.1}, true)

	tracker.Update(0)
	if tracker.Update(-0.5) {
		t.Error("Absolute improvement from zero must count as progress")
	}
}
