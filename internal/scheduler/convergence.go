package scheduler

import (
	"log/slog"
	"math"
)

// ConvergenceConfig defines when a run stops early because the best objective
// stopped improving.
type ConvergenceConfig struct {
	// Enabled controls whether global stopping is active
	Enabled bool

	// Patience is the number of completed trials with no significant
	// improvement of the best objective before stopping
	Patience int

	// Threshold is the minimum relative improvement required to count as progress
	// Example: 0.001 = 0.1% improvement required
	Threshold float64

	// MinTrials is the number of completed trials before stopping is considered
	MinTrials int
}

// DefaultConvergenceConfig returns the defaults used when global stopping is
// enabled without further options.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		Enabled:   true,
		Patience:  5,
		Threshold: 0.001, // 0.1% improvement
		MinTrials: 5,
	}
}

// ConvergenceTracker follows the best objective over completed trials.
type ConvergenceTracker struct {
	config          ConvergenceConfig
	minimize        bool
	history         []float64
	best            float64 // best objective ever seen, as a cost
	lastSignificant float64 // last cost that was a significant improvement
	staleCount      int     // completed trials without significant improvement
}

// NewConvergenceTracker creates a tracker. Maximized objectives are tracked as
// negated costs.
func NewConvergenceTracker(config ConvergenceConfig, minimize bool) *ConvergenceTracker {
	return &ConvergenceTracker{
		config:          config,
		minimize:        minimize,
		best:            math.Inf(1),
		lastSignificant: math.Inf(1),
	}
}

// Update records the objective of a newly completed trial and reports whether
// the run has converged.
func (c *ConvergenceTracker) Update(objective float64) bool {
	if !c.config.Enabled {
		return false
	}

	cost := objective
	if !c.minimize {
		cost = -objective
	}
	c.history = append(c.history, objective)
	if cost < c.best {
		c.best = cost
	}

	if len(c.history) == 1 {
		c.lastSignificant = c.best
		return false
	}

	improvement := relativeImprovement(c.lastSignificant, c.best)
	if improvement >= c.config.Threshold && c.best < c.lastSignificant {
		c.lastSignificant = c.best
		c.staleCount = 0
		slog.Debug("Objective improvement detected",
			"best", c.Best(),
			"relative_improvement", improvement,
		)
		return false
	}

	c.staleCount++
	slog.Debug("No significant objective improvement",
		"best", c.Best(),
		"relative_improvement", improvement,
		"stale_count", c.staleCount,
		"patience", c.config.Patience,
	)

	if len(c.history) >= c.config.MinTrials && c.staleCount >= c.config.Patience {
		slog.Info("Convergence detected - stopping early",
			"stale_count", c.staleCount,
			"patience", c.config.Patience,
			"best", c.Best(),
		)
		return true
	}
	return false
}

// relativeImprovement is the improvement from old to cur relative to |old|,
// or the absolute improvement when old is zero.
func relativeImprovement(old, cur float64) float64 {
	if old == 0 {
		return old - cur
	}
	return (old - cur) / math.Abs(old)
}

// Best returns the best objective seen so far in its original sign.
func (c *ConvergenceTracker) Best() float64 {
	if c.minimize {
		return c.best
	}
	return -c.best
}

// History returns the objectives in completion order.
func (c *ConvergenceTracker) History() []float64 {
	return append([]float64{}, c.history...)
}

// StaleCount returns the current number of trials without improvement
func (c *ConvergenceTracker) StaleCount() int {
	return c.staleCount
}
