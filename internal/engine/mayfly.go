package engine

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"

	"github.com/cwbudde/trialflow/internal/experiment"
)

const (
	defaultInitTrials    = 5
	defaultMayflyIters   = 50
	minMayflyPopulation  = 20
	explorationWeight    = 0.5
	constraintPenalty    = 10.0
	minSurrogateDistance = 1e-12
)

// Mayfly starts with random initialization trials, then places each new
// trial where an inverse-distance surrogate of the observed objective is low
// and far from earlier trials. The surrogate is minimized with the Mayfly
// algorithm over the unit cube of the range parameters.
type Mayfly struct {
	base
}

func newMayfly(cfg Config, space *experiment.SearchSpace) *Mayfly {
	if cfg.NumInitializationTrials <= 0 {
		cfg.NumInitializationTrials = min(defaultInitTrials, cfg.NumTrials)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMayflyIters
	}
	// mayfly rejects populations below 20
	cfg.PopulationSize = max(cfg.PopulationSize, minMayflyPopulation)
	return &Mayfly{base: base{cfg: cfg, space: space}}
}

func (m *Mayfly) Gen(exp *experiment.Experiment) (map[string]any, error) {
	if m.Remaining() <= 0 {
		return nil, ErrExhausted
	}
	rng := m.rng()

	var params map[string]any
	obs := m.observations(exp)
	if m.generated < m.cfg.NumInitializationTrials || len(obs.y) < 2 || len(obs.dims) == 0 {
		p, err := sample(m.space, rng)
		if err != nil {
			return nil, err
		}
		params = p
	} else {
		p, err := m.propose(obs, rng)
		if err != nil {
			return nil, err
		}
		params = p
	}

	m.generated++
	return params, nil
}

type observations struct {
	dims []*experiment.Parameter
	u    [][]float64
	y    []float64
}

// observations collects completed trials as unit-cube points with objective
// values scaled to [0, 1], lower is better.
func (m *Mayfly) observations(exp *experiment.Experiment) observations {
	var obs observations
	for _, p := range m.space.Parameters {
		if p.Kind == experiment.KindRange {
			obs.dims = append(obs.dims, p)
		}
	}
	if exp == nil || exp.OptimizationConfig == nil || exp.OptimizationConfig.Objective.Metric == nil {
		return obs
	}
	objective := exp.OptimizationConfig.Objective

	for _, t := range exp.TrialsWithStatus(experiment.StatusCompleted) {
		v, ok := t.Objective(objective.Metric.Name)
		if !ok {
			continue
		}
		point := make([]float64, len(obs.dims))
		valid := true
		for i, p := range obs.dims {
			u, ok := toUnit(p, t.Parameters[p.Name])
			if !ok {
				valid = false
				break
			}
			point[i] = u
		}
		if !valid {
			continue
		}
		if !objective.Minimize {
			v = -v
		}
		obs.u = append(obs.u, point)
		obs.y = append(obs.y, v)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range obs.y {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	for i := range obs.y {
		if hi > lo {
			obs.y[i] = (obs.y[i] - lo) / (hi - lo)
		} else {
			obs.y[i] = 0
		}
	}
	return obs
}

// propose minimizes the acquisition and falls back to random sampling when
// the result violates the constraints.
func (m *Mayfly) propose(obs observations, rng *rand.Rand) (map[string]any, error) {
	// Choice and fixed parameters are drawn once per proposal.
	fixed := make(map[string]any)
	for _, p := range m.space.Parameters {
		if p.Kind != experiment.KindRange {
			fixed[p.Name] = fromUnit(p, rng.Float64())
		}
	}

	build := func(u []float64) map[string]any {
		params := make(map[string]any, len(m.space.Parameters))
		for k, v := range fixed {
			params[k] = v
		}
		for i, p := range obs.dims {
			params[p.Name] = fromUnit(p, math.Max(0, math.Min(1, u[i])))
		}
		return params
	}

	acquisition := func(u []float64) float64 {
		cost := surrogate(obs, u)
		if m.space.CheckConstraints(build(u)) != nil {
			cost += constraintPenalty
		}
		return cost
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = acquisition
	config.ProblemSize = len(obs.dims)
	config.MaxIterations = m.cfg.MaxIterations
	config.NPop = m.cfg.PopulationSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rng

	result, err := mayfly.Optimize(config)
	if err != nil {
		slog.Warn("Mayfly proposal failed, sampling randomly", "error", err)
		return sample(m.space, rng)
	}

	params := build(result.GlobalBest.Position)
	if err := m.space.CheckConstraints(params); err != nil {
		slog.Debug("Mayfly proposal violates constraints, sampling randomly", "error", err)
		return sample(m.space, rng)
	}
	slog.Debug("Mayfly proposal", "acquisition", result.GlobalBest.Cost, "observations", len(obs.y))
	return params, nil
}

// surrogate is the inverse-distance weighted objective estimate at u minus a
// bonus for distance from the nearest observation.
func surrogate(obs observations, u []float64) float64 {
	var num, den float64
	nearest := math.Inf(1)
	for i, p := range obs.u {
		var d2 float64
		for j := range p {
			d := u[j] - p[j]
			d2 += d * d
		}
		if d2 < minSurrogateDistance {
			return obs.y[i]
		}
		w := 1 / d2
		num += w * obs.y[i]
		den += w
		nearest = math.Min(nearest, math.Sqrt(d2))
	}
	return num/den - explorationWeight*nearest
}
