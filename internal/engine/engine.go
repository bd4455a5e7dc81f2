// Package engine proposes trial parameters. The run controller treats a
// Strategy as opaque: it asks for parameters, checks the remaining budget and
// stores the marshaled state in snapshots without looking inside.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// ErrExhausted is returned by Gen once the trial budget is spent.
var ErrExhausted = errors.New("generation strategy exhausted")

// Strategy names.
const (
	NameRandom = "random"
	NameMayfly = "mayfly"
)

// maxSampleAttempts bounds rejection sampling against parameter constraints.
const maxSampleAttempts = 1000

// Strategy generates parameters for new trials.
type Strategy interface {
	Name() string
	// Gen proposes parameters for the next trial given the experiment so far.
	Gen(exp *experiment.Experiment) (map[string]any, error)
	// Remaining is the number of trials the strategy may still generate.
	Remaining() int
	// MarshalState returns compact JSON that Restore accepts.
	MarshalState() ([]byte, error)
}

// Config selects and parameterizes a strategy.
type Config struct {
	Name                    string `json:"name"`
	NumTrials               int    `json:"num_trials"`
	NumInitializationTrials int    `json:"num_initialization_trials,omitempty"`
	Seed                    int64  `json:"seed"`
	MaxIterations           int    `json:"max_iterations,omitempty"`
	PopulationSize          int    `json:"population_size,omitempty"`
}

// State is the persisted form of a strategy.
type State struct {
	Config
	Generated int `json:"generated"`
}

// New builds the strategy named in cfg.
func New(cfg Config, space *experiment.SearchSpace) (Strategy, error) {
	if space == nil {
		return nil, errors.New("search space is required")
	}
	if cfg.NumTrials <= 0 {
		return nil, fmt.Errorf("num_trials must be positive, got %d", cfg.NumTrials)
	}
	switch cfg.Name {
	case NameRandom, "":
		cfg.Name = NameRandom
		return &Random{base: base{cfg: cfg, space: space}}, nil
	case NameMayfly:
		return newMayfly(cfg, space), nil
	}
	return nil, fmt.Errorf("unknown generation strategy %q", cfg.Name)
}

// Restore rebuilds a strategy from MarshalState output.
func Restore(data []byte, space *experiment.SearchSpace) (Strategy, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode generation strategy: %w", err)
	}
	s, err := New(st.Config, space)
	if err != nil {
		return nil, err
	}
	if st.Generated < 0 || st.Generated > st.NumTrials {
		return nil, fmt.Errorf("generation strategy state: generated %d out of range [0, %d]", st.Generated, st.NumTrials)
	}
	s.(interface{ setGenerated(int) }).setGenerated(st.Generated)
	return s, nil
}

type base struct {
	cfg       Config
	space     *experiment.SearchSpace
	generated int
}

func (b *base) Name() string { return b.cfg.Name }

func (b *base) Remaining() int { return b.cfg.NumTrials - b.generated }

func (b *base) setGenerated(n int) { b.generated = n }

func (b *base) MarshalState() ([]byte, error) {
	return json.Marshal(State{Config: b.cfg, Generated: b.generated})
}

// rng is seeded per generated trial so a restored strategy continues the
// same sequence.
func (b *base) rng() *rand.Rand {
	return rand.New(rand.NewSource(b.cfg.Seed + int64(b.generated)))
}

// Random samples uniformly (log-uniformly for log-scale parameters).
type Random struct {
	base
}

func (r *Random) Gen(*experiment.Experiment) (map[string]any, error) {
	if r.Remaining() <= 0 {
		return nil, ErrExhausted
	}
	params, err := sample(r.space, r.rng())
	if err != nil {
		return nil, err
	}
	r.generated++
	return params, nil
}

// sample draws parameters until the constraints hold.
func sample(space *experiment.SearchSpace, rng *rand.Rand) (map[string]any, error) {
	for attempt := 0; attempt < maxSampleAttempts; attempt++ {
		params := make(map[string]any, len(space.Parameters))
		for _, p := range space.Parameters {
			params[p.Name] = fromUnit(p, rng.Float64())
		}
		if space.CheckConstraints(params) == nil {
			return params, nil
		}
	}
	return nil, fmt.Errorf("no parameters satisfying the constraints after %d attempts", maxSampleAttempts)
}

// fromUnit maps u in [0, 1] onto the parameter's domain.
func fromUnit(p *experiment.Parameter, u float64) any {
	switch p.Kind {
	case experiment.KindRange:
		var v float64
		if p.LogScale {
			lo, hi := math.Log(p.Lower), math.Log(p.Upper)
			v = math.Exp(lo + u*(hi-lo))
		} else {
			v = p.Lower + u*(p.Upper-p.Lower)
		}
		if p.ValueType == experiment.TypeInt {
			v = math.Max(math.Ceil(p.Lower), math.Min(math.Floor(p.Upper), math.Round(v)))
			return int64(v)
		}
		return math.Max(p.Lower, math.Min(p.Upper, v))
	case experiment.KindChoice:
		i := int(u * float64(len(p.Values)))
		if i >= len(p.Values) {
			i = len(p.Values) - 1
		}
		return p.Values[i]
	}
	return p.Value
}

// toUnit is the inverse of fromUnit for range parameters.
func toUnit(p *experiment.Parameter, v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	default:
		return 0, false
	}
	if p.LogScale {
		lo, hi := math.Log(p.Lower), math.Log(p.Upper)
		return (math.Log(f) - lo) / (hi - lo), true
	}
	return (f - p.Lower) / (p.Upper - p.Lower), true
}
