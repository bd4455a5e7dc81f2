package adapter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// KindSynthetic selects the Synthetic adapter.
const KindSynthetic = "synthetic"

type syntheticFunc func(x []float64) (float64, error)

var syntheticFunctions = map[string]func(opts Options) syntheticFunc{
	"constant": func(opts Options) syntheticFunc {
		return func([]float64) (float64, error) { return opts.Value, nil }
	},
	"sphere":    func(Options) syntheticFunc { return sphere },
	"branin":    func(Options) syntheticFunc { return branin },
	"hartmann6": func(Options) syntheticFunc { return hartmann6 },
}

// Synthetic evaluates a closed-form test function in process. Start writes
// {"output":[value]} to the trial's output file, so trials complete on the
// first poll. Numeric parameters are passed in name order.
type Synthetic struct {
	function string
	value    float64
	fn       syntheticFunc
	output   string

	mu   sync.Mutex
	jobs jobTable
}

// NewSynthetic builds a Synthetic adapter.
func NewSynthetic(opts Options) (experiment.ExecutionAdapter, error) {
	name := opts.Function
	if name == "" {
		name = "constant"
	}
	build, ok := syntheticFunctions[name]
	if !ok {
		return nil, fmt.Errorf("synthetic adapter: unknown function %q", name)
	}
	return &Synthetic{
		function: name,
		value:    opts.Value,
		fn:       build(opts),
		output:   opts.outputFile(),
		jobs:     jobTable{root: opts.ExperimentDir, dirs: map[int]string{}},
	}, nil
}

func (s *Synthetic) Kind() string { return KindSynthetic }

func (s *Synthetic) Describe() map[string]any {
	return map[string]any{"function": s.function, "value": s.value, "output_file": s.output}
}

func (s *Synthetic) Start(_ context.Context, trial *experiment.Trial, trialDir string) (experiment.JobHandle, error) {
	v, err := s.fn(vector(trial.Parameters))
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.function, err)
	}
	if err := writeOutput(outputPath(trialDir, s.output), map[string]any{"output": []float64{v}}); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}

	s.mu.Lock()
	s.jobs.dirs[trial.Index] = trialDir
	s.mu.Unlock()
	return experiment.JobHandle(fmt.Sprintf("synthetic-%d", trial.Index)), nil
}

func (s *Synthetic) PollStatus(_ context.Context, trial *experiment.Trial) (experiment.TrialStatus, error) {
	s.mu.Lock()
	output := outputPath(s.jobs.dir(trial), s.output)
	s.mu.Unlock()

	if fileExists(output) {
		return experiment.StatusCompleted, nil
	}
	return experiment.StatusFailed, nil
}

func (s *Synthetic) Fetch(_ context.Context, trial *experiment.Trial, _ map[string]any, _ string) (map[string]any, error) {
	s.mu.Lock()
	output := outputPath(s.jobs.dir(trial), s.output)
	s.mu.Unlock()
	return readOutput(output)
}

// vector orders numeric parameters by name. Non-numeric parameters are skipped.
func vector(params map[string]any) []float64 {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	x := make([]float64, 0, len(names))
	for _, name := range names {
		switch v := params[name].(type) {
		case float64:
			x = append(x, v)
		case int64:
			x = append(x, float64(v))
		case int:
			x = append(x, float64(v))
		}
	}
	return x
}

func sphere(x []float64) (float64, error) {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum, nil
}

func branin(x []float64) (float64, error) {
	if len(x) != 2 {
		return 0, fmt.Errorf("branin needs 2 parameters, got %d", len(x))
	}
	x1, x2 := x[0], x[1]
	b := 5.1 / (4 * math.Pi * math.Pi)
	c := 5 / math.Pi
	t := 1 / (8 * math.Pi)
	y := x2 - b*x1*x1 + c*x1 - 6
	return y*y + 10*(1-t)*math.Cos(x1) + 10, nil
}

var (
	hartmannAlpha = [4]float64{1.0, 1.2, 3.0, 3.2}
	hartmannA     = [4][6]float64{
		{10, 3, 17, 3.5, 1.7, 8},
		{0.05, 10, 17, 0.1, 8, 14},
		{3, 3.5, 1.7, 10, 17, 8},
		{17, 8, 0.05, 10, 0.1, 14},
	}
	hartmannP = [4][6]float64{
		{0.1312, 0.1696, 0.5569, 0.0124, 0.8283, 0.5886},
		{0.2329, 0.4135, 0.8307, 0.3736, 0.1004, 0.9991},
		{0.2348, 0.1451, 0.3522, 0.2883, 0.3047, 0.6650},
		{0.4047, 0.8828, 0.8732, 0.5743, 0.1091, 0.0381},
	}
)

func hartmann6(x []float64) (float64, error) {
	if len(x) != 6 {
		return 0, fmt.Errorf("hartmann6 needs 6 parameters, got %d", len(x))
	}
	var sum float64
	for i := 0; i < 4; i++ {
		var inner float64
		for j := 0; j < 6; j++ {
			d := x[j] - hartmannP[i][j]
			inner += hartmannA[i][j] * d * d
		}
		sum += hartmannAlpha[i] * math.Exp(-inner)
	}
	return -sum, nil
}
