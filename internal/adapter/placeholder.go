package adapter

import (
	"context"
	"fmt"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// Placeholder stands in for an adapter decoded from a snapshot. It keeps the
// recorded configuration and refuses to run jobs until a live adapter is
// bound in its place.
type Placeholder struct {
	AdapterKind string
	Config      map[string]any
}

func (p *Placeholder) Kind() string { return p.AdapterKind }

func (p *Placeholder) Describe() map[string]any { return p.Config }

func (p *Placeholder) err() error {
	return fmt.Errorf("%s adapter restored from snapshot: %w", p.AdapterKind, experiment.ErrUnboundAdapter)
}

func (p *Placeholder) Start(context.Context, *experiment.Trial, string) (experiment.JobHandle, error) {
	return "", p.err()
}

func (p *Placeholder) PollStatus(context.Context, *experiment.Trial) (experiment.TrialStatus, error) {
	return "", p.err()
}

func (p *Placeholder) Fetch(context.Context, *experiment.Trial, map[string]any, string) (map[string]any, error) {
	return nil, p.err()
}

// Options rebuilds adapter options from the recorded configuration, so a
// resumed run can recreate the adapter without the original config file.
func (p *Placeholder) Options(experimentDir string) Options {
	o := Options{ExperimentDir: experimentDir}
	o.Command, _ = p.Config["command"].(string)
	o.Shell, _ = p.Config["shell"].(string)
	o.OutputFile, _ = p.Config["output_file"].(string)
	o.Function, _ = p.Config["function"].(string)
	switch v := p.Config["value"].(type) {
	case float64:
		o.Value = v
	case int64:
		o.Value = float64(v)
	case int:
		o.Value = float64(v)
	}
	return o
}
