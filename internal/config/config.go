// Package config loads the run configuration document. YAML and JSON files are
// both accepted; JSON is read as YAML. Files are rendered as text/template
// documents before parsing, so values can be injected with {{ .name }}.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the run configuration document.
type Config struct {
	OptimizationOptions OptimizationOptions `yaml:"optimization_options"`
	Adapter             AdapterConfig       `yaml:"adapter"`
	SearchSpace         SearchSpaceConfig   `yaml:"search_space"`
	// ModelOptions is passed through to adapters untouched. parameter_keys may
	// point into it.
	ModelOptions map[string]any `yaml:"model_options,omitempty"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`

	raw      map[string]any
	document []byte
}

// OptimizationOptions groups everything about how the run is driven.
type OptimizationOptions struct {
	Experiment      ExperimentConfig `yaml:"experiment"`
	WorkingDir      string           `yaml:"working_dir,omitempty"`
	ExperimentDir   string           `yaml:"experiment_dir,omitempty"`
	AppendTimestamp *bool            `yaml:"append_timestamp,omitempty"`
	// ParameterKeys are dotted paths to extra parameter definitions elsewhere
	// in the document, e.g. "model_options.params".
	ParameterKeys      []string                 `yaml:"parameter_keys,omitempty"`
	Scheduler          SchedulerConfig          `yaml:"scheduler"`
	GenerationStrategy GenerationStrategyConfig `yaml:"generation_strategy"`
	Metric             MetricConfig             `yaml:"metric"`
	TrackingMetrics    []MetricConfig           `yaml:"tracking_metrics,omitempty"`
}

type ExperimentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// SchedulerConfig controls the trial loop.
type SchedulerConfig struct {
	TotalTrials      int                  `yaml:"total_trials,omitempty"`
	MaxPendingTrials int                  `yaml:"max_pending_trials,omitempty"`
	PollInterval     Duration             `yaml:"poll_interval,omitempty"`
	TrialTimeout     Duration             `yaml:"trial_timeout,omitempty"`
	CallTimeout      Duration             `yaml:"call_timeout,omitempty"`
	MaxPollRetries   int                  `yaml:"max_poll_retries,omitempty"`
	WallClockLimit   Duration             `yaml:"wall_clock_limit,omitempty"`
	SnapshotEvery    int                  `yaml:"snapshot_every,omitempty"`
	TerminateOnStop  bool                 `yaml:"terminate_on_stop,omitempty"`
	GlobalStopping   GlobalStoppingConfig `yaml:"global_stopping,omitempty"`
}

type GlobalStoppingConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Patience  int     `yaml:"patience,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
	MinTrials int     `yaml:"min_trials,omitempty"`
}

// GenerationStrategyConfig selects the engine proposing trials.
type GenerationStrategyConfig struct {
	Name                    string `yaml:"name,omitempty"`
	NumTrials               int    `yaml:"num_trials,omitempty"`
	NumInitializationTrials int    `yaml:"num_initialization_trials,omitempty"`
	Seed                    int64  `yaml:"seed,omitempty"`
	MaxIterations           int    `yaml:"max_iterations,omitempty"`
	PopulationSize          int    `yaml:"population_size,omitempty"`
}

// MetricConfig names a metric and the function reducing its data.
type MetricConfig struct {
	Name       string         `yaml:"name"`
	Metric     string         `yaml:"metric,omitempty"`
	Minimize   *bool          `yaml:"minimize,omitempty"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

// AdapterConfig selects the execution adapter. The --adapter flag overrides Kind.
type AdapterConfig struct {
	Kind       string  `yaml:"kind,omitempty"`
	Command    string  `yaml:"command,omitempty"`
	Shell      string  `yaml:"shell,omitempty"`
	OutputFile string  `yaml:"output_file,omitempty"`
	Function   string  `yaml:"function,omitempty"`
	Value      float64 `yaml:"value,omitempty"`
}

type SearchSpaceConfig struct {
	Parameters           []ParameterConfig `yaml:"parameters"`
	ParameterConstraints []string          `yaml:"parameter_constraints,omitempty"`
}

// ParameterConfig describes one parameter:
//
//	{name: x, type: range, bounds: [0, 1], value_type: float, log_scale: false}
type ParameterConfig struct {
	Name      string    `yaml:"name"`
	Type      string    `yaml:"type"`
	ValueType string    `yaml:"value_type,omitempty"`
	Bounds    []float64 `yaml:"bounds,omitempty"`
	LogScale  bool      `yaml:"log_scale,omitempty"`
	Values    []any     `yaml:"values,omitempty"`
	Value     any       `yaml:"value,omitempty"`
}

// Duration is a time.Duration written in Go syntax ("500ms", "2h") or as a
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads, renders, normalizes and validates the config at path.
func Load(path string) (*Config, error) {
	return LoadTemplate(path, nil)
}

// LoadTemplate is Load with template variables. A variable the document
// references but vars lacks is an error.
func LoadTemplate(path string, vars map[string]string) (*Config, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, &ConfigError{Field: "path", Reason: err.Error()}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, &ConfigError{Field: "path", Reason: fmt.Sprintf("unsupported config format %q (accepted: yaml, yml, json)", ext)}
	}

	rendered, err := Render(filepath.Base(path), data, vars)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(bytes.NewReader(rendered))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Render executes data as a text/template over vars.
func Render(name string, data []byte, vars map[string]string) ([]byte, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return nil, &ConfigError{Field: "template", Reason: err.Error()}
	}
	if vars == nil {
		vars = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, &ConfigError{Field: "template", Reason: err.Error()}
	}
	return buf.Bytes(), nil
}

// Document returns the parsed document after template rendering.
func (c *Config) Document() []byte {
	return c.document
}

// Parse decodes, normalizes and validates a config document.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ConfigError{Field: "document", Reason: err.Error()}
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Field: "document", Reason: "empty config"}
		}
		return nil, &ConfigError{Field: "document", Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, &cfg.raw); err != nil {
		return nil, &ConfigError{Field: "document", Reason: err.Error()}
	}
	cfg.document = data

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
