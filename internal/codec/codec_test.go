package codec

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/experiment"
)

type describer interface {
	Describe() map[string]any
}

type labelAdapter struct{ label string }

func (a *labelAdapter) Start(context.Context, *experiment.Trial, string) (experiment.JobHandle, error) {
	return "", nil
}
func (a *labelAdapter) PollStatus(context.Context, *experiment.Trial) (experiment.TrialStatus, error) {
	return experiment.StatusRunning, nil
}
func (a *labelAdapter) Fetch(context.Context, *experiment.Trial, map[string]any, string) (map[string]any, error) {
	return nil, nil
}
func (a *labelAdapter) Describe() map[string]any { return map[string]any{"label": a.label} }

// opaqueAdapter is not known to any registry.
type opaqueAdapter struct{ labelAdapter }

func (opaqueAdapter) Describe() {}

type Opaque struct {
	A int
	B string
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewDefault()
	require.NoError(t, err)
	err = c.Registry().RegisterInterface("TestAdapter", reflect.TypeFor[describer](),
		func(v any) (map[string]any, error) { return v.(describer).Describe(), nil },
		func(m map[string]any) (any, error) {
			f := NewFields(m)
			return done(f, &labelAdapter{label: f.String("label")})
		})
	require.NoError(t, err)
	return c
}

func buildExperiment(t *testing.T, adapter experiment.ExecutionAdapter) *experiment.Experiment {
	t.Helper()
	c, err := experiment.ParseConstraint("x + lr <= 2")
	require.NoError(t, err)
	space, err := experiment.NewSearchSpace([]*experiment.Parameter{
		{Name: "x", Kind: experiment.KindRange, ValueType: experiment.TypeFloat, Lower: 0, Upper: 1},
		{Name: "lr", Kind: experiment.KindRange, ValueType: experiment.TypeFloat, Lower: 1e-4, Upper: 1, LogScale: true},
		{Name: "layers", Kind: experiment.KindRange, ValueType: experiment.TypeInt, Lower: 1, Upper: 8},
		{Name: "act", Kind: experiment.KindChoice, ValueType: experiment.TypeString, Values: []any{"relu", "tanh"}},
		{Name: "seed", Kind: experiment.KindFixed, ValueType: experiment.TypeInt, Value: int64(7)},
	}, []*experiment.ParameterConstraint{c})
	require.NoError(t, err)

	cfg := &experiment.OptimizationConfig{
		Objective: experiment.Objective{
			Metric:   experiment.NewMetric("loss", "mean", map[string]any{"key": "output"}, adapter),
			Minimize: true,
		},
		TrackingMetrics: []*experiment.Metric{experiment.NewMetric("err", "rmse", nil, adapter)},
	}
	exp, err := experiment.New("roundtrip", space, cfg, experiment.NewRunner("label", adapter))
	require.NoError(t, err)
	exp.Description = "codec test"
	exp.Dir = expdir.Path("/tmp/runs/roundtrip_20240101T000000")
	exp.Properties["owner"] = "tests"

	statuses := []func(*experiment.Trial){
		func(tr *experiment.Trial) {
			require.NoError(t, tr.MarkStaged())
			require.NoError(t, tr.MarkRunning("job-0"))
			require.NoError(t, tr.MarkCompleted())
			tr.SetResults(map[string]map[string]any{"loss": {"output": []any{0.5}}}, map[string]float64{"loss": 0.5})
		},
		func(tr *experiment.Trial) {
			require.NoError(t, tr.MarkStaged())
			require.NoError(t, tr.MarkRunning("job-1"))
			require.NoError(t, tr.MarkFailed("exit status 1"))
		},
		func(tr *experiment.Trial) {
			require.NoError(t, tr.MarkStaged())
			require.NoError(t, tr.MarkRunning("job-2"))
			tr.PollFailures = 2
		},
		func(*experiment.Trial) {},
	}
	for i, apply := range statuses {
		tr, err := exp.NewTrial(map[string]any{
			"x": 0.25 * float64(i), "lr": 0.01, "layers": int64(i + 1), "act": "relu", "seed": int64(7),
		})
		require.NoError(t, err)
		apply(tr)
	}
	return exp
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	exp := buildExperiment(t, &labelAdapter{label: "original"})
	state := []byte(`{"name":"random","generated":4,"note":"<a&b>"}`)

	doc, err := c.Encode(&Snapshot{RunID: "run-1", CreatedAt: time.Now().UTC(), Experiment: exp, GenerationStrategy: state})
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, doc.Format)
	assert.False(t, doc.Fallback())

	var top map[string]any
	require.NoError(t, json.Unmarshal(doc.Data, &top))
	assert.Equal(t, "Scheduler", top["_type"])
	assert.Equal(t, float64(SnapshotVersion), top["version"])

	got, err := c.Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, state, got.GenerationStrategy, "engine state must round-trip byte for byte")

	dec := got.Experiment
	assert.Equal(t, exp.Name, dec.Name)
	assert.Equal(t, exp.Description, dec.Description)
	assert.Equal(t, exp.Dir, dec.Dir)
	assert.Equal(t, exp.Properties, dec.Properties)
	assert.True(t, exp.CreatedAt.Equal(dec.CreatedAt))

	require.Len(t, dec.Trials, len(exp.Trials))
	for i, want := range exp.Trials {
		have := dec.Trials[i]
		assert.Equal(t, want.Index, have.Index)
		assert.Equal(t, want.Status, have.Status)
		assert.Equal(t, want.Parameters, have.Parameters)
		assert.Equal(t, want.JobHandle, have.JobHandle)
		assert.Equal(t, want.Results, have.Results)
		assert.Equal(t, want.Objectives, have.Objectives)
		assert.Equal(t, want.FailureReason, have.FailureReason)
		assert.Equal(t, want.PollFailures, have.PollFailures)
		assert.True(t, want.DispatchedAt.Equal(have.DispatchedAt))
	}

	assert.Equal(t, exp.SearchSpace.Parameters, dec.SearchSpace.Parameters)
	require.Len(t, dec.SearchSpace.Constraints, 1)
	assert.Equal(t, exp.SearchSpace.Constraints[0].Coefficients, dec.SearchSpace.Constraints[0].Coefficients)

	obj := dec.OptimizationConfig.Objective
	assert.Equal(t, "loss", obj.Metric.Name)
	assert.Equal(t, "mean", obj.Metric.Function)
	assert.True(t, obj.Minimize)
	assert.Equal(t, map[string]any{"key": "output"}, obj.Metric.Properties)
	require.Len(t, dec.OptimizationConfig.TrackingMetrics, 1)
	assert.Equal(t, "rmse", dec.OptimizationConfig.TrackingMetrics[0].Function)

	assert.Equal(t, "label", dec.Runner.AdapterKind)
	placeholder, ok := dec.Runner.Adapter().(*labelAdapter)
	require.True(t, ok, "decoded runner carries a placeholder adapter")
	assert.Equal(t, "original", placeholder.label)
}

func TestSnapshotFallsBackToBinary(t *testing.T) {
	c := newTestCodec(t)
	exp := buildExperiment(t, &opaqueAdapter{})
	exp.Properties["extra"] = Opaque{A: 3, B: "kept"}
	state := []byte(`{"generated":4}`)

	doc, err := c.Encode(&Snapshot{RunID: "run-2", CreatedAt: time.Now().UTC(), Experiment: exp, GenerationStrategy: state})
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, doc.Format)
	assert.True(t, doc.Fallback())

	got, err := c.Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, state, got.GenerationStrategy)
	assert.Equal(t, Opaque{A: 3, B: "kept"}, got.Experiment.Properties["extra"])
	require.Len(t, got.Experiment.Trials, 4)
	assert.Equal(t, experiment.StatusCompleted, got.Experiment.Trials[0].Status)
	assert.Equal(t, int64(2), got.Experiment.Trials[1].Parameters["layers"])
	assert.Nil(t, got.Experiment.Runner.Adapter(), "live adapters are never serialized")
	assert.Equal(t, "label", got.Experiment.Runner.AdapterKind)
}

func TestSnapshotNonCompactStateFallsBack(t *testing.T) {
	c := newTestCodec(t)
	exp := buildExperiment(t, &labelAdapter{})
	state := []byte("{\n  \"generated\": 1\n}")

	doc, err := c.Encode(&Snapshot{RunID: "run-3", Experiment: exp, GenerationStrategy: state})
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, doc.Format)

	got, err := c.Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, state, got.GenerationStrategy)
}

func TestEncodeErrorNamesPath(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterDefaults(r))

	_, err := r.Encode(map[string]any{"props": map[string]any{"bad": Opaque{}}})
	var encErr *EncodeError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "$.props.bad", encErr.Path)
	assert.Contains(t, encErr.Type, "Opaque")

	_, err = r.Encode(map[int]string{1: "a"})
	assert.True(t, errors.As(err, &encErr))
}

func TestEncodeLeaves(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterDefaults(r))

	got, err := r.Encode(map[string]any{
		"status": experiment.StatusRunning,
		"n":      int64(3),
		"list":   []float64{1, 2},
		"nil":    nil,
		"path":   expdir.Path("a/b"),
	})
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, "running", m["status"])
	assert.Equal(t, int64(3), m["n"])
	assert.Equal(t, []any{1.0, 2.0}, m["list"])
	assert.Nil(t, m["nil"])
	assert.Equal(t, map[string]any{"__type": "Path", "parts": []any{"a", "b"}}, m["path"])
}

func TestDecodeErrors(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Registry().Decode(map[string]any{"__type": "Nope"})
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))

	for _, data := range []string{
		`not json`,
		`{"_type":"Other","version":1}`,
		`{"_type":"Scheduler","version":2,"experiment":{}}`,
		`{"_type":"Scheduler","version":1,"experiment":{"__type":"Trial"}}`,
	} {
		_, err := c.Decode(Document{Format: FormatJSON, Data: []byte(data)})
		assert.True(t, errors.As(err, &decErr), data)
	}

	_, err = c.Decode(Document{Format: FormatBinary, Data: []byte("garbage")})
	assert.True(t, errors.As(err, &decErr))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	enc := func(any) (map[string]any, error) { return nil, nil }
	dec := func(map[string]any) (any, error) { return nil, nil }

	require.NoError(t, r.Register("Opaque", Opaque{}, enc, dec))
	assert.Error(t, r.Register("Opaque", 1, enc, dec), "duplicate name")
	assert.Error(t, r.Register("Other", Opaque{}, enc, dec), "duplicate type")
	assert.Error(t, r.Register("Nil", nil, enc, dec))
	assert.Error(t, r.RegisterInterface("NotIface", reflect.TypeFor[Opaque](), enc, dec))

	require.NoError(t, r.RegisterInterface("Describer", reflect.TypeFor[describer](), enc, dec))
	name, ok := r.Lookup(reflect.TypeFor[*labelAdapter]())
	assert.True(t, ok)
	assert.Equal(t, "Describer", name)

	name, ok = r.Lookup(reflect.TypeFor[Opaque]())
	assert.True(t, ok)
	assert.Equal(t, "Opaque", name)

	_, ok = r.Lookup(reflect.TypeFor[string]())
	assert.False(t, ok)
}
