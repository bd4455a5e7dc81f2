package codec

import (
	"fmt"
	"time"

	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/experiment"
)

// Names under which the experiment graph is registered.
const (
	NameExperiment         = "Experiment"
	NameTrial              = "Trial"
	NameSearchSpace        = "SearchSpace"
	NameParameter          = "Parameter"
	NameConstraint         = "ParameterConstraint"
	NameOptimizationConfig = "OptimizationConfig"
	NameObjective          = "Objective"
	NameMetric             = "Metric"
	NameRunner             = "Runner"
	NamePath               = "Path"
	NameDateTime           = "DateTime"
)

// RegisterDefaults registers the experiment graph, paths and timestamps.
func RegisterDefaults(r *Registry) error {
	regs := []struct {
		name   string
		sample any
		enc    EncodeFunc
		dec    DecodeFunc
	}{
		{NameExperiment, (*experiment.Experiment)(nil), encodeExperiment, decodeExperiment},
		{NameTrial, (*experiment.Trial)(nil), encodeTrial, decodeTrial},
		{NameSearchSpace, (*experiment.SearchSpace)(nil), encodeSearchSpace, decodeSearchSpace},
		{NameParameter, (*experiment.Parameter)(nil), encodeParameter, decodeParameter},
		{NameConstraint, (*experiment.ParameterConstraint)(nil), encodeConstraint, decodeConstraint},
		{NameOptimizationConfig, (*experiment.OptimizationConfig)(nil), encodeOptimizationConfig, decodeOptimizationConfig},
		{NameObjective, experiment.Objective{}, encodeObjective, decodeObjective},
		{NameMetric, (*experiment.Metric)(nil), encodeMetric, decodeMetric},
		{NameRunner, (*experiment.Runner)(nil), encodeRunner, decodeRunner},
		{NamePath, expdir.Path(""), encodePath, decodePath},
		{NameDateTime, time.Time{}, encodeTime, decodeTime},
	}
	for _, reg := range regs {
		if err := r.Register(reg.name, reg.sample, reg.enc, reg.dec); err != nil {
			return err
		}
	}
	return nil
}

func done(f *Fields, v any) (any, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return v, nil
}

func encodeExperiment(v any) (map[string]any, error) {
	e := v.(*experiment.Experiment)
	return map[string]any{
		"name":                e.Name,
		"description":         e.Description,
		"dir":                 e.Dir,
		"search_space":        e.SearchSpace,
		"optimization_config": e.OptimizationConfig,
		"runner":              e.Runner,
		"trials":              e.Trials,
		"properties":          e.Properties,
		"created_at":          e.CreatedAt,
	}, nil
}

func decodeExperiment(m map[string]any) (any, error) {
	f := NewFields(m)
	e := &experiment.Experiment{
		Name:               f.String("name"),
		Description:        f.String("description"),
		Dir:                Value[expdir.Path](f, "dir"),
		SearchSpace:        Value[*experiment.SearchSpace](f, "search_space"),
		OptimizationConfig: Value[*experiment.OptimizationConfig](f, "optimization_config"),
		Runner:             Value[*experiment.Runner](f, "runner"),
		Trials:             List[*experiment.Trial](f, "trials"),
		Properties:         f.Map("properties"),
		CreatedAt:          f.Time("created_at"),
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if e.SearchSpace == nil || e.OptimizationConfig == nil || e.Runner == nil {
		return nil, fmt.Errorf("experiment %q is missing its search space, optimization config or runner", e.Name)
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	for _, t := range e.Trials {
		params, err := e.SearchSpace.Cast(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("trial %d: %w", t.Index, err)
		}
		t.Parameters = params
	}
	if err := e.CheckInvariants(); err != nil {
		return nil, err
	}
	return e, nil
}

func encodeTrial(v any) (map[string]any, error) {
	t := v.(*experiment.Trial)
	return map[string]any{
		"index":          t.Index,
		"parameters":     t.Parameters,
		"status":         t.Status,
		"job_handle":     t.JobHandle,
		"results":        t.Results,
		"objectives":     t.Objectives,
		"failure_reason": t.FailureReason,
		"poll_failures":  t.PollFailures,
		"created_at":     t.CreatedAt,
		"dispatched_at":  t.DispatchedAt,
		"completed_at":   t.CompletedAt,
	}, nil
}

func decodeTrial(m map[string]any) (any, error) {
	f := NewFields(m)
	status, err := experiment.ParseStatus(f.String("status"))
	if err != nil {
		return nil, err
	}
	t := &experiment.Trial{
		Index:         f.Int("index"),
		Parameters:    f.Map("parameters"),
		Status:        status,
		JobHandle:     experiment.JobHandle(f.String("job_handle")),
		Objectives:    f.FloatMap("objectives"),
		FailureReason: f.String("failure_reason"),
		PollFailures:  f.Int("poll_failures"),
		CreatedAt:     f.Time("created_at"),
		DispatchedAt:  f.Time("dispatched_at"),
		CompletedAt:   f.Time("completed_at"),
	}
	if results := f.Map("results"); results != nil {
		t.Results = make(map[string]map[string]any, len(results))
		for name, r := range results {
			payload, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("results for metric %s: expected object, got %T", name, r)
			}
			t.Results[name] = payload
		}
	}
	return done(f, t)
}

func encodeSearchSpace(v any) (map[string]any, error) {
	s := v.(*experiment.SearchSpace)
	return map[string]any{
		"parameters":  s.Parameters,
		"constraints": s.Constraints,
	}, nil
}

func decodeSearchSpace(m map[string]any) (any, error) {
	f := NewFields(m)
	params := List[*experiment.Parameter](f, "parameters")
	constraints := List[*experiment.ParameterConstraint](f, "constraints")
	if f.Err != nil {
		return nil, f.Err
	}
	return experiment.NewSearchSpace(params, constraints)
}

func encodeParameter(v any) (map[string]any, error) {
	p := v.(*experiment.Parameter)
	return map[string]any{
		"name":       p.Name,
		"kind":       p.Kind,
		"value_type": p.ValueType,
		"lower":      p.Lower,
		"upper":      p.Upper,
		"log_scale":  p.LogScale,
		"values":     p.Values,
		"value":      p.Value,
	}, nil
}

func decodeParameter(m map[string]any) (any, error) {
	f := NewFields(m)
	p := &experiment.Parameter{
		Name:      f.String("name"),
		Kind:      experiment.ParameterKind(f.String("kind")),
		ValueType: experiment.ValueType(f.String("value_type")),
		Lower:     f.Float("lower"),
		Upper:     f.Float("upper"),
		LogScale:  f.Bool("log_scale"),
	}
	values := f.Slice("values")
	if f.Err != nil {
		return nil, f.Err
	}
	for _, v := range values {
		cast, err := p.Cast(v)
		if err != nil {
			return nil, err
		}
		p.Values = append(p.Values, cast)
	}
	if f.Has("value") {
		cast, err := p.Cast(f.Raw("value"))
		if err != nil {
			return nil, err
		}
		p.Value = cast
	}
	return p, nil
}

func encodeConstraint(v any) (map[string]any, error) {
	c := v.(*experiment.ParameterConstraint)
	return map[string]any{"expression": c.Expression}, nil
}

func decodeConstraint(m map[string]any) (any, error) {
	f := NewFields(m)
	expr := f.String("expression")
	if f.Err != nil {
		return nil, f.Err
	}
	return experiment.ParseConstraint(expr)
}

func encodeOptimizationConfig(v any) (map[string]any, error) {
	c := v.(*experiment.OptimizationConfig)
	return map[string]any{
		"objective":        c.Objective,
		"tracking_metrics": c.TrackingMetrics,
	}, nil
}

func decodeOptimizationConfig(m map[string]any) (any, error) {
	f := NewFields(m)
	return done(f, &experiment.OptimizationConfig{
		Objective:       Value[experiment.Objective](f, "objective"),
		TrackingMetrics: List[*experiment.Metric](f, "tracking_metrics"),
	})
}

func encodeObjective(v any) (map[string]any, error) {
	o := v.(experiment.Objective)
	return map[string]any{"metric": o.Metric, "minimize": o.Minimize}, nil
}

func decodeObjective(m map[string]any) (any, error) {
	f := NewFields(m)
	return done(f, experiment.Objective{
		Metric:   Value[*experiment.Metric](f, "metric"),
		Minimize: f.Bool("minimize"),
	})
}

func encodeMetric(v any) (map[string]any, error) {
	mt := v.(*experiment.Metric)
	return map[string]any{
		"name":       mt.Name,
		"function":   mt.Function,
		"properties": mt.Properties,
		"adapter":    mt.Adapter(),
	}, nil
}

func decodeMetric(m map[string]any) (any, error) {
	f := NewFields(m)
	mt := experiment.NewMetric(f.String("name"), f.String("function"), f.Map("properties"),
		Value[experiment.ExecutionAdapter](f, "adapter"))
	return done(f, mt)
}

func encodeRunner(v any) (map[string]any, error) {
	r := v.(*experiment.Runner)
	return map[string]any{
		"adapter_kind": r.AdapterKind,
		"adapter":      r.Adapter(),
	}, nil
}

func decodeRunner(m map[string]any) (any, error) {
	f := NewFields(m)
	r := experiment.NewRunner(f.String("adapter_kind"), Value[experiment.ExecutionAdapter](f, "adapter"))
	return done(f, r)
}

func encodePath(v any) (map[string]any, error) {
	return map[string]any{"parts": v.(expdir.Path).Parts()}, nil
}

func decodePath(m map[string]any) (any, error) {
	f := NewFields(m)
	parts := f.Strings("parts")
	return done(f, expdir.FromParts(parts))
}

func encodeTime(v any) (map[string]any, error) {
	return map[string]any{"iso": v.(time.Time).Format(time.RFC3339Nano)}, nil
}

func decodeTime(m map[string]any) (any, error) {
	f := NewFields(m)
	s := f.String("iso")
	if f.Err != nil {
		return nil, f.Err
	}
	return time.Parse(time.RFC3339Nano, s)
}
