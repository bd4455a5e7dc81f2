package metric

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// DefaultKey is the payload field reduced when no key property is given.
const DefaultKey = "output"

// Func turns a fetched payload into one objective value.
type Func func(data map[string]any, properties map[string]any) (float64, error)

// ErrEmpty is returned when a payload holds no values to reduce.
var ErrEmpty = errors.New("metric payload has no values")

var functions = map[string]Func{
	"mean":        reduce(mean),
	"sum":         reduce(sum),
	"min":         reduce(minimum),
	"max":         reduce(maximum),
	"passthrough": passthrough,
	"mse":         compare(mse),
	"rmse":        compare(func(a, b []float64) float64 { return math.Sqrt(mse(a, b)) }),
	"mae":         compare(mae),
}

// Names returns the known metric functions in sorted order.
func Names() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the metric function registered under name.
func Lookup(name string) (Func, bool) {
	fn, ok := functions[name]
	return fn, ok
}

// Evaluate applies the named function to data.
func Evaluate(name string, data map[string]any, properties map[string]any) (float64, error) {
	fn, ok := functions[name]
	if !ok {
		return 0, fmt.Errorf("unknown metric function %q", name)
	}
	v, err := fn(data, properties)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s: non-finite value %v", name, v)
	}
	return v, nil
}

// reduce builds a Func over the values stored under the payload key. The key
// comes from the "key" property, then DefaultKey, then the only field present.
func reduce(agg func([]float64) float64) Func {
	return func(data, props map[string]any) (float64, error) {
		raw, err := field(data, props)
		if err != nil {
			return 0, err
		}
		values, err := Floats(raw)
		if err != nil {
			return 0, err
		}
		if len(values) == 0 {
			return 0, ErrEmpty
		}
		return agg(values), nil
	}
}

func passthrough(data, props map[string]any) (float64, error) {
	raw, err := field(data, props)
	if err != nil {
		return 0, err
	}
	values, err := Floats(raw)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("passthrough expects exactly one value, got %d", len(values))
	}
	return values[0], nil
}

// compare builds a Func over the "y_true" and "y_pred" fields.
func compare(score func(truth, pred []float64) float64) Func {
	return func(data, _ map[string]any) (float64, error) {
		truth, err := floatsAt(data, "y_true")
		if err != nil {
			return 0, err
		}
		pred, err := floatsAt(data, "y_pred")
		if err != nil {
			return 0, err
		}
		if len(truth) == 0 {
			return 0, ErrEmpty
		}
		if len(truth) != len(pred) {
			return 0, fmt.Errorf("y_true has %d values, y_pred has %d", len(truth), len(pred))
		}
		return score(truth, pred), nil
	}
}

func field(data, props map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if key, ok := props["key"].(string); ok && key != "" {
		v, ok := data[key]
		if !ok {
			return nil, fmt.Errorf("payload has no field %q", key)
		}
		return v, nil
	}
	if v, ok := data[DefaultKey]; ok {
		return v, nil
	}
	if len(data) == 1 {
		for _, v := range data {
			return v, nil
		}
	}
	return nil, fmt.Errorf("payload has no %q field and %d candidates", DefaultKey, len(data))
}

func floatsAt(data map[string]any, key string) ([]float64, error) {
	v, ok := data[key]
	if !ok {
		return nil, fmt.Errorf("payload has no field %q", key)
	}
	return Floats(v)
}

// Floats converts a scalar or list payload value into float64s.
func Floats(v any) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return x, nil
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := scalar(e)
			if !ok {
				return nil, fmt.Errorf("element %d: %T is not numeric", i, e)
			}
			out[i] = f
		}
		return out, nil
	}
	if f, ok := scalar(v); ok {
		return []float64{f}, nil
	}
	return nil, fmt.Errorf("%T is not numeric", v)
}

func scalar(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func mean(v []float64) float64 { return sum(v) / float64(len(v)) }

func minimum(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Min(m, x)
	}
	return m
}

func maximum(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		m = math.Max(m, x)
	}
	return m
}

func mse(truth, pred []float64) float64 {
	var s float64
	for i := range truth {
		d := truth[i] - pred[i]
		s += d * d
	}
	return s / float64(len(truth))
}

func mae(truth, pred []float64) float64 {
	var s float64
	for i := range truth {
		s += math.Abs(truth[i] - pred[i])
	}
	return s / float64(len(truth))
}
