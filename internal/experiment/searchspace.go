package experiment

import (
	"fmt"
	"math"
	"strconv"
)

// ParameterKind is the shape of a search-space parameter.
type ParameterKind string

const (
	KindRange  ParameterKind = "range"
	KindChoice ParameterKind = "choice"
	KindFixed  ParameterKind = "fixed"
)

// ValueType is the value type carried by a parameter.
type ValueType string

const (
	TypeFloat  ValueType = "float"
	TypeInt    ValueType = "int"
	TypeString ValueType = "string"
	TypeBool   ValueType = "bool"
)

// Parameter describes one dimension of the search space.
type Parameter struct {
	Name      string
	Kind      ParameterKind
	ValueType ValueType

	// Range parameters.
	Lower    float64
	Upper    float64
	LogScale bool

	// Choice parameters.
	Values []any

	// Fixed parameters.
	Value any
}

// Validate checks the parameter definition itself.
func (p *Parameter) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	switch p.Kind {
	case KindRange:
		if p.ValueType != TypeFloat && p.ValueType != TypeInt {
			return fmt.Errorf("range parameter %s must be float or int, got %q", p.Name, p.ValueType)
		}
		if !(p.Lower < p.Upper) {
			return fmt.Errorf("range parameter %s: lower bound %v must be below upper bound %v", p.Name, p.Lower, p.Upper)
		}
		if p.LogScale && p.Lower <= 0 {
			return fmt.Errorf("log-scale parameter %s needs a positive lower bound", p.Name)
		}
	case KindChoice:
		if len(p.Values) == 0 {
			return fmt.Errorf("choice parameter %s has no values", p.Name)
		}
	case KindFixed:
		if p.Value == nil {
			return fmt.Errorf("fixed parameter %s has no value", p.Name)
		}
	default:
		return fmt.Errorf("parameter %s has unknown kind %q", p.Name, p.Kind)
	}
	return nil
}

// Contains reports whether v is a valid value for the parameter.
func (p *Parameter) Contains(v any) bool {
	switch p.Kind {
	case KindRange:
		f, ok := toFloat(v)
		if !ok {
			return false
		}
		if p.ValueType == TypeInt && f != math.Trunc(f) {
			return false
		}
		return f >= p.Lower && f <= p.Upper
	case KindChoice:
		for _, candidate := range p.Values {
			if equalValue(candidate, v) {
				return true
			}
		}
		return false
	case KindFixed:
		return equalValue(p.Value, v)
	}
	return false
}

// Cast converts v into the parameter's value type. Decoded snapshots carry
// numbers as float64; Cast restores ints.
func (p *Parameter) Cast(v any) (any, error) {
	switch p.ValueType {
	case TypeFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("parameter %s: %v is not a number", p.Name, v)
		}
		return f, nil
	case TypeInt:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("parameter %s: %v is not an integer", p.Name, v)
		}
		return int64(f), nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter %s: %v is not a string", p.Name, v)
		}
		return s, nil
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
		return nil, fmt.Errorf("parameter %s: %v is not a bool", p.Name, v)
	}
	return v, nil
}

// SearchSpace is the set of parameters and linear constraints candidates
// must satisfy.
type SearchSpace struct {
	Parameters  []*Parameter
	Constraints []*ParameterConstraint
}

// NewSearchSpace validates the parameters and constraints.
func NewSearchSpace(params []*Parameter, constraints []*ParameterConstraint) (*SearchSpace, error) {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
	}
	for _, c := range constraints {
		for name := range c.Coefficients {
			if !seen[name] {
				return nil, fmt.Errorf("constraint %q references unknown parameter %s", c.Expression, name)
			}
		}
	}
	return &SearchSpace{Parameters: params, Constraints: constraints}, nil
}

// Parameter returns the parameter with the given name.
func (s *SearchSpace) Parameter(name string) (*Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Names returns parameter names in declaration order.
func (s *SearchSpace) Names() []string {
	names := make([]string, len(s.Parameters))
	for i, p := range s.Parameters {
		names[i] = p.Name
	}
	return names
}

// Validate checks that params assigns every parameter a valid value and
// satisfies all constraints.
func (s *SearchSpace) Validate(params map[string]any) error {
	if len(params) != len(s.Parameters) {
		return fmt.Errorf("expected %d parameters, got %d", len(s.Parameters), len(params))
	}
	for _, p := range s.Parameters {
		v, ok := params[p.Name]
		if !ok {
			return fmt.Errorf("missing parameter %s", p.Name)
		}
		if !p.Contains(v) {
			return fmt.Errorf("value %v out of domain for parameter %s", v, p.Name)
		}
	}
	return s.CheckConstraints(params)
}

// CheckConstraints evaluates every linear constraint against params.
func (s *SearchSpace) CheckConstraints(params map[string]any) error {
	for _, c := range s.Constraints {
		ok, err := c.Satisfied(params)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("constraint %q violated", c.Expression)
		}
	}
	return nil
}

// Cast re-types every value in params according to its parameter.
func (s *SearchSpace) Cast(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for name, v := range params {
		p, ok := s.Parameter(name)
		if !ok {
			out[name] = v
			continue
		}
		cast, err := p.Cast(v)
		if err != nil {
			return nil, err
		}
		out[name] = cast
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func equalValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return a == b
}
