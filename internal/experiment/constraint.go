package experiment

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParameterConstraint is a linear inequality sum(coef*param) <= Bound.
// Expressions like "x + 2*y <= 1" or "x >= y" are normalized into that form.
type ParameterConstraint struct {
	Expression   string
	Coefficients map[string]float64
	Bound        float64
}

// ParseConstraint parses a linear inequality over parameter names.
func ParseConstraint(expr string) (*ParameterConstraint, error) {
	op := "<="
	idx := strings.Index(expr, "<=")
	if idx < 0 {
		op = ">="
		idx = strings.Index(expr, ">=")
	}
	if idx < 0 {
		return nil, fmt.Errorf("constraint %q must contain <= or >=", expr)
	}

	lhsCoef, lhsConst, err := parseLinear(expr[:idx])
	if err != nil {
		return nil, fmt.Errorf("constraint %q: %w", expr, err)
	}
	rhsCoef, rhsConst, err := parseLinear(expr[idx+2:])
	if err != nil {
		return nil, fmt.Errorf("constraint %q: %w", expr, err)
	}

	// Move everything to the left: lhs - rhs <= rhsConst - lhsConst
	coef := make(map[string]float64)
	for name, c := range lhsCoef {
		coef[name] += c
	}
	for name, c := range rhsCoef {
		coef[name] -= c
	}
	bound := rhsConst - lhsConst

	if op == ">=" {
		for name := range coef {
			coef[name] = -coef[name]
		}
		bound = -bound
	}
	for name, c := range coef {
		if c == 0 {
			delete(coef, name)
		}
	}
	if len(coef) == 0 {
		return nil, fmt.Errorf("constraint %q references no parameters", expr)
	}

	return &ParameterConstraint{Expression: strings.TrimSpace(expr), Coefficients: coef, Bound: bound}, nil
}

// Satisfied evaluates the constraint against a parameter assignment.
func (c *ParameterConstraint) Satisfied(params map[string]any) (bool, error) {
	var sum float64
	for name, coef := range c.Coefficients {
		v, ok := toFloat(params[name])
		if !ok {
			return false, fmt.Errorf("constraint %q: parameter %s is not numeric", c.Expression, name)
		}
		sum += coef * v
	}
	return sum <= c.Bound+1e-12, nil
}

// parseLinear parses "a*x + b - 2*y + 3" into coefficients and a constant.
func parseLinear(s string) (map[string]float64, float64, error) {
	coef := make(map[string]float64)
	var constant float64

	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil, 0, fmt.Errorf("empty side")
	}

	var terms []string
	start := 0
	for i := 1; i < len(s); i++ {
		if (s[i] == '+' || s[i] == '-') && s[i-1] != '*' && !isExponent(s, i) {
			terms = append(terms, s[start:i])
			start = i
		}
	}
	terms = append(terms, s[start:])

	for _, term := range terms {
		sign := 1.0
		switch {
		case strings.HasPrefix(term, "+"):
			term = term[1:]
		case strings.HasPrefix(term, "-"):
			sign = -1
			term = term[1:]
		}
		if term == "" {
			return nil, 0, fmt.Errorf("dangling operator")
		}

		factor, name := 1.0, term
		if i := strings.Index(term, "*"); i >= 0 {
			f, err := strconv.ParseFloat(term[:i], 64)
			if err != nil {
				return nil, 0, fmt.Errorf("bad coefficient %q", term[:i])
			}
			factor, name = f, term[i+1:]
		}

		if isIdentifier(name) {
			coef[name] += sign * factor
			continue
		}
		f, err := strconv.ParseFloat(name, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("bad term %q", term)
		}
		constant += sign * factor * f
	}
	return coef, constant, nil
}

// isExponent reports whether the sign at i belongs to a number like 1e-3.
func isExponent(s string, i int) bool {
	if i < 2 || (s[i-1] != 'e' && s[i-1] != 'E') {
		return false
	}
	j := i - 2
	for j >= 0 && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
		j--
	}
	// the mantissa must be a complete number, not the tail of an identifier
	return j < i-2 && (j < 0 || !isIdentChar(s[j]))
}

func isIdentChar(b byte) bool {
	return b == '_' || unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
