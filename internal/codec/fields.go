package codec

import (
	"fmt"
	"reflect"
	"time"
)

// Fields reads typed values out of decoded fields. The first failure is kept
// in Err and later reads return zero values.
type Fields struct {
	m   map[string]any
	Err error
}

// NewFields wraps decoded fields.
func NewFields(m map[string]any) *Fields {
	return &Fields{m: m}
}

func (f *Fields) fail(key string, want string, v any) {
	if f.Err == nil {
		f.Err = fmt.Errorf("field %q: expected %s, got %T", key, want, v)
	}
}

// Has reports whether key is present and not null.
func (f *Fields) Has(key string) bool {
	return f.m[key] != nil
}

// Raw returns the decoded value as is.
func (f *Fields) Raw(key string) any {
	return f.m[key]
}

// String reads a string; missing keys yield "".
func (f *Fields) String(key string) string {
	v, ok := f.m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		f.fail(key, "string", v)
	}
	return s
}

// Bool reads a bool; missing keys yield false.
func (f *Fields) Bool(key string) bool {
	v, ok := f.m[key]
	if !ok || v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		f.fail(key, "bool", v)
	}
	return b
}

// Float reads a number.
func (f *Fields) Float(key string) float64 {
	v, ok := f.m[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int:
		return float64(n)
	}
	f.fail(key, "number", v)
	return 0
}

// Int reads a whole number.
func (f *Fields) Int(key string) int {
	n := f.Float(key)
	if n != float64(int(n)) {
		f.fail(key, "integer", n)
	}
	return int(n)
}

// Map reads a nested untagged object.
func (f *Fields) Map(key string) map[string]any {
	v, ok := f.m[key]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		f.fail(key, "object", v)
	}
	return m
}

// Slice reads a list.
func (f *Fields) Slice(key string) []any {
	v, ok := f.m[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.([]any)
	if !ok {
		f.fail(key, "list", v)
	}
	return s
}

// Strings reads a list of strings.
func (f *Fields) Strings(key string) []string {
	raw := f.Slice(key)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			f.fail(key, "list of strings", e)
			return nil
		}
		out = append(out, s)
	}
	return out
}

// FloatMap reads an object of numbers.
func (f *Fields) FloatMap(key string) map[string]float64 {
	raw := f.Map(key)
	if raw == nil {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		n, ok := v.(float64)
		if !ok {
			f.fail(key+"."+k, "number", v)
			return nil
		}
		out[k] = n
	}
	return out
}

// Time reads a decoded DateTime.
func (f *Fields) Time(key string) time.Time {
	v, ok := f.m[key]
	if !ok || v == nil {
		return time.Time{}
	}
	t, ok := v.(time.Time)
	if !ok {
		f.fail(key, "DateTime", v)
	}
	return t
}

// Value reads a decoded registered type.
func Value[T any](f *Fields, key string) T {
	var zero T
	v, ok := f.m[key]
	if !ok || v == nil {
		return zero
	}
	t, ok := v.(T)
	if !ok {
		f.fail(key, reflect.TypeFor[T]().String(), v)
	}
	return t
}

// List reads a list of decoded registered types.
func List[T any](f *Fields, key string) []T {
	raw := f.Slice(key)
	if raw == nil {
		return nil
	}
	out := make([]T, 0, len(raw))
	for i, e := range raw {
		t, ok := e.(T)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", key, i), reflect.TypeFor[T]().String(), e)
			return nil
		}
		out = append(out, t)
	}
	return out
}
