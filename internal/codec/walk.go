package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// Encode turns v into a tree of JSON-compatible values. Registered types
// become maps tagged with TypeKey.
func (r *Registry) Encode(v any) (any, error) {
	return r.encode(reflect.ValueOf(v), "$")
}

func (r *Registry) encode(v reflect.Value, path string) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	if e := r.lookupType(v.Type()); e != nil {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return nil, nil
		}
		return r.encodeRegistered(e, v, path)
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return r.encode(v.Elem(), path)
	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, v.Len())
		for i := range out {
			enc, err := r.encode(v.Index(i), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			break
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			enc, err := r.encode(iter.Value(), path+"."+key)
			if err != nil {
				return nil, err
			}
			out[key] = enc
		}
		return out, nil
	}

	return nil, &EncodeError{Path: path, Type: v.Type().String()}
}

func (r *Registry) encodeRegistered(e *entry, v reflect.Value, path string) (any, error) {
	fields, err := e.encode(v.Interface())
	if err != nil {
		var encErr *EncodeError
		if errors.As(err, &encErr) {
			return nil, err
		}
		return nil, &EncodeError{Path: path, Type: v.Type().String(), Err: err}
	}

	out := make(map[string]any, len(fields)+1)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == TypeKey {
			return nil, &EncodeError{Path: path, Type: v.Type().String(), Err: fmt.Errorf("field name %q is reserved", TypeKey)}
		}
		enc, err := r.encode(reflect.ValueOf(fields[k]), path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	out[TypeKey] = e.name
	return out, nil
}

// Decode rebuilds values produced by Encode after a trip through JSON.
func (r *Registry) Decode(v any) (any, error) {
	return r.decode(v, "$")
}

func (r *Registry) decode(v any, path string) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			dec, err := r.decode(e, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		fields := make(map[string]any, len(x))
		for k, e := range x {
			if k == TypeKey {
				continue
			}
			dec, err := r.decode(e, path+"."+k)
			if err != nil {
				return nil, err
			}
			fields[k] = dec
		}
		tag, tagged := x[TypeKey]
		if !tagged {
			return fields, nil
		}
		name, ok := tag.(string)
		if !ok {
			return nil, &DecodeError{Path: path, Err: fmt.Errorf("type tag %v is not a string", tag)}
		}
		e := r.lookupName(name)
		if e == nil {
			return nil, &DecodeError{Path: path, Err: fmt.Errorf("unknown type %q", name)}
		}
		out, err := e.decode(fields)
		if err != nil {
			var decErr *DecodeError
			if errors.As(err, &decErr) {
				return nil, err
			}
			return nil, &DecodeError{Path: path, Err: fmt.Errorf("%s: %w", name, err)}
		}
		return out, nil
	}
	return v, nil
}
