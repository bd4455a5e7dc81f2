package codec

import (
	"fmt"
	"reflect"
	"sync"
)

// TypeKey is the field carrying the registered name of an encoded value.
const TypeKey = "__type"

// EncodeFunc returns the fields of v. The codec encodes the field values
// recursively, so they may hold other registered types.
type EncodeFunc func(v any) (map[string]any, error)

// DecodeFunc rebuilds a value from its fields. Field values are already
// decoded.
type DecodeFunc func(fields map[string]any) (any, error)

type entry struct {
	name   string
	typ    reflect.Type
	encode EncodeFunc
	decode DecodeFunc
}

// Registry maps Go types to encode functions and type names to decode
// functions. It is populated once at startup and read concurrently after.
type Registry struct {
	mu         sync.RWMutex
	byType     map[reflect.Type]*entry
	byName     map[string]*entry
	interfaces []*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*entry),
		byName: make(map[string]*entry),
	}
}

// Register binds the dynamic type of sample to name. The type is also made
// decodable from binary snapshots.
func (r *Registry) Register(name string, sample any, enc EncodeFunc, dec DecodeFunc) error {
	if sample == nil {
		return fmt.Errorf("register %s: sample is nil", name)
	}
	if err := r.add(&entry{name: name, typ: reflect.TypeOf(sample), encode: enc, decode: dec}, false); err != nil {
		return err
	}
	RegisterBinary(sample)
	return nil
}

// RegisterInterface binds every type implementing iface to name, unless the
// concrete type has its own registration. iface must be an interface type,
// typically obtained with reflect.TypeFor. Interfaces are tried in
// registration order.
func (r *Registry) RegisterInterface(name string, iface reflect.Type, enc EncodeFunc, dec DecodeFunc) error {
	if iface == nil || iface.Kind() != reflect.Interface {
		return fmt.Errorf("register %s: %v is not an interface type", name, iface)
	}
	return r.add(&entry{name: name, typ: iface, encode: enc, decode: dec}, true)
}

func (r *Registry) add(e *entry, isInterface bool) error {
	if e.name == "" {
		return fmt.Errorf("register %v: name is required", e.typ)
	}
	if e.encode == nil || e.decode == nil {
		return fmt.Errorf("register %s: encode and decode functions are required", e.name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[e.name]; ok {
		return fmt.Errorf("register %s: name already registered", e.name)
	}
	if isInterface {
		r.interfaces = append(r.interfaces, e)
	} else {
		if other, ok := r.byType[e.typ]; ok {
			return fmt.Errorf("register %s: type %v already registered as %s", e.name, e.typ, other.name)
		}
		r.byType[e.typ] = e
	}
	r.byName[e.name] = e
	return nil
}

// Lookup returns the registered name for t: its own registration first, then
// the first registered interface it implements.
func (r *Registry) Lookup(t reflect.Type) (string, bool) {
	e := r.lookupType(t)
	if e == nil {
		return "", false
	}
	return e.name, true
}

func (r *Registry) lookupType(t reflect.Type) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byType[t]; ok {
		return e
	}
	for _, e := range r.interfaces {
		if t.Implements(e.typ) {
			return e
		}
	}
	return nil
}

func (r *Registry) lookupName(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Names returns every registered name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
