// Package adapter holds the built-in execution adapters and the plugin table
// used to select one by kind.
package adapter

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/cwbudde/trialflow/internal/codec"
	"github.com/cwbudde/trialflow/internal/experiment"
)

// DefaultOutputFile is the result payload each trial writes into its directory.
const DefaultOutputFile = "output.json"

// Options configures an adapter. Each kind reads the fields it needs.
type Options struct {
	// ExperimentDir locates trial directories for jobs started by an earlier
	// process.
	ExperimentDir string
	// OutputFile is relative to the trial directory.
	OutputFile string

	// Command is the script adapter's command template.
	Command string
	// Shell runs Command; defaults to "sh".
	Shell string

	// Function names the synthetic objective.
	Function string
	// Value is returned by the constant synthetic function.
	Value float64
}

func (o Options) outputFile() string {
	if o.OutputFile == "" {
		return DefaultOutputFile
	}
	return o.OutputFile
}

// Factory builds an adapter from options.
type Factory func(Options) (experiment.ExecutionAdapter, error)

// Describer is implemented by adapters that can be written into snapshots.
// Kind must match the adapter's plugin kind.
type Describer interface {
	Kind() string
	Describe() map[string]any
}

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
	builtins  sync.Once
)

// Register adds a factory under kind.
func Register(kind string, f Factory) error {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" || f == nil {
		return fmt.Errorf("adapter kind and factory are required")
	}
	if _, ok := factories[kind]; ok {
		return fmt.Errorf("adapter kind %q already registered", kind)
	}
	factories[kind] = f
	return nil
}

// RegisterBuiltins registers the script and synthetic adapters. It is safe to
// call more than once.
func RegisterBuiltins() {
	builtins.Do(func() {
		for kind, f := range map[string]Factory{
			KindScript:    NewScript,
			KindSynthetic: NewSynthetic,
		} {
			if err := Register(kind, f); err != nil {
				panic(err)
			}
		}
	})
}

// New builds the adapter registered under kind.
func New(kind string, opts Options) (experiment.ExecutionAdapter, error) {
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown adapter kind %q (registered: %v)", kind, Kinds())
	}
	return f(opts)
}

// Kinds lists registered adapter kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// TypeName is the snapshot tag for adapters.
const TypeName = "ExecutionAdapter"

// RegisterTypes teaches r to encode every Describer. Decoding yields a
// Placeholder carrying the described configuration but no live state.
func RegisterTypes(r *codec.Registry) error {
	return r.RegisterInterface(TypeName, reflect.TypeFor[Describer](),
		func(v any) (map[string]any, error) {
			d := v.(Describer)
			return map[string]any{"kind": d.Kind(), "config": d.Describe()}, nil
		},
		func(m map[string]any) (any, error) {
			f := codec.NewFields(m)
			p := &Placeholder{AdapterKind: f.String("kind"), Config: f.Map("config")}
			if f.Err != nil {
				return nil, f.Err
			}
			return p, nil
		})
}
