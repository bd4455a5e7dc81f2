package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// SnapshotVersion is the document version written and accepted.
const SnapshotVersion = 1

// snapshotType tags the top level of a JSON snapshot document.
const snapshotType = "Scheduler"

// Format identifies how a Document is serialized.
type Format string

const (
	FormatJSON   Format = "json"
	FormatBinary Format = "gob"
)

// Snapshot is everything needed to resume a run: the experiment graph and the
// generation strategy state, which is kept as the engine's own bytes.
type Snapshot struct {
	RunID              string
	CreatedAt          time.Time
	Experiment         *experiment.Experiment
	GenerationStrategy []byte
}

// Document is an encoded snapshot ready for storage.
type Document struct {
	Format Format
	Data   []byte
}

// Fallback reports whether the document used the binary escape hatch.
func (d Document) Fallback() bool {
	return d.Format == FormatBinary
}

type jsonDocument struct {
	Type               string          `json:"_type"`
	Version            int             `json:"version"`
	RunID              string          `json:"run_id"`
	CreatedAt          time.Time       `json:"created_at"`
	Experiment         json.RawMessage `json:"experiment"`
	GenerationStrategy json.RawMessage `json:"generation_strategy"`
}

type binaryDocument struct {
	Version            int
	RunID              string
	CreatedAt          time.Time
	Experiment         *experiment.Experiment
	GenerationStrategy []byte
}

// Codec encodes snapshots through a Registry.
type Codec struct {
	registry *Registry
}

// New returns a codec over r.
func New(r *Registry) *Codec {
	return &Codec{registry: r}
}

// NewDefault returns a codec over a registry holding RegisterDefaults.
func NewDefault() (*Codec, error) {
	r := NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		return nil, err
	}
	return New(r), nil
}

// Registry returns the codec's registry for application registrations.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encode serializes s as JSON. When the graph holds a type the registry does
// not know, it falls back to the binary format and logs a warning.
func (c *Codec) Encode(s *Snapshot) (Document, error) {
	data, err := c.encodeJSON(s)
	if err == nil {
		return Document{Format: FormatJSON, Data: data}, nil
	}

	var encErr *EncodeError
	if !errors.As(err, &encErr) {
		return Document{}, err
	}

	slog.Warn("Snapshot not JSON encodable, falling back to binary format",
		"run_id", s.RunID,
		"path", encErr.Path,
		"type", encErr.Type,
		"error", err,
	)
	data, binErr := encodeBinary(s)
	if binErr != nil {
		return Document{}, fmt.Errorf("binary fallback after %v: %w", err, binErr)
	}
	return Document{Format: FormatBinary, Data: data}, nil
}

func (c *Codec) encodeJSON(s *Snapshot) ([]byte, error) {
	tree, err := c.registry.Encode(s.Experiment)
	if err != nil {
		return nil, err
	}
	exp, err := marshalCompact(tree)
	if err != nil {
		return nil, &EncodeError{Path: "$", Type: "*experiment.Experiment", Err: err}
	}

	state := json.RawMessage("null")
	if len(s.GenerationStrategy) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, s.GenerationStrategy); err != nil {
			return nil, &EncodeError{Path: "generation_strategy", Type: "[]byte", Err: fmt.Errorf("engine state is not JSON: %w", err)}
		}
		if !bytes.Equal(compact.Bytes(), s.GenerationStrategy) {
			return nil, &EncodeError{Path: "generation_strategy", Type: "[]byte", Err: errors.New("engine state is not compact JSON")}
		}
		state = s.GenerationStrategy
	}

	return marshalCompact(jsonDocument{
		Type:               snapshotType,
		Version:            SnapshotVersion,
		RunID:              s.RunID,
		CreatedAt:          s.CreatedAt,
		Experiment:         exp,
		GenerationStrategy: state,
	})
}

// marshalCompact encodes without HTML escaping so raw engine bytes survive
// verbatim.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode rebuilds a snapshot. Adapters in the result are placeholders or
// unbound and must be re-bound before the run resumes.
func (c *Codec) Decode(d Document) (*Snapshot, error) {
	switch d.Format {
	case FormatJSON, "":
		return c.decodeJSON(d.Data)
	case FormatBinary:
		return decodeBinary(d.Data)
	}
	return nil, &DecodeError{Err: fmt.Errorf("unknown snapshot format %q", d.Format)}
}

func (c *Codec) decodeJSON(data []byte) (*Snapshot, error) {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if doc.Type != snapshotType {
		return nil, &DecodeError{Err: fmt.Errorf("unexpected document type %q", doc.Type)}
	}
	if doc.Version != SnapshotVersion {
		return nil, &DecodeError{Err: fmt.Errorf("unsupported snapshot version %d (want %d)", doc.Version, SnapshotVersion)}
	}

	var tree any
	if err := json.Unmarshal(doc.Experiment, &tree); err != nil {
		return nil, &DecodeError{Path: "experiment", Err: err}
	}
	v, err := c.registry.Decode(tree)
	if err != nil {
		return nil, err
	}
	exp, ok := v.(*experiment.Experiment)
	if !ok {
		return nil, &DecodeError{Path: "experiment", Err: fmt.Errorf("expected Experiment, got %T", v)}
	}

	s := &Snapshot{RunID: doc.RunID, CreatedAt: doc.CreatedAt, Experiment: exp}
	if !bytes.Equal(doc.GenerationStrategy, []byte("null")) {
		s.GenerationStrategy = []byte(doc.GenerationStrategy)
	}
	return s, nil
}

var gobBasics sync.Once

// registerBinaryBasics registers the composite values config files and
// adapter outputs put behind interfaces.
func registerBinaryBasics() {
	gobBasics.Do(func() {
		gob.Register(map[string]any{})
		gob.Register([]any{})
		gob.Register(map[string]string{})
		gob.Register(map[string]float64{})
		gob.Register(map[string][]any{})
		gob.Register(time.Time{})
	})
}

// RegisterBinary makes the types of samples decodable from binary snapshots.
// Encoding registers whatever it meets, but a resuming process has only seen
// what was registered at startup, so applications register every type they
// store in properties or results here.
func RegisterBinary(samples ...any) {
	registerBinaryBasics()
	for _, sample := range samples {
		if sample != nil {
			registerGob(reflect.ValueOf(sample))
		}
	}
}

func encodeBinary(s *Snapshot) ([]byte, error) {
	registerBinaryBasics()
	registerGobTypes(reflect.ValueOf(s.Experiment.Properties))
	for _, t := range s.Experiment.Trials {
		registerGobTypes(reflect.ValueOf(t.Parameters))
		registerGobTypes(reflect.ValueOf(t.Results))
	}
	for _, m := range s.Experiment.Metrics() {
		registerGobTypes(reflect.ValueOf(m.Properties))
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(binaryDocument{
		Version:            SnapshotVersion,
		RunID:              s.RunID,
		CreatedAt:          s.CreatedAt,
		Experiment:         s.Experiment,
		GenerationStrategy: s.GenerationStrategy,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// registerGobTypes registers the concrete types stored behind interfaces so
// gob can carry them.
func registerGobTypes(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		elem := v.Elem()
		registerGob(elem)
		registerGobTypes(elem)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			registerGobTypes(iter.Value())
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			registerGobTypes(v.Index(i))
		}
	}
}

func registerGob(v reflect.Value) {
	defer func() {
		// gob panics on duplicate names for distinct types; the encoder reports
		// the unusable value instead.
		_ = recover()
	}()
	gob.Register(v.Interface())
}

func decodeBinary(data []byte) (*Snapshot, error) {
	registerBinaryBasics()

	var doc binaryDocument
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		if strings.Contains(err.Error(), "name not registered") {
			err = fmt.Errorf("%w (register the type with codec.RegisterBinary before resuming)", err)
		}
		return nil, &DecodeError{Err: err}
	}
	if doc.Version != SnapshotVersion {
		return nil, &DecodeError{Err: fmt.Errorf("unsupported snapshot version %d (want %d)", doc.Version, SnapshotVersion)}
	}
	if doc.Experiment == nil {
		return nil, &DecodeError{Err: errors.New("binary snapshot has no experiment")}
	}
	if err := doc.Experiment.CheckInvariants(); err != nil {
		return nil, &DecodeError{Path: "experiment", Err: err}
	}
	return &Snapshot{
		RunID:              doc.RunID,
		CreatedAt:          doc.CreatedAt,
		Experiment:         doc.Experiment,
		GenerationStrategy: doc.GenerationStrategy,
	}, nil
}
