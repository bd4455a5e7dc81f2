package store

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cwbudde/trialflow/internal/codec"
	"github.com/cwbudde/trialflow/internal/experiment"
)

// SnapshotInfo contains metadata about a stored snapshot without the
// document itself. Used for listing snapshots efficiently.
type SnapshotInfo struct {
	// ID is the history row id; zero for filesystem snapshots.
	ID int64 `json:"id,omitempty"`

	// RunID identifies the run that wrote the snapshot.
	RunID string `json:"runId,omitempty"`

	// Location is the file path or database holding the snapshot.
	Location string `json:"location,omitempty"`

	Format codec.Format `json:"format"`
	Size   int64        `json:"size"`

	// CreatedAt records when the snapshot was written.
	CreatedAt time.Time `json:"createdAt"`
}

// CompatibilityError reports a snapshot that cannot be resumed with the
// current configuration.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

// CheckCompatible verifies that a restored experiment matches the experiment
// name and search space of the configuration it is resumed with.
func CheckCompatible(restored *experiment.Experiment, name string, space *experiment.SearchSpace) error {
	if name != "" && restored.Name != name {
		return &CompatibilityError{Field: "Experiment.Name", Expected: restored.Name, Actual: name}
	}
	if space == nil {
		return nil
	}

	have := slices.Sorted(slices.Values(restored.SearchSpace.Names()))
	want := slices.Sorted(slices.Values(space.Names()))
	if !slices.Equal(have, want) {
		return &CompatibilityError{
			Field:    "SearchSpace.Parameters",
			Expected: strings.Join(have, ","),
			Actual:   strings.Join(want, ","),
		}
	}
	for _, p := range space.Parameters {
		old, _ := restored.SearchSpace.Parameter(p.Name)
		if old.Kind != p.Kind || old.ValueType != p.ValueType {
			return &CompatibilityError{
				Field:    "SearchSpace." + p.Name,
				Expected: fmt.Sprintf("%s/%s", old.Kind, old.ValueType),
				Actual:   fmt.Sprintf("%s/%s", p.Kind, p.ValueType),
			}
		}
	}
	return nil
}
