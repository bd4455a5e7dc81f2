package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/trialflow/internal/codec"
	"github.com/cwbudde/trialflow/internal/experiment"
)

// Restore binds a live adapter onto a decoded snapshot: the runner and every
// metric. Decoded adapters are placeholders without process state, so a run
// must not resume before this step.
func Restore(snapshot *codec.Snapshot, live experiment.ExecutionAdapter) (*codec.Snapshot, error) {
	if snapshot == nil || snapshot.Experiment == nil {
		return nil, errors.New("restore: snapshot has no experiment")
	}
	if live == nil {
		return nil, errors.New("restore: a live execution adapter is required")
	}

	exp := snapshot.Experiment
	if k, ok := live.(interface{ Kind() string }); ok && exp.Runner.AdapterKind != "" && k.Kind() != exp.Runner.AdapterKind {
		slog.Warn("Binding a different adapter kind than the snapshot recorded",
			"recorded", exp.Runner.AdapterKind,
			"live", k.Kind(),
		)
	}
	exp.BindAdapter(live)

	slog.Info("Snapshot restored",
		"run_id", snapshot.RunID,
		"experiment", exp.Name,
		"trials", len(exp.Trials),
	)
	return snapshot, nil
}

// RestoreFrom loads, decodes and restores the latest snapshot in st.
func RestoreFrom(ctx context.Context, st Store, c *codec.Codec, live experiment.ExecutionAdapter) (*codec.Snapshot, error) {
	doc, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := c.Decode(doc)
	if err != nil {
		return nil, err
	}
	return Restore(snapshot, live)
}

// SaveSnapshot encodes snapshot and writes it to st. The returned document
// tells whether the binary fallback was used.
func SaveSnapshot(ctx context.Context, st Store, c *codec.Codec, snapshot *codec.Snapshot) (codec.Document, error) {
	doc, err := c.Encode(snapshot)
	if err != nil {
		return codec.Document{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := st.Save(ctx, doc); err != nil {
		return codec.Document{}, fmt.Errorf("save snapshot: %w", err)
	}
	return doc, nil
}
