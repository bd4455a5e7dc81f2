package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/experiment"
)

// jobTable tracks the trial directory of every job this process started.
type jobTable struct {
	root string
	dirs map[int]string
}

func (t *jobTable) dir(trial *experiment.Trial) string {
	if d, ok := t.dirs[trial.Index]; ok {
		return d
	}
	return expdir.TrialDir(t.root, trial.Index)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// readOutput loads a trial's result payload. It must be a non-empty JSON object.
func readOutput(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("output file %s does not exist", path)
		}
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("output file %s is empty", path)
	}
	return payload, nil
}

// writeOutput atomically writes payload as the trial's output file.
func writeOutput(path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func outputPath(dir, file string) string {
	return filepath.Join(dir, file)
}
