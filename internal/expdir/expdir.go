package expdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimestampFormat is the file-friendly layout appended to experiment directory names.
const TimestampFormat = "20060102T150405"

// LogFileName is the name of the run log inside the experiment directory.
const LogFileName = "optimization.log"

// trialDirWidth is the zero padding applied to trial directory names.
const trialDirWidth = 6

// Options controls how the experiment root directory is created.
// Exactly one of OutputDir or ExperimentDir must be set.
type Options struct {
	// OutputDir is the parent directory; the experiment directory is OutputDir/<Name>[_<ts>].
	OutputDir string
	// ExperimentDir is the exact directory to use (its base name acts as the experiment name).
	ExperimentDir string
	// Name of the experiment, used together with OutputDir.
	Name string
	// AppendTimestamp adds a _YYYYMMDDTHHMMSS suffix to keep run directories unique.
	AppendTimestamp bool
	// ExistOK allows reusing an existing directory (resumed runs).
	ExistOK bool

	// now is overridable in tests.
	now func() time.Time
}

// Make creates the experiment directory according to opts and returns its path.
func Make(opts Options) (Path, error) {
	if (opts.OutputDir != "" && opts.ExperimentDir != "") || (opts.OutputDir == "" && opts.ExperimentDir == "") {
		return "", errors.New("experiment directory requires either an output dir and name or an experiment dir, not both and not neither")
	}

	outputDir, name := opts.OutputDir, opts.Name
	if opts.ExperimentDir != "" {
		clean := filepath.Clean(opts.ExperimentDir)
		outputDir, name = filepath.Dir(clean), filepath.Base(clean)
	}

	now := time.Now
	if opts.now != nil {
		now = opts.now
	}

	var parts []string
	if name != "" {
		parts = append(parts, name)
	}
	if opts.AppendTimestamp {
		parts = append(parts, now().Format(TimestampFormat))
	}
	if len(parts) == 0 {
		return "", errors.New("experiment directory name is empty")
	}

	dir := filepath.Join(expandHome(outputDir), strings.Join(parts, "_"))
	if !opts.ExistOK {
		if _, err := os.Stat(dir); err == nil {
			return "", fmt.Errorf("experiment directory already exists: %s", dir)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create experiment directory: %w", err)
	}

	slog.Debug("Experiment directory ready", "path", dir)
	return Path(dir), nil
}

// TrialDir returns the directory for a trial: the index zero-padded to six digits.
func TrialDir(root string, index int) string {
	return filepath.Join(root, fmt.Sprintf("%0*d", trialDirWidth, index))
}

// MakeTrialDir creates the trial directory. Existing directories are reused,
// which happens when an interrupted run restarts trials.
func MakeTrialDir(root string, index int) (string, error) {
	dir := TrialDir(root, index)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create trial directory: %w", err)
	}
	slog.Info("Trial directory made", "path", dir)
	return dir, nil
}

// LogPath returns the path of the optimization log for an experiment root.
func LogPath(root string) string {
	return filepath.Join(root, LogFileName)
}

// SaveTrialData writes parameters.json, trial.json and data.json into the trial
// directory. Files that already exist are left untouched.
func SaveTrialData(trialDir string, index int, parameters map[string]any, trial any) error {
	data := map[string]any{
		"parameters":  parameters,
		"trial":       trial,
		"trial_index": index,
		"trial_dir":   trialDir,
	}

	files := []struct {
		name  string
		value any
	}{
		{"parameters.json", parameters},
		{"trial.json", trial},
		{"data.json", data},
	}

	for _, f := range files {
		path := filepath.Join(trialDir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		payload, err := json.MarshalIndent(f.value, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to serialize %s: %w", f.name, err)
		}
		if err := os.WriteFile(path, payload, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
