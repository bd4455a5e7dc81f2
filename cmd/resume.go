package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cwbudde/trialflow/internal/adapter"
	"github.com/cwbudde/trialflow/internal/codec"
	"github.com/cwbudde/trialflow/internal/config"
	"github.com/cwbudde/trialflow/internal/engine"
	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/experiment"
	"github.com/cwbudde/trialflow/internal/scheduler"
	"github.com/cwbudde/trialflow/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	snapshotPath     string
	resumeConfigPath string
	resumeAdapter    string
	resumeListen     string
	resumeHistoryDB  string
	resumeVars       map[string]string
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an experiment from its snapshot",
	Long: `Loads the snapshot of an earlier run, binds a live execution adapter and
continues: running trials are polled again and only the remaining budget is
generated. The configuration copied into the experiment directory supplies
the scheduler options unless --config is given.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Snapshot file or experiment directory (required)")
	resumeCmd.Flags().StringVarP(&resumeConfigPath, "config", "c", "", "Configuration file (defaults to the copy in the experiment directory)")
	resumeCmd.Flags().StringVar(&resumeAdapter, "adapter", "", "Execution adapter kind (defaults to the recorded kind)")
	resumeCmd.Flags().StringVar(&resumeListen, "listen", "", "Serve the status API on this address (e.g. :8080)")
	resumeCmd.Flags().StringToStringVar(&resumeVars, "template-var", nil, "Template variable for --config as key=value (repeatable)")
	resumeCmd.Flags().StringVar(&resumeHistoryDB, "snapshot-db", DefaultHistoryDB, "SQLite snapshot history, relative to the experiment directory (empty disables)")

	resumeCmd.MarkFlagRequired("snapshot")
	rootCmd.AddCommand(resumeCmd)
}

// snapshotFile accepts either the snapshot itself or its experiment directory.
func snapshotFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		// A missing JSON file may still have a binary sibling.
		if errors.Is(err, os.ErrNotExist) && filepath.Ext(path) == ".json" {
			return path, nil
		}
		return "", fmt.Errorf("snapshot not found: %w", err)
	}
	if info.IsDir() {
		return filepath.Join(path, store.DefaultSnapshotFile), nil
	}
	return path, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	file, err := snapshotFile(snapshotPath)
	if err != nil {
		return err
	}
	fs, err := store.NewFSStore(file)
	if err != nil {
		return err
	}
	c, err := newCodec()
	if err != nil {
		return err
	}

	doc, err := fs.Load(cmd.Context())
	if err != nil {
		return err
	}
	snapshot, err := c.Decode(doc)
	if err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %w", file, err)
	}
	exp := snapshot.Experiment
	dir := exp.Dir.String()
	if dir == "" {
		dir = filepath.Dir(file)
		exp.Dir = expdir.Path(dir)
	}

	closeLog, err := teeLog(dir)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := resumeConfig(exp, dir)
	if err != nil {
		return err
	}

	live, err := liveAdapter(exp, cfg, dir)
	if err != nil {
		return err
	}
	if _, err := store.Restore(snapshot, live); err != nil {
		return err
	}

	opts := scheduler.Options{}
	if cfg != nil {
		space, err := cfg.BuildSearchSpace()
		if err != nil {
			return err
		}
		if err := store.CheckCompatible(exp, cfg.OptimizationOptions.Experiment.Name, space); err != nil {
			return err
		}
		opts = cfg.SchedulerOptions()
	}

	strategy, err := restoreStrategy(snapshot, cfg)
	if err != nil {
		return err
	}

	runID := snapshot.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	s := &session{
		exp:       exp,
		strategy:  strategy,
		codec:     c,
		runID:     runID,
		opts:      opts,
		historyDB: historyPath(dir, resumeHistoryDB),
		listen:    resumeListen,
		resumed:   true,
	}
	slog.Info("Resuming experiment",
		"experiment", exp.Name,
		"dir", dir,
		"snapshot", file,
		"snapshot_format", doc.Format,
		"trials", len(exp.Trials),
		"remaining_budget", strategy.Remaining(),
	)

	res, err := s.execute(cmd.Context(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if res.State == scheduler.StateFailed {
		return fmt.Errorf("run failed: %s", res.Reason)
	}
	return nil
}

// resumeConfig loads --config, or the copy recorded in the experiment. A
// missing copy is not an error; the run then uses default scheduler options.
func resumeConfig(exp *experiment.Experiment, dir string) (*config.Config, error) {
	path := resumeConfigPath
	if path == "" {
		name, _ := exp.Properties[configFileKey].(string)
		if name == "" {
			return nil, nil
		}
		path = filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			slog.Warn("Config copy not found, using default scheduler options", "path", path)
			return nil, nil
		}
	}
	return config.LoadTemplate(path, resumeVars)
}

// liveAdapter builds the adapter to bind: the kind comes from --adapter, the
// config or the snapshot, in that order. Options come from the config or
// from what the snapshot recorded.
func liveAdapter(exp *experiment.Experiment, cfg *config.Config, dir string) (experiment.ExecutionAdapter, error) {
	adapter.RegisterBuiltins()

	kind := exp.Runner.AdapterKind
	opts := adapter.Options{ExperimentDir: dir}
	if p, ok := exp.Runner.Adapter().(*adapter.Placeholder); ok {
		opts = p.Options(dir)
	}
	if cfg != nil {
		if cfg.Adapter.Kind != "" {
			kind = cfg.Adapter.Kind
		}
		opts = cfg.AdapterOptions(dir)
	}
	if resumeAdapter != "" {
		kind = resumeAdapter
	}
	if kind == "" {
		return nil, errors.New("snapshot records no adapter kind; pass --adapter")
	}
	return adapter.New(kind, opts)
}

// restoreStrategy rebuilds the generation strategy from the snapshot. An
// older snapshot without strategy state falls back to the config, counting
// existing trials against the budget.
func restoreStrategy(snapshot *codec.Snapshot, cfg *config.Config) (engine.Strategy, error) {
	space := snapshot.Experiment.SearchSpace
	if len(snapshot.GenerationStrategy) > 0 {
		return engine.Restore(snapshot.GenerationStrategy, space)
	}
	if cfg == nil {
		return nil, errors.New("snapshot has no generation strategy state; pass --config")
	}

	engineCfg := cfg.EngineConfig()
	engineCfg.NumTrials -= len(snapshot.Experiment.Trials)
	if engineCfg.NumTrials <= 0 {
		return nil, fmt.Errorf("snapshot already holds %d trials, the configured budget is spent", len(snapshot.Experiment.Trials))
	}
	return engine.New(engineCfg, space)
}
