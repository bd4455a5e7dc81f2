package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cwbudde/trialflow/internal/adapter"
	"github.com/cwbudde/trialflow/internal/config"
	"github.com/cwbudde/trialflow/internal/engine"
	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/scheduler"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configPath      string
	adapterKind     string
	workingDir      string
	experimentDir   string
	tempDir         bool
	appendTimestamp bool
	listenAddr      string
	snapshotDB      string
	templateVars    map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment from a configuration file",
	Long: `Creates the experiment directory, copies the configuration into it and runs
trials until the generation strategy's budget is spent, the run converges or it
is interrupted. A snapshot is written to <experiment_dir>/scheduler.json.`,
	RunE: runExperiment,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file (.yaml, .yml or .json) (required)")
	runCmd.Flags().StringVar(&adapterKind, "adapter", "", "Execution adapter kind, overrides adapter.kind")
	runCmd.Flags().StringVar(&workingDir, "working-dir", "", "Parent directory for <name>[_timestamp], overrides working_dir")
	runCmd.Flags().StringVar(&experimentDir, "experiment-dir", "", "Exact experiment directory, overrides experiment_dir")
	runCmd.Flags().BoolVar(&tempDir, "temp-dir", false, "Create the experiment under a new temporary directory")
	runCmd.Flags().BoolVar(&appendTimestamp, "append-timestamp", true, "Append a timestamp to the experiment directory name")
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Serve the status API on this address (e.g. :8080)")
	runCmd.Flags().StringToStringVar(&templateVars, "template-var", nil, "Template variable for the config file as key=value (repeatable)")
	runCmd.Flags().StringVar(&snapshotDB, "snapshot-db", DefaultHistoryDB, "SQLite snapshot history, relative to the experiment directory (empty disables)")

	runCmd.MarkFlagRequired("config")
	runCmd.MarkFlagsMutuallyExclusive("experiment-dir", "temp-dir")
	rootCmd.AddCommand(runCmd)
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadTemplate(configPath, templateVars)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	opts := cfg.OptimizationOptions
	dirOpts := expdir.Options{
		OutputDir:       opts.WorkingDir,
		ExperimentDir:   opts.ExperimentDir,
		Name:            opts.Experiment.Name,
		AppendTimestamp: *opts.AppendTimestamp,
	}
	if dirOpts.ExperimentDir == "" && dirOpts.OutputDir == "" {
		dirOpts.OutputDir = "."
	}
	dir, err := expdir.Make(dirOpts)
	if err != nil {
		return err
	}

	closeLog, err := teeLog(dir.String())
	if err != nil {
		return err
	}
	defer closeLog()

	copied, err := copyConfig(cfg, dir.String())
	if err != nil {
		return err
	}

	adapter.RegisterBuiltins()
	kind := cfg.Adapter.Kind
	live, err := adapter.New(kind, cfg.AdapterOptions(dir.String()))
	if err != nil {
		return err
	}

	exp, err := cfg.BuildExperiment(kind, live)
	if err != nil {
		return err
	}
	exp.Dir = dir
	exp.Properties[configFileKey] = copied

	strategy, err := engine.New(cfg.EngineConfig(), exp.SearchSpace)
	if err != nil {
		return err
	}
	c, err := newCodec()
	if err != nil {
		return err
	}

	s := &session{
		exp:       exp,
		strategy:  strategy,
		codec:     c,
		runID:     uuid.New().String(),
		opts:      cfg.SchedulerOptions(),
		historyDB: historyPath(dir.String(), snapshotDB),
		listen:    listenAddr,
	}
	slog.Info("Starting experiment",
		"experiment", exp.Name,
		"dir", dir,
		"adapter", kind,
		"strategy", strategy.Name(),
		"num_trials", cfg.EngineConfig().NumTrials,
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

// applyRunFlags lets command-line flags override the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	opts := &cfg.OptimizationOptions
	flags := cmd.Flags()

	if adapterKind != "" {
		cfg.Adapter.Kind = adapterKind
	}
	if cfg.Adapter.Kind == "" {
		return &config.ConfigError{Field: "adapter.kind", Reason: "required (or pass --adapter)"}
	}
	if flags.Changed("working-dir") {
		opts.WorkingDir = workingDir
		opts.ExperimentDir = ""
	}
	if flags.Changed("experiment-dir") {
		opts.ExperimentDir = experimentDir
		opts.WorkingDir = ""
	}
	if tempDir {
		tmp, err := os.MkdirTemp("", "trialflow-")
		if err != nil {
			return fmt.Errorf("failed to create temporary directory: %w", err)
		}
		opts.WorkingDir = tmp
		opts.ExperimentDir = ""
	}
	if flags.Changed("append-timestamp") {
		opts.AppendTimestamp = &appendTimestamp
	}
	return nil
}

// copyConfig writes the rendered configuration into the experiment directory
// under the source file's name and returns that name. A resumed run reads the
// copy without needing the template variables again.
func copyConfig(cfg *config.Config, dir string) (string, error) {
	name := filepath.Base(cfg.Path)
	if err := os.WriteFile(filepath.Join(dir, name), cfg.Document(), 0644); err != nil {
		return "", fmt.Errorf("failed to copy config: %w", err)
	}
	return name, nil
}
