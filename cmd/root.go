package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "trialflow",
	Short: "Run externally executed optimization trials with durable snapshots",
	Long: `trialflow drives an optimization loop whose trials run as external jobs.
It generates candidates, dispatches them through an execution adapter, polls
their status, collects metric results and snapshots the whole run so it can be
resumed after an interruption.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger(os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setupLogger installs a JSON slog handler writing to w at --log-level.
func setupLogger(w io.Writer) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewJSONHandler(w, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)
}
