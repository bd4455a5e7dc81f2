package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/trialflow/internal/store"
	"github.com/spf13/cobra"
)

var (
	snapshotsDir  string
	historyDBPath string
	snapshotsRun  string
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Manage run snapshots",
	Long: `Manage the snapshots of an experiment: the current snapshot file used by
resume and the SQLite history of every snapshot written during its runs.`,
}

var listSnapshotsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current snapshot and the snapshot history",
	RunE:  runListSnapshots,
}

var cleanSnapshotsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old snapshots from the history",
	Long: `Delete snapshots from the history based on a retention policy. Keep the
newest N snapshots of each run, delete snapshots older than N days, or both.
The current snapshot file is never touched.`,
	RunE: runCleanSnapshots,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(listSnapshotsCmd)
	snapshotsCmd.AddCommand(cleanSnapshotsCmd)

	snapshotsCmd.PersistentFlags().StringVar(&snapshotsDir, "dir", ".", "Experiment directory")
	snapshotsCmd.PersistentFlags().StringVar(&historyDBPath, "db", "", "Snapshot history database (default <dir>/"+DefaultHistoryDB+")")
	snapshotsCmd.PersistentFlags().StringVar(&snapshotsRun, "run", "", "Restrict to one run id")

	cleanSnapshotsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N snapshots per run (0 = keep all)")
	cleanSnapshotsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete snapshots older than N days (0 = no age limit)")
	cleanSnapshotsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openHistory opens the history database. It returns nil without error when
// the database does not exist.
func openHistory(ctx context.Context) (*store.SQLiteStore, error) {
	path := historyDBPath
	if path == "" {
		path = filepath.Join(snapshotsDir, DefaultHistoryDB)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	history := store.NewSQLiteStore(path, snapshotsRun)
	if err := history.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open snapshot history: %w", err)
	}
	return history, nil
}

func runListSnapshots(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	fs, err := store.NewFSStore(filepath.Join(snapshotsDir, store.DefaultSnapshotFile))
	if err != nil {
		return err
	}
	current, err := fs.Info()
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintln(out, "No current snapshot.")
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "Current snapshot: %s (%s, %s, %s)\n",
			current.Location,
			current.Format,
			formatBytes(current.Size),
			current.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	history, err := openHistory(ctx)
	if err != nil {
		return err
	}
	if history == nil {
		fmt.Fprintln(out, "No snapshot history.")
		return nil
	}
	defer history.Close()

	infos, err := history.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No snapshot history.")
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRUN ID\tTIMESTAMP\tFORMAT\tSIZE")
	fmt.Fprintln(w, "--\t------\t---------\t------\t----")
	for _, info := range infos {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			info.ID,
			shortID(info.RunID),
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.Format,
			formatBytes(info.Size),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal snapshots: %d\n", len(infos))
	return nil
}

func runCleanSnapshots(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}
	if keepLast < 0 || olderThanDays < 0 {
		return fmt.Errorf("--keep-last and --older-than cannot be negative")
	}

	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	history, err := openHistory(ctx)
	if err != nil {
		return err
	}
	if history == nil {
		fmt.Fprintln(out, "No snapshots to clean.")
		return nil
	}
	defer history.Close()

	olderThan := time.Duration(olderThanDays) * 24 * time.Hour
	toDelete, err := history.PruneCandidates(ctx, keepLast, olderThan)
	if err != nil {
		return fmt.Errorf("failed to select snapshots: %w", err)
	}
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No snapshots match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d snapshot(s) to delete:\n", len(toDelete))
	ids := make([]int64, len(toDelete))
	for i, info := range toDelete {
		ids[i] = info.ID
		fmt.Fprintf(out, "  - #%d run %s (%s)\n",
			info.ID,
			shortID(info.RunID),
			info.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		response = strings.TrimSpace(response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted, err := history.Delete(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	slog.Info("Deleted snapshots", "count", deleted, "db", toDelete[0].Location)
	fmt.Fprintf(out, "\nDeleted %d snapshot(s).\n", deleted)
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
