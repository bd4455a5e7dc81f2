package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/trialflow/internal/experiment"
	"github.com/cwbudde/trialflow/internal/server"
	"github.com/cwbudde/trialflow/internal/store"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	statusDir string
)

var statusCmd = &cobra.Command{
	Use:   "status [trial-index]",
	Short: "Show run or trial status",
	Long: `Shows the status of a run. By default the status API of a running
'run --listen' process is queried. With --dir the trial trace of an experiment
directory is read instead, which also works after the run has ended.
If a trial index is given, shows that trial only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	statusCmd.Flags().StringVar(&statusDir, "dir", "", "Read the trial trace of this experiment directory instead of querying a server")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	index := -1
	if len(args) == 1 {
		i, err := strconv.Atoi(args[0])
		if err != nil || i < 0 {
			return fmt.Errorf("trial index must be a non-negative integer: %q", args[0])
		}
		index = i
	}

	out := cmd.OutOrStdout()
	if statusDir != "" {
		return traceStatus(out, statusDir, index)
	}
	if index >= 0 {
		var ev experiment.TrialEvent
		if err := getJSON(fmt.Sprintf("%s/api/v1/trials/%d", serverURL, index), &ev); err != nil {
			return err
		}
		printTrial(out, ev)
		return nil
	}

	var run server.RunInfo
	if err := getJSON(serverURL+"/api/v1/run", &run); err != nil {
		return err
	}
	var trials []experiment.TrialEvent
	if err := getJSON(serverURL+"/api/v1/trials", &trials); err != nil {
		return err
	}
	printRun(out, run)
	printTrials(out, trials)
	return nil
}

// traceStatus summarizes the trial trace in dir.
func traceStatus(w io.Writer, dir string, index int) error {
	reader, err := store.NewTraceReader(dir)
	if err != nil {
		return err
	}
	defer reader.Close()

	events, err := reader.ReadAll()
	if err != nil {
		return err
	}

	latest := make(map[int]experiment.TrialEvent)
	for _, ev := range events {
		latest[ev.Index] = ev
	}
	if index >= 0 {
		ev, ok := latest[index]
		if !ok {
			return fmt.Errorf("trial %d not found in %s", index, dir)
		}
		printTrial(w, ev)
		return nil
	}

	counts := make(map[experiment.TrialStatus]int)
	for _, status := range store.LatestStatuses(events) {
		counts[status]++
	}
	fmt.Fprintf(w, "Experiment: %s\n", dir)
	fmt.Fprintf(w, "Trials: %d (%s)\n\n", len(latest), formatCounts(counts))

	trials := make([]experiment.TrialEvent, 0, len(latest))
	for _, ev := range latest {
		trials = append(trials, ev)
	}
	sort.Slice(trials, func(i, j int) bool { return trials[i].Index < trials[j].Index })
	printTrials(w, trials)
	return nil
}

func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printRun(w io.Writer, run server.RunInfo) {
	fmt.Fprintf(w, "Run: %s\n", run.RunID)
	fmt.Fprintf(w, "Experiment: %s\n", run.Experiment)
	fmt.Fprintf(w, "State: %s", run.State)
	if run.Reason != "" {
		fmt.Fprintf(w, " (%s)", run.Reason)
	}
	fmt.Fprintln(w)

	end := time.Now()
	if run.EndTime != nil {
		end = *run.EndTime
	}
	fmt.Fprintf(w, "Elapsed: %s\n", end.Sub(run.StartTime).Round(time.Second))
	fmt.Fprintf(w, "Trials: %s\n", formatCounts(run.Counts))

	if run.Best != nil {
		direction := "max"
		if run.Minimize {
			direction = "min"
		}
		fmt.Fprintf(w, "Best: trial %d, %s = %g (%s)\n",
			run.Best.Index, run.Objective, run.Best.Objectives[run.Objective], direction)
	}
	fmt.Fprintln(w)
}

func printTrials(w io.Writer, trials []experiment.TrialEvent) {
	if len(trials) == 0 {
		fmt.Fprintln(w, "No trials yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIAL\tSTATUS\tOBJECTIVES\tUPDATED")
	for _, ev := range trials {
		objectives := "-"
		if len(ev.Objectives) > 0 {
			objectives = fmt.Sprint(ev.Objectives)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", ev.Index, ev.Status, objectives, ev.Timestamp.Format("15:04:05"))
	}
	tw.Flush()
}

func printTrial(w io.Writer, ev experiment.TrialEvent) {
	fmt.Fprintf(w, "Trial: %d\n", ev.Index)
	fmt.Fprintf(w, "Status: %s\n", ev.Status)
	fmt.Fprintf(w, "Updated: %s\n", ev.Timestamp.Format(time.RFC3339))

	names := make([]string, 0, len(ev.Parameters))
	for name := range ev.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "Parameters:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %v\n", name, ev.Parameters[name])
	}
	if len(ev.Objectives) > 0 {
		fmt.Fprintln(w, "Objectives:")
		for name, v := range ev.Objectives {
			fmt.Fprintf(w, "  %s: %g\n", name, v)
		}
	}
	if ev.Reason != "" {
		fmt.Fprintf(w, "\nFailure: %s\n", ev.Reason)
	}
}

func formatCounts(counts map[experiment.TrialStatus]int) string {
	if len(counts) == 0 {
		return "none"
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	out := ""
	for i, s := range statuses {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%d %s", counts[experiment.TrialStatus(s)], s)
	}
	return out
}
