package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/cwbudde/trialflow/internal/codec"
	"github.com/cwbudde/trialflow/internal/store"
)

// withSnapshotFlags points the snapshots commands at dir and restores the
// package flags afterwards.
func withSnapshotFlags(t *testing.T, dir string) {
	t.Helper()
	saved := []any{snapshotsDir, historyDBPath, snapshotsRun, keepLast, olderThanDays, forceClean}
	snapshotsDir, historyDBPath, snapshotsRun = dir, "", ""
	keepLast, olderThanDays, forceClean = 0, 0, false
	t.Cleanup(func() {
		snapshotsDir = saved[0].(string)
		historyDBPath = saved[1].(string)
		snapshotsRun = saved[2].(string)
		keepLast = saved[3].(int)
		olderThanDays = saved[4].(int)
		forceClean = saved[5].(bool)
	})
}

func testCommand(stdin string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd, &out
}

func seedHistory(t *testing.T, dir string, perRun map[string]int) {
	t.Helper()
	ctx := context.Background()
	for runID, n := range perRun {
		history := store.NewSQLiteStore(filepath.Join(dir, DefaultHistoryDB), runID)
		if err := history.Init(ctx); err != nil {
			t.Fatalf("Init: %v", err)
		}
		for i := 0; i < n; i++ {
			if err := history.Save(ctx, codec.Document{Format: codec.FormatJSON, Data: []byte(`{}`)}); err != nil {
				t.Fatalf("Save: %v", err)
			}
		}
		history.Close()
	}
}

func countHistory(t *testing.T, dir string) int {
	t.Helper()
	history := store.NewSQLiteStore(filepath.Join(dir, DefaultHistoryDB), "")
	if err := history.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer history.Close()
	infos, err := history.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return len(infos)
}

func TestSnapshotsListCommand_Empty(t *testing.T) {
	withSnapshotFlags(t, t.TempDir())

	cmd, out := testCommand("")
	if err := runListSnapshots(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "No current snapshot.") {
		t.Errorf("Unexpected output: %s", out)
	}
	if !strings.Contains(out.String(), "No snapshot history.") {
		t.Errorf("Unexpected output: %s", out)
	}
}

func TestSnapshotsListCommand_WithSnapshots(t *testing.T) {
	dir := t.TempDir()
	withSnapshotFlags(t, dir)

	if err := os.WriteFile(filepath.Join(dir, store.DefaultSnapshotFile), []byte(`{"_type":"Scheduler"}`), 0644); err != nil {
		t.Fatalf("Failed to write snapshot: %v", err)
	}
	seedHistory(t, dir, map[string]int{"run-a": 2, "run-b": 1})

	cmd, out := testCommand("")
	if err := runListSnapshots(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Current snapshot:") {
		t.Errorf("Expected current snapshot line, got: %s", out)
	}
	if !strings.Contains(out.String(), "Total snapshots: 3") {
		t.Errorf("Expected 3 snapshots, got: %s", out)
	}

	snapshotsRun = "run-b"
	cmd, out = testCommand("")
	if err := runListSnapshots(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Total snapshots: 1") {
		t.Errorf("Expected 1 snapshot for run-b, got: %s", out)
	}
}

func TestSnapshotsCleanCommand_NoFlags(t *testing.T) {
	withSnapshotFlags(t, t.TempDir())

	cmd, _ := testCommand("")
	if err := runCleanSnapshots(cmd, nil); err == nil {
		t.Error("Expected error when no flags specified")
	}
}

func TestSnapshotsCleanCommand_KeepLastWithForce(t *testing.T) {
	dir := t.TempDir()
	withSnapshotFlags(t, dir)
	seedHistory(t, dir, map[string]int{"run-a": 3, "run-b": 2})

	keepLast = 1
	forceClean = true
	cmd, out := testCommand("")
	if err := runCleanSnapshots(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Deleted 3 snapshot(s).") {
		t.Errorf("Unexpected output: %s", out)
	}
	if n := countHistory(t, dir); n != 2 {
		t.Errorf("Expected one snapshot left per run, got %d", n)
	}
}

func TestSnapshotsCleanCommand_Confirmation(t *testing.T) {
	dir := t.TempDir()
	withSnapshotFlags(t, dir)
	seedHistory(t, dir, map[string]int{"run-a": 3})
	keepLast = 1

	cmd, out := testCommand("n\n")
	if err := runCleanSnapshots(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "Aborted.") {
		t.Errorf("Expected abort, got: %s", out)
	}
	if n := countHistory(t, dir); n != 3 {
		t.Errorf("Expected nothing deleted, got %d left", n)
	}

	cmd, _ = testCommand("y\n")
	if err := runCleanSnapshots(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if n := countHistory(t, dir); n != 1 {
		t.Errorf("Expected 1 snapshot left, got %d", n)
	}
}

func TestSnapshotsCleanCommand_OlderThanKeepsRecent(t *testing.T) {
	dir := t.TempDir()
	withSnapshotFlags(t, dir)
	seedHistory(t, dir, map[string]int{"run-a": 2})

	olderThanDays = 7
	forceClean = true
	cmd, out := testCommand("")
	if err := runCleanSnapshots(cmd, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "No snapshots match deletion criteria.") {
		t.Errorf("Unexpected output: %s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		result := formatBytes(tt.bytes)
		if result != tt.expected {
			t.Errorf("formatBytes(%d) = %s, expected %s", tt.bytes, result, tt.expected)
		}
	}
}
