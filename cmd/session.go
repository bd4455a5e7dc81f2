package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cwbudde/trialflow/internal/adapter"
	"github.com/cwbudde/trialflow/internal/codec"
	"github.com/cwbudde/trialflow/internal/engine"
	"github.com/cwbudde/trialflow/internal/expdir"
	"github.com/cwbudde/trialflow/internal/experiment"
	"github.com/cwbudde/trialflow/internal/scheduler"
	"github.com/cwbudde/trialflow/internal/server"
	"github.com/cwbudde/trialflow/internal/store"
)

// DefaultHistoryDB is the SQLite snapshot history file inside an experiment
// directory.
const DefaultHistoryDB = "history.db"

// configFileKey records the copied config file name in experiment properties.
const configFileKey = "config_file"

// session is one invocation of the run loop, fresh or resumed.
type session struct {
	exp      *experiment.Experiment
	strategy engine.Strategy
	codec    *codec.Codec
	runID    string
	opts     scheduler.Options

	// historyDB is the SQLite history path; empty disables history.
	historyDB string
	listen    string
	resumed   bool
}

// newCodec returns a codec that also knows the built-in adapters.
func newCodec() (*codec.Codec, error) {
	c, err := codec.NewDefault()
	if err != nil {
		return nil, err
	}
	if err := adapter.RegisterTypes(c.Registry()); err != nil {
		return nil, err
	}
	return c, nil
}

// teeLog sends logs to stdout and the experiment's optimization.log. The
// returned function closes the log file.
func teeLog(dir string) (func(), error) {
	f, err := os.OpenFile(expdir.LogPath(dir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	setupLogger(io.MultiWriter(os.Stdout, f))
	return func() {
		setupLogger(os.Stdout)
		f.Close()
	}, nil
}

// historyPath resolves --snapshot-db against the experiment directory.
func historyPath(dir, flag string) string {
	if flag == "" || filepath.IsAbs(flag) {
		return flag
	}
	return filepath.Join(dir, flag)
}

func (s *session) execute(ctx context.Context, out io.Writer) (*scheduler.Result, error) {
	dir := s.exp.Dir.String()

	fs, err := store.NewFSStore(filepath.Join(dir, store.DefaultSnapshotFile))
	if err != nil {
		return nil, err
	}
	stores := store.Multi{fs}
	if s.historyDB != "" {
		history := store.NewSQLiteStore(s.historyDB, s.runID)
		if err := history.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to open snapshot history: %w", err)
		}
		defer history.Close()
		stores = append(stores, history)
	}

	trace, err := store.NewTraceWriter(dir, s.resumed)
	if err != nil {
		return nil, err
	}
	defer trace.Close()

	ctrl, err := scheduler.NewController(s.exp, s.strategy, stores, s.codec, s.runID, s.opts)
	if err != nil {
		return nil, err
	}
	ctrl.Subscribe(trace)

	var board *server.Board
	if s.listen != "" {
		board = server.NewBoard(s.runID, s.exp)
		ctrl.Subscribe(board)

		srv := server.NewServer(s.listen, board)
		if err := srv.Start(); err != nil {
			return nil, fmt.Errorf("failed to start status server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Status server shutdown failed", "error", err)
			}
		}()
		board.SetState(string(scheduler.StateRunning), "")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := ctrl.Run(ctx)
	if res != nil {
		if board != nil {
			board.Finish(string(res.State), res.Reason)
		}
		printResult(out, dir, res)
	}
	return res, err
}

func printResult(w io.Writer, dir string, res *scheduler.Result) {
	fmt.Fprintf(w, "Run %s %s", res.RunID, res.State)
	if res.Reason != "" {
		fmt.Fprintf(w, " (%s)", res.Reason)
	}
	fmt.Fprintf(w, " after %s\n", res.Elapsed.Round(time.Millisecond))

	fmt.Fprintf(w, "  Experiment: %s\n", dir)
	fmt.Fprintf(w, "  Trials: %d completed, %d failed, %d abandoned, %d running\n",
		res.Counts[experiment.StatusCompleted],
		res.Counts[experiment.StatusFailed],
		res.Counts[experiment.StatusAbandoned],
		res.Counts[experiment.StatusRunning],
	)
	if res.Best != nil {
		fmt.Fprintf(w, "  Best trial: %d %v\n", res.Best.Index, res.Best.Objectives)
	}
	if res.Fallback {
		fmt.Fprintf(w, "  Snapshot: binary fallback (%s)\n", res.Snapshot)
	}
}
