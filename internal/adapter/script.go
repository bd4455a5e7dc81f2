package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// KindScript selects the Script adapter.
const KindScript = "script"

// JobLogFile collects a script job's stdout and stderr in its trial directory.
const JobLogFile = "job.log"

// Script runs a shell command per trial. A trial is complete once the command
// has exited leaving the output file; it has failed when the command exits
// without writing it.
//
// The command template understands {trial_dir}, {trial_index}, {output_file},
// {params_json} and {<parameter name>}. Paths and the JSON document are
// shell-quoted.
type Script struct {
	command string
	shell   string
	output  string

	mu    sync.Mutex
	jobs  jobTable
	procs map[experiment.JobHandle]*process
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// NewScript builds a Script adapter.
func NewScript(opts Options) (experiment.ExecutionAdapter, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, errors.New("script adapter: command is required")
	}
	shell := opts.Shell
	if shell == "" {
		shell = "sh"
	}
	return &Script{
		command: opts.Command,
		shell:   shell,
		output:  opts.outputFile(),
		jobs:    jobTable{root: opts.ExperimentDir, dirs: map[int]string{}},
		procs:   map[experiment.JobHandle]*process{},
	}, nil
}

func (s *Script) Kind() string { return KindScript }

func (s *Script) Describe() map[string]any {
	return map[string]any{"command": s.command, "shell": s.shell, "output_file": s.output}
}

// Start launches the command and returns without waiting for it.
func (s *Script) Start(_ context.Context, trial *experiment.Trial, trialDir string) (experiment.JobHandle, error) {
	output := outputPath(trialDir, s.output)
	cmdline, err := renderCommand(s.command, trial, trialDir, output)
	if err != nil {
		return "", err
	}

	logFile, err := os.Create(filepath.Join(trialDir, JobLogFile))
	if err != nil {
		return "", fmt.Errorf("create job log: %w", err)
	}

	cmd := exec.Command(s.shell, "-c", cmdline)
	cmd.Dir = trialDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"TRIAL_INDEX="+strconv.Itoa(trial.Index),
		"TRIAL_DIR="+trialDir,
		"TRIAL_OUTPUT="+output,
	)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return "", fmt.Errorf("start %q: %w", cmdline, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		logFile.Close()
		close(p.done)
	}()

	handle := experiment.JobHandle(fmt.Sprintf("script-%d-%d", trial.Index, cmd.Process.Pid))

	s.mu.Lock()
	s.procs[handle] = p
	s.jobs.dirs[trial.Index] = trialDir
	s.mu.Unlock()

	slog.Debug("Started script job", "trial", trial.Index, "pid", cmd.Process.Pid, "command", cmdline)
	return handle, nil
}

// PollStatus waits for processes this adapter started to exit before
// trusting the output file, since the command may still be writing it. Jobs
// started by an earlier process can only be judged by the output file.
func (s *Script) PollStatus(_ context.Context, trial *experiment.Trial) (experiment.TrialStatus, error) {
	s.mu.Lock()
	output := outputPath(s.jobs.dir(trial), s.output)
	p, ok := s.procs[trial.JobHandle]
	s.mu.Unlock()

	if !ok {
		if fileExists(output) {
			return experiment.StatusCompleted, nil
		}
		return experiment.StatusRunning, nil
	}

	select {
	case <-p.done:
		if fileExists(output) {
			return experiment.StatusCompleted, nil
		}
		slog.Warn("Script job exited without output", "trial", trial.Index, "error", p.err)
		return experiment.StatusFailed, nil
	default:
		return experiment.StatusRunning, nil
	}
}

// Fetch parses the output file.
func (s *Script) Fetch(_ context.Context, trial *experiment.Trial, _ map[string]any, _ string) (map[string]any, error) {
	s.mu.Lock()
	output := outputPath(s.jobs.dir(trial), s.output)
	s.mu.Unlock()
	return readOutput(output)
}

// Terminate kills the trial's process if this adapter started it.
func (s *Script) Terminate(_ context.Context, trial *experiment.Trial) error {
	s.mu.Lock()
	p, ok := s.procs[trial.JobHandle]
	delete(s.procs, trial.JobHandle)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill trial %d: %w", trial.Index, err)
	}
	<-p.done
	return nil
}

func renderCommand(tmpl string, trial *experiment.Trial, trialDir, output string) (string, error) {
	params, err := json.Marshal(trial.Parameters)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}

	pairs := []string{
		"{trial_dir}", shellQuote(trialDir),
		"{trial_index}", strconv.Itoa(trial.Index),
		"{output_file}", shellQuote(output),
		"{params_json}", shellQuote(string(params)),
	}
	names := make([]string, 0, len(trial.Parameters))
	for name := range trial.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pairs = append(pairs, "{"+name+"}", shellQuote(fmt.Sprint(trial.Parameters[name])))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
