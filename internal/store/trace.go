package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cwbudde/trialflow/internal/experiment"
)

// TraceFile is the trial event trace inside an experiment directory.
const TraceFile = "trials.jsonl"

// TraceWriter appends trial events to a JSONL file.
// It uses buffered I/O and is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter creates <dir>/trials.jsonl. If append is true, new events are
// appended to an existing trace, which is what a resumed run wants.
func NewTraceWriter(dir string, append bool) (*TraceWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	path := filepath.Join(dir, TraceFile)

	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write buffers one event; it reaches the file on Flush or Close.
func (tw *TraceWriter) Write(event experiment.TrialEvent) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trial event: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trial event: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// OnTrialEvent records events published by the run controller.
func (tw *TraceWriter) OnTrialEvent(event experiment.TrialEvent) {
	if err := tw.Write(event); err != nil {
		slog.Warn("Failed to trace trial event", "trial", event.Index, "error", err)
	}
}

// Flush writes buffered events and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes buffered events and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trial events from a JSONL trace.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens <dir>/trials.jsonl.
func NewTraceReader(dir string) (*TraceReader, error) {
	path := filepath.Join(dir, TraceFile)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Location: path}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	// Parameters can make lines long.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read returns the next event, or io.EOF.
func (tr *TraceReader) Read() (*experiment.TrialEvent, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var event experiment.TrialEvent
	if err := json.Unmarshal(tr.scanner.Bytes(), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trial event: %w", err)
	}
	return &event, nil
}

// ReadAll reads every remaining event.
func (tr *TraceReader) ReadAll() ([]experiment.TrialEvent, error) {
	var events []experiment.TrialEvent
	for {
		event, err := tr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, nil
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// LatestStatuses folds a trace into the last recorded status per trial.
func LatestStatuses(events []experiment.TrialEvent) map[int]experiment.TrialStatus {
	out := make(map[int]experiment.TrialStatus)
	for _, e := range events {
		out[e.Index] = e.Status
	}
	return out
}
