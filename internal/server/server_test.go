package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/trialflow/internal/experiment"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	space, err := experiment.NewSearchSpace([]*experiment.Parameter{
		{Name: "x", Kind: experiment.KindRange, ValueType: experiment.TypeFloat, Lower: 0, Upper: 1},
	}, nil)
	if err != nil {
		t.Fatalf("NewSearchSpace: %v", err)
	}
	cfg := &experiment.OptimizationConfig{
		Objective: experiment.Objective{Metric: experiment.NewMetric("loss", "mean", nil, nil), Minimize: true},
	}
	exp, err := experiment.New("board", space, cfg, experiment.NewRunner("synthetic", nil))
	if err != nil {
		t.Fatalf("experiment.New: %v", err)
	}
	return NewBoard("run-1", exp)
}

func trialEvent(index int, status experiment.TrialStatus, loss float64) experiment.TrialEvent {
	ev := experiment.TrialEvent{
		Experiment: "board",
		Index:      index,
		Status:     status,
		Parameters: map[string]any{"x": 0.5},
		Timestamp:  time.Now(),
	}
	if status == experiment.StatusCompleted {
		ev.Objectives = map[string]float64{"loss": loss}
	}
	return ev
}

func TestBoard_CountsAndBest(t *testing.T) {
	b := newTestBoard(t)

	b.OnTrialEvent(trialEvent(0, experiment.StatusRunning, 0))
	b.OnTrialEvent(trialEvent(1, experiment.StatusRunning, 0))
	b.OnTrialEvent(trialEvent(0, experiment.StatusCompleted, 0.4))
	b.OnTrialEvent(trialEvent(1, experiment.StatusCompleted, 0.2))
	b.OnTrialEvent(trialEvent(2, experiment.StatusRunning, 0))
	b.OnTrialEvent(trialEvent(2, experiment.StatusFailed, 0))

	run := b.Run()
	if run.Counts[experiment.StatusCompleted] != 2 {
		t.Errorf("Expected 2 completed, got %d", run.Counts[experiment.StatusCompleted])
	}
	if run.Counts[experiment.StatusFailed] != 1 {
		t.Errorf("Expected 1 failed, got %d", run.Counts[experiment.StatusFailed])
	}
	if _, ok := run.Counts[experiment.StatusRunning]; ok {
		t.Errorf("Running count should be gone, got %v", run.Counts)
	}
	if run.Best == nil || run.Best.Index != 1 {
		t.Fatalf("Expected trial 1 as best, got %+v", run.Best)
	}

	// The returned view is a copy.
	run.Counts[experiment.StatusCompleted] = 99
	if b.Run().Counts[experiment.StatusCompleted] != 2 {
		t.Error("Run() must not expose internal counts")
	}
}

func TestServer_Run(t *testing.T) {
	b := newTestBoard(t)
	b.SetState("running", "")
	s := NewServer(":0", b)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/run", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}

	var run RunInfo
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if run.RunID != "run-1" || run.State != "running" || run.Objective != "loss" {
		t.Errorf("Unexpected run info: %+v", run)
	}
}

func TestServer_Trials(t *testing.T) {
	b := newTestBoard(t)
	b.OnTrialEvent(trialEvent(1, experiment.StatusRunning, 0))
	b.OnTrialEvent(trialEvent(0, experiment.StatusCompleted, 0.3))
	s := NewServer(":0", b)

	tests := []struct {
		path     string
		code     int
		wantIdxs []int
	}{
		{"/api/v1/trials", http.StatusOK, []int{0, 1}},
		{"/api/v1/trials?status=running", http.StatusOK, []int{1}},
		{"/api/v1/trials?status=bogus", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.code {
				t.Fatalf("Expected status %d, got %d", tt.code, w.Code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var trials []experiment.TrialEvent
			if err := json.NewDecoder(w.Body).Decode(&trials); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if len(trials) != len(tt.wantIdxs) {
				t.Fatalf("Expected %d trials, got %d", len(tt.wantIdxs), len(trials))
			}
			for i, idx := range tt.wantIdxs {
				if trials[i].Index != idx {
					t.Errorf("trials[%d].Index = %d, want %d", i, trials[i].Index, idx)
				}
			}
		})
	}
}

func TestServer_Trial(t *testing.T) {
	b := newTestBoard(t)
	b.OnTrialEvent(trialEvent(0, experiment.StatusCompleted, 0.3))
	s := NewServer(":0", b)

	tests := []struct {
		path string
		code int
	}{
		{"/api/v1/trials/0", http.StatusOK},
		{"/api/v1/trials/7", http.StatusNotFound},
		{"/api/v1/trials/abc", http.StatusBadRequest},
		{"/api/v1/trials/-1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if w.Code != tt.code {
			t.Errorf("%s: expected status %d, got %d", tt.path, tt.code, w.Code)
		}
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/trials/0", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405 for POST, got %d", w.Code)
	}
}

func TestServer_EventStream(t *testing.T) {
	b := newTestBoard(t)
	s := NewServer(":0", b)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Expected text/event-stream content type, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	name, _ := readSSEEvent(t, reader)
	if name != "run" {
		t.Fatalf("Expected initial run event, got %q", name)
	}

	b.OnTrialEvent(trialEvent(0, experiment.StatusRunning, 0))
	name, data := readSSEEvent(t, reader)
	if name != "trial" {
		t.Fatalf("Expected trial event, got %q", name)
	}
	var ev experiment.TrialEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("Failed to decode trial event: %v", err)
	}
	if ev.Index != 0 || ev.Status != experiment.StatusRunning {
		t.Errorf("Unexpected event: %+v", ev)
	}

	b.Finish("completed", "")
	name, data = readSSEEvent(t, reader)
	if name != "run" || !strings.Contains(data, `"state":"completed"`) {
		t.Errorf("Expected final run event, got %q %s", name, data)
	}
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (name, data string) {
	t.Helper()
	type result struct{ name, data string }
	done := make(chan result, 1)
	go func() {
		var res result
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- res
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				res.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				res.data = strings.TrimPrefix(line, "data: ")
			case line == "" && res.name != "":
				done <- res
				return
			}
		}
	}()

	select {
	case res := <-done:
		return res.name, res.data
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for SSE event")
		return "", ""
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	eb.Broadcast(trialEvent(3, experiment.StatusRunning, 0))

	// A late subscriber gets the last event replayed.
	ch := eb.Subscribe()
	select {
	case ev := <-ch:
		if ev.Index != 3 {
			t.Errorf("Expected replay of trial 3, got %d", ev.Index)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for replayed event")
	}

	eb.Broadcast(trialEvent(4, experiment.StatusRunning, 0))
	select {
	case ev := <-ch:
		if ev.Index != 4 {
			t.Errorf("Expected trial 4, got %d", ev.Index)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}

	eb.CloseAll()
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after CloseAll")
	}
	// Unsubscribing after CloseAll must not double-close.
	eb.Unsubscribe(ch)

	late := eb.Subscribe()
	if _, ok := <-late; ok {
		t.Error("Subscribe after CloseAll should return a closed channel")
	}
}
