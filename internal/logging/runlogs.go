package logging

import (
	"encoding/json"
	"sync"
)

const (
	// DefaultRunLogLines is the number of lines kept per run.
	DefaultRunLogLines = 1000
	// DefaultRunLogRuns is the number of runs whose lines are kept.
	DefaultRunLogRuns = 256
)

// RunLogs is a log sink that keeps the most recent JSON log lines of each
// run, keyed by their run_id field. Lines without a run_id are ignored.
// When more than maxRuns runs have lines, the run seen first is forgotten.
type RunLogs struct {
	mu      sync.Mutex
	perRun  int
	maxRuns int
	lines   map[string][]string
	order   []string
}

// NewRunLogs creates a sink. Non-positive limits select the defaults.
func NewRunLogs(perRun, maxRuns int) *RunLogs {
	if perRun <= 0 {
		perRun = DefaultRunLogLines
	}
	if maxRuns <= 0 {
		maxRuns = DefaultRunLogRuns
	}
	return &RunLogs{
		perRun:  perRun,
		maxRuns: maxRuns,
		lines:   make(map[string][]string),
	}
}

// Write implements io.Writer. zerolog writes one event per call.
func (r *RunLogs) Write(p []byte) (int, error) {
	var entry struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(p, &entry); err != nil || entry.RunID == "" {
		return len(p), nil
	}
	line := string(trimNewline(p))

	r.mu.Lock()
	defer r.mu.Unlock()

	lines, ok := r.lines[entry.RunID]
	if !ok {
		if len(r.order) >= r.maxRuns {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.lines, oldest)
		}
		r.order = append(r.order, entry.RunID)
	}
	lines = append(lines, line)
	if len(lines) > r.perRun {
		lines = lines[len(lines)-r.perRun:]
	}
	r.lines[entry.RunID] = lines
	return len(p), nil
}

// Lines returns a copy of the kept lines of runID, oldest first.
func (r *RunLogs) Lines(runID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.lines[runID]...)
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
