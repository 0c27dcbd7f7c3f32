package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable, sequence-numbered fact about a run.
type Event struct {
	RunID      string          `json:"run_id"`
	SequenceID int64           `json:"sequence_id"`
	SourceID   string          `json:"source_id"`
	Kind       EventKind       `json:"kind"`
	Message    string          `json:"message"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsReport reports whether the event carries the terminal report.
func (e Event) IsReport() bool {
	return e.Kind == EventKindReport
}

// Report extracts the report document from a report event payload.
func (e Event) Report() (json.RawMessage, bool) {
	if !e.IsReport() || len(e.Payload) == 0 {
		return nil, false
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &wrapped); err != nil {
		return nil, false
	}
	report, ok := wrapped[ReportPayloadKey]
	return report, ok
}

// RunInfo summarizes the observable state of a run.
type RunInfo struct {
	RunID          string   `json:"run_id"`
	State          RunState `json:"state"`
	Events         int      `json:"events"`
	LastSequenceID *int64   `json:"last_sequence_id,omitempty"`
	Subscribers    int      `json:"subscribers"`
}
