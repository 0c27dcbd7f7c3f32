package domain

import "encoding/json"

// EmitRequest represents a request to append a status event to a run.
type EmitRequest struct {
	SourceID string          `json:"source_id"`
	Kind     EventKind       `json:"kind"`
	Message  string          `json:"message"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ReportRequest represents a request to publish the terminal report.
type ReportRequest struct {
	Report json.RawMessage `json:"report"`
}

// EmitResponse represents the outcome of an emission.
type EmitResponse struct {
	RunID        string `json:"run_id"`
	SequenceID   int64  `json:"sequence_id"`
	Durable      bool   `json:"durable"`
	PersistError string `json:"persist_error,omitempty"`
	Delivered    int    `json:"delivered"`
	Evicted      int    `json:"evicted"`
}

// TerminateResponse represents the outcome of a run termination.
type TerminateResponse struct {
	RunID              string `json:"run_id"`
	AlreadyTerminated  bool   `json:"already_terminated"`
	DroppedEvents      int    `json:"dropped_events"`
	ClosedSubscribers  int    `json:"closed_subscribers"`
	PersistDeleteError string `json:"persist_delete_error,omitempty"`
}

// SimulateResponse represents the response after accepting a simulation.
type SimulateResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}

// ReportResponse is returned by the pull fallback endpoint.
type ReportResponse struct {
	RunID       string          `json:"run_id"`
	Placeholder bool            `json:"placeholder"`
	Status      RunState        `json:"status"`
	SequenceID  *int64          `json:"sequence_id,omitempty"`
	Report      json.RawMessage `json:"report,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// RunEventsResponse represents the response for listing run events.
type RunEventsResponse struct {
	RunID  string  `json:"run_id"`
	Events []Event `json:"events"`
}
