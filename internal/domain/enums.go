// Package domain defines the core domain models for runstream.
package domain

// EventKind represents the kind of a run event.
type EventKind string

const (
	EventKindActive  EventKind = "ACTIVE"
	EventKindDone    EventKind = "DONE"
	EventKindError   EventKind = "ERROR"
	EventKindWaiting EventKind = "WAITING"
	// EventKindReport is reserved for the terminal report and is only
	// produced through the report API.
	EventKindReport EventKind = "REPORT"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindActive, EventKindDone, EventKindError, EventKindWaiting, EventKindReport:
		return true
	}
	return false
}

// Terminal reports whether an event of this kind ends a run from the
// point of view of listeners.
func (k EventKind) Terminal() bool {
	return k == EventKindReport || k == EventKindError
}

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStateUninitialized RunState = "UNINITIALIZED"
	RunStateActive        RunState = "ACTIVE"
	RunStateTerminated    RunState = "TERMINATED"
)

// FrameType represents the type of an outward stream frame.
type FrameType string

const (
	FrameTypeStatusUpdate   FrameType = "status_update"
	FrameTypeReport         FrameType = "report"
	FrameTypeReportMetadata FrameType = "report_metadata"
	FrameTypeReportChunk    FrameType = "report_chunk"
	FrameTypePing           FrameType = "ping"
	FrameTypeError          FrameType = "error"
)

// Error codes carried by error frames.
const (
	ErrorCodeRunTerminated = "run_terminated"
	ErrorCodeLagged        = "lagged"
	ErrorCodeInternal      = "internal_error"
)

const (
	// ReportPayloadKey is the fixed payload key under which a report event
	// carries the pipeline result.
	ReportPayloadKey = "report"
	// ReportSourceID is the source id stamped on report events.
	ReportSourceID = "report"
)
