package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

func TestPrintEvent(t *testing.T) {
	ts := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC)

	var buf bytes.Buffer
	ev := domain.Event{RunID: "r1", SequenceID: 3, SourceID: "EHRAgent", Kind: domain.EventKindActive, Message: "Starting EHRAgent", Timestamp: ts}
	if err := printEvent(&buf, ev); err != nil {
		t.Fatalf("printEvent failed: %v", err)
	}
	line := buf.String()
	for _, want := range []string{"3", "10:30:00", "ACTIVE", "EHRAgent", "Starting EHRAgent"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}

	buf.Reset()
	report := domain.Event{
		SequenceID: 4,
		SourceID:   domain.ReportSourceID,
		Kind:       domain.EventKindReport,
		Payload:    json.RawMessage(`{"report":{"summary":"ok"}}`),
		Timestamp:  ts,
	}
	if err := printEvent(&buf, report); err != nil {
		t.Fatalf("printEvent failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"summary": "ok"`) {
		t.Fatalf("report not pretty printed: %q", buf.String())
	}
}

func TestPrintEventRaw(t *testing.T) {
	opts.Raw = true
	defer func() { opts.Raw = false }()

	var buf bytes.Buffer
	if err := printEvent(&buf, domain.Event{RunID: "r1", SequenceID: 1, Kind: domain.EventKindDone}); err != nil {
		t.Fatalf("printEvent failed: %v", err)
	}
	var ev domain.Event
	if err := json.Unmarshal(buf.Bytes(), &ev); err != nil {
		t.Fatalf("raw output is not JSON: %v", err)
	}
	if ev.SequenceID != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}
