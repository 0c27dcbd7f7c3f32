package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// GetReport returns the final report of a run, or a placeholder while it
// is not available.
// GET /report/:run_id
func (h *Handler) GetReport(c echo.Context) error {
	runID := c.Param("run_id")
	state := h.service.State(runID)

	if ev, ok := h.service.LastReport(runID); ok {
		report, _ := ev.Report()
		seq := ev.SequenceID
		return c.JSON(http.StatusOK, domain.ReportResponse{
			RunID:      runID,
			Status:     state,
			SequenceID: &seq,
			Report:     report,
		})
	}

	message := "Report not available yet."
	switch state {
	case domain.RunStateTerminated:
		message = "Run has been terminated and its report is no longer available."
	case domain.RunStateUninitialized:
		message = "Run not found."
	}
	return c.JSON(http.StatusOK, domain.ReportResponse{
		RunID:       runID,
		Placeholder: true,
		Status:      state,
		Message:     message,
	})
}

// GetRun returns a summary of a run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID := c.Param("run_id")
	info := h.service.RunInfo(runID)
	if info.State == domain.RunStateUninitialized {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusOK, info)
}

// GetRunEvents returns the buffered events of a run after an optional
// sequence id, optionally limited to one source_id.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	return h.runEvents(c, c.QueryParam("source_id"))
}

// GetSourceState returns the buffered events one source emitted for a run.
// Unknown runs and silent sources yield an empty list.
// GET /state/:run_id/:source_id
func (h *Handler) GetSourceState(c echo.Context) error {
	runID := c.Param("run_id")
	if h.service.State(runID) == domain.RunStateUninitialized {
		return c.JSON(http.StatusOK, domain.RunEventsResponse{
			RunID:  runID,
			Events: []domain.Event{},
		})
	}
	return h.runEvents(c, c.Param("source_id"))
}

// GetRunLogs returns the captured service log lines of a run, oldest
// first. Unknown runs yield an empty list.
// GET /logs/:run_id
func (h *Handler) GetRunLogs(c echo.Context) error {
	lines := []string{}
	if h.logs != nil {
		lines = h.logs.Lines(c.Param("run_id"))
	}
	return c.JSON(http.StatusOK, lines)
}

func (h *Handler) runEvents(c echo.Context, sourceID string) error {
	runID := c.Param("run_id")

	var after *int64
	if raw := c.QueryParam("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "after must be a non-negative integer"})
		}
		after = &v
	}

	if h.service.State(runID) == domain.RunStateUninitialized {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	events := []domain.Event{}
	for _, ev := range h.service.Events(runID, after) {
		if sourceID == "" || ev.SourceID == sourceID {
			events = append(events, ev)
		}
	}
	return c.JSON(http.StatusOK, domain.RunEventsResponse{
		RunID:  runID,
		Events: events,
	})
}
