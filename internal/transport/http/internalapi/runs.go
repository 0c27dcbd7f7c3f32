package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runstream/internal/domain"
	"github.com/xiaot623/gogo/runstream/internal/policy"
	"github.com/xiaot623/gogo/runstream/internal/service"
)

// AppendEvent appends a status event to a run.
// POST /internal/runs/:run_id/events
func (h *Handler) AppendEvent(c echo.Context) error {
	runID := c.Param("run_id")

	var req domain.EmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SourceID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "source_id is required"})
	}
	input := policy.Input{Action: policy.ActionEmit, RunID: runID, SourceID: req.SourceID, Kind: string(req.Kind)}
	if ok, err := h.admit(c, input); !ok {
		return err
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	res, err := h.service.Emit(c.Request().Context(), runID, req.SourceID, req.Kind, req.Message, payload)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, emitResponse(runID, res))
}

// PublishReport publishes the terminal report of a run.
// POST /internal/runs/:run_id/report
func (h *Handler) PublishReport(c echo.Context) error {
	runID := c.Param("run_id")

	var req domain.ReportRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.Report) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "report is required"})
	}
	input := policy.Input{Action: policy.ActionReport, RunID: runID, SourceID: domain.ReportSourceID, Kind: string(domain.EventKindReport)}
	if ok, err := h.admit(c, input); !ok {
		return err
	}

	res, err := h.service.EmitReport(c.Request().Context(), runID, req.Report)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, emitResponse(runID, res))
}

// TerminateRun tears down a run.
// POST /internal/runs/:run_id/terminate
func (h *Handler) TerminateRun(c echo.Context) error {
	runID := c.Param("run_id")
	if ok, err := h.admit(c, policy.Input{Action: policy.ActionTerminate, RunID: runID}); !ok {
		return err
	}

	res, err := h.service.Terminate(c.Request().Context(), runID)
	if err != nil {
		return errorJSON(c, err)
	}

	resp := domain.TerminateResponse{
		RunID:             runID,
		AlreadyTerminated: res.AlreadyTerminated,
		DroppedEvents:     res.DroppedEvents,
		ClosedSubscribers: res.ClosedSubscribers,
	}
	if res.PersistDeleteErr != nil {
		resp.PersistDeleteError = res.PersistDeleteErr.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func emitResponse(runID string, res *service.EmitResult) domain.EmitResponse {
	resp := domain.EmitResponse{
		RunID:      runID,
		SequenceID: res.Event.SequenceID,
		Durable:    res.Durable(),
		Delivered:  res.Delivered,
		Evicted:    res.Evicted,
	}
	if res.PersistErr != nil {
		resp.PersistError = res.PersistErr.Error()
	}
	return resp
}
