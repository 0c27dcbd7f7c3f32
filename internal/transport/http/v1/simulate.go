package v1

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

const maxCaseSize = 10 << 20

// Simulate accepts a case document and starts a pipeline run for it.
// POST /simulate
func (h *Handler) Simulate(c echo.Context) error {
	body, err := readCase(c)
	if err != nil {
		return err
	}

	if !json.Valid(body) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON file")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "case document must be a JSON object")
	}

	runID := uuid.NewString()
	logger := h.logger.With().Str("run_id", runID).Logger()
	ctx := c.Request().Context()

	if _, err := h.service.Emit(ctx, runID, "API", domain.EventKindActive, "Simulation request received and validated.", nil); err != nil {
		logger.Error().Err(err).Msg("failed to emit initial status")
	}
	h.runner.Start(runID, json.RawMessage(body))
	logger.Info().Msg("simulation accepted")

	return c.JSON(http.StatusAccepted, domain.SimulateResponse{
		RunID:   runID,
		Message: "Simulation request accepted and is being processed.",
	})
}

// readCase returns the case document from a multipart "file" field or
// from a raw JSON body.
func readCase(c echo.Context) ([]byte, error) {
	req := c.Request()
	contentType := req.Header.Get(echo.HeaderContentType)

	var r io.Reader
	switch {
	case strings.HasPrefix(contentType, echo.MIMEMultipartForm):
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "missing file field")
		}
		if ct := fh.Header.Get(echo.HeaderContentType); ct != "" && !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid file type, only JSON is accepted")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to open file")
		}
		defer f.Close()
		r = f
	case strings.HasPrefix(contentType, echo.MIMEApplicationJSON):
		r = req.Body
	default:
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid content type, only JSON is accepted")
	}

	body, err := io.ReadAll(io.LimitReader(r, maxCaseSize+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read case document")
	}
	if len(body) > maxCaseSize {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "case document too large")
	}
	return body, nil
}
