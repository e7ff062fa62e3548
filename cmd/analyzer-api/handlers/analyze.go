package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/analyzer/cmd/analyzer-api/service"
	"github.com/lyzr/analyzer/common/logger"
	"github.com/lyzr/analyzer/common/models"
	"github.com/lyzr/analyzer/common/validation"
)

// AnalyzeHandler accepts analysis requests
type AnalyzeHandler struct {
	dispatch *service.DispatchService
	log      *logger.Logger
}

// NewAnalyzeHandler creates a new analyze handler
func NewAnalyzeHandler(dispatch *service.DispatchService, log *logger.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{
		dispatch: dispatch,
		log:      log,
	}
}

// Submit enqueues an analysis job
// POST /analyze
func (h *AnalyzeHandler) Submit(c echo.Context) error {
	var req models.AnalysisRequest
	if err := c.Bind(&req); err != nil {
		code, fe := bindError(err)
		return c.JSON(code, map[string]interface{}{
			"status": "rejected",
			"errors": []validation.FieldError{fe},
		})
	}

	accepted, err := h.dispatch.Submit(c.Request().Context(), &req)
	if err != nil {
		var verr *validation.ValidationError
		var uerr *service.UnavailableError

		switch {
		case errors.As(err, &verr):
			body := map[string]interface{}{
				"status": "rejected",
				"errors": verr.Errors,
			}
			if len(verr.MissingTypes) > 0 {
				body["missing_types"] = verr.MissingTypes
			}
			return c.JSON(http.StatusUnprocessableEntity, body)
		case errors.As(err, &uerr):
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unavailable",
				"reason": uerr.Reason(),
			})
		default:
			return err
		}
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"asset_id": accepted.AssetID,
		"job_id":   accepted.JobID,
	})
}

// bindError turns a binder failure into a status and a field-level error.
// Decoder errors arrive as the Internal of an *echo.HTTPError.
func bindError(err error) (int, validation.FieldError) {
	code := http.StatusBadRequest

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Internal == nil {
			return httpErr.Code, validation.FieldError{Field: "body", Reason: fmt.Sprint(httpErr.Message)}
		}
		err = httpErr.Internal
	}

	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError

	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return code, validation.FieldError{Field: field, Reason: fmt.Sprintf("must be %s, got %s", typeErr.Type, typeErr.Value)}
	case errors.As(err, &syntaxErr):
		return code, validation.FieldError{Field: "body", Reason: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)}
	default:
		return code, validation.FieldError{Field: "body", Reason: err.Error()}
	}
}
