package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/analyzer/cmd/analyzer-api/service"
	"github.com/lyzr/analyzer/common/jobstore"
	"github.com/lyzr/analyzer/common/logger"
)

// JobHandler serves job records to operators
type JobHandler struct {
	jobs *service.JobService
	log  *logger.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs *service.JobService, log *logger.Logger) *JobHandler {
	return &JobHandler{
		jobs: jobs,
		log:  log,
	}
}

// GetJob returns the state of one job
// GET /jobs/:job_id
func (h *JobHandler) GetJob(c echo.Context) error {
	jobID := c.Param("job_id")

	rec, err := h.jobs.Get(c.Request().Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"status": "not_found",
			"job_id": jobID,
		})
	}
	if err != nil {
		h.log.WithContext(c.Request().Context()).Error("failed to load job", "job_id", jobID, "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"reason": "job_store_unreachable",
		})
	}

	response := map[string]interface{}{
		"job_id":            rec.JobID,
		"asset_id":          rec.AssetID,
		"state":             rec.State,
		"attempt_count":     rec.AttemptCount,
		"delivery_attempts": rec.DeliveryAttempts,
		"updated_at":        rec.UpdatedAt,
	}
	if rec.FailedPhase != "" {
		response["failed_phase"] = rec.FailedPhase
	}
	if rec.LastError != "" {
		response["last_error"] = rec.LastError
	}
	if rec.PayloadDigest != "" {
		response["payload_digest"] = rec.PayloadDigest
	}

	return c.JSON(http.StatusOK, response)
}
