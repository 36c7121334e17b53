package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/leadflow/internal/api/dto"
	"github.com/cuongbtq/leadflow/internal/service"
	"github.com/cuongbtq/leadflow/internal/storage"
)

// idempotencyKey prefers the header over the body field
func idempotencyKey(c *gin.Context, body string) string {
	if key := strings.TrimSpace(c.GetHeader("X-Idempotency-Key")); key != "" {
		return key
	}
	return body
}

// EnqueueSearch handles POST /api/v1/jobs/search
func (h *JobHandler) EnqueueSearch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	req, err := service.DecodeSearchRequest(body)
	if err != nil {
		writeError(c, h.logger, "Invalid request body", err)
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	receipt, err := h.service.EnqueueSearch(c.Request.Context(), accountID(c), req)
	if err != nil {
		writeError(c, h.logger, "Failed to enqueue search job", err)
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dto.EnqueueSearchResponse{
		JobID:                    receipt.Job.ID,
		Status:                   receipt.Job.Status,
		EstimatedDurationSeconds: int64(receipt.EstimatedDuration.Seconds()),
		QueuePosition:            receipt.QueuePosition,
		Duplicate:                receipt.Duplicate,
	})
}

// EnqueueOutreach handles POST /api/v1/jobs/outreach
func (h *JobHandler) EnqueueOutreach(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	req, err := service.DecodeOutreachRequest(body)
	if err != nil {
		writeError(c, h.logger, "Invalid request body", err)
		return
	}
	req.IdempotencyKey = idempotencyKey(c, req.IdempotencyKey)

	receipt, err := h.service.EnqueueOutreach(c.Request.Context(), accountID(c), req)
	if err != nil {
		writeError(c, h.logger, "Failed to enqueue outreach job", err)
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dto.EnqueueOutreachResponse{
		JobID:     receipt.Job.ID,
		LeadID:    req.LeadID,
		Status:    receipt.Job.Status,
		Schedule:  dto.NewStageDTOs(receipt.Job.Stages),
		Duplicate: receipt.Duplicate,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	status, err := h.service.GetJob(c.Request.Context(), accountID(c), jobID)
	if err != nil {
		writeError(c, h.logger, "Failed to get job", err)
		return
	}

	resp := dto.JobStatusResponse{
		JobDTO:        dto.NewJobDTO(status.Job),
		CurrentStep:   status.CurrentStep,
		QueuePosition: status.QueuePosition,
	}
	if status.TimeRemaining != nil {
		secs := int64(status.TimeRemaining.Seconds())
		resp.TimeRemainingSeconds = &secs
	}
	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, next, err := h.service.ListJobs(c.Request.Context(), storage.JobFilter{
		AccountID: accountID(c),
		Kind:      req.Kind,
		Status:    strings.ToUpper(req.Status),
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		writeError(c, h.logger, "Failed to list jobs", err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}
	if next != nil {
		resp.NextCursor = EncodeJobCursor(next)
	}
	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancelling a terminal job is a no-op that reports its status
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.service.CancelJob(c.Request.Context(), accountID(c), jobID)
	if err != nil {
		writeError(c, h.logger, "Failed to cancel job", err)
		return
	}

	c.JSON(http.StatusOK, dto.CancelJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}
