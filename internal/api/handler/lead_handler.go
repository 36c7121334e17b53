package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/leadflow/internal/api/dto"
	"github.com/cuongbtq/leadflow/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// CreateLead handles POST /api/v1/leads
func (h *LeadHandler) CreateLead(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	req, err := service.DecodeCreateLeadRequest(body)
	if err != nil {
		writeError(c, h.logger, "Invalid request body", err)
		return
	}

	lead, err := h.service.CreateLead(c.Request.Context(), accountID(c), req)
	if err != nil {
		writeError(c, h.logger, "Failed to create lead", err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewLeadDTO(lead))
}

// GetOutreach handles GET /api/v1/leads/:lead_id/outreach
func (h *LeadHandler) GetOutreach(c *gin.Context) {
	leadID, ok := h.leadID(c)
	if !ok {
		return
	}

	summary, err := h.service.LeadOutreach(c.Request.Context(), accountID(c), leadID)
	if err != nil {
		writeError(c, h.logger, "Failed to get lead outreach", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewLeadOutreachResponse(summary))
}

// StopOutreach handles POST /api/v1/leads/:lead_id/outreach/stop
func (h *LeadHandler) StopOutreach(c *gin.Context) {
	leadID, ok := h.leadID(c)
	if !ok {
		return
	}

	summary, err := h.service.StopOutreach(c.Request.Context(), accountID(c), leadID)
	if err != nil {
		writeError(c, h.logger, "Failed to stop outreach", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewLeadOutreachResponse(summary))
}

// ResendStage handles POST /api/v1/leads/:lead_id/outreach/resend
func (h *LeadHandler) ResendStage(c *gin.Context) {
	leadID, ok := h.leadID(c)
	if !ok {
		return
	}

	summary, entry, err := h.service.ResendStage(c.Request.Context(), accountID(c), leadID)
	if err != nil {
		writeError(c, h.logger, "Failed to resend stage", err)
		return
	}
	c.JSON(http.StatusOK, dto.ResendResponse{
		Entry:    dto.NewHistoryDTO(entry),
		Outreach: dto.NewLeadOutreachResponse(summary),
	})
}

// Reschedule handles PATCH /api/v1/leads/:lead_id/outreach/schedule
func (h *LeadHandler) Reschedule(c *gin.Context) {
	leadID, ok := h.leadID(c)
	if !ok {
		return
	}

	var req dto.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	summary, err := h.service.RescheduleLead(c.Request.Context(), accountID(c), leadID, req.NextFireAt)
	if err != nil {
		writeError(c, h.logger, "Failed to reschedule outreach", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewLeadOutreachResponse(summary))
}

// MarkReplied handles POST /api/v1/leads/:lead_id/replied
// The body is optional; without replied_at the reply is recorded now.
func (h *LeadHandler) MarkReplied(c *gin.Context) {
	leadID, ok := h.leadID(c)
	if !ok {
		return
	}

	var req dto.MarkRepliedRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	var at time.Time
	if req.RepliedAt != nil {
		at = *req.RepliedAt
	}

	summary, err := h.service.MarkReplied(c.Request.Context(), accountID(c), leadID, at)
	if err != nil {
		writeError(c, h.logger, "Failed to mark lead replied", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewLeadOutreachResponse(summary))
}

// SetStatus handles PATCH /api/v1/leads/:lead_id/status
func (h *LeadHandler) SetStatus(c *gin.Context) {
	leadID, ok := h.leadID(c)
	if !ok {
		return
	}

	var req dto.SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	summary, err := h.service.SetLeadStatus(c.Request.Context(), accountID(c), leadID, req.Status)
	if err != nil {
		writeError(c, h.logger, "Failed to set lead status", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewLeadOutreachResponse(summary))
}

// Export handles GET /api/v1/leads/export
func (h *LeadHandler) Export(c *gin.Context) {
	data, err := h.service.ExportLeads(c.Request.Context(), accountID(c), c.Query("status"))
	if err != nil {
		writeError(c, h.logger, "Failed to export leads", err)
		return
	}

	filename := fmt.Sprintf("leads-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, xlsxContentType, data)
}

func (h *LeadHandler) leadID(c *gin.Context) (string, bool) {
	leadID := c.Param("lead_id")
	if _, err := uuid.Parse(leadID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "lead_id must be a valid UUID",
		})
		return "", false
	}
	return leadID, true
}
