package dto

import (
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/service"
)

type SetStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type MarkRepliedRequest struct {
	RepliedAt *time.Time `json:"replied_at"`
}

type RescheduleRequest struct {
	NextFireAt time.Time `json:"next_fire_at" binding:"required"`
}

type HistoryDTO struct {
	JobID     string    `json:"job_id"`
	Step      int       `json:"step"`
	Stage     string    `json:"stage"`
	SentAt    time.Time `json:"sent_at"`
	Status    string    `json:"status"`
	MessageID string    `json:"message_id,omitempty"`
	Manual    bool      `json:"manual,omitempty"`
}

type LeadDTO struct {
	LeadID    string `json:"lead_id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	OwnerName string `json:"owner_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Website   string `json:"website,omitempty"`
	Location  string `json:"location,omitempty"`
	Service   string `json:"service,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type LeadOutreachResponse struct {
	LeadID         string       `json:"lead_id"`
	Status         string       `json:"status"`
	OutreachActive bool         `json:"outreach_active"`
	OutreachJobID  string       `json:"outreach_job_id,omitempty"`
	CurrentStep    int          `json:"current_step"`
	CurrentStage   string       `json:"current_stage"`
	NextFireAt     *time.Time   `json:"next_fire_at"`
	SentCount      int          `json:"sent_count"`
	ManualCount    int          `json:"manual_count"`
	FailedCount    int          `json:"failed_count"`
	LastError      string       `json:"last_error,omitempty"`
	StopReason     string       `json:"stop_reason,omitempty"`
	Finished       bool         `json:"finished"`
	History        []HistoryDTO `json:"history"`
}

type ResendResponse struct {
	Entry    HistoryDTO           `json:"entry"`
	Outreach LeadOutreachResponse `json:"outreach"`
}

func NewLeadDTO(lead *domain.Lead) LeadDTO {
	return LeadDTO{
		LeadID:    lead.ID,
		AccountID: lead.AccountID,
		Name:      lead.Name,
		OwnerName: lead.OwnerName,
		Email:     lead.Email,
		Phone:     lead.Phone,
		Website:   lead.Website,
		Location:  lead.Location,
		Service:   lead.Service,
		Status:    lead.Status,
		CreatedAt: lead.CreatedAt.Format(time.RFC3339),
	}
}

func NewHistoryDTO(h domain.HistoryEntry) HistoryDTO {
	return HistoryDTO{
		JobID:     h.JobID,
		Step:      h.Step,
		Stage:     h.Stage,
		SentAt:    h.SentAt,
		Status:    h.Status,
		MessageID: h.MessageID,
		Manual:    h.Manual,
	}
}

func NewLeadOutreachResponse(s *service.LeadOutreach) LeadOutreachResponse {
	history := make([]HistoryDTO, len(s.Lead.History))
	for i, h := range s.Lead.History {
		history[i] = NewHistoryDTO(h)
	}
	return LeadOutreachResponse{
		LeadID:         s.Lead.ID,
		Status:         s.Lead.Status,
		OutreachActive: s.Active,
		OutreachJobID:  s.Lead.OutreachJobID,
		CurrentStep:    s.CurrentStep,
		CurrentStage:   s.CurrentStage,
		NextFireAt:     s.NextFireAt,
		SentCount:      s.SentCount,
		ManualCount:    s.ManualCount,
		FailedCount:    s.FailedCount,
		LastError:      s.Lead.LastError,
		StopReason:     s.StopReason,
		Finished:       s.Finished,
		History:        history,
	}
}
