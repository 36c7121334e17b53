package dto

import (
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
)

type ListJobsRequest struct {
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type TargetDTO struct {
	Service  string `json:"service"`
	Location string `json:"location"`
}

type StageDTO struct {
	Step        int        `json:"step"`
	Stage       string     `json:"stage"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Status      string     `json:"status"`
	MessageID   string     `json:"message_id,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type JobDTO struct {
	JobID           string            `json:"job_id"`
	AccountID       string            `json:"account_id"`
	Kind            string            `json:"kind"`
	Status          string            `json:"status"`
	Priority        int               `json:"priority"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	ProgressPercent int               `json:"progress_percent"`
	ProgressMessage string            `json:"progress_message,omitempty"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	Error           string            `json:"error,omitempty"`
	Targets         []TargetDTO       `json:"targets,omitempty"`
	Quantity        int               `json:"quantity,omitempty"`
	Collected       int               `json:"collected,omitempty"`
	LeadID          string            `json:"lead_id,omitempty"`
	StartStep       int               `json:"start_step,omitempty"`
	Stages          []StageDTO        `json:"stages,omitempty"`
	Result          *domain.JobResult `json:"result,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
	StartedAt       string            `json:"started_at,omitempty"`
	CompletedAt     string            `json:"completed_at,omitempty"`
}

type JobStatusResponse struct {
	JobDTO
	CurrentStep          int    `json:"current_step"`
	QueuePosition        int    `json:"queue_position,omitempty"`
	TimeRemainingSeconds *int64 `json:"time_remaining_seconds,omitempty"`
}

type EnqueueSearchResponse struct {
	JobID                    string `json:"job_id"`
	Status                   string `json:"status"`
	EstimatedDurationSeconds int64  `json:"estimated_duration_seconds"`
	QueuePosition            int    `json:"queue_position"`
	Duplicate                bool   `json:"duplicate,omitempty"`
}

type EnqueueOutreachResponse struct {
	JobID     string     `json:"job_id"`
	LeadID    string     `json:"lead_id"`
	Status    string     `json:"status"`
	Schedule  []StageDTO `json:"schedule"`
	Duplicate bool       `json:"duplicate,omitempty"`
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// NewJobDTO flattens a job and its kind-specific payload
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:           job.ID,
		AccountID:       job.AccountID,
		Kind:            job.Kind,
		Status:          job.Status,
		Priority:        job.Priority,
		IdempotencyKey:  job.IdempotencyKey,
		ProgressPercent: job.ProgressPercent,
		ProgressMessage: job.ProgressMessage,
		RetryCount:      job.RetryCount,
		MaxRetries:      job.MaxRetries,
		Error:           job.ErrorMessage,
		Collected:       job.Collected,
		Result:          job.Result,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
		StartedAt:       formatTime(job.StartedAt),
		CompletedAt:     formatTime(job.CompletedAt),
	}
	if job.Search != nil {
		out.Quantity = job.Search.Quantity
		out.Targets = make([]TargetDTO, len(job.Search.Targets))
		for i, t := range job.Search.Targets {
			out.Targets[i] = TargetDTO{Service: t.Service, Location: t.Location}
		}
	}
	if job.Outreach != nil {
		out.LeadID = job.Outreach.LeadID
		out.StartStep = job.Outreach.StartStep
		out.Stages = NewStageDTOs(job.Stages)
	}
	return out
}

func NewStageDTOs(stages []domain.StageEntry) []StageDTO {
	out := make([]StageDTO, len(stages))
	for i, s := range stages {
		out[i] = StageDTO{
			Step:        s.Step,
			Stage:       s.Stage,
			ScheduledAt: s.ScheduledAt,
			SentAt:      s.SentAt,
			Status:      s.Status,
			MessageID:   s.MessageID,
			Error:       s.Error,
		}
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
