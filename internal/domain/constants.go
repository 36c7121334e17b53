package domain

// Job status constants
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusCanceled  = "CANCELED"
)

// Job kinds
const (
	JobKindSearch   = "search_collection"
	JobKindOutreach = "outreach_sequence"
)

// Stage entry statuses
const (
	StageStatusPending = "pending"
	StageStatusSent    = "sent"
	StageStatusFailed  = "failed"
)

// Lead CRM statuses
const (
	LeadStatusActive    = "active"
	LeadStatusContacted = "contacted"
	LeadStatusReplied   = "replied"
	LeadStatusMeeting   = "meeting"
	LeadStatusDeal      = "deal"
	LeadStatusWon       = "won"
	LeadStatusLost      = "lost"
	LeadStatusArchived  = "archived"
)

// Stop reasons recorded on a lead when outreach halts
const (
	StopReasonManual        = "manual_stop"
	StopReasonReplied       = "lead_replied"
	StopReasonStatus        = "lead_status_changed"
	StopReasonSendFailures  = "send_failures_exceeded"
	StopReasonSequenceEnded = "sequence_completed"
)

// IsTerminalJobStatus reports whether a job status can no longer change.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// IsValidJobStatus reports whether status is one of the known job statuses.
func IsValidJobStatus(status string) bool {
	switch status {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// IsValidLeadStatus reports whether status is one of the known CRM statuses.
func IsValidLeadStatus(status string) bool {
	switch status {
	case LeadStatusActive, LeadStatusContacted, LeadStatusReplied, LeadStatusMeeting,
		LeadStatusDeal, LeadStatusWon, LeadStatusLost, LeadStatusArchived:
		return true
	}
	return false
}

// HaltsOutreach reports whether a lead in this CRM status must not receive automated mail.
// Replied leads and leads handed to a human (meeting, deal) or closed stop the sequence.
func HaltsOutreach(status string) bool {
	switch status {
	case LeadStatusReplied, LeadStatusMeeting, LeadStatusDeal, LeadStatusWon, LeadStatusLost, LeadStatusArchived:
		return true
	}
	return false
}
