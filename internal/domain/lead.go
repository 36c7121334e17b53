package domain

import (
	"strings"
	"time"
)

// HistoryEntry is one append-only record of a lead's outreach history
type HistoryEntry struct {
	JobID     string    `json:"job_id"`
	Step      int       `json:"step"`
	Stage     string    `json:"stage"`
	SentAt    time.Time `json:"sent_at"`
	Status    string    `json:"status"`
	MessageID string    `json:"message_id,omitempty"`
	Manual    bool      `json:"manual,omitempty"`
}

// Lead is a promoted, CRM-visible contact and its outreach state
type Lead struct {
	ID             string
	AccountID      string
	CandidateID    string
	Name           string
	OwnerName      string
	Email          string
	Phone          string
	Website        string
	Location       string
	Service        string
	Status         string
	OutreachActive bool
	OutreachJobID  string
	StartStep      int
	CurrentStage   string
	CurrentStep    int
	NextFireAt     *time.Time
	History        []HistoryEntry
	FailureCount   int
	TotalFailures  int
	LastError      string
	StopReason     string
	RepliedAt      *time.Time
	ClaimedUntil   *time.Time
	ArchivedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SentCount returns the number of confirmed automated sends recorded for a sequence.
// Manual resends are excluded so they never move the sequence forward.
func SentCount(history []HistoryEntry, jobID string) int {
	n := 0
	for _, h := range history {
		if h.Status == StageStatusSent && !h.Manual && h.JobID == jobID {
			n++
		}
	}
	return n
}

// NextStep derives the step to send next from confirmed history rather than from a stored
// cursor, so a pass that crashed between sending and advancing recomputes the right stage.
// A result greater than StageCount means the sequence is finished.
func NextStep(history []HistoryEntry, jobID string, startStep int) int {
	if startStep < 1 {
		startStep = 1
	}
	return startStep + SentCount(history, jobID)
}

// LastSent returns the most recent automated sent entry of a sequence
func LastSent(history []HistoryEntry, jobID string) (HistoryEntry, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Status == StageStatusSent && !h.Manual && h.JobID == jobID {
			return h, true
		}
	}
	return HistoryEntry{}, false
}

// NextStep returns the step this lead's current sequence sends next
func (l *Lead) NextStep() int {
	return NextStep(l.History, l.OutreachJobID, l.StartStep)
}

// SequenceFinished reports whether all stages of the current sequence were sent
func (l *Lead) SequenceFinished() bool {
	return l.OutreachJobID != "" && l.NextStep() > StageCount
}

// Due reports whether the scheduler should act on this lead at now
func (l *Lead) Due(now time.Time) bool {
	return l.OutreachActive && l.NextFireAt != nil && !l.NextFireAt.After(now)
}

// StopCondition returns the reason outreach must halt before the next send, if any
func (l *Lead) StopCondition() (string, bool) {
	if l.RepliedAt != nil {
		return StopReasonReplied, true
	}
	if HaltsOutreach(l.Status) {
		return StopReasonStatus, true
	}
	return "", false
}

// Variables returns the lead fields available to message templates
func (l *Lead) Variables() map[string]string {
	first := strings.TrimSpace(l.OwnerName)
	if i := strings.IndexByte(first, ' '); i > 0 {
		first = first[:i]
	}
	return map[string]string{
		"lead_name":   l.Name,
		"owner_name":  l.OwnerName,
		"first_name":  first,
		"lead_email":  l.Email,
		"lead_phone":  l.Phone,
		"website":     l.Website,
		"location":    l.Location,
		"service":     l.Service,
		"lead_status": l.Status,
	}
}

// Clone returns a deep copy of the lead
func (l *Lead) Clone() *Lead {
	c := *l
	c.History = append([]HistoryEntry(nil), l.History...)
	c.NextFireAt = cloneTime(l.NextFireAt)
	c.RepliedAt = cloneTime(l.RepliedAt)
	c.ClaimedUntil = cloneTime(l.ClaimedUntil)
	c.ArchivedAt = cloneTime(l.ArchivedAt)
	return &c
}

// SentAppend describes a confirmed automated send to record on a lead
type SentAppend struct {
	Entry HistoryEntry
	// ExpectedSent is the automated sent count observed before the send; the append only
	// applies while the stored count still matches.
	ExpectedSent int
	NextFireAt   *time.Time
	CurrentStep  int
	CurrentStage string
	Finished     bool
}

// SendFailure describes a failed transport attempt to record on a lead
type SendFailure struct {
	Error       string
	RetryAt     time.Time
	MaxFailures int
}

// LeadOwner returns the owner token an outreach job carries once its lead takes it over
func LeadOwner(leadID string) string {
	return "lead:" + leadID
}
