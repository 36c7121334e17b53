package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Target is one (service, location) pair of a search-collection job
type Target struct {
	Service  string `json:"service"`
	Location string `json:"location"`
}

// SearchPayload is the payload of a search-collection job
type SearchPayload struct {
	Targets  []Target `json:"targets"`
	Quantity int      `json:"quantity"`
}

// OutreachPayload is the payload of an outreach-sequence job
type OutreachPayload struct {
	LeadID    string `json:"lead_id"`
	StartStep int    `json:"start_step"`
}

// JobResult is written when a job reaches a terminal status
type JobResult struct {
	CandidateCount int    `json:"candidate_count,omitempty"`
	PairsProcessed int    `json:"pairs_processed,omitempty"`
	StagesSent     int    `json:"stages_sent,omitempty"`
	StopReason     string `json:"stop_reason,omitempty"`
}

// Job is one queued unit of work. Exactly one of Search or Outreach is set, matching Kind.
type Job struct {
	ID              string
	AccountID       string
	Kind            string
	Status          string
	Priority        int
	IdempotencyKey  string
	RetryCount      int
	MaxRetries      int
	ReclaimCount    int
	WorkerID        string
	LeaseUntil      *time.Time
	LastHeartbeatAt *time.Time
	ProgressPercent int
	ProgressMessage string
	Cursor          int
	Collected       int
	ErrorMessage    string
	Result          *JobResult
	CreatedAt       time.Time
	UpdatedAt       time.Time
	AvailableAt     time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time

	Search   *SearchPayload
	Outreach *OutreachPayload
	Stages   []StageEntry
}

// NewSearchJob builds a pending search-collection job
func NewSearchJob(accountID string, targets []Target, quantity, priority, maxRetries int) *Job {
	return &Job{
		AccountID:  accountID,
		Kind:       JobKindSearch,
		Status:     JobStatusPending,
		Priority:   priority,
		MaxRetries: maxRetries,
		Search:     &SearchPayload{Targets: targets, Quantity: quantity},
	}
}

// NewOutreachJob builds a pending outreach-sequence job with its stage schedule
func NewOutreachJob(accountID, leadID string, startStep, priority, maxRetries int, stages []StageEntry) *Job {
	return &Job{
		AccountID:  accountID,
		Kind:       JobKindOutreach,
		Status:     JobStatusPending,
		Priority:   priority,
		MaxRetries: maxRetries,
		Outreach:   &OutreachPayload{LeadID: leadID, StartStep: startStep},
		Stages:     stages,
	}
}

// Validate checks the fields a job needs before it may be enqueued
func (j *Job) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(j.AccountID) == "" {
		verr.Add("account_id", "is required")
	}
	if j.MaxRetries < 0 {
		verr.Add("max_retries", "must not be negative")
	}

	switch j.Kind {
	case JobKindSearch:
		if j.Outreach != nil {
			verr.Add("payload", "search job must not carry an outreach payload")
		}
		if j.Search == nil || len(j.Search.Targets) == 0 {
			verr.Add("targets", "at least one (service, location) pair is required")
			break
		}
		for i, t := range j.Search.Targets {
			if strings.TrimSpace(t.Service) == "" {
				verr.Add(fmt.Sprintf("targets[%d].service", i), "is required")
			}
			if strings.TrimSpace(t.Location) == "" {
				verr.Add(fmt.Sprintf("targets[%d].location", i), "is required")
			}
		}
		if j.Search.Quantity < 0 {
			verr.Add("quantity", "must not be negative")
		}
	case JobKindOutreach:
		if j.Search != nil {
			verr.Add("payload", "outreach job must not carry a search payload")
		}
		if j.Outreach == nil || strings.TrimSpace(j.Outreach.LeadID) == "" {
			verr.Add("lead_id", "is required")
			break
		}
		if j.Outreach.StartStep < 1 || j.Outreach.StartStep > StageCount {
			verr.Add("start_step", fmt.Sprintf("must be between 1 and %d", StageCount))
		}
		if len(j.Stages) != StageCount {
			verr.Add("stages", fmt.Sprintf("schedule must have %d entries", StageCount))
		}
	case "":
		verr.Add("kind", "is required")
	default:
		verr.Add("kind", fmt.Sprintf("unknown job kind %q", j.Kind))
	}

	return verr.OrNil()
}

// TotalPairs returns the number of (service, location) pairs of a search job
func (j *Job) TotalPairs() int {
	if j.Search == nil {
		return 0
	}
	return len(j.Search.Targets)
}

// CurrentStep reports the step a job is working on: the next unprocessed pair for search
// jobs (1-based) and the first unsent stage for outreach jobs. Zero when finished.
func (j *Job) CurrentStep() int {
	switch j.Kind {
	case JobKindSearch:
		if j.Cursor >= j.TotalPairs() {
			return 0
		}
		return j.Cursor + 1
	case JobKindOutreach:
		for _, s := range j.Stages {
			if s.Status != StageStatusSent && (j.Outreach == nil || s.Step >= j.Outreach.StartStep) {
				return s.Step
			}
		}
	}
	return 0
}

// ApplyHistory marks the stages that lead history records as sent for this job. The
// stage mirror is written after history, so it can lag behind when that write fails.
func (j *Job) ApplyHistory(history []HistoryEntry) {
	for _, h := range history {
		if h.JobID != j.ID || h.Manual || h.Status != StageStatusSent {
			continue
		}
		for i := range j.Stages {
			s := &j.Stages[i]
			if s.Step != h.Step || s.Status == StageStatusSent {
				continue
			}
			sentAt := h.SentAt
			s.Status = StageStatusSent
			s.SentAt = &sentAt
			s.MessageID = h.MessageID
			s.Error = ""
		}
	}
}

// MarshalPayload encodes the kind-specific payload for storage
func (j *Job) MarshalPayload() ([]byte, error) {
	switch j.Kind {
	case JobKindSearch:
		return json.Marshal(j.Search)
	case JobKindOutreach:
		return json.Marshal(j.Outreach)
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, j.Kind)
}

// UnmarshalPayload decodes a stored payload into the variant matching Kind
func (j *Job) UnmarshalPayload(data []byte) error {
	switch j.Kind {
	case JobKindSearch:
		var p SearchPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		j.Search = &p
	case JobKindOutreach:
		var p OutreachPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		j.Outreach = &p
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, j.Kind)
	}
	return nil
}

// Clone returns a deep copy so stores can hand out jobs without sharing state
func (j *Job) Clone() *Job {
	c := *j
	if j.Search != nil {
		s := *j.Search
		s.Targets = append([]Target(nil), j.Search.Targets...)
		c.Search = &s
	}
	if j.Outreach != nil {
		o := *j.Outreach
		c.Outreach = &o
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	c.Stages = append([]StageEntry(nil), j.Stages...)
	c.LeaseUntil = cloneTime(j.LeaseUntil)
	c.LastHeartbeatAt = cloneTime(j.LastHeartbeatAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// ClampPercent bounds a progress value to [0,100]
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
