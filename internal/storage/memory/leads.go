package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

var _ storage.LeadStore = (*LeadStore)(nil)

// LeadStore is a mutex-guarded implementation of storage.LeadStore
type LeadStore struct {
	mu    sync.Mutex
	leads map[string]*domain.Lead
	clock clock
}

// NewLeadStore creates an empty in-memory lead store
func NewLeadStore(opts ...Option) *LeadStore {
	return &LeadStore{
		leads: make(map[string]*domain.Lead),
		clock: newClock(opts),
	}
}

// Create stores a manually entered lead
func (s *LeadStore) Create(ctx context.Context, lead *domain.Lead) (*domain.Lead, error) {
	if strings.TrimSpace(lead.Name) == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	if strings.TrimSpace(lead.AccountID) == "" {
		return nil, domain.NewValidationError("account_id", "is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.insert(lead)
	return stored.Clone(), nil
}

// Promote stores the lead for a candidate unless one already exists
func (s *LeadStore) Promote(ctx context.Context, lead *domain.Lead) (*domain.Lead, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.leads {
		if existing.AccountID == lead.AccountID && existing.CandidateID != "" && existing.CandidateID == lead.CandidateID {
			return existing.Clone(), false, nil
		}
	}

	stored := s.insert(lead)
	return stored.Clone(), true, nil
}

func (s *LeadStore) insert(lead *domain.Lead) *domain.Lead {
	now := s.clock.now()
	stored := lead.Clone()
	stored.ID = uuid.New().String()
	if stored.Status == "" {
		stored.Status = domain.LeadStatusActive
	}
	if stored.StartStep < 1 {
		stored.StartStep = 1
	}
	if stored.CurrentStep < 1 {
		stored.CurrentStep = stored.StartStep
	}
	stored.CurrentStage = domain.StageName(stored.CurrentStep)
	stored.OutreachActive = false
	stored.NextFireAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.leads[stored.ID] = stored
	return stored
}

// Get returns a lead visible to the account
func (s *LeadStore) Get(ctx context.Context, accountID, leadID string) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, err := s.scoped(accountID, leadID)
	if err != nil {
		return nil, err
	}
	return lead.Clone(), nil
}

// GetByID returns a lead regardless of account
func (s *LeadStore) GetByID(ctx context.Context, leadID string) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	return lead.Clone(), nil
}

// List returns matching leads newest first
func (s *LeadStore) List(ctx context.Context, filter storage.LeadFilter) ([]*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Lead
	for _, lead := range s.leads {
		if filter.AccountID != "" && lead.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && lead.Status != filter.Status {
			continue
		}
		if filter.OutreachActive != nil && lead.OutreachActive != *filter.OutreachActive {
			continue
		}
		out = append(out, lead.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DueLeads returns unclaimed active leads whose fire time has elapsed, earliest first
func (s *LeadStore) DueLeads(ctx context.Context, now time.Time, limit int) ([]*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Lead
	for _, lead := range s.leads {
		if !lead.Due(now) || claimedAt(lead, now) {
			continue
		}
		out = append(out, lead.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextFireAt.Before(*out[j].NextFireAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim leases a due lead for one scheduler pass
func (s *LeadStore) Claim(ctx context.Context, leadID string, lease time.Duration) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	now := s.clock.now()
	if !lead.Due(now) || claimedAt(lead, now) {
		return nil, domain.ErrLeadBusy
	}
	until := now.Add(lease)
	lead.ClaimedUntil = &until
	return lead.Clone(), nil
}

// Release drops a scheduler claim
func (s *LeadStore) Release(ctx context.Context, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return domain.ErrLeadNotFound
	}
	lead.ClaimedUntil = nil
	return nil
}

// Activate starts or resumes the sequence of jobID
func (s *LeadStore) Activate(ctx context.Context, leadID, jobID string, startStep int, nextFireAt time.Time) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	if lead.OutreachActive && lead.OutreachJobID != jobID {
		return nil, domain.ErrOutreachActive
	}

	step := domain.NextStep(lead.History, jobID, startStep)
	lead.OutreachActive = true
	lead.OutreachJobID = jobID
	lead.StartStep = startStep
	lead.CurrentStep = step
	lead.CurrentStage = domain.StageName(step)
	lead.NextFireAt = &nextFireAt
	lead.FailureCount = 0
	lead.LastError = ""
	lead.StopReason = ""
	lead.ClaimedUntil = nil
	lead.UpdatedAt = s.clock.now()
	return lead.Clone(), nil
}

// AppendSent records a confirmed automated send if no other pass recorded one first
func (s *LeadStore) AppendSent(ctx context.Context, leadID string, a domain.SentAppend) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	if lead.OutreachJobID != a.Entry.JobID || domain.SentCount(lead.History, a.Entry.JobID) != a.ExpectedSent {
		return nil, domain.ErrStageAlreadySent
	}

	lead.History = append(lead.History, a.Entry)
	lead.CurrentStep = a.CurrentStep
	lead.CurrentStage = a.CurrentStage
	lead.FailureCount = 0
	lead.LastError = ""
	if lead.Status == domain.LeadStatusActive {
		lead.Status = domain.LeadStatusContacted
	}

	active := lead.OutreachActive && !a.Finished
	if lead.OutreachActive && a.Finished {
		lead.StopReason = domain.StopReasonSequenceEnded
	}
	lead.OutreachActive = active
	lead.NextFireAt = nil
	if active && a.NextFireAt != nil {
		t := *a.NextFireAt
		lead.NextFireAt = &t
	}
	lead.UpdatedAt = s.clock.now()
	return lead.Clone(), nil
}

// AppendManual appends an operator-forced history entry
func (s *LeadStore) AppendManual(ctx context.Context, leadID string, entry domain.HistoryEntry) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	entry.Manual = true
	lead.History = append(lead.History, entry)
	lead.UpdatedAt = s.clock.now()
	return lead.Clone(), nil
}

// RecordFailure counts a failed send and either schedules a retry or stops the sequence
func (s *LeadStore) RecordFailure(ctx context.Context, leadID string, f domain.SendFailure) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	lead.FailureCount++
	lead.TotalFailures++
	lead.LastError = f.Error
	if lead.OutreachActive {
		if lead.FailureCount >= f.MaxFailures {
			lead.OutreachActive = false
			lead.NextFireAt = nil
			lead.StopReason = domain.StopReasonSendFailures
		} else {
			retryAt := f.RetryAt
			lead.NextFireAt = &retryAt
		}
	}
	lead.UpdatedAt = s.clock.now()
	return lead.Clone(), nil
}

// Stop deactivates outreach on the lead
func (s *LeadStore) Stop(ctx context.Context, leadID, reason string) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[leadID]
	if !ok {
		return nil, domain.ErrLeadNotFound
	}
	if !lead.OutreachActive {
		return lead.Clone(), domain.ErrOutreachInactive
	}
	s.stop(lead, reason)
	return lead.Clone(), nil
}

// SetStatus changes the CRM status. Statuses that hand the lead to a human stop outreach.
func (s *LeadStore) SetStatus(ctx context.Context, accountID, leadID, status string) (*domain.Lead, error) {
	if !domain.IsValidLeadStatus(status) {
		return nil, domain.NewValidationError("status", "unknown lead status "+status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lead, err := s.scoped(accountID, leadID)
	if err != nil {
		return nil, err
	}

	now := s.clock.now()
	lead.Status = status
	if status == domain.LeadStatusArchived {
		if lead.ArchivedAt == nil {
			lead.ArchivedAt = &now
		}
	} else {
		lead.ArchivedAt = nil
	}
	if lead.OutreachActive && domain.HaltsOutreach(status) {
		s.stop(lead, domain.StopReasonStatus)
	}
	lead.UpdatedAt = now
	return lead.Clone(), nil
}

// MarkReplied records an inbound reply and stops outreach
func (s *LeadStore) MarkReplied(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, err := s.scoped(accountID, leadID)
	if err != nil {
		return nil, err
	}

	lead.RepliedAt = &at
	if lead.Status == domain.LeadStatusActive || lead.Status == domain.LeadStatusContacted {
		lead.Status = domain.LeadStatusReplied
	}
	if lead.OutreachActive {
		s.stop(lead, domain.StopReasonReplied)
	}
	lead.UpdatedAt = s.clock.now()
	return lead.Clone(), nil
}

// Reschedule moves the next fire time of an active sequence
func (s *LeadStore) Reschedule(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, err := s.scoped(accountID, leadID)
	if err != nil {
		return nil, err
	}
	if !lead.OutreachActive {
		return nil, domain.ErrOutreachInactive
	}
	lead.NextFireAt = &at
	lead.UpdatedAt = s.clock.now()
	return lead.Clone(), nil
}

func (s *LeadStore) stop(lead *domain.Lead, reason string) {
	lead.OutreachActive = false
	lead.NextFireAt = nil
	lead.StopReason = reason
	lead.UpdatedAt = s.clock.now()
}

func (s *LeadStore) scoped(accountID, leadID string) (*domain.Lead, error) {
	lead, ok := s.leads[leadID]
	if !ok || lead.AccountID != accountID {
		return nil, domain.ErrLeadNotFound
	}
	return lead, nil
}

func claimedAt(lead *domain.Lead, now time.Time) bool {
	return lead.ClaimedUntil != nil && !lead.ClaimedUntil.Before(now)
}
