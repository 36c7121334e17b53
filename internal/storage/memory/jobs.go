// Package memory provides in-memory stores for tests and single-process development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/storage"
)

var _ storage.JobStore = (*JobStore)(nil)

// Option configures an in-memory store
type Option func(*clock)

type clock struct {
	now func() time.Time
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

func newClock(opts []Option) clock {
	c := clock{now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// JobStore is a mutex-guarded implementation of storage.JobStore
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	clock clock
}

// NewJobStore creates an empty in-memory job store
func NewJobStore(opts ...Option) *JobStore {
	return &JobStore{
		jobs:  make(map[string]*domain.Job),
		clock: newClock(opts),
	}
}

// Enqueue inserts a pending job
func (s *JobStore) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.IdempotencyKey != "" {
		for _, existing := range s.jobs {
			if existing.AccountID == job.AccountID && existing.IdempotencyKey == job.IdempotencyKey {
				return existing.Clone(), domain.ErrDuplicateJob
			}
		}
	}

	now := s.clock.now()
	stored := job.Clone()
	stored.ID = uuid.New().String()
	stored.Status = domain.JobStatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.AvailableAt = now
	s.jobs[stored.ID] = stored

	return stored.Clone(), nil
}

// Get returns a job visible to the account
func (s *JobStore) Get(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.AccountID != accountID {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// GetByID returns a job regardless of account
func (s *JobStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns jobs newest first, one past the page size so callers can detect more pages
func (s *JobStore) List(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if filter.AccountID != "" && job.AccountID != filter.AccountID {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if job.CreatedAt.After(c.CreatedAt) || (job.CreatedAt.Equal(c.CreatedAt) && job.ID >= c.JobID) {
				continue
			}
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}
	if len(out) > pageSize+1 {
		out = out[:pageSize+1]
	}
	return out, nil
}

// QueuePosition returns the job's place among pending jobs of its kind
func (s *JobStore) QueuePosition(ctx context.Context, job *domain.Job) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	if current.Status != domain.JobStatusPending {
		return 0, nil
	}

	pos := 1
	for _, other := range s.jobs {
		if other.ID == current.ID || other.Kind != current.Kind || other.Status != domain.JobStatusPending {
			continue
		}
		if ahead(other, current) {
			pos++
		}
	}
	return pos, nil
}

// ClaimNext claims the highest priority, oldest claimable job of kind
func (s *JobStore) ClaimNext(ctx context.Context, kind, workerID string, lease time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.now()
	var best *domain.Job
	for _, job := range s.jobs {
		if job.Kind != kind || !claimable(job, now) {
			continue
		}
		if best == nil || ahead(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, domain.ErrNoJobAvailable
	}

	if best.Status == domain.JobStatusRunning {
		best.ReclaimCount++
	}
	leaseUntil := now.Add(lease)
	best.Status = domain.JobStatusRunning
	best.WorkerID = workerID
	best.LeaseUntil = &leaseUntil
	best.LastHeartbeatAt = &now
	best.StartedAt = &now
	best.UpdatedAt = now

	return best.Clone(), nil
}

// Heartbeat extends the lease of a job still held by workerID
func (s *JobStore) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	now := s.clock.now()
	leaseUntil := now.Add(lease)
	job.LeaseUntil = &leaseUntil
	job.LastHeartbeatAt = &now
	job.UpdatedAt = now
	return nil
}

// UpdateProgress records monotonic progress of a job held by workerID
func (s *JobStore) UpdateProgress(ctx context.Context, jobID, workerID string, p storage.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	job.ProgressPercent = max(job.ProgressPercent, domain.ClampPercent(p.Percent))
	job.Cursor = max(job.Cursor, p.Cursor)
	job.Collected = max(job.Collected, p.Collected)
	if p.Message != "" {
		job.ProgressMessage = p.Message
	}
	job.UpdatedAt = s.clock.now()
	return nil
}

// Handoff transfers a running job to owner without a lease
func (s *JobStore) Handoff(ctx context.Context, jobID, workerID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}

	job.WorkerID = owner
	job.LeaseUntil = nil
	job.UpdatedAt = s.clock.now()
	return nil
}

// Complete marks a job completed. A job that is already terminal is left unchanged.
func (s *JobStore) Complete(ctx context.Context, jobID, workerID string, result *domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if domain.IsTerminalJobStatus(job.Status) {
		return nil
	}
	if job.Status != domain.JobStatusRunning || job.WorkerID != workerID {
		return &domain.StaleClaimError{JobID: jobID, WorkerID: workerID, Status: job.Status}
	}

	now := s.clock.now()
	job.Status = domain.JobStatusCompleted
	job.ProgressPercent = 100
	job.LeaseUntil = nil
	job.CompletedAt = &now
	job.UpdatedAt = now
	if result != nil {
		r := *result
		job.Result = &r
	}
	return nil
}

// Fail records a failed attempt and applies the retry policy
func (s *JobStore) Fail(ctx context.Context, jobID, workerID, errMsg string, retryDelay time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if domain.IsTerminalJobStatus(job.Status) {
		return job.Clone(), nil
	}
	if job.Status != domain.JobStatusRunning || job.WorkerID != workerID {
		return nil, &domain.StaleClaimError{JobID: jobID, WorkerID: workerID, Status: job.Status}
	}

	now := s.clock.now()
	job.ErrorMessage = errMsg
	job.WorkerID = ""
	job.LeaseUntil = nil
	job.UpdatedAt = now
	if job.RetryCount < job.MaxRetries {
		job.Status = domain.JobStatusPending
		job.RetryCount++
		job.AvailableAt = now.Add(retryDelay)
	} else {
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &now
	}
	return job.Clone(), nil
}

// Cancel moves a non-terminal job to CANCELED. Terminal jobs are returned unchanged.
func (s *JobStore) Cancel(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.AccountID != accountID {
		return nil, domain.ErrJobNotFound
	}
	if !domain.IsTerminalJobStatus(job.Status) {
		now := s.clock.now()
		job.Status = domain.JobStatusCanceled
		job.LeaseUntil = nil
		job.CompletedAt = &now
		job.UpdatedAt = now
	}
	return job.Clone(), nil
}

// ReapExpired fails abandoned jobs that may not be reclaimed again
func (s *JobStore) ReapExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.now()
	n := 0
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusRunning || !leaseExpired(job, now) || job.ReclaimCount <= job.MaxRetries {
			continue
		}
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = reapMessage
		job.LeaseUntil = nil
		job.CompletedAt = &now
		job.UpdatedAt = now
		n++
	}
	return n, nil
}

// MarkStage updates one stage entry of an outreach job
func (s *JobStore) MarkStage(ctx context.Context, jobID string, upd domain.StageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if upd.Step < 1 || upd.Step > len(job.Stages) {
		return fmt.Errorf("stage %d out of range", upd.Step)
	}

	entry := &job.Stages[upd.Step-1]
	if entry.Status == domain.StageStatusSent {
		return domain.ErrStageAlreadySent
	}
	entry.Status = upd.Status
	if upd.SentAt != nil {
		t := *upd.SentAt
		entry.SentAt = &t
	}
	if upd.MessageID != "" {
		entry.MessageID = upd.MessageID
	}
	entry.Error = upd.Error

	if upd.NextStep >= 1 && upd.NextStep <= len(job.Stages) {
		job.Stages[upd.NextStep-1].ScheduledAt = upd.NextScheduledAt
	}
	job.UpdatedAt = s.clock.now()
	return nil
}

func (s *JobStore) owned(jobID, workerID string) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusRunning || job.WorkerID != workerID {
		return nil, &domain.StaleClaimError{JobID: jobID, WorkerID: workerID, Status: job.Status}
	}
	return job, nil
}

const reapMessage = "lease expired after reclaim budget was spent"

func claimable(job *domain.Job, now time.Time) bool {
	switch job.Status {
	case domain.JobStatusPending:
		return !job.AvailableAt.After(now)
	case domain.JobStatusRunning:
		return leaseExpired(job, now) && job.ReclaimCount <= job.MaxRetries
	}
	return false
}

func leaseExpired(job *domain.Job, now time.Time) bool {
	return job.LeaseUntil != nil && job.LeaseUntil.Before(now)
}

// ahead reports whether a is served before b: higher priority first, then older first.
func ahead(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
