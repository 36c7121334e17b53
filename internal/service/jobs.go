package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/metrics"
	"github.com/cuongbtq/leadflow/internal/storage"
	"github.com/cuongbtq/leadflow/shared/rabbitmq"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Receipt is returned by the enqueue operations
type Receipt struct {
	Job               *domain.Job
	EstimatedDuration time.Duration
	QueuePosition     int
	// Duplicate is set when the idempotency key matched an earlier job, which is returned
	// instead of a new one.
	Duplicate bool
}

// JobStatus is a job with the fields derived for display
type JobStatus struct {
	Job           *domain.Job
	CurrentStep   int
	QueuePosition int
	TimeRemaining *time.Duration
}

// EnqueueSearch validates and enqueues a search-collection job
func (s *Service) EnqueueSearch(ctx context.Context, accountID string, req SearchRequest) (*Receipt, error) {
	maxRetries := s.maxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	targets := make([]domain.Target, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, domain.Target{
			Service:  strings.TrimSpace(t.Service),
			Location: strings.TrimSpace(t.Location),
		})
	}

	job := domain.NewSearchJob(accountID, targets, req.Quantity, req.Priority, maxRetries)
	job.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	receipt, err := s.enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	receipt.EstimatedDuration = time.Duration(len(targets)) * s.estimatePerPair
	return receipt, nil
}

// EnqueueOutreach builds the 7-entry schedule of a lead from the account timing table and
// enqueues the outreach-sequence job. The job carries no retry budget: send failures are
// bounded per lead by the scheduler.
func (s *Service) EnqueueOutreach(ctx context.Context, accountID string, req OutreachRequest) (*Receipt, error) {
	startStep := req.StartStep
	if startStep == 0 {
		startStep = 1
	}
	if startStep < 1 || startStep > domain.StageCount {
		return nil, domain.NewValidationError("start_step", fmt.Sprintf("must be between 1 and %d", domain.StageCount))
	}

	lead, err := s.leads.Get(ctx, accountID, req.LeadID)
	if err != nil {
		return nil, err
	}
	if reason, stop := lead.StopCondition(); stop {
		return nil, domain.NewValidationError("lead_id", "lead cannot receive outreach: "+reason)
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if lead.OutreachActive {
		return s.activeSequence(ctx, lead, key)
	}

	account, err := s.accounts.Account(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account settings: %w", err)
	}

	start := s.now()
	if req.StartAt != nil && req.StartAt.After(start) {
		start = *req.StartAt
	}

	job := domain.NewOutreachJob(accountID, lead.ID, startStep, req.Priority, 0,
		domain.BuildSchedule(start, startStep, account.Timing))
	job.IdempotencyKey = key

	receipt, err := s.enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	receipt.EstimatedDuration = job.Stages[domain.StageCount-1].ScheduledAt.Sub(start)
	return receipt, nil
}

// activeSequence answers an outreach request for a lead that already runs a sequence: a
// replay of the request that started it gets that job back, anything else is a conflict.
func (s *Service) activeSequence(ctx context.Context, lead *domain.Lead, key string) (*Receipt, error) {
	if key == "" {
		return nil, domain.ErrOutreachActive
	}
	job, err := s.jobs.Get(ctx, lead.AccountID, lead.OutreachJobID)
	if err != nil || job.IdempotencyKey != key {
		return nil, domain.ErrOutreachActive
	}
	return &Receipt{Job: job, Duplicate: true}, nil
}

func (s *Service) enqueue(ctx context.Context, job *domain.Job) (*Receipt, error) {
	stored, err := s.jobs.Enqueue(ctx, job)
	duplicate := errors.Is(err, domain.ErrDuplicateJob)
	if err != nil && !duplicate {
		return nil, err
	}

	position, err := s.jobs.QueuePosition(ctx, stored)
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue position: %w", err)
	}

	if duplicate {
		s.logger.Info("Enqueue matched an existing job",
			slog.String("job_id", stored.ID),
			slog.String("idempotency_key", stored.IdempotencyKey))
	} else {
		metrics.RecordJobEnqueued(stored.Kind)
		s.publish(ctx, stored, rabbitmq.ReasonEnqueued)
		s.logger.Info("Job enqueued",
			slog.String("job_id", stored.ID),
			slog.String("account_id", stored.AccountID),
			slog.String("kind", stored.Kind),
			slog.Int("priority", stored.Priority),
			slog.Int("queue_position", position))
	}

	return &Receipt{Job: stored, QueuePosition: position, Duplicate: duplicate}, nil
}

// GetJob returns a job of the account with its derived fields: queue position while
// pending, time remaining while running.
func (s *Service) GetJob(ctx context.Context, accountID, jobID string) (*JobStatus, error) {
	job, err := s.jobs.Get(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}

	if job.Kind == domain.JobKindOutreach && job.Outreach != nil {
		lead, err := s.leads.Get(ctx, accountID, job.Outreach.LeadID)
		switch {
		case err == nil:
			job.ApplyHistory(lead.History)
		case !errors.Is(err, domain.ErrLeadNotFound):
			return nil, fmt.Errorf("failed to load lead of job: %w", err)
		}
	}

	status := &JobStatus{Job: job, CurrentStep: job.CurrentStep()}
	switch job.Status {
	case domain.JobStatusPending:
		status.QueuePosition, err = s.jobs.QueuePosition(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("failed to compute queue position: %w", err)
		}
	case domain.JobStatusRunning:
		remaining := s.timeRemaining(job)
		status.TimeRemaining = &remaining
	}
	return status, nil
}

// timeRemaining estimates the unprocessed pairs of a search job, and the time until the
// last scheduled stage of an outreach job.
func (s *Service) timeRemaining(job *domain.Job) time.Duration {
	switch job.Kind {
	case domain.JobKindSearch:
		left := job.TotalPairs() - job.Cursor
		if left < 0 {
			left = 0
		}
		return time.Duration(left) * s.estimatePerPair
	case domain.JobKindOutreach:
		if len(job.Stages) == 0 {
			return 0
		}
		if d := job.Stages[len(job.Stages)-1].ScheduledAt.Sub(s.now()); d > 0 {
			return d
		}
	}
	return 0
}

// ListJobs returns one page of the account's jobs, newest first, and the cursor of the
// next page when there is one.
func (s *Service) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*domain.Job, *storage.JobCursor, error) {
	if filter.Status != "" && !domain.IsValidJobStatus(filter.Status) {
		return nil, nil, domain.NewValidationError("status", "unknown job status "+filter.Status)
	}
	if filter.Kind != "" && filter.Kind != domain.JobKindSearch && filter.Kind != domain.JobKindOutreach {
		return nil, nil, domain.NewValidationError("kind", "unknown job kind "+filter.Kind)
	}
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}

	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) <= filter.PageSize {
		return jobs, nil, nil
	}
	jobs = jobs[:filter.PageSize]
	last := jobs[len(jobs)-1]
	return jobs, &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}, nil
}

// CancelJob cancels a job. Terminal jobs are returned unchanged. Cancelling a running
// outreach job also stops the lead's sequence; a send already in flight is still recorded.
func (s *Service) CancelJob(ctx context.Context, accountID, jobID string) (*domain.Job, error) {
	before, err := s.jobs.Get(ctx, accountID, jobID)
	if err != nil {
		return nil, err
	}
	if domain.IsTerminalJobStatus(before.Status) {
		return before, nil
	}

	job, err := s.jobs.Cancel(ctx, accountID, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	metrics.RecordJobFinished(job.Kind, job.Status)

	if job.Kind == domain.JobKindOutreach && job.Outreach != nil {
		s.stopSequence(ctx, job)
	}

	s.publish(ctx, job, rabbitmq.ReasonCanceled)
	s.logger.Info("Job cancelled",
		slog.String("job_id", job.ID),
		slog.String("account_id", accountID),
		slog.String("previous_status", before.Status))
	return job, nil
}

func (s *Service) stopSequence(ctx context.Context, job *domain.Job) {
	lead, err := s.leads.Get(ctx, job.AccountID, job.Outreach.LeadID)
	if err != nil || !lead.OutreachActive || lead.OutreachJobID != job.ID {
		return
	}
	if _, err := s.control.Stop(ctx, job.AccountID, lead.ID); err != nil && !errors.Is(err, domain.ErrOutreachInactive) {
		s.logger.Warn("Failed to stop outreach of cancelled job",
			slog.String("job_id", job.ID),
			slog.String("lead_id", lead.ID),
			slog.String("error", err.Error()))
	}
}
