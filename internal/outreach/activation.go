package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/metrics"
)

// ActivationPass hands pending outreach jobs over to their leads
type ActivationPass struct {
	s *Scheduler
}

// Activation returns the pass that activates pending outreach jobs
func (s *Scheduler) Activation() *ActivationPass {
	return &ActivationPass{s: s}
}

// Name identifies the pass in logs and metrics
func (p *ActivationPass) Name() string { return "activation" }

// RunOnce activates up to ActivationBatch pending outreach jobs
func (p *ActivationPass) RunOnce(ctx context.Context) (bool, error) {
	n, err := p.s.ActivatePending(ctx)
	return n > 0, err
}

// ActivatePending claims pending outreach jobs, starts the sequence on each job's lead and
// moves ownership of the job to the lead. From then on the job stays RUNNING without a
// lease until the sequence completes, fails or stops.
func (s *Scheduler) ActivatePending(ctx context.Context) (int, error) {
	activated := 0
	for activated < s.opts.ActivationBatch {
		if ctx.Err() != nil {
			return activated, nil
		}

		job, err := s.jobs.ClaimNext(ctx, domain.JobKindOutreach, s.opts.WorkerID, s.opts.JobLease)
		if err != nil {
			if errors.Is(err, domain.ErrNoJobAvailable) {
				return activated, nil
			}
			return activated, fmt.Errorf("failed to claim outreach job: %w", err)
		}
		metrics.RecordJobClaimed(job.Kind)

		if err := s.activate(ctx, job); err != nil {
			return activated, err
		}
		activated++
	}
	return activated, nil
}

func (s *Scheduler) activate(ctx context.Context, job *domain.Job) error {
	logger := s.logger.With(
		slog.String("job_id", job.ID),
		slog.String("account_id", job.AccountID),
	)

	if job.Outreach == nil {
		return s.failActivation(ctx, job, domain.ErrInvalidPayload.Error(), logger)
	}

	lead, err := s.leads.Get(ctx, job.AccountID, job.Outreach.LeadID)
	if err != nil {
		if errors.Is(err, domain.ErrLeadNotFound) {
			return s.failActivation(ctx, job, fmt.Sprintf("lead %s not found", job.Outreach.LeadID), logger)
		}
		return fmt.Errorf("failed to load lead of job %s: %w", job.ID, err)
	}

	if reason, stop := lead.StopCondition(); stop {
		logger.Info("Lead cannot receive outreach, closing job", slog.String("reason", reason))
		if err := s.jobs.Complete(ctx, job.ID, s.opts.WorkerID, &domain.JobResult{StopReason: reason}); err != nil {
			logger.Warn("Failed to complete outreach job", slog.String("error", err.Error()))
		}
		return nil
	}

	startStep := job.Outreach.StartStep
	fireAt := s.now()
	if startStep >= 1 && startStep <= len(job.Stages) {
		fireAt = job.Stages[startStep-1].ScheduledAt
	}

	if _, err := s.leads.Activate(ctx, lead.ID, job.ID, startStep, fireAt); err != nil {
		if errors.Is(err, domain.ErrOutreachActive) {
			return s.failActivation(ctx, job, fmt.Sprintf("lead %s: %v", lead.ID, err), logger)
		}
		return fmt.Errorf("failed to activate lead %s: %w", lead.ID, err)
	}

	if err := s.jobs.Handoff(ctx, job.ID, s.opts.WorkerID, domain.LeadOwner(lead.ID)); err != nil {
		var stale *domain.StaleClaimError
		if !errors.As(err, &stale) {
			return fmt.Errorf("failed to hand off job %s: %w", job.ID, err)
		}
		// cancelled while activating: undo the activation
		logger.Warn("Outreach job no longer held at handoff", slog.String("status", stale.Status))
		if _, err := s.leads.Stop(ctx, lead.ID, domain.StopReasonManual); err != nil && !errors.Is(err, domain.ErrOutreachInactive) {
			return fmt.Errorf("failed to stop lead %s: %w", lead.ID, err)
		}
		return nil
	}

	logger.Info("Outreach sequence activated",
		slog.String("lead_id", lead.ID),
		slog.Int("start_step", startStep),
		slog.Time("next_fire_at", fireAt),
	)
	return nil
}

func (s *Scheduler) failActivation(ctx context.Context, job *domain.Job, msg string, logger *slog.Logger) error {
	stored, err := s.jobs.Fail(ctx, job.ID, s.opts.WorkerID, msg, 0)
	if err != nil {
		logger.Warn("Failed to fail outreach job", slog.String("error", err.Error()))
		return nil
	}
	metrics.RecordJobFinished(stored.Kind, stored.Status)
	logger.Error("Outreach job activation failed",
		slog.String("error", msg),
		slog.String("status", stored.Status))
	return nil
}
