package outreach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/metrics"
)

// Stop halts the lead's running sequence and cancels its job
func (s *Scheduler) Stop(ctx context.Context, accountID, leadID string) (*domain.Lead, error) {
	if _, err := s.leads.Get(ctx, accountID, leadID); err != nil {
		return nil, err
	}

	lead, err := s.leads.Stop(ctx, leadID, domain.StopReasonManual)
	if err != nil {
		return lead, err
	}
	metrics.RecordOutreachStopped(domain.StopReasonManual)

	logger := s.logger.With(slog.String("lead_id", leadID), slog.String("job_id", lead.OutreachJobID))
	logger.Info("Outreach stopped", slog.String("reason", domain.StopReasonManual))
	s.cancelJob(ctx, accountID, lead.OutreachJobID, logger)
	return lead, nil
}

// Resend sends the last automatically sent stage of the current sequence again. The
// history entry is flagged manual, so it never counts toward the next stage. It bypasses
// the already-sent guard and does not touch the failure counter or the next fire time.
func (s *Scheduler) Resend(ctx context.Context, accountID, leadID string) (*domain.Lead, domain.HistoryEntry, error) {
	lead, err := s.leads.Get(ctx, accountID, leadID)
	if err != nil {
		return nil, domain.HistoryEntry{}, err
	}

	last, ok := domain.LastSent(lead.History, lead.OutreachJobID)
	if lead.OutreachJobID == "" || !ok {
		return nil, domain.HistoryEntry{}, domain.ErrNothingToResend
	}

	account, err := s.settings.Account(ctx, accountID)
	if err != nil {
		return nil, domain.HistoryEntry{}, fmt.Errorf("failed to resolve account settings: %w", err)
	}

	msg, err := s.render(ctx, lead, account, last.Step)
	if err != nil {
		return nil, domain.HistoryEntry{}, err
	}

	messageID, err := s.send(ctx, msg)
	if err != nil {
		metrics.RecordSendFailure()
		return nil, domain.HistoryEntry{}, err
	}

	entry := domain.HistoryEntry{
		JobID:     lead.OutreachJobID,
		Step:      last.Step,
		Stage:     last.Stage,
		SentAt:    s.now(),
		Status:    domain.StageStatusSent,
		MessageID: messageID,
		Manual:    true,
	}
	updated, err := s.leads.AppendManual(context.WithoutCancel(ctx), leadID, entry)
	if err != nil {
		return nil, domain.HistoryEntry{}, fmt.Errorf("failed to record manual resend: %w", err)
	}
	metrics.RecordStageSent(entry.Stage, true)

	s.logger.Info("Stage resent manually",
		slog.String("lead_id", leadID),
		slog.Int("step", entry.Step),
		slog.String("message_id", messageID))
	return updated, entry, nil
}

// MarkReplied records an inbound reply. A running sequence stops and its job is cancelled.
func (s *Scheduler) MarkReplied(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.haltingUpdate(ctx, accountID, leadID, func() (*domain.Lead, error) {
		return s.leads.MarkReplied(ctx, accountID, leadID, at)
	})
}

// SetStatus changes the CRM status. Statuses handled by a human stop the sequence.
func (s *Scheduler) SetStatus(ctx context.Context, accountID, leadID, status string) (*domain.Lead, error) {
	return s.haltingUpdate(ctx, accountID, leadID, func() (*domain.Lead, error) {
		return s.leads.SetStatus(ctx, accountID, leadID, status)
	})
}

// Reschedule moves the next fire time of a running sequence
func (s *Scheduler) Reschedule(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error) {
	lead, err := s.leads.Reschedule(ctx, accountID, leadID, at)
	if err != nil {
		return nil, err
	}

	step := lead.NextStep()
	if step <= domain.StageCount {
		s.markStage(ctx, lead.OutreachJobID, domain.StageUpdate{
			Step:            step,
			Status:          domain.StageStatusPending,
			NextStep:        step,
			NextScheduledAt: at,
		}, s.logger.With(slog.String("lead_id", leadID)))
	}
	return lead, nil
}

// haltingUpdate applies update and cancels the outreach job when the update stopped a
// running sequence.
func (s *Scheduler) haltingUpdate(ctx context.Context, accountID, leadID string, update func() (*domain.Lead, error)) (*domain.Lead, error) {
	before, err := s.leads.Get(ctx, accountID, leadID)
	if err != nil {
		return nil, err
	}

	after, err := update()
	if err != nil {
		return nil, err
	}

	if before.OutreachActive && !after.OutreachActive {
		metrics.RecordOutreachStopped(after.StopReason)
		logger := s.logger.With(slog.String("lead_id", leadID), slog.String("job_id", after.OutreachJobID))
		logger.Info("Outreach stopped", slog.String("reason", after.StopReason))
		s.cancelJob(ctx, accountID, after.OutreachJobID, logger)
	}
	return after, nil
}
