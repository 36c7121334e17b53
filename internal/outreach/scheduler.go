// Package outreach advances leads through the seven-stage email sequence.
//
// The stage to send is always derived from the lead's confirmed automated sends
// (domain.NextStep), never from a stored cursor, and the history append is a
// compare-and-append guarded by the sent count observed before the send. A pass that
// crashed between sending and recording therefore recomputes the same stage, and two
// overlapping passes cannot both record the same stage.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/integration/settings"
	"github.com/cuongbtq/leadflow/internal/integration/templates"
	"github.com/cuongbtq/leadflow/internal/metrics"
	"github.com/cuongbtq/leadflow/internal/storage"
)

// TemplateProvider renders the message of one stage
type TemplateProvider interface {
	Render(ctx context.Context, accountID string, step int, vars map[string]string) (templates.Rendered, error)
}

// Transport delivers a message and returns its message id once the relay accepted it
type Transport interface {
	Send(ctx context.Context, msg domain.Message) (string, error)
}

// AccountSettings resolves the immutable per-account settings
type AccountSettings interface {
	Account(ctx context.Context, accountID string) (settings.Account, error)
}

// Options configures the scheduler
type Options struct {
	WorkerID string

	// BatchSize bounds the due leads handled by one pass
	BatchSize int
	// ClaimLease is how long a pass holds a lead
	ClaimLease  time.Duration
	SendTimeout time.Duration

	// RetryDelay is the wait before retrying a failed send
	RetryDelay      time.Duration
	MaxSendFailures int

	// ActivationBatch bounds the outreach jobs activated by one pass
	ActivationBatch int
	JobLease        time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 2 * time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 15 * time.Minute
	}
	if o.MaxSendFailures <= 0 {
		o.MaxSendFailures = 3
	}
	if o.ActivationBatch <= 0 {
		o.ActivationBatch = 50
	}
	if o.JobLease <= 0 {
		o.JobLease = time.Minute
	}
	return o
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs scheduler passes and the manual outreach operations
type Scheduler struct {
	logger    *slog.Logger
	opts      Options
	jobs      storage.JobStore
	leads     storage.LeadStore
	templates TemplateProvider
	transport Transport
	settings  AccountSettings
	now       func() time.Time
}

// NewScheduler creates an outreach scheduler
func NewScheduler(
	logger *slog.Logger,
	opts Options,
	jobs storage.JobStore,
	leads storage.LeadStore,
	templates TemplateProvider,
	transport Transport,
	settings AccountSettings,
	options ...Option,
) *Scheduler {
	s := &Scheduler{
		logger:    logger,
		opts:      opts.withDefaults(),
		jobs:      jobs,
		leads:     leads,
		templates: templates,
		transport: transport,
		settings:  settings,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Name identifies the pass in logs and metrics
func (s *Scheduler) Name() string { return "outreach" }

// RunOnce runs one scheduler pass
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	n, err := s.RunPass(ctx)
	return n > 0, err
}

// RunPass advances every due lead by at most one stage and returns how many leads it
// acted on. Per-lead failures are recorded on the lead; only store failures abort the pass.
func (s *Scheduler) RunPass(ctx context.Context) (int, error) {
	due, err := s.leads.DueLeads(ctx, s.now(), s.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to select due leads: %w", err)
	}

	acted := 0
	for _, lead := range due {
		if ctx.Err() != nil {
			return acted, nil
		}
		ok, err := s.advance(ctx, lead.ID)
		if err != nil {
			return acted, err
		}
		if ok {
			acted++
		}
	}
	return acted, nil
}

// advance handles one due lead under a lead claim
func (s *Scheduler) advance(ctx context.Context, leadID string) (bool, error) {
	lead, err := s.leads.Claim(ctx, leadID, s.opts.ClaimLease)
	if err != nil {
		if errors.Is(err, domain.ErrLeadBusy) || errors.Is(err, domain.ErrLeadNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim lead %s: %w", leadID, err)
	}
	defer s.release(ctx, leadID)

	logger := s.logger.With(
		slog.String("lead_id", lead.ID),
		slog.String("account_id", lead.AccountID),
		slog.String("job_id", lead.OutreachJobID),
	)

	if reason, stop := lead.StopCondition(); stop {
		return true, s.halt(ctx, lead, reason, logger)
	}

	step := lead.NextStep()
	if step > domain.StageCount {
		return true, s.halt(ctx, lead, domain.StopReasonSequenceEnded, logger)
	}

	account, err := s.settings.Account(ctx, lead.AccountID)
	if err != nil {
		logger.Error("Failed to resolve account settings", slog.String("error", err.Error()))
		return false, nil
	}

	msg, err := s.render(ctx, lead, account, step)
	if err != nil {
		logger.Warn("Skipping lead this pass, stage could not be rendered",
			slog.Int("step", step),
			slog.String("error", err.Error()))
		return false, nil
	}

	expected := domain.SentCount(lead.History, lead.OutreachJobID)
	messageID, sendErr := s.send(ctx, msg)
	if sendErr != nil {
		return true, s.recordFailure(ctx, lead, step, sendErr, logger)
	}
	return true, s.recordSent(ctx, lead, account, step, expected, messageID, logger)
}

func (s *Scheduler) render(ctx context.Context, lead *domain.Lead, account settings.Account, step int) (domain.Message, error) {
	rendered, err := s.templates.Render(ctx, lead.AccountID, step, account.Variables(lead.Variables()))
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		AccountID: lead.AccountID,
		LeadID:    lead.ID,
		Step:      step,
		Stage:     domain.StageName(step),
		To:        lead.Email,
		ToName:    lead.OwnerName,
		From:      account.SenderEmail,
		FromName:  account.SenderName,
		Subject:   rendered.Subject,
		Body:      rendered.Body,
		HTML:      rendered.HTML,
	}, nil
}

func (s *Scheduler) send(ctx context.Context, msg domain.Message) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	return s.transport.Send(sendCtx, msg)
}

// recordSent appends the confirmed send, schedules the next stage and mirrors the outcome
// into the job's schedule. The final stage deactivates the lead and completes the job.
func (s *Scheduler) recordSent(ctx context.Context, lead *domain.Lead, account settings.Account, step, expected int, messageID string, logger *slog.Logger) error {
	// an in-flight send is recorded even if the caller is shutting down
	ctx = context.WithoutCancel(ctx)

	sentAt := s.now()
	finished := step == domain.StageCount
	sent := domain.SentAppend{
		Entry: domain.HistoryEntry{
			JobID:     lead.OutreachJobID,
			Step:      step,
			Stage:     domain.StageName(step),
			SentAt:    sentAt,
			Status:    domain.StageStatusSent,
			MessageID: messageID,
		},
		ExpectedSent: expected,
		CurrentStep:  step,
		CurrentStage: domain.StageName(step),
		Finished:     finished,
	}
	upd := domain.StageUpdate{
		Step:      step,
		Status:    domain.StageStatusSent,
		SentAt:    &sentAt,
		MessageID: messageID,
	}
	if !finished {
		next := sentAt.Add(account.Timing.Delay(step + 1))
		sent.NextFireAt = &next
		sent.CurrentStep = step + 1
		sent.CurrentStage = domain.StageName(step + 1)
		upd.NextStep = step + 1
		upd.NextScheduledAt = next
	}

	updated, err := s.leads.AppendSent(ctx, lead.ID, sent)
	if err != nil {
		if errors.Is(err, domain.ErrStageAlreadySent) {
			logger.Warn("Stage already recorded by another pass", slog.Int("step", step))
			return nil
		}
		return fmt.Errorf("failed to record sent stage of lead %s: %w", lead.ID, err)
	}
	metrics.RecordStageSent(sent.Entry.Stage, false)

	logger.Info("Stage sent",
		slog.Int("step", step),
		slog.String("stage", sent.Entry.Stage),
		slog.String("message_id", messageID),
		slog.Bool("outreach_active", updated.OutreachActive),
	)

	s.markStage(ctx, lead.OutreachJobID, upd, logger)

	if finished {
		result := &domain.JobResult{
			StagesSent: domain.SentCount(updated.History, lead.OutreachJobID),
			StopReason: domain.StopReasonSequenceEnded,
		}
		s.completeJob(ctx, lead, result, logger)
	}
	return nil
}

// recordFailure counts a failed send without touching history. Once the bound is reached
// the lead stops with a reason and the job fails.
func (s *Scheduler) recordFailure(ctx context.Context, lead *domain.Lead, step int, sendErr error, logger *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	metrics.RecordSendFailure()

	updated, err := s.leads.RecordFailure(ctx, lead.ID, domain.SendFailure{
		Error:       sendErr.Error(),
		RetryAt:     s.now().Add(s.opts.RetryDelay),
		MaxFailures: s.opts.MaxSendFailures,
	})
	if err != nil {
		return fmt.Errorf("failed to record send failure of lead %s: %w", lead.ID, err)
	}

	logger.Warn("Stage send failed",
		slog.Int("step", step),
		slog.Int("failure_count", updated.FailureCount),
		slog.Int("max_send_failures", s.opts.MaxSendFailures),
		slog.Bool("transient", domain.IsTransient(sendErr)),
		slog.String("error", sendErr.Error()),
	)

	s.markStage(ctx, lead.OutreachJobID, domain.StageUpdate{
		Step:   step,
		Status: domain.StageStatusFailed,
		Error:  sendErr.Error(),
	}, logger)

	if !updated.OutreachActive && updated.StopReason == domain.StopReasonSendFailures {
		metrics.RecordOutreachStopped(updated.StopReason)
		msg := fmt.Sprintf("stage %d: %d consecutive send failures: %v", step, updated.FailureCount, sendErr)
		stored, err := s.jobs.Fail(ctx, lead.OutreachJobID, domain.LeadOwner(lead.ID), msg, 0)
		if err != nil {
			logger.Warn("Failed to fail outreach job", slog.String("error", err.Error()))
			return nil
		}
		metrics.RecordJobFinished(stored.Kind, stored.Status)
	}
	return nil
}

// halt stops outreach on a lead found in a stop condition and cancels its job
func (s *Scheduler) halt(ctx context.Context, lead *domain.Lead, reason string, logger *slog.Logger) error {
	stopped, err := s.leads.Stop(ctx, lead.ID, reason)
	if err != nil && !errors.Is(err, domain.ErrOutreachInactive) {
		return fmt.Errorf("failed to stop lead %s: %w", lead.ID, err)
	}
	metrics.RecordOutreachStopped(reason)
	logger.Info("Outreach stopped", slog.String("reason", reason))

	if reason == domain.StopReasonSequenceEnded {
		history := lead.History
		if stopped != nil {
			history = stopped.History
		}
		s.completeJob(ctx, lead, &domain.JobResult{
			StagesSent: domain.SentCount(history, lead.OutreachJobID),
			StopReason: reason,
		}, logger)
		return nil
	}
	s.cancelJob(ctx, lead.AccountID, lead.OutreachJobID, logger)
	return nil
}

func (s *Scheduler) completeJob(ctx context.Context, lead *domain.Lead, result *domain.JobResult, logger *slog.Logger) {
	if lead.OutreachJobID == "" {
		return
	}
	err := s.jobs.Complete(ctx, lead.OutreachJobID, domain.LeadOwner(lead.ID), result)
	if err != nil {
		logger.Warn("Failed to complete outreach job", slog.String("error", err.Error()))
		return
	}
	metrics.RecordJobFinished(domain.JobKindOutreach, domain.JobStatusCompleted)
}

func (s *Scheduler) cancelJob(ctx context.Context, accountID, jobID string, logger *slog.Logger) {
	if jobID == "" {
		return
	}
	if _, err := s.jobs.Cancel(ctx, accountID, jobID); err != nil {
		logger.Warn("Failed to cancel outreach job", slog.String("error", err.Error()))
		return
	}
	metrics.RecordJobFinished(domain.JobKindOutreach, domain.JobStatusCanceled)
}

func (s *Scheduler) markStage(ctx context.Context, jobID string, upd domain.StageUpdate, logger *slog.Logger) {
	if jobID == "" {
		return
	}
	if err := s.jobs.MarkStage(ctx, jobID, upd); err != nil {
		logger.Warn("Failed to mirror stage into job",
			slog.Int("step", upd.Step),
			slog.String("error", err.Error()))
	}
}

func (s *Scheduler) release(ctx context.Context, leadID string) {
	if err := s.leads.Release(context.WithoutCancel(ctx), leadID); err != nil {
		s.logger.Warn("Failed to release lead claim",
			slog.String("lead_id", leadID),
			slog.String("error", err.Error()))
	}
}
