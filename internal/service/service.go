// Package service implements the status and control operations behind the HTTP API:
// enqueueing jobs, reading job and lead outreach state, and the manual lead operations.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/integration/settings"
	"github.com/cuongbtq/leadflow/internal/storage"
	"github.com/cuongbtq/leadflow/shared/rabbitmq"
)

// Publisher announces job events to the workers
type Publisher interface {
	PublishJobEvent(ctx context.Context, event rabbitmq.JobEvent) error
}

// LeadControl runs the manual outreach operations
type LeadControl interface {
	Stop(ctx context.Context, accountID, leadID string) (*domain.Lead, error)
	Resend(ctx context.Context, accountID, leadID string) (*domain.Lead, domain.HistoryEntry, error)
	MarkReplied(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error)
	SetStatus(ctx context.Context, accountID, leadID, status string) (*domain.Lead, error)
	Reschedule(ctx context.Context, accountID, leadID string, at time.Time) (*domain.Lead, error)
}

// AccountSettings resolves the per-account timing table
type AccountSettings interface {
	Account(ctx context.Context, accountID string) (settings.Account, error)
}

// Exporter renders leads as a workbook
type Exporter interface {
	LeadsXLSX(ctx context.Context, filter storage.LeadFilter) ([]byte, error)
}

// Config holds the service settings
type Config struct {
	Logger *slog.Logger

	// EstimatePerPair is the expected processing time of one (service, location) pair
	EstimatePerPair time.Duration
	// MaxRetries is the retry budget of search jobs that do not set one
	MaxRetries int

	Now func() time.Time
}

// Service is the status/control surface
type Service struct {
	logger          *slog.Logger
	estimatePerPair time.Duration
	maxRetries      int
	now             func() time.Time

	jobs      storage.JobStore
	leads     storage.LeadStore
	control   LeadControl
	accounts  AccountSettings
	exporter  Exporter
	publisher Publisher
}

// New creates a Service. publisher may be nil when wake events are disabled.
func New(
	cfg *Config,
	jobs storage.JobStore,
	leads storage.LeadStore,
	control LeadControl,
	accounts AccountSettings,
	exporter Exporter,
	publisher Publisher,
) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	estimate := cfg.EstimatePerPair
	if estimate <= 0 {
		estimate = 20 * time.Second
	}
	return &Service{
		logger:          logger,
		estimatePerPair: estimate,
		maxRetries:      cfg.MaxRetries,
		now:             now,
		jobs:            jobs,
		leads:           leads,
		control:         control,
		accounts:        accounts,
		exporter:        exporter,
		publisher:       publisher,
	}
}

func (s *Service) publish(ctx context.Context, job *domain.Job, reason string) {
	if s.publisher == nil {
		return
	}
	event := rabbitmq.JobEvent{
		JobID:     job.ID,
		AccountID: job.AccountID,
		Kind:      job.Kind,
		Reason:    reason,
		At:        s.now().UTC(),
	}
	// the store is the source of truth; a lost wake event only delays the next pass
	if err := s.publisher.PublishJobEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish job event",
			slog.String("job_id", job.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
	}
}
