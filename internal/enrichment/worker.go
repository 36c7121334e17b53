// Package enrichment turns unverified candidates into leads through the enrichment
// provider, in small leased batches.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/integration/credentials"
	"github.com/cuongbtq/leadflow/internal/metrics"
	"github.com/cuongbtq/leadflow/internal/storage"
)

// Enricher is the external ownership/contact lookup
type Enricher interface {
	Enrich(ctx context.Context, apiKey string, candidate *domain.Candidate) (domain.Enrichment, error)
}

// CredentialResolver resolves the account's enrichment API key
type CredentialResolver interface {
	Resolve(ctx context.Context, accountID, service string) (credentials.Credential, error)
}

// Outcomes recorded per candidate
const (
	OutcomePromoted     = "promoted"
	OutcomeRetry        = "retry"
	OutcomeUnenrichable = "unenrichable"
	OutcomeReleased     = "released"
)

// Options controls batch size, concurrency and the retry policy
type Options struct {
	BatchSize      int
	Workers        int
	LeaseDuration  time.Duration
	RequestTimeout time.Duration

	// MaxAttempts is the number of failed passes after which a candidate is unenrichable
	MaxAttempts int
	// RetryDelay is how long a failed candidate waits before it can be claimed again
	RetryDelay time.Duration

	// TransientRetries is the number of in-pass retries of a transient failure
	TransientRetries int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	// RateLimitRPS is a global limit across all workers. Set to <=0 to disable.
	RateLimitRPS float64
	Burst        int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Minute
	}
	if o.TransientRetries < 0 {
		o.TransientRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Worker enriches one batch of candidates per RunOnce
type Worker struct {
	logger     *slog.Logger
	opts       Options
	limiter    *rate.Limiter
	candidates storage.CandidateStore
	leads      storage.LeadStore
	creds      CredentialResolver
	enricher   Enricher
}

// NewWorker creates an enrichment worker. The rate limiter is shared by every pass of
// the worker.
func NewWorker(logger *slog.Logger, opts Options, candidates storage.CandidateStore, leads storage.LeadStore, creds CredentialResolver, enricher Enricher) *Worker {
	opts = opts.withDefaults()

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.Burst)
	}

	return &Worker{
		logger:     logger,
		opts:       opts,
		limiter:    limiter,
		candidates: candidates,
		leads:      leads,
		creds:      creds,
		enricher:   enricher,
	}
}

// Name identifies the pass in logs and metrics
func (w *Worker) Name() string { return "enrichment" }

// RunOnce claims a batch of candidates and enriches them concurrently. It reports whether
// any candidate was claimed. A failed candidate is held back for RetryDelay, so a drain
// counts at most one attempt per candidate. Per-candidate failures are recorded on the
// candidate; only store failures are returned.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	batch, err := w.candidates.ClaimBatch(ctx, w.opts.BatchSize, w.opts.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("failed to claim candidates: %w", err)
	}
	if len(batch) == 0 {
		return false, nil
	}

	w.logger.Info("Enriching candidates", slog.Int("batch", len(batch)))

	g := new(errgroup.Group)
	g.SetLimit(w.opts.Workers)
	for _, c := range batch {
		g.Go(func() error {
			return w.process(ctx, c)
		})
	}
	return true, g.Wait()
}

func (w *Worker) process(ctx context.Context, c *domain.Candidate) error {
	logger := w.logger.With(
		slog.String("candidate_id", c.ID),
		slog.String("account_id", c.AccountID),
	)

	cred, err := w.creds.Resolve(ctx, c.AccountID, credentials.ServiceEnrichment)
	if err != nil {
		return w.recordFailure(ctx, c, err, logger)
	}

	enrichment, err := w.enrichWithRetry(ctx, cred.APIKey, c)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; the attempt does not count
			if relErr := w.candidates.Release(context.WithoutCancel(ctx), c.ID); relErr != nil {
				logger.Warn("Failed to release candidate", slog.String("error", relErr.Error()))
			}
			metrics.RecordEnrichment(OutcomeReleased)
			return nil
		}
		metrics.RecordIntegrationError("enrichment")
		return w.recordFailure(ctx, c, err, logger)
	}

	lead, created, err := w.leads.Promote(ctx, domain.PromoteToLead(c, enrichment))
	if err != nil {
		return fmt.Errorf("failed to promote candidate %s: %w", c.ID, err)
	}
	if err := w.candidates.MarkVerified(ctx, c.ID, lead.ID); err != nil {
		return fmt.Errorf("failed to mark candidate %s verified: %w", c.ID, err)
	}
	metrics.RecordEnrichment(OutcomePromoted)

	logger.Info("Candidate promoted",
		slog.String("lead_id", lead.ID),
		slog.Bool("created", created),
	)
	return nil
}

func (w *Worker) recordFailure(ctx context.Context, c *domain.Candidate, cause error, logger *slog.Logger) error {
	stored, err := w.candidates.RecordFailure(ctx, c.ID, cause.Error(), w.opts.MaxAttempts, w.opts.RetryDelay)
	if err != nil {
		return fmt.Errorf("failed to record enrichment failure of %s: %w", c.ID, err)
	}

	if stored.Unenrichable {
		metrics.RecordEnrichment(OutcomeUnenrichable)
		logger.Warn("Candidate marked unenrichable",
			slog.Int("attempts", stored.EnrichAttempts),
			slog.String("error", cause.Error()))
		return nil
	}

	metrics.RecordEnrichment(OutcomeRetry)
	logger.Warn("Candidate enrichment failed",
		slog.Int("attempts", stored.EnrichAttempts),
		slog.Int("max_attempts", w.opts.MaxAttempts),
		slog.Duration("retry_after", w.opts.RetryDelay),
		slog.String("error", cause.Error()))
	return nil
}

func (w *Worker) enrichWithRetry(ctx context.Context, apiKey string, c *domain.Candidate) (domain.Enrichment, error) {
	var lastErr error
	attempts := 1 + w.opts.TransientRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Enrichment{}, err
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return domain.Enrichment{}, err
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, w.opts.RequestTimeout)
		res, err := w.enricher.Enrich(reqCtx, apiKey, c)
		cancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return domain.Enrichment{}, ctx.Err()
		}

		lastErr = err
		if !isTransient(err) || attempt == attempts-1 {
			return domain.Enrichment{}, err
		}

		t := time.NewTimer(backoffSleep(w.opts.BackoffInitial, w.opts.BackoffMax, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return domain.Enrichment{}, ctx.Err()
		}
	}
	return domain.Enrichment{}, lastErr
}

func isTransient(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// backoffSleep doubles initial per attempt up to max and applies +/-20% jitter
func backoffSleep(initial, max time.Duration, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	j := 1 + (rand.Float64()*2-1)*0.2
	return time.Duration(float64(sleep) * j)
}
