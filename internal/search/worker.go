// Package search runs search-collection jobs: it calls the search provider for each
// (service, location) pair of a job and upserts the results as candidates.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/integration/credentials"
	"github.com/cuongbtq/leadflow/internal/integration/searchapi"
	"github.com/cuongbtq/leadflow/internal/metrics"
	"github.com/cuongbtq/leadflow/internal/storage"
)

// Searcher is the external search provider
type Searcher interface {
	Search(ctx context.Context, apiKey string, target domain.Target) ([]searchapi.Place, error)
}

// CredentialResolver resolves the account's search API key
type CredentialResolver interface {
	Resolve(ctx context.Context, accountID, service string) (credentials.Credential, error)
}

// Config holds search worker configuration
type Config struct {
	Logger            *slog.Logger
	WorkerID          string
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	RetryBackoff      time.Duration
}

// Worker processes one search job per RunOnce
type Worker struct {
	logger            *slog.Logger
	workerID          string
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	retryBackoff      time.Duration

	jobs       storage.JobStore
	candidates storage.CandidateStore
	creds      CredentialResolver
	searcher   Searcher
}

// NewWorker creates a search worker
func NewWorker(cfg *Config, jobs storage.JobStore, candidates storage.CandidateStore, creds CredentialResolver, searcher Searcher) *Worker {
	return &Worker{
		logger:            cfg.Logger,
		workerID:          cfg.WorkerID,
		leaseDuration:     cfg.LeaseDuration,
		heartbeatInterval: cfg.HeartbeatInterval,
		requestTimeout:    cfg.RequestTimeout,
		retryBackoff:      cfg.RetryBackoff,
		jobs:              jobs,
		candidates:        candidates,
		creds:             creds,
		searcher:          searcher,
	}
}

// Name identifies the pass in logs and metrics
func (w *Worker) Name() string { return "search" }

// RunOnce claims at most one pending search job and runs it to completion, failure or
// loss of the claim. It reports whether a job was claimed. Only store failures are
// returned as errors; upstream failures are recorded on the job.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNext(ctx, domain.JobKindSearch, w.workerID, w.leaseDuration)
	if err != nil {
		if errors.Is(err, domain.ErrNoJobAvailable) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim search job: %w", err)
	}
	metrics.RecordJobClaimed(job.Kind)

	logger := w.logger.With(
		slog.String("job_id", job.ID),
		slog.String("account_id", job.AccountID),
	)
	logger.Info("Processing search job",
		slog.Int("pairs", job.TotalPairs()),
		slog.Int("cursor", job.Cursor),
		slog.Int("retry_count", job.RetryCount),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, cancel, job.ID, heartbeatDone, logger)
	defer close(heartbeatDone)

	return true, w.process(jobCtx, job, logger)
}

func (w *Worker) process(ctx context.Context, job *domain.Job, logger *slog.Logger) error {
	if job.Search == nil {
		return w.fail(ctx, job, domain.ErrInvalidPayload.Error(), logger)
	}

	cred, err := w.creds.Resolve(ctx, job.AccountID, credentials.ServiceSearch)
	if err != nil {
		return w.fail(ctx, job, err.Error(), logger)
	}

	targets := job.Search.Targets
	quantity := job.Search.Quantity
	collected := job.Collected
	cursor := job.Cursor

	for cursor < len(targets) {
		if quantity > 0 && collected >= quantity {
			break
		}
		if ctx.Err() != nil {
			logger.Warn("Search job claim lost, stopping", slog.Int("cursor", cursor))
			return nil
		}

		target := targets[cursor]
		places, err := w.search(ctx, cred.APIKey, target)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("Search job claim lost, stopping", slog.Int("cursor", cursor))
				return nil
			}
			metrics.RecordIntegrationError("search")
			msg := fmt.Sprintf("pair %d (%s in %s): %v", cursor+1, target.Service, target.Location, err)
			return w.fail(ctx, job, msg, logger)
		}

		for _, place := range places {
			if quantity > 0 && collected >= quantity {
				break
			}
			_, created, err := w.candidates.Upsert(ctx, toCandidate(job, target, place))
			if err != nil {
				if isDataError(err) {
					logger.Warn("Skipping search result",
						slog.String("name", place.Name),
						slog.String("error", err.Error()))
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to upsert candidate: %w", err)
			}
			metrics.RecordCandidate(created)
			// rediscovered businesses do not count toward the quantity
			if created {
				collected++
			}
		}

		cursor++
		progress := storage.Progress{
			Percent:   cursor * 100 / len(targets),
			Message:   fmt.Sprintf("processed %d of %d pairs, %d candidates", cursor, len(targets), collected),
			Cursor:    cursor,
			Collected: collected,
		}
		if err := w.jobs.UpdateProgress(ctx, job.ID, w.workerID, progress); err != nil {
			var stale *domain.StaleClaimError
			if errors.As(err, &stale) {
				logger.Warn("Search job no longer held, stopping", slog.String("status", stale.Status))
				return nil
			}
			return fmt.Errorf("failed to update progress: %w", err)
		}
	}

	result := &domain.JobResult{CandidateCount: collected, PairsProcessed: cursor}
	if err := w.jobs.Complete(ctx, job.ID, w.workerID, result); err != nil {
		var stale *domain.StaleClaimError
		if errors.As(err, &stale) {
			logger.Warn("Search job no longer held at completion", slog.String("status", stale.Status))
			return nil
		}
		return fmt.Errorf("failed to complete search job: %w", err)
	}
	metrics.RecordJobFinished(job.Kind, domain.JobStatusCompleted)

	logger.Info("Search job completed",
		slog.Int("candidates", collected),
		slog.Int("pairs_processed", cursor),
	)
	return nil
}

func (w *Worker) search(ctx context.Context, apiKey string, target domain.Target) ([]searchapi.Place, error) {
	reqCtx := ctx
	if w.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, w.requestTimeout)
		defer cancel()
	}
	return w.searcher.Search(reqCtx, apiKey, target)
}

// fail records an upstream failure on the job and lets the retry policy decide. The cursor
// is kept, so a retry resumes at the pair that failed.
func (w *Worker) fail(ctx context.Context, job *domain.Job, msg string, logger *slog.Logger) error {
	stored, err := w.jobs.Fail(ctx, job.ID, w.workerID, msg, w.retryBackoff)
	if err != nil {
		var stale *domain.StaleClaimError
		if errors.As(err, &stale) {
			logger.Warn("Search job no longer held at failure", slog.String("status", stale.Status))
			return nil
		}
		return fmt.Errorf("failed to record search job failure: %w", err)
	}
	metrics.RecordJobFinished(job.Kind, stored.Status)

	logger.Error("Search job failed",
		slog.String("error", msg),
		slog.String("status", stored.Status),
		slog.Int("retry_count", stored.RetryCount),
		slog.Int("max_retries", stored.MaxRetries),
	)
	return nil
}

// sendJobHeartbeat extends the lease until done is closed. Losing the claim cancels the
// job context so the pass stops issuing work for a job another worker now owns.
func (w *Worker) sendJobHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID string, done <-chan struct{}, logger *slog.Logger) {
	if w.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.jobs.Heartbeat(ctx, jobID, w.workerID, w.leaseDuration)
			if err == nil {
				logger.Debug("Job heartbeat updated")
				continue
			}
			var stale *domain.StaleClaimError
			if errors.As(err, &stale) {
				logger.Warn("Job heartbeat rejected, claim lost", slog.String("status", stale.Status))
				cancel()
				return
			}
			logger.Warn("Failed to update job heartbeat", slog.String("error", err.Error()))
		}
	}
}

func toCandidate(job *domain.Job, target domain.Target, place searchapi.Place) *domain.Candidate {
	return &domain.Candidate{
		AccountID:   job.AccountID,
		Name:        strings.TrimSpace(place.Name),
		Location:    target.Location,
		Service:     target.Service,
		Address:     strings.TrimSpace(place.Address),
		Phone:       strings.TrimSpace(place.Phone),
		Website:     strings.TrimSpace(place.Website),
		Email:       strings.TrimSpace(place.Email),
		Rating:      place.Rating,
		ReviewCount: place.ReviewCount,
		SourceJobID: job.ID,
	}
}

func isDataError(err error) bool {
	var verr *domain.ValidationError
	return errors.As(err, &verr)
}
