package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/leadflow/internal/storage"
)

// Reaper fails or reclaims running jobs whose worker stopped heartbeating
type Reaper struct {
	logger *slog.Logger
	jobs   storage.JobStore
}

// NewReaper creates the reaper pass
func NewReaper(logger *slog.Logger, jobs storage.JobStore) *Reaper {
	return &Reaper{logger: logger, jobs: jobs}
}

// Name identifies the pass in logs and metrics
func (r *Reaper) Name() string { return "reaper" }

// RunOnce reaps every expired lease in one call, so it never asks to be run again
func (r *Reaper) RunOnce(ctx context.Context) (bool, error) {
	n, err := r.jobs.ReapExpired(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reap expired jobs: %w", err)
	}
	if n > 0 {
		r.logger.Warn("Reaped jobs with expired leases", slog.Int("count", n))
	}
	return false, nil
}
