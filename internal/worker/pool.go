package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// spawnPassLoops starts one loop goroutine per pass
func (w *Worker) spawnPassLoops(ctx context.Context, g *errgroup.Group) {
	for i, p := range w.passes {
		// stagger the first runs so passes do not hit the store together
		offset := time.Duration(i) * w.interval / time.Duration(len(w.passes))
		g.Go(func() error {
			w.passLoop(ctx, p, offset)
			return nil
		})
	}
}

// passLoop is the main loop of one pass: drain, then wait for the ticker or a wake-up
func (w *Worker) passLoop(ctx context.Context, p Pass, offset time.Duration) {
	logger := w.logger.With(slog.String("pass", p.Name()))
	logger.Info("Pass loop started")

	if offset > 0 {
		select {
		case <-ctx.Done():
			logger.Info("Pass loop stopping - context canceled")
			return
		case <-time.After(offset):
		case <-w.wake[p.Name()]:
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.drain(ctx, p); err != nil && ctx.Err() == nil {
			logger.Error("Pass failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			logger.Info("Pass loop stopping - context canceled")
			return
		case <-ticker.C:
		case <-w.wake[p.Name()]:
			logger.Debug("Pass woken by job event")
		}
	}
}

// drain runs p until it reports no more work, fails, or ctx is canceled
func (w *Worker) drain(ctx context.Context, p Pass) error {
	for ctx.Err() == nil {
		more, err := w.runPass(ctx, p)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
