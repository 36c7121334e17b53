package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/leadflow/internal/metrics"
)

// runPass runs a single pass under the pass timeout and records its duration. A panic
// inside the pass is turned into an error so one bad pass cannot take the worker down.
func (w *Worker) runPass(ctx context.Context, p Pass) (more bool, err error) {
	passCtx := ctx
	if w.passTimeout > 0 {
		var cancel context.CancelFunc
		passCtx, cancel = context.WithTimeout(ctx, w.passTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			more, err = false, fmt.Errorf("pass %s panicked: %v", p.Name(), r)
		}
		took := time.Since(start)
		metrics.ObservePass(p.Name(), took, err)
		if more {
			w.logger.Debug("Pass completed",
				slog.String("pass", p.Name()),
				slog.Duration("took", took),
			)
		}
	}()

	return p.RunOnce(passCtx)
}
