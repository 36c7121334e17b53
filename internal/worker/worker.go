// Package worker drives the background passes of the worker service. Each pass runs in
// its own loop on a ticker and can be woken early by job events from RabbitMQ.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Pass is one unit of background work. RunOnce reports whether it found work, in which
// case the loop runs it again immediately.
type Pass interface {
	Name() string
	RunOnce(ctx context.Context) (bool, error)
}

// Subscriber delivers job events
type Subscriber interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	WorkerID    string
	Interval    time.Duration
	PassTimeout time.Duration
	// Subscriber is optional; without it passes only run on the ticker
	Subscriber Subscriber
}

// Worker represents the background job worker
type Worker struct {
	logger      *slog.Logger
	workerID    string
	interval    time.Duration
	passTimeout time.Duration
	subscriber  Subscriber

	passes []Pass
	wake   map[string]chan struct{}
}

// NewWorker creates a new worker instance running passes
func NewWorker(cfg *Config, passes ...Pass) *Worker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	w := &Worker{
		logger:      cfg.Logger,
		workerID:    cfg.WorkerID,
		interval:    interval,
		passTimeout: cfg.PassTimeout,
		subscriber:  cfg.Subscriber,
		passes:      passes,
		wake:        make(map[string]chan struct{}, len(passes)),
	}
	for _, p := range passes {
		w.wake[p.Name()] = make(chan struct{}, 1)
	}
	return w
}

// Start runs every pass until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	names := make([]string, 0, len(w.passes))
	for _, p := range w.passes {
		names = append(names, p.Name())
	}
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Any("passes", names),
		slog.Duration("interval", w.interval),
		slog.Duration("pass_timeout", w.passTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	w.spawnPassLoops(gctx, g)

	if w.subscriber != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			// ticker-driven passes still make progress without events
			w.logger.Warn("Job events unavailable, polling only", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				w.startMessageDispatcher(gctx, deliveries)
				return nil
			})
		}
	}

	err := g.Wait()
	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce runs every pass in order until none of them finds more work. It backs the
// service's one-shot mode.
func (w *Worker) RunOnce(ctx context.Context) error {
	var errs []error
	for _, p := range w.passes {
		if err := w.drain(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wake schedules an immediate run of the named pass. Unknown names are ignored.
func (w *Worker) Wake(name string) bool {
	ch, ok := w.wake[name]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
		// a run is already pending
	}
	return true
}
