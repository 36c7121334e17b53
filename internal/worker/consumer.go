package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/shared/rabbitmq"
)

// passesFor returns the passes a job event should wake
func passesFor(event rabbitmq.JobEvent) ([]string, error) {
	if event.Reason == rabbitmq.ReasonCanceled {
		// running passes notice cancellation through the store
		return nil, nil
	}
	switch event.Kind {
	case domain.JobKindSearch:
		return []string{"search"}, nil
	case domain.JobKindOutreach:
		return []string{"activation"}, nil
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidPayload, event.Kind)
	}
}

// setupConsumer starts consuming job events under the worker ID
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.subscriber.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	w.logger.Info("RabbitMQ consumer started", slog.String("consumer_tag", w.workerID))
	return deliveries, nil
}

// startMessageDispatcher turns deliveries into pass wake-ups until ctx is canceled or the
// delivery channel closes
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started", slog.String("worker_id", w.workerID))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed, polling only")
				return
			}
			w.acknowledge(delivery, w.handleDelivery(ctx, delivery))
		}
	}
}

// handleDelivery wakes the passes interested in one delivery
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) error {
	if err := ctx.Err(); err != nil {
		return domain.NewRetryableError(err)
	}

	event, err := rabbitmq.DecodeEvent(delivery.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	names, err := passesFor(event)
	if err != nil {
		return err
	}
	for _, name := range names {
		if w.Wake(name) {
			w.logger.Debug("Job event dispatched",
				slog.String("job_id", event.JobID),
				slog.String("reason", event.Reason),
				slog.String("pass", name),
			)
		}
	}
	return nil
}

// acknowledge ACKs a handled delivery or NACKs it with the requeue decision of err
func (w *Worker) acknowledge(delivery amqp.Delivery, err error) {
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message", slog.String("error", ackErr.Error()))
		}
		return
	}

	requeue := shouldRequeue(err)
	w.logger.Warn("Rejecting job event",
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)
	if nackErr := delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
	}
}

// shouldRequeue determines if a delivery should be requeued based on the error type.
// Malformed events go to the dead-letter queue.
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
