package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when the client has no open channel
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	DeadLetterExchange string
	QueueName          string
	RoutingKeys        []string
	Prefetch           int
	Heartbeat          time.Duration
	ConnectMaxElapsed  time.Duration
	RetryInterval      time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
}

// URL returns the AMQP URL for the config
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.VHost,
	}
	return u.String()
}

// JobEvent tells workers that a job may be claimable. Delivery is only a wake signal:
// workers always claim through the job store.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Job event reasons
const (
	ReasonEnqueued = "enqueued"
	ReasonCanceled = "canceled"
)

// RoutingKey returns the routing key events of a job kind are published with
func RoutingKey(kind string) string {
	return "jobs." + kind
}

// DecodeEvent parses a delivery body
func DecodeEvent(body []byte) (JobEvent, error) {
	var event JobEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return JobEvent{}, fmt.Errorf("failed to decode job event: %w", err)
	}
	if event.Kind == "" {
		return JobEvent{}, errors.New("job event without kind")
	}
	return event, nil
}

// Client represents a RabbitMQ client
type Client struct {
	config  *Config
	logger  *slog.Logger
	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewClient connects to RabbitMQ, retrying with exponential backoff, and declares the topology
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = config.RetryInterval
	if expBackoff.InitialInterval <= 0 {
		expBackoff.InitialInterval = time.Second
	}
	expBackoff.MaxElapsedTime = config.ConnectMaxElapsed
	if expBackoff.MaxElapsedTime <= 0 {
		expBackoff.MaxElapsedTime = time.Minute
	}

	attempt := 0
	operation := func() error {
		attempt++
		logger.Info("Connecting to RabbitMQ",
			slog.String("host", config.Host),
			slog.Int("attempt", attempt),
		)
		err := client.connect()
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, err)
	}

	logger.Info("RabbitMQ client initialized",
		slog.String("exchange", config.ExchangeName),
		slog.String("queue", config.QueueName),
	)
	return client, nil
}

func (c *Client) connect() error {
	conn, err := amqp.DialConfig(c.config.URL(), amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to setup topology: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.mu.Unlock()
	return nil
}

// setup declares the exchange, the optional dead-letter exchange and the queue bindings.
// Publish-only clients leave QueueName empty.
func (c *Client) setup(ch *amqp.Channel) error {
	exchangeType := c.config.ExchangeType
	if exchangeType == "" {
		exchangeType = "topic"
	}
	if err := ch.ExchangeDeclare(c.config.ExchangeName, exchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if c.config.QueueName == "" {
		return nil
	}

	var args amqp.Table
	if c.config.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(c.config.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
		}
		dlq := c.config.QueueName + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(dlq, "", c.config.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind dead-letter queue: %w", err)
		}
		args = amqp.Table{"x-dead-letter-exchange": c.config.DeadLetterExchange}
	}

	if _, err := ch.QueueDeclare(c.config.QueueName, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range c.config.RoutingKeys {
		if err := ch.QueueBind(c.config.QueueName, key, c.config.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}

	if c.config.Prefetch > 0 {
		if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	return nil
}

// PublishJobEvent publishes a wake event for the job's kind, retrying transient failures
func (c *Client) PublishJobEvent(ctx context.Context, event JobEvent) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	expBackoff := backoff.NewExponentialBackOff()
	if c.config.PublishRetryDelay > 0 {
		expBackoff.InitialInterval = c.config.PublishRetryDelay
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(retries)), ctx)

	operation := func() error {
		return c.publish(ctx, RoutingKey(event.Kind), body)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Failed to publish job event, retrying",
			slog.String("job_id", event.JobID),
			slog.Duration("retry_after", wait),
			slog.Any("error", err),
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		c.logger.Error("Failed to publish job event",
			slog.String("job_id", event.JobID),
			slog.String("kind", event.Kind),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	c.logger.Debug("Job event published",
		slog.String("job_id", event.JobID),
		slog.String("kind", event.Kind),
		slog.String("reason", event.Reason),
	)
	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, body []byte) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, c.config.ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Consume starts consuming messages from the queue with manual acknowledgement
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	messages, err := ch.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)
	return messages, nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing RabbitMQ connection")

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
		c.channel = nil
	}

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		if err != nil {
			c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
			return err
		}
	}
	return nil
}
