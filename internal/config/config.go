package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/leadflow/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Database   DatabaseConfig            `yaml:"database"`
	RabbitMQ   RabbitMQConfig            `yaml:"rabbitmq"`
	Logging    LoggingConfig             `yaml:"logging"`
	App        AppConfig                 `yaml:"app"`
	Worker     WorkerConfig              `yaml:"worker"`
	Search     SearchConfig              `yaml:"search"`
	Enrichment EnrichmentConfig          `yaml:"enrichment"`
	Outreach   OutreachConfig            `yaml:"outreach"`
	Mail       MailConfig                `yaml:"mail"`
	Tracing    TracingConfig             `yaml:"tracing"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Accounts   map[string]AccountConfig  `yaml:"accounts"`
	Templates  map[string]TemplateConfig `yaml:"templates"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MigrationsDir   string        `yaml:"migrations_dir"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// QueueConfig holds the worker's wake queue configuration
type QueueConfig struct {
	Name               string `yaml:"name"`
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	PrefetchCount      int    `yaml:"prefetch_count"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxElapsed    time.Duration `yaml:"max_elapsed"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker runtime configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Interval          time.Duration `yaml:"interval"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PassTimeout       time.Duration `yaml:"pass_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxRetries        int           `yaml:"max_retries"`
	Passes            []string      `yaml:"passes"`
}

// SearchConfig configures the search API client and worker
type SearchConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ResultsPerPair    int           `yaml:"results_per_pair"`
	EstimatePerPair   time.Duration `yaml:"estimate_per_pair"`
}

// EnrichmentConfig configures the enrichment worker and its collaborator
type EnrichmentConfig struct {
	Provider          string        `yaml:"provider"` // http, gemini
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	TransientRetries  int           `yaml:"transient_retries"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
}

// OutreachConfig configures the outreach scheduler
type OutreachConfig struct {
	DefaultDelay    time.Duration `yaml:"default_delay"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxSendFailures int           `yaml:"max_send_failures"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	BatchSize       int           `yaml:"batch_size"`
	ClaimLease      time.Duration `yaml:"claim_lease"`
	ActivationBatch int           `yaml:"activation_batch"`
}

// MailConfig holds the default SMTP transport settings
type MailConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
	SSL         bool   `yaml:"ssl"`
	Domain      string `yaml:"domain"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Probability float64 `yaml:"probability"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Port    int    `yaml:"port"`
}

// AccountConfig holds the per-account secrets and settings
type AccountConfig struct {
	SearchAPIKey string              `yaml:"search_api_key"`
	EnrichAPIKey string              `yaml:"enrich_api_key"`
	SMTPUsername string              `yaml:"smtp_username"`
	SMTPPassword string              `yaml:"smtp_password"`
	SenderName   string              `yaml:"sender_name"`
	SenderEmail  string              `yaml:"sender_email"`
	Company      string              `yaml:"company"`
	Timing       []domain.StageDelay `yaml:"timing"`
	Variables    map[string]string   `yaml:"variables"`

	Templates map[string]TemplateConfig `yaml:"templates"`
}

// TemplateConfig is the subject and body of one stage message
type TemplateConfig struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
	HTML    bool   `yaml:"html"`
}

// Load reads and parses the configuration file. ${VAR} references are expanded from the
// environment before parsing so secrets can stay in .env.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "db/migrations"
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.Worker.Interval == 0 {
		c.Worker.Interval = time.Minute
	}
	if c.Worker.LeaseDuration == 0 {
		c.Worker.LeaseDuration = 5 * time.Minute
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = c.Worker.LeaseDuration / 3
	}
	if c.Worker.RetryBackoff == 0 {
		c.Worker.RetryBackoff = 30 * time.Second
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 30 * time.Second
	}
	if c.Search.ResultsPerPair == 0 {
		c.Search.ResultsPerPair = 20
	}
	if c.Search.EstimatePerPair == 0 {
		c.Search.EstimatePerPair = 20 * time.Second
	}
	if c.Enrichment.BatchSize == 0 {
		c.Enrichment.BatchSize = 10
	}
	if c.Enrichment.Workers == 0 {
		c.Enrichment.Workers = 4
	}
	if c.Enrichment.MaxAttempts == 0 {
		c.Enrichment.MaxAttempts = 3
	}
	if c.Enrichment.RetryDelay == 0 {
		c.Enrichment.RetryDelay = 5 * time.Minute
	}
	if c.Enrichment.Timeout == 0 {
		c.Enrichment.Timeout = 30 * time.Second
	}
	if c.Enrichment.LeaseDuration == 0 {
		c.Enrichment.LeaseDuration = 10 * time.Minute
	}
	if c.Outreach.DefaultDelay == 0 {
		c.Outreach.DefaultDelay = 72 * time.Hour
	}
	if c.Outreach.RetryDelay == 0 {
		c.Outreach.RetryDelay = 15 * time.Minute
	}
	if c.Outreach.MaxSendFailures == 0 {
		c.Outreach.MaxSendFailures = 3
	}
	if c.Outreach.SendTimeout == 0 {
		c.Outreach.SendTimeout = 30 * time.Second
	}
	if c.Outreach.BatchSize == 0 {
		c.Outreach.BatchSize = 50
	}
	if c.Outreach.ClaimLease == 0 {
		c.Outreach.ClaimLease = 5 * time.Minute
	}
	if c.Outreach.ActivationBatch == 0 {
		c.Outreach.ActivationBatch = 20
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(false); err != nil {
		return err
	}

	return c.validateAccounts()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(true); err != nil {
		return err
	}

	if c.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("worker lease_duration must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 || c.Worker.HeartbeatInterval >= c.Worker.LeaseDuration {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0 and shorter than lease_duration")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	for _, pass := range c.Worker.Passes {
		switch pass {
		case "search", "enrichment", "activation", "outreach", "reaper":
		default:
			return fmt.Errorf("unknown worker pass %q", pass)
		}
	}

	if c.Search.BaseURL == "" {
		return fmt.Errorf("search base_url is required")
	}

	switch c.Enrichment.Provider {
	case "http":
		if c.Enrichment.BaseURL == "" {
			return fmt.Errorf("enrichment base_url is required for the http provider")
		}
	case "gemini":
		if c.Enrichment.Model == "" {
			return fmt.Errorf("enrichment model is required for the gemini provider")
		}
	default:
		return fmt.Errorf("unknown enrichment provider %q", c.Enrichment.Provider)
	}

	if c.Outreach.MaxSendFailures < 1 {
		return fmt.Errorf("outreach max_send_failures must be at least 1")
	}

	if c.Mail.Host == "" {
		return fmt.Errorf("mail host is required")
	}

	if c.Mail.Port < MinPort || c.Mail.Port > MaxPort {
		return fmt.Errorf("invalid mail port: %d (must be between %d and %d)", c.Mail.Port, MinPort, MaxPort)
	}

	for _, stage := range domain.Stages {
		if _, ok := c.Templates[stage]; !ok {
			return fmt.Errorf("missing default template for stage %s", stage)
		}
	}

	return c.validateAccounts()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ(needQueue bool) error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if needQueue && c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateAccounts() error {
	var errs []error
	for id, account := range c.Accounts {
		if _, err := domain.NewTiming(account.Timing, c.Outreach.DefaultDelay); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
		}
		for stage := range account.Templates {
			if domain.StepOf(stage) == 0 {
				errs = append(errs, fmt.Errorf("account %s: template for unknown stage %s", id, stage))
			}
		}
	}
	return errors.Join(errs...)
}
