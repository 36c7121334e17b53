package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
	"github.com/cuongbtq/leadflow/internal/enrichment"
	"github.com/cuongbtq/leadflow/internal/integration/credentials"
	"github.com/cuongbtq/leadflow/internal/integration/enrichapi"
	"github.com/cuongbtq/leadflow/internal/integration/gemini"
	"github.com/cuongbtq/leadflow/internal/integration/mail"
	"github.com/cuongbtq/leadflow/internal/integration/searchapi"
	"github.com/cuongbtq/leadflow/internal/integration/settings"
	"github.com/cuongbtq/leadflow/internal/integration/templates"
	"github.com/cuongbtq/leadflow/internal/metrics"
	"github.com/cuongbtq/leadflow/internal/outreach"
	"github.com/cuongbtq/leadflow/internal/search"
	"github.com/cuongbtq/leadflow/internal/storage/postgres"
	"github.com/cuongbtq/leadflow/internal/worker"
	"github.com/cuongbtq/leadflow/shared/logger"
	"github.com/cuongbtq/leadflow/shared/postgresql"
	"github.com/cuongbtq/leadflow/shared/rabbitmq"
	"github.com/cuongbtq/leadflow/shared/tracing"
)

const serviceName = "leadflow-worker"

var allPasses = []string{"search", "enrichment", "activation", "outreach", "reaper"}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run every pass until idle, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = fmt.Sprintf("%s-%s", hostname(), uuid.NewString()[:8])
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.With(slog.String("worker_id", workerID))

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("once", *once),
	)

	tracerProvider, shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.Tracing.Endpoint,
		Insecure:         cfg.Tracing.Insecure,
		Probability:      cfg.Tracing.Probability,
		ResourceAttributes: map[string]string{
			"deployment.environment": cfg.App.Environment,
			"service.version":        cfg.App.Version,
			"service.instance.id":    workerID,
		},
	}, appLogger.Component("tracing"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	tracer := tracerProvider.Tracer("leadflow/storage")
	jobs := postgres.NewJobStore(dbClient.GetDB(), tracer, appLogger.Component("jobs"))
	candidates := postgres.NewCandidateStore(dbClient.GetDB(), tracer, appLogger.Component("candidates"))
	leads := postgres.NewLeadStore(dbClient.GetDB(), tracer, appLogger.Component("leads"))

	passes, err := buildPasses(cfg, workerID, appLogger, jobs, candidates, leads)
	if err != nil {
		return err
	}

	workerCfg := &worker.Config{
		Logger:      appLogger.Component("worker"),
		WorkerID:    workerID,
		Interval:    cfg.Worker.Interval,
		PassTimeout: cfg.Worker.PassTimeout,
	}

	if *once {
		w := worker.NewWorker(workerCfg, passes...)
		if err := w.RunOnce(context.Background()); err != nil {
			return fmt.Errorf("worker pass failed: %w", err)
		}
		appLogger.Info("Worker run complete")
		return nil
	}

	// Wake events are optional; passes still run on the interval
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		workerCfg.Subscriber = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		metricsSrv := startMetricsServer(cfg.Metrics, appLogger.Logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(ctx)
		}()
	}

	workerInstance := worker.NewWorker(workerCfg, passes...)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			return err
		}
		return nil
	}

	// Cancel context to stop worker
	cancel()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// buildPasses wires the enabled passes in the order they run in -once mode
func buildPasses(
	cfg *config.Config,
	workerID string,
	appLogger *logger.Logger,
	jobs *postgres.JobStore,
	candidates *postgres.CandidateStore,
	leads *postgres.LeadStore,
) ([]worker.Pass, error) {
	enabled := cfg.Worker.Passes
	if len(enabled) == 0 {
		enabled = allPasses
	}

	creds := credentials.NewStatic(cfg.Accounts)

	accounts, err := settings.NewStatic(cfg.Accounts, cfg.Mail, cfg.Outreach.DefaultDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account settings: %w", err)
	}
	registry, err := templates.NewRegistry(cfg.Templates, cfg.Accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	scheduler := outreach.NewScheduler(
		appLogger.Component("outreach"),
		outreach.Options{
			WorkerID:        workerID,
			BatchSize:       cfg.Outreach.BatchSize,
			ClaimLease:      cfg.Outreach.ClaimLease,
			SendTimeout:     cfg.Outreach.SendTimeout,
			RetryDelay:      cfg.Outreach.RetryDelay,
			MaxSendFailures: cfg.Outreach.MaxSendFailures,
			ActivationBatch: cfg.Outreach.ActivationBatch,
			JobLease:        cfg.Worker.LeaseDuration,
		},
		jobs, leads, registry,
		mail.NewTransport(cfg.Mail, creds, appLogger.Component("mail")),
		accounts,
	)

	var passes []worker.Pass
	for _, name := range allPasses {
		if !slices.Contains(enabled, name) {
			continue
		}

		switch name {
		case "search":
			searcher := searchapi.NewClient(cfg.Search, nil, appLogger.Component("searchapi"))
			passes = append(passes, search.NewWorker(&search.Config{
				Logger:            appLogger.Component("search"),
				WorkerID:          workerID,
				LeaseDuration:     cfg.Worker.LeaseDuration,
				HeartbeatInterval: cfg.Worker.HeartbeatInterval,
				RequestTimeout:    cfg.Search.Timeout,
				RetryBackoff:      cfg.Worker.RetryBackoff,
			}, jobs, candidates, creds, searcher))

		case "enrichment":
			enricher, err := newEnricher(cfg.Enrichment)
			if err != nil {
				return nil, err
			}
			passes = append(passes, enrichment.NewWorker(appLogger.Component("enrichment"), enrichment.Options{
				BatchSize:        cfg.Enrichment.BatchSize,
				Workers:          cfg.Enrichment.Workers,
				LeaseDuration:    cfg.Enrichment.LeaseDuration,
				RequestTimeout:   cfg.Enrichment.Timeout,
				MaxAttempts:      cfg.Enrichment.MaxAttempts,
				RetryDelay:       cfg.Enrichment.RetryDelay,
				TransientRetries: cfg.Enrichment.TransientRetries,
				BackoffInitial:   cfg.Enrichment.BackoffBase,
				BackoffMax:       cfg.Enrichment.BackoffMax,
				RateLimitRPS:     cfg.Enrichment.RequestsPerSecond,
				Burst:            cfg.Enrichment.Burst,
			}, candidates, leads, creds, enricher))

		case "activation":
			passes = append(passes, scheduler.Activation())

		case "outreach":
			passes = append(passes, scheduler)

		case "reaper":
			passes = append(passes, worker.NewReaper(appLogger.Component("reaper"), jobs))
		}
	}
	return passes, nil
}

// newEnricher picks the enrichment collaborator
func newEnricher(cfg config.EnrichmentConfig) (enrichment.Enricher, error) {
	switch cfg.Provider {
	case "gemini":
		enricher, err := gemini.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini enricher: %w", err)
		}
		return enricher, nil
	default:
		return enrichapi.NewClient(cfg, &http.Client{Timeout: cfg.Timeout}), nil
	}
}

// startMetricsServer serves Prometheus metrics on a side port
func startMetricsServer(cfg config.MetricsConfig, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server started", slog.String("address", srv.Addr), slog.String("path", cfg.Path))
	return srv
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client consuming job events of every kind
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		QueueName:          cfg.Queue.Name,
		RoutingKeys: []string{
			rabbitmq.RoutingKey(domain.JobKindSearch),
			rabbitmq.RoutingKey(domain.JobKindOutreach),
		},
		Prefetch:          cfg.Queue.PrefetchCount,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectMaxElapsed: cfg.Connection.MaxElapsed,
		RetryInterval:     cfg.Connection.RetryInterval,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "worker"
	}
	return name
}
