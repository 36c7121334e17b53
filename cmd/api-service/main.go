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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/cuongbtq/leadflow/internal/api/handler"
	"github.com/cuongbtq/leadflow/internal/api/router"
	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/export"
	"github.com/cuongbtq/leadflow/internal/integration/credentials"
	"github.com/cuongbtq/leadflow/internal/integration/mail"
	"github.com/cuongbtq/leadflow/internal/integration/settings"
	"github.com/cuongbtq/leadflow/internal/integration/templates"
	"github.com/cuongbtq/leadflow/internal/outreach"
	"github.com/cuongbtq/leadflow/internal/service"
	"github.com/cuongbtq/leadflow/internal/storage/postgres"
	"github.com/cuongbtq/leadflow/shared/logger"
	"github.com/cuongbtq/leadflow/shared/postgresql"
	"github.com/cuongbtq/leadflow/shared/rabbitmq"
	"github.com/cuongbtq/leadflow/shared/tracing"
)

const serviceName = "leadflow-api"

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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
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

	// Wake events are optional; workers fall back to polling
	var publisher service.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		publisher = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	tracer := tracerProvider.Tracer("leadflow/storage")
	jobs := postgres.NewJobStore(dbClient.GetDB(), tracer, appLogger.Component("jobs"))
	leads := postgres.NewLeadStore(dbClient.GetDB(), tracer, appLogger.Component("leads"))

	accounts, err := settings.NewStatic(cfg.Accounts, cfg.Mail, cfg.Outreach.DefaultDelay)
	if err != nil {
		return fmt.Errorf("failed to resolve account settings: %w", err)
	}
	registry, err := templates.NewRegistry(cfg.Templates, cfg.Accounts)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	creds := credentials.NewStatic(cfg.Accounts)

	// Manual outreach operations send through the same scheduler the worker runs
	scheduler := outreach.NewScheduler(
		appLogger.Component("outreach"),
		outreach.Options{
			WorkerID:        "api-" + hostname(),
			SendTimeout:     cfg.Outreach.SendTimeout,
			RetryDelay:      cfg.Outreach.RetryDelay,
			MaxSendFailures: cfg.Outreach.MaxSendFailures,
		},
		jobs, leads, registry,
		mail.NewTransport(cfg.Mail, creds, appLogger.Component("mail")),
		accounts,
	)

	svc := service.New(&service.Config{
		Logger:          appLogger.Component("service"),
		EstimatePerPair: cfg.Search.EstimatePerPair,
		MaxRetries:      cfg.Worker.MaxRetries,
	}, jobs, leads, scheduler, accounts, export.NewExporter(leads, appLogger.Component("export")), publisher)

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, svc, dbClient)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running", slog.String("address", addr))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initRabbitMQ initializes a publish-only RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectMaxElapsed: cfg.Connection.MaxElapsed,
		RetryInterval:     cfg.Connection.RetryInterval,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, svc *service.Service, dbClient *postgresql.Client) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	opts := router.Options{
		ServiceName: serviceName,
		HealthCheck: dbClient.HealthCheck,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:  logger,
		Service: svc,
	}, opts)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}
