package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/paper-loom/internal/api/handler"
	"github.com/cuongbtq/paper-loom/internal/api/router"
	"github.com/cuongbtq/paper-loom/internal/config"
	"github.com/cuongbtq/paper-loom/internal/events"
	"github.com/cuongbtq/paper-loom/internal/fallback"
	"github.com/cuongbtq/paper-loom/internal/invoker"
	"github.com/cuongbtq/paper-loom/internal/metrics"
	"github.com/cuongbtq/paper-loom/internal/normalizer"
	"github.com/cuongbtq/paper-loom/internal/pipeline"
	"github.com/cuongbtq/paper-loom/internal/store"
	"github.com/cuongbtq/paper-loom/internal/workspace"
	"github.com/cuongbtq/paper-loom/shared/database"
	"github.com/cuongbtq/paper-loom/shared/logger"
	"github.com/cuongbtq/paper-loom/shared/rabbitmq"
	redisclient "github.com/cuongbtq/paper-loom/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

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
	defaultConfigPath := os.Getenv("OCR_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/ocr-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting OCR service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Resources closed on the way out, in reverse order
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				appLogger.Warn("Failed to close resource", slog.Any("error", err))
			}
		}
	}()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// Initialize job store
	jobStore, storeHealth, storeClosers, err := initStore(startupCtx, &cfg.Store, appLogger.Component("store"))
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	closers = append(closers, storeClosers...)

	appLogger.Info("Job store ready", slog.String("driver", cfg.Store.Driver))

	// Initialize event publisher
	publisher, rabbitClient, err := initPublisher(&cfg.Events, appLogger.Component("events"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	if rabbitClient != nil {
		closers = append(closers, rabbitClient)
		appLogger.Info("RabbitMQ connection established")
	}

	// Initialize filesystem workspace
	ws, err := workspace.New(workspace.Config{
		UploadDir:     cfg.Storage.UploadDir,
		OutputDir:     cfg.Storage.OutputDir,
		MaxUploadSize: cfg.Server.MaxUploadSize,
	}, appLogger.Component("workspace"))
	if err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	// Initialize processing pipeline
	orch, err := initPipeline(cfg, &pipeline.Dependencies{
		Store:     jobStore,
		Workspace: ws,
		Publisher: publisher,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	// Jobs left in processing by a previous run can never finish
	recovered, err := orch.Recover(startupCtx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		appLogger.Warn("Marked interrupted jobs as failed", slog.Int("count", recovered))
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metrics.MustRegister()
		metricsHandler = metrics.Handler()
	}

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:         appLogger.Component("api"),
		Store:          jobStore,
		Workspace:      ws,
		Processor:      orch,
		MetricsHandler: metricsHandler,
		ServiceName:    cfg.App.Name,
		StoreHealth:    storeHealth,
	})

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

	appLogger.Info("OCR service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case runErr = <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", runErr))
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		runErr = errors.Join(runErr, err)
	}

	// In-flight runs get the rest of the budget, then are interrupted and marked failed
	if err := orch.Shutdown(ctx); err != nil {
		appLogger.Warn("Processing runs interrupted",
			slog.Any("error", err),
		)
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initStore opens the configured job store. It also returns the connection
// /health should check and what must be closed on exit.
func initStore(ctx context.Context, cfg *config.StoreConfig, logger *slog.Logger) (store.Store, handler.HealthChecker, []io.Closer, error) {
	switch cfg.Driver {
	case config.StorePostgres, config.StoreSQLite:
		dbClient, err := initDatabase(cfg, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := store.NewSQLStore(ctx, dbClient, logger)
		if err != nil {
			dbClient.Close()
			return nil, nil, nil, err
		}
		return s, dbClient, []io.Closer{dbClient, s}, nil

	case config.StoreRedis:
		redisClient, err := redisclient.NewClient(ctx, &redisclient.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		s := store.NewRedisStore(redisClient, logger)
		return s, redisClient, []io.Closer{redisClient, s}, nil

	default:
		s := store.NewMemoryStore()
		return s, nil, []io.Closer{s}, nil
	}
}

// initDatabase initializes the SQL database client for postgres or sqlite
func initDatabase(cfg *config.StoreConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		Database:        cfg.Postgres.Database,
		SSLMode:         cfg.Postgres.SSLMode,
		Path:            cfg.SQLite.Path,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initPublisher returns the lifecycle event publisher and the RabbitMQ client behind it, if any
func initPublisher(cfg *config.EventsConfig, logger *slog.Logger) (events.Publisher, *rabbitmq.Client, error) {
	if !cfg.Enabled {
		return events.Logging{Logger: logger}, nil, nil
	}

	mq := cfg.RabbitMQ
	rabbitConfig := &rabbitmq.Config{
		Host:               mq.Host,
		Port:               mq.Port,
		User:               mq.User,
		Password:           mq.Password,
		VHost:              mq.VHost,
		ExchangeName:       mq.Exchange.Name,
		ExchangeType:       mq.Exchange.Type,
		ExchangeDurable:    mq.Exchange.Durable,
		ExchangeAutoDelete: mq.Exchange.AutoDelete,
		QueueName:          mq.Queue.Name,
		QueueDurable:       mq.Queue.Durable,
		QueueBindingKey:    mq.Queue.BindingKey,
		RetryAttempts:      mq.Connection.RetryAttempts,
		RetryInterval:      mq.Connection.RetryInterval,
		Heartbeat:          mq.Connection.Heartbeat,
		PublishRetries:     mq.Publish.RetryAttempts,
		PublishRetryDelay:  mq.Publish.RetryInterval,
		PublishBackoffMult: mq.Publish.BackoffMultiplier,
	}

	client, err := rabbitmq.NewClient(rabbitConfig, logger)
	if err != nil {
		return nil, nil, err
	}

	return events.NewRabbitMQPublisher(client, mq.RoutePrefix, logger), client, nil
}

// initPipeline wires the tool invoker, fallback extractor and normalizer into the orchestrator
func initPipeline(cfg *config.Config, deps *pipeline.Dependencies, appLogger *logger.Logger) (*pipeline.Orchestrator, error) {
	norm, err := normalizer.New(appLogger.Component("normalizer"))
	if err != nil {
		return nil, err
	}

	toolLogger := appLogger.Component("invoker")
	toolOptions := invoker.Options{
		Backend:            cfg.Invoker.Backend,
		Language:           cfg.Invoker.Language,
		TableMode:          cfg.Invoker.TableMode,
		FormulaRecognition: cfg.Invoker.FormulaRecognition,
		Timeout:            cfg.Invoker.Timeout,
	}
	tool := invoker.New(invoker.NewExecRunner(toolLogger), invoker.Config{
		Binary:         cfg.Invoker.Binary,
		GPUProbeBinary: cfg.Invoker.GPUProbeBinary,
		Device:         cfg.Invoker.Device,
		Defaults:       toolOptions,
	}, toolLogger)

	deps.Invoker = tool
	deps.Extractor = fallback.New(appLogger.Component("fallback"))
	deps.Normalizer = norm
	deps.Logger = appLogger.Component("pipeline")

	return pipeline.New(deps, pipeline.Config{
		MaxConcurrentJobs: cfg.Pipeline.MaxConcurrentJobs,
		ToolSlots:         cfg.Pipeline.ToolSlots,
		EventTimeout:      cfg.Pipeline.EventTimeout,
		ToolOptions:       toolOptions,
	}), nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
