package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/booyajones/clarity/config"
	"github.com/booyajones/clarity/internal/repositories/batchprogress"
	"github.com/booyajones/clarity/internal/repositories/enrichmentjob"
	"github.com/booyajones/clarity/internal/repositories/payeerecord"
	"github.com/booyajones/clarity/internal/repositories/registryentity"
	"github.com/booyajones/clarity/pkg/arbiter"
	appcontext "github.com/booyajones/clarity/pkg/context"
	"github.com/booyajones/clarity/pkg/database"
	"github.com/booyajones/clarity/pkg/enrichment"
	"github.com/booyajones/clarity/pkg/graph"
	"github.com/booyajones/clarity/pkg/httpclient"
	"github.com/booyajones/clarity/pkg/kafka"
	"github.com/booyajones/clarity/pkg/logging"
	"github.com/booyajones/clarity/pkg/matching"
	"github.com/booyajones/clarity/pkg/middleware"
	"github.com/booyajones/clarity/pkg/models"
	"github.com/booyajones/clarity/pkg/orchestrator"
	"github.com/booyajones/clarity/pkg/redis"
	batchroutes "github.com/booyajones/clarity/pkg/routes/batch"
	"github.com/booyajones/clarity/pkg/routes/health"
	payeeroutes "github.com/booyajones/clarity/pkg/routes/payee"
	webhookroutes "github.com/booyajones/clarity/pkg/routes/webhook"
	"github.com/booyajones/clarity/pkg/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger, syncLogs := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	defer func() { _ = syncLogs() }()

	ctx := context.Background()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(ctx) }()
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	// Database
	sqlxDB, err := connectDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer sqlxDB.Close()

	db := database.NewDatabaseInstance(sqlxDB, logger)

	driver, err := postgres.WithInstance(sqlxDB.DB, &postgres.Config{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create migration driver")
	}
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(cfg.DatabaseName, driver); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	// Redis
	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer redisClient.Close()
	locker := redis.NewLocker(redisClient, cfg.AppName)

	// Repositories
	registryRepo := registryentity.NewRepository(db, logger)
	recordRepo := payeerecord.NewRepository(db, logger)
	jobRepo := enrichmentjob.NewRepository(db, logger)
	batchRepo := batchprogress.NewRepository(db, logger)

	// Matching
	var arbiterClient arbiter.Client
	if cfg.ArbiterEnabled && cfg.ArbiterURL != "" {
		arbiterClient = arbiter.NewHTTPClient(arbiter.Config{URL: cfg.ArbiterURL, Timeout: cfg.ArbiterTimeout}, logger)
	}
	engine := matching.NewEngine(logger, registryRepo, arbiterClient, matching.Config{
		DirectThreshold: cfg.MatchDirectThreshold,
		ReviewThreshold: cfg.MatchReviewThreshold,
		MaxCandidates:   cfg.MatchMaxCandidates,
		WorkerCount:     cfg.MatchWorkerCount,
	})

	// Enrichment
	providerHTTP := httpclient.NewClient(httpclient.Config{Timeout: cfg.ProviderTimeout}, logger)
	provider := enrichment.NewHTTPProvider(enrichment.ProviderConfig{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
	}, providerHTTP, logger)

	mapper, err := enrichment.NewMapper(enrichment.MapperConfig{
		RecordIDExpr:   cfg.ResultRecordIDExpr,
		MatchedExpr:    cfg.ResultMatchedExpr,
		EntityIDExpr:   cfg.ResultEntityIDExpr,
		EntityNameExpr: cfg.ResultEntityNameExpr,
		CategoryExpr:   cfg.ResultCategoryExpr,
		ConfidenceExpr: cfg.ResultConfidenceExpr,
	})
	if err != nil {
		logger.WithError(err).Fatal("Invalid result mapping expressions")
	}

	coordinator := enrichment.NewCoordinator(enrichment.Config{
		RecordCap:      cfg.ProviderRecordCap,
		MaxSubmitRetry: cfg.ProviderMaxSubmitRetry,
	}, provider, mapper, jobRepo, recordRepo, logger)

	deduper := enrichment.NewDeduper(redisClient, cfg.WebhookDedupTTL)

	poller := enrichment.NewPoller(enrichment.PollerConfig{
		PollTimeout: cfg.PollTimeout,
		MaxFailures: cfg.PollMaxFailures,
	}, coordinator, provider, jobRepo, locker, logger)

	reconciler := enrichment.NewReconciler(enrichment.ReconcilerConfig{
		Interval: cfg.ReconcileInterval,
	}, coordinator, recordRepo, jobRepo, locker, logger)

	// Events
	var producer *kafka.Producer
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaOutputTopic != "" {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		defer producer.Close()
	}

	// Graph projection (optional)
	var projector *graph.Projector
	if cfg.GraphEnabled {
		graphClient, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to graph database")
		}
		defer graphClient.Close(ctx)
		projector = graph.NewProjector(graphClient, logger)
	}

	orch := orchestrator.NewOrchestrator(logger, batchRepo, recordRepo, registryRepo, engine, coordinator, producer, projector)
	orch.SetDefaultOptions(models.BatchOptions{Matching: cfg.MatchingEnabled, Enrichment: cfg.EnrichmentEnabled})

	registerDependencies(logger, cfg, registryRepo, recordRepo, jobRepo, batchRepo, engine, coordinator, deduper, orch)

	// Batch intake from Kafka
	var consumer *kafka.Consumer
	if cfg.KafkaConsumerEnabled && len(cfg.KafkaBrokers) > 0 {
		consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, batchRequestHandler(orch))
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start kafka consumer")
		}
	}

	if err := poller.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start poller")
	}
	if err := reconciler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start reconciler")
	}

	// Pick up batches interrupted by the last shutdown
	go func() {
		if err := orch.Resume(ctx); err != nil {
			logger.WithError(err).Error("Failed to resume batches")
		}
	}()

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	checker := health.NewChecker(sqlxDB, redisClient, version)
	checker.RegisterRoutes(e)
	checker.SetReady(true)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	batchroutes.Register(api.Group("/batches"))
	payeeroutes.Register(api.Group("/payees"))
	webhookroutes.Register(api.Group("/webhooks"))

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Error("Failed to stop kafka consumer")
		}
	}
	if err := poller.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop poller")
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop reconciler")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down HTTP server")
	}
}

// version is stamped at build time
var version = "dev"

func connectDatabase(cfg *config.Config, logger ectologger.Logger) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode)

	var db *sqlx.DB
	var err error
	for attempt := 1; attempt <= cfg.StartupMaxAttempts; attempt++ {
		db, err = sqlx.Connect(cfg.DatabaseDriver, dsn)
		if err == nil {
			break
		}
		logger.WithError(err).Warnf("Database connection attempt %d/%d failed", attempt, cfg.StartupMaxAttempts)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	return db, nil
}

// registerDependencies publishes shared services to the DI container used by
// the route handlers
func registerDependencies(
	logger ectologger.Logger,
	cfg *config.Config,
	registryRepo *registryentity.Repository,
	recordRepo *payeerecord.Repository,
	jobRepo *enrichmentjob.Repository,
	batchRepo *batchprogress.Repository,
	engine *matching.Engine,
	coordinator *enrichment.Coordinator,
	deduper *enrichment.Deduper,
	orch *orchestrator.Orchestrator,
) {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DI container")
	}

	mustRegister(logger, ectoinject.RegisterInstance[ectologger.Logger](container, logger))
	mustRegister(logger, ectoinject.RegisterInstance[*config.Config](container, cfg))
	mustRegister(logger, ectoinject.RegisterInstance[*registryentity.Repository](container, registryRepo))
	mustRegister(logger, ectoinject.RegisterInstance[*payeerecord.Repository](container, recordRepo))
	mustRegister(logger, ectoinject.RegisterInstance[*enrichmentjob.Repository](container, jobRepo))
	mustRegister(logger, ectoinject.RegisterInstance[*batchprogress.Repository](container, batchRepo))
	mustRegister(logger, ectoinject.RegisterInstance[*matching.Engine](container, engine))
	mustRegister(logger, ectoinject.RegisterInstance[*enrichment.Coordinator](container, coordinator))
	mustRegister(logger, ectoinject.RegisterInstance[*enrichment.Deduper](container, deduper))
	mustRegister(logger, ectoinject.RegisterInstance[*orchestrator.Orchestrator](container, orch))
}

func mustRegister(logger ectologger.Logger, err error) {
	if err != nil {
		logger.WithError(err).Fatal("Failed to register dependency")
	}
}

// batchRequestHandler turns inbound Kafka batch requests into pipeline runs
func batchRequestHandler(orch *orchestrator.Orchestrator) kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.IncomingMessage) error {
		req := msg.BatchRequest

		rawNames := make([]string, 0, len(req.Records))
		for _, record := range req.Records {
			rawNames = append(rawNames, record.RawName)
		}

		ctx = appcontext.SetTenantID(ctx, req.TenantID)
		batch, err := orch.CreateBatch(ctx, req.TenantID, req.Name, req.Options, rawNames)
		if err != nil {
			return err
		}

		return orch.ProcessBatch(appcontext.SetBatchID(ctx, batch.ID), batch.ID)
	}
}
