package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
	"github.com/RubachokBoss/practicum-enrichment/internal/broadcast"
	"github.com/RubachokBoss/practicum-enrichment/internal/config"
	"github.com/RubachokBoss/practicum-enrichment/internal/database"
	"github.com/RubachokBoss/practicum-enrichment/internal/delivery/httpd"
	"github.com/RubachokBoss/practicum-enrichment/internal/metrics"
	"github.com/RubachokBoss/practicum-enrichment/internal/middleware"
	"github.com/RubachokBoss/practicum-enrichment/internal/repository"
	"github.com/RubachokBoss/practicum-enrichment/internal/service"
	"github.com/RubachokBoss/practicum-enrichment/internal/service/integration"
	"github.com/RubachokBoss/practicum-enrichment/internal/worker"
	"github.com/RubachokBoss/practicum-enrichment/internal/worker/queue"
)

// Mode selects which parts of the pipeline a process runs.
type Mode int

const (
	// ModeServe runs the HTTP API, the live-update socket and the workers.
	ModeServe Mode = iota
	// ModeWorker runs only the workers plus /health, /status and /metrics.
	ModeWorker
)

type App struct {
	config *config.Config
	logger zerolog.Logger
	mode   Mode

	server *http.Server
	worker *worker.EnrichmentWorker

	mu         sync.Mutex
	stopWorker context.CancelFunc

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, mode Mode) (*App, error) {
	a := &App{config: cfg, logger: log, mode: mode}

	if err := a.build(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config
	log := a.logger

	submissions, assignments, err := a.newStore(ctx)
	if err != nil {
		return err
	}

	retry := queue.RetryPolicy{MaxAttempts: cfg.Enrichment.MaxAttempts, BaseDelay: cfg.Enrichment.BackoffBase}
	jobQueue, err := a.newQueue(retry)
	if err != nil {
		return err
	}

	ledger, err := a.newLedger(ctx)
	if err != nil {
		return err
	}

	storage, err := a.newStorage()
	if err != nil {
		return err
	}

	analysis := integration.NewAnalysisClient(integration.AnalysisConfig{
		BaseURL:      cfg.Analysis.URL,
		APIKey:       cfg.Analysis.APIKey,
		PollInterval: cfg.Analysis.PollInterval,
	}, log.With().Str("component", "analysis_client").Logger())

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := broadcast.NewHub(log, collector)

	enrichmentWorker := worker.NewEnrichmentWorker(worker.Deps{
		Queue:       jobQueue,
		Submissions: submissions,
		Storage:     storage,
		Analysis:    analysis,
		Publisher:   hub,
		Ledger:      ledger,
		Metrics:     collector,
	}, worker.Config{
		Workers:        cfg.Enrichment.Workers,
		RateLimit:      cfg.Enrichment.RateLimit,
		RateWindow:     cfg.Enrichment.RateWindow,
		StorageTimeout: cfg.Storage.Timeout,
		ImageTimeout:   cfg.Analysis.ImageTimeout,
		VideoTimeout:   cfg.Analysis.VideoTimeout,
	}, log)
	a.worker = enrichmentWorker

	access := service.NewAccessService(submissions, assignments, log)
	ingestion := service.NewIngestionService(
		submissions,
		assignments,
		jobQueue,
		storage,
		access,
		service.NewPromptTable(cfg.Analysis.DefaultPrompts),
		log,
	)
	enrichment := service.NewEnrichmentService(
		submissions,
		jobQueue,
		ledger,
		access,
		cfg.Enrichment.RequeueAfter,
		log,
	)

	opts := httpd.Options{
		Tokens:         auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Gatherer:       registry,
		Stats:          enrichmentWorker,
		RequestTimeout: cfg.Server.WriteTimeout,
		MaxUploadSize:  cfg.Server.MaxUploadSize,
	}
	if a.mode == ModeServe {
		opts.WebSocket = broadcast.NewWebSocketHandler(hub, access, log)
	}
	handler := httpd.NewHandler(ingestion, enrichment, opts, log)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.NewCORS(cfg.CORS))

	if a.mode == ModeServe {
		handler.RegisterRoutes(router)
	} else {
		router.Get("/health", handler.HealthCheck)
		router.Get("/status", handler.Status)
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	// WriteTimeout is left unset: it would cut long-lived WebSocket
	// connections. API requests are bounded by the timeout middleware.
	a.server = &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	return nil
}

func (a *App) newStore(ctx context.Context) (repository.SubmissionRepository, repository.AssignmentRepository, error) {
	switch a.config.Database.Driver {
	case "memory":
		a.logger.Warn().Msg("Using in-memory store; data is lost on restart")
		return repository.NewMemorySubmissionRepository(), repository.NewMemoryAssignmentRepository(), nil
	default:
		db, err := database.NewPostgres(ctx, a.config.Database)
		if err != nil {
			return nil, nil, err
		}
		a.addCloser("postgres", db.Close)
		a.logger.Info().Msg("Database connection established")
		return repository.NewSubmissionRepository(db, a.logger), repository.NewAssignmentRepository(db, a.logger), nil
	}
}

func (a *App) newQueue(retry queue.RetryPolicy) (queue.JobQueue, error) {
	cfg := a.config.RabbitMQ
	switch cfg.Driver {
	case "memory":
		q := queue.NewMemoryQueue(retry)
		a.addCloser("memory queue", q.Close)
		return q, nil
	default:
		conn, err := repository.NewRabbitMQConnection(cfg.URL, a.logger)
		if err != nil {
			return nil, err
		}
		a.addCloser("rabbitmq", conn.Close)

		q, err := queue.NewRabbitMQQueue(
			conn.PublishChannel(),
			queue.NewRabbitMQConsumer(conn.ConsumeChannel(), cfg.QueueName, cfg.ConsumerTag, cfg.PrefetchCount, a.logger),
			queue.NewRabbitMQPublisher(conn.PublishChannel(), a.logger),
			queue.RabbitMQConfig{
				Exchange:   cfg.Exchange,
				RoutingKey: cfg.RoutingKey,
				QueueName:  cfg.QueueName,
			},
			retry,
			a.logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to set up job queue: %w", err)
		}
		return q, nil
	}
}

func (a *App) newLedger(ctx context.Context) (repository.JobLedger, error) {
	retention := repository.RetentionPolicy{
		Success: a.config.Enrichment.SuccessRetention,
		Failure: a.config.Enrichment.FailureRetention,
	}

	cfg := a.config.Redis
	switch cfg.Driver {
	case "memory":
		return repository.NewMemoryJobLedger(retention), nil
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		a.addCloser("redis", client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.logger.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
		return repository.NewRedisJobLedger(client, cfg.Prefix, retention, a.logger), nil
	}
}

func (a *App) newStorage() (integration.StorageClient, error) {
	cfg := a.config.Storage
	switch cfg.Driver {
	case "memory":
		return integration.NewMemoryStorageClient(), nil
	default:
		return integration.NewMinIOStorageClient(integration.StorageConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
			Timeout:   cfg.Timeout,
		}, a.logger)
	}
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Run starts the workers and blocks serving HTTP until Shutdown.
func (a *App) Run(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	if err := a.worker.Start(workerCtx); err != nil {
		cancel()
		return err
	}
	a.mu.Lock()
	a.stopWorker = cancel
	a.mu.Unlock()

	a.logger.Info().
		Str("address", a.config.Server.Address).
		Bool("api", a.mode == ModeServe).
		Msg("Starting enrichment service")

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, interrupts running jobs so they are
// recorded and rescheduled, then releases connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down enrichment service...")

	err := a.server.Shutdown(ctx)

	a.mu.Lock()
	stop := a.stopWorker
	a.stopWorker = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
		a.worker.Stop()
	}

	a.closeAll()
	return err
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Error().Err(err).Str("resource", c.name).Msg("Failed to close")
		}
	}
	a.closers = nil
}
