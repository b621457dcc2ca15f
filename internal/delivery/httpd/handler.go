package httpd

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
	"github.com/RubachokBoss/practicum-enrichment/internal/middleware"
	"github.com/RubachokBoss/practicum-enrichment/internal/repository"
	"github.com/RubachokBoss/practicum-enrichment/internal/service"
	"github.com/RubachokBoss/practicum-enrichment/internal/service/integration"
	"github.com/RubachokBoss/practicum-enrichment/internal/worker"
	"github.com/RubachokBoss/practicum-enrichment/pkg/utils"
)

const serviceName = "practicum-enrichment"

// StatsProvider reports the in-process worker state for /status.
type StatsProvider interface {
	Stats(ctx context.Context) worker.WorkerStats
}

type Options struct {
	Tokens         middleware.TokenVerifier
	Gatherer       prometheus.Gatherer
	Stats          StatsProvider
	WebSocket      http.Handler
	RequestTimeout time.Duration
	MaxUploadSize  int64
}

type Handler struct {
	ingestion  service.IngestionService
	enrichment service.EnrichmentService
	opts       Options
	startTime  time.Time
	logger     zerolog.Logger
}

func NewHandler(
	ingestion service.IngestionService,
	enrichment service.EnrichmentService,
	opts Options,
	logger zerolog.Logger,
) *Handler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 64 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Handler{
		ingestion:  ingestion,
		enrichment: enrichment,
		opts:       opts,
		startTime:  time.Now(),
		logger:     logger,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.HealthCheck)
	router.Get("/status", h.Status)
	if h.opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	authenticate := middleware.Authenticate(h.opts.Tokens, h.logger)

	if h.opts.WebSocket != nil {
		router.With(authenticate).Get("/ws", h.opts.WebSocket.ServeHTTP)
	}

	router.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(h.opts.RequestTimeout))
		api.Use(authenticate)

		api.Post("/media", h.UploadMedia)

		api.Route("/assignments/{id}", func(r chi.Router) {
			r.Put("/", h.UpsertAssignment)
			r.Get("/submissions", h.ListAssignmentSubmissions)
		})

		api.Route("/submissions", func(r chi.Router) {
			r.Post("/", h.CreateSubmission)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSubmission)
				r.Post("/datapoints", h.SubmitDataPoint)
				r.Get("/datapoints/{sequence}/fields/{field}", h.GetField)
				r.Post("/datapoints/{sequence}/fields/{field}/retry", h.RetryField)
				r.Post("/submit", h.Finalize)
			})
		})

		api.Route("/enrichments", func(r chi.Router) {
			r.Get("/", h.ListEnrichments)
			r.Post("/retry", h.RetryFailed)
			r.Post("/requeue-pending", h.RequeuePending)
			r.Get("/jobs", h.ListJobRecords)
		})
	})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"service":   serviceName,
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.opts.Stats != nil {
		response["worker"] = h.opts.Stats.Stats(r.Context())
	}
	writeJSON(w, http.StatusOK, response)
}

// principal is set by the auth middleware on every /api/v1 route.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, repository.ErrSubmissionNotFound),
		errors.Is(err, repository.ErrAssignmentNotFound),
		errors.Is(err, repository.ErrFieldNotFound),
		errors.Is(err, integration.ErrMediaNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrDuplicateSubmission),
		errors.Is(err, repository.ErrSubmissionLocked),
		errors.Is(err, repository.ErrFieldsProcessing),
		errors.Is(err, service.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Request timeout")
	default:
		reqLog := middleware.LoggerFromContext(r, h.logger)
		reqLog.Error().Err(err).
			Str("path", r.URL.Path).
			Msg("Service error")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func getIntQueryParam(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	_ = utils.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	utils.WriteError(w, status, message)
}
