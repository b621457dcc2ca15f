package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/RubachokBoss/practicum-enrichment/internal/broadcast"
	"github.com/RubachokBoss/practicum-enrichment/internal/metrics"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
	"github.com/RubachokBoss/practicum-enrichment/internal/repository"
	"github.com/RubachokBoss/practicum-enrichment/internal/service/integration"
	"github.com/RubachokBoss/practicum-enrichment/internal/worker/queue"
)

// errAbandoned marks a delivery whose field could not be claimed: another
// delivery owns it, or it was replaced or already finished.
var errAbandoned = errors.New("field not claimable")

const maxErrorMessage = 1000

type Config struct {
	Workers        int
	RateLimit      int
	RateWindow     time.Duration
	StorageTimeout time.Duration
	ImageTimeout   time.Duration
	VideoTimeout   time.Duration
	// SettleTimeout bounds the writes that record an outcome once the job's
	// own context is gone.
	SettleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        3,
		RateLimit:      10,
		RateWindow:     time.Minute,
		StorageTimeout: 30 * time.Second,
		ImageTimeout:   45 * time.Second,
		VideoTimeout:   5 * time.Minute,
		SettleTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.RateLimit < 1 {
		c.RateLimit = d.RateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = d.StorageTimeout
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = d.ImageTimeout
	}
	if c.VideoTimeout <= 0 {
		c.VideoTimeout = d.VideoTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	return c
}

type Deps struct {
	Queue       queue.JobQueue
	Submissions repository.SubmissionRepository
	Storage     integration.StorageClient
	Analysis    integration.AnalysisClient
	Publisher   broadcast.Publisher
	Ledger      repository.JobLedger
	Metrics     *metrics.Collector
}

type WorkerStats struct {
	Workers       int `json:"workers"`
	ActiveWorkers int `json:"active_workers"`
	Completed     int `json:"completed"`
	FailedJobs    int `json:"failed_jobs"`
	Retried       int `json:"retried"`
	Abandoned     int `json:"abandoned"`
	QueueLength   int `json:"queue_length"`
}

// EnrichmentWorker pulls enrichment jobs off the queue, paces them through a
// process-wide rate limiter and runs them on a fixed pool.
type EnrichmentWorker struct {
	deps    Deps
	cfg     Config
	pool    *WorkerPool
	limiter *rate.Limiter
	logger  zerolog.Logger

	statsMu sync.RWMutex
	stats   WorkerStats

	dispatchDone chan struct{}
	startTime    time.Time
}

func NewEnrichmentWorker(deps Deps, cfg Config, logger zerolog.Logger) *EnrichmentWorker {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "enrichment_worker").Logger()

	pool := NewWorkerPool(cfg.Workers, logger)
	pool.OnBusyChange(deps.Metrics.SetActiveWorkers)

	return &EnrichmentWorker{
		deps:         deps,
		cfg:          cfg,
		pool:         pool,
		limiter:      newDequeueLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:       logger,
		stats:        WorkerStats{Workers: cfg.Workers},
		dispatchDone: make(chan struct{}),
	}
}

// Start begins consuming. Cancelling ctx stops dispatch and interrupts
// running jobs, which record themselves as failed and are rescheduled.
func (w *EnrichmentWorker) Start(ctx context.Context) error {
	w.logger.Info().
		Int("workers", w.cfg.Workers).
		Int("rate_limit", w.cfg.RateLimit).
		Dur("rate_window", w.cfg.RateWindow).
		Msg("Starting enrichment worker")

	deliveries, err := w.deps.Queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming jobs: %w", err)
	}

	w.startTime = time.Now()
	w.pool.Start(ctx)
	go w.dispatch(ctx, deliveries)

	return nil
}

// Stop waits for the dispatcher and every running job to finish. The context
// passed to Start must be cancelled first.
func (w *EnrichmentWorker) Stop() {
	<-w.dispatchDone
	w.pool.Stop()

	stats := w.Stats(context.Background())
	w.logger.Info().
		Int("completed", stats.Completed).
		Int("failed_jobs", stats.FailedJobs).
		Int("retried", stats.Retried).
		Dur("uptime", time.Since(w.startTime)).
		Msg("Enrichment worker stopped")
}

func (w *EnrichmentWorker) dispatch(ctx context.Context, deliveries <-chan queue.Delivery) {
	defer close(w.dispatchDone)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Stopping job dispatch")
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn().Msg("Delivery channel closed")
				return
			}

			if err := w.limiter.Wait(ctx); err != nil {
				w.leave(d, err)
				return
			}
			if err := w.pool.Submit(ctx, func(taskCtx context.Context) {
				w.ProcessDelivery(taskCtx, d)
			}); err != nil {
				w.leave(d, err)
				return
			}
		}
	}
}

// leave drops a delivery that was received but never started. Brokers redeliver
// it once the channel closes.
func (w *EnrichmentWorker) leave(d queue.Delivery, err error) {
	w.logger.Info().
		Err(err).
		Str("job", d.Job().Key()).
		Msg("Delivery left unacknowledged during shutdown")
}

// ProcessDelivery runs one job end to end and settles the delivery.
func (w *EnrichmentWorker) ProcessDelivery(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	started := time.Now()
	logger := w.logger.With().
		Str("submission_id", job.SubmissionID).
		Int("sequence", job.Sequence).
		Str("field", job.FieldName).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Logger()

	field, err := w.claim(ctx, job)
	if err != nil {
		settleCtx, cancel := w.settleContext(ctx)
		defer cancel()

		if errors.Is(err, errAbandoned) {
			logger.Info().Err(err).Msg("Job abandoned")
			w.ack(d, logger)
			w.finish(settleCtx, job, models.JobOutcomeAbandoned, "", err, started)
			return
		}

		// The store itself is failing; nothing was claimed.
		logger.Error().Err(err).Msg("Failed to claim field")
		w.retryOrAck(settleCtx, d, logger, job, "", err, job.HasAttemptsLeft(), started)
		return
	}

	w.publish(job, models.NewFieldEvent(models.EventFieldProcessing, job.Sequence, job.FieldName, models.EnrichmentStatusProcessing))
	logger.Info().Str("media_ref", field.MediaRef).Msg("Enrichment started")

	result, err := w.enrich(ctx, field)

	settleCtx, cancel := w.settleContext(ctx)
	defer cancel()

	if err == nil {
		w.complete(settleCtx, d, logger, job, field, result, started)
		return
	}

	interrupted := ctx.Err() != nil && errors.Is(err, ctx.Err())
	if interrupted {
		err = fmt.Errorf("worker interrupted: %w", err)
	}
	willRetry := (interrupted || integration.IsRetryable(err)) && job.HasAttemptsLeft()
	w.fail(settleCtx, d, logger, job, field, err, willRetry, started)
}

func (w *EnrichmentWorker) claim(ctx context.Context, job models.EnrichmentJob) (*models.Field, error) {
	for _, from := range []models.EnrichmentStatus{models.EnrichmentStatusPending, models.EnrichmentStatusFailed} {
		field, err := w.deps.Submissions.TransitionField(ctx, repository.FieldTransition{
			SubmissionID: job.SubmissionID,
			Sequence:     job.Sequence,
			FieldName:    job.FieldName,
			From:         from,
			To:           models.EnrichmentStatusProcessing,
		})
		switch {
		case err == nil:
			return field, nil
		case errors.Is(err, repository.ErrStaleTransition):
			continue
		case errors.Is(err, repository.ErrFieldNotFound), errors.Is(err, repository.ErrSubmissionNotFound):
			return nil, fmt.Errorf("%w: %w", errAbandoned, err)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: neither pending nor failed", errAbandoned)
}

func (w *EnrichmentWorker) enrich(ctx context.Context, field *models.Field) (json.RawMessage, error) {
	if field.MediaRef == "" {
		return nil, fmt.Errorf("%w: field has no media reference", integration.ErrInvalidInput)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.StorageTimeout)
	data, contentType, err := w.deps.Storage.FetchBytes(fetchCtx, field.MediaRef)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	mimeType := field.MimeType
	if mimeType == "" {
		mimeType = contentType
	}

	timeout := w.cfg.ImageTimeout
	if field.Type == models.FieldTypeVideo || integration.IsVideo(mimeType) {
		timeout = w.cfg.VideoTimeout
	}

	return w.analyzeWithDeadline(ctx, timeout, data, mimeType, field.Prompt)
}

type analysisOutcome struct {
	result json.RawMessage
	err    error
}

// analyzeWithDeadline stops waiting at the deadline even if the client does
// not; a late answer lands in the buffered channel and is dropped.
func (w *EnrichmentWorker) analyzeWithDeadline(ctx context.Context, timeout time.Duration, data []byte, mimeType, prompt string) (json.RawMessage, error) {
	analyzeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan analysisOutcome, 1)
	go func() {
		result, err := w.deps.Analysis.Analyze(analyzeCtx, data, mimeType, prompt)
		done <- analysisOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.err == nil:
			return out.result, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(out.err, context.DeadlineExceeded) && !errors.Is(out.err, integration.ErrTimeout):
			return nil, fmt.Errorf("%w: %w", integration.ErrTimeout, out.err)
		}
		return nil, out.err
	case <-analyzeCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no answer within %s", integration.ErrTimeout, timeout)
	}
}

func (w *EnrichmentWorker) complete(ctx context.Context, d queue.Delivery, logger zerolog.Logger,
	job models.EnrichmentJob, field *models.Field, result json.RawMessage, started time.Time) {
	_, err := w.deps.Submissions.TransitionField(ctx, repository.FieldTransition{
		SubmissionID: job.SubmissionID,
		Sequence:     job.Sequence,
		FieldName:    job.FieldName,
		From:         models.EnrichmentStatusProcessing,
		To:           models.EnrichmentStatusCompleted,
		Result:       result,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrFieldNotFound) {
			logger.Info().Err(err).Msg("Result discarded, field changed while processing")
			w.ack(d, logger)
			w.finish(ctx, job, models.JobOutcomeAbandoned, field.Type, err, started)
			return
		}
		logger.Error().Err(err).Msg("Failed to store enrichment result")
		w.retryOrAck(ctx, d, logger, job, field.Type, err, job.HasAttemptsLeft(), started)
		return
	}

	event := models.NewFieldEvent(models.EventFieldCompleted, job.Sequence, job.FieldName, models.EnrichmentStatusCompleted)
	event.Payload = result
	w.publish(job, event)
	w.ack(d, logger)
	w.finish(ctx, job, models.JobOutcomeCompleted, field.Type, nil, started)

	logger.Info().Dur("elapsed", time.Since(started)).Msg("Enrichment completed")
}

func (w *EnrichmentWorker) fail(ctx context.Context, d queue.Delivery, logger zerolog.Logger,
	job models.EnrichmentJob, field *models.Field, cause error, willRetry bool, started time.Time) {
	message := errorMessage(cause)

	var retryAt *time.Time
	if willRetry {
		at := time.Now().UTC().Add(d.RetryDelay())
		retryAt = &at
	}

	_, err := w.deps.Submissions.TransitionField(ctx, repository.FieldTransition{
		SubmissionID: job.SubmissionID,
		Sequence:     job.Sequence,
		FieldName:    job.FieldName,
		From:         models.EnrichmentStatusProcessing,
		To:           models.EnrichmentStatusFailed,
		Error:        message,
		RetryAt:      retryAt,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrFieldNotFound) {
			logger.Info().Err(err).Msg("Failure discarded, field changed while processing")
			w.ack(d, logger)
			w.finish(ctx, job, models.JobOutcomeAbandoned, field.Type, err, started)
			return
		}
		// The field stays processing until requeue-pending recovers it.
		logger.Error().Err(err).Msg("Failed to record enrichment failure")
	}

	event := models.NewFieldEvent(models.EventFieldFailed, job.Sequence, job.FieldName, models.EnrichmentStatusFailed)
	event.Error = message
	event.Payload, _ = json.Marshal(models.FailureDetails{
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		WillRetry:   willRetry,
	})
	w.publish(job, event)

	logger.Warn().
		Err(cause).
		Bool("will_retry", willRetry).
		Bool("retryable", integration.IsRetryable(cause)).
		Msg("Enrichment failed")

	w.retryOrAck(ctx, d, logger, job, field.Type, cause, willRetry, started)
}

func (w *EnrichmentWorker) retryOrAck(ctx context.Context, d queue.Delivery, logger zerolog.Logger,
	job models.EnrichmentJob, fieldType models.FieldType, cause error, retry bool, started time.Time) {
	if retry {
		delay, err := d.Retry(ctx)
		if err == nil {
			logger.Info().Dur("delay", delay).Msg("Job rescheduled")
			w.finish(ctx, job, models.JobOutcomeRetrying, fieldType, cause, started)
			return
		}
		if !errors.Is(err, queue.ErrRetryBudgetExhausted) {
			// The queue keeps the delivery for redelivery.
			logger.Error().Err(err).Msg("Failed to reschedule job")
			w.finish(ctx, job, models.JobOutcomeRetrying, fieldType, cause, started)
			return
		}
	}

	w.ack(d, logger)
	w.finish(ctx, job, models.JobOutcomeFailed, fieldType, cause, started)
}

func (w *EnrichmentWorker) ack(d queue.Delivery, logger zerolog.Logger) {
	if err := d.Ack(); err != nil {
		logger.Error().Err(err).Msg("Failed to ack job")
	}
}

func (w *EnrichmentWorker) finish(ctx context.Context, job models.EnrichmentJob, outcome models.JobOutcome,
	fieldType models.FieldType, cause error, started time.Time) {
	w.statsMu.Lock()
	switch outcome {
	case models.JobOutcomeCompleted:
		w.stats.Completed++
	case models.JobOutcomeFailed:
		w.stats.FailedJobs++
	case models.JobOutcomeRetrying:
		w.stats.Retried++
	case models.JobOutcomeAbandoned:
		w.stats.Abandoned++
	}
	w.statsMu.Unlock()

	w.deps.Metrics.ObserveJob(outcome, fieldType, time.Since(started))

	if w.deps.Ledger == nil {
		return
	}
	if err := w.deps.Ledger.Record(ctx, models.NewJobRecord(job, outcome, cause)); err != nil {
		w.logger.Warn().Err(err).Str("job", job.Key()).Msg("Failed to record job outcome")
	}
}

// publish never fails the job; viewers that miss an event re-read the field.
func (w *EnrichmentWorker) publish(job models.EnrichmentJob, event models.FieldEvent) {
	if w.deps.Publisher == nil {
		return
	}
	w.deps.Publisher.PublishToSubmission(job.SubmissionID, event)
	w.deps.Publisher.PublishToAssignment(job.AssignmentID, event)
}

func (w *EnrichmentWorker) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SettleTimeout)
}

func (w *EnrichmentWorker) Stats(ctx context.Context) WorkerStats {
	w.statsMu.RLock()
	stats := w.stats
	w.statsMu.RUnlock()

	stats.ActiveWorkers = w.pool.ActiveWorkers()

	length, err := w.deps.Queue.Len(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to get queue length")
	} else {
		stats.QueueLength = length
		w.deps.Metrics.SetQueueLength(length)
	}

	return stats
}

// newDequeueLimiter admits at most limit dequeues in any window by spacing
// them window/limit apart.
func newDequeueLimiter(limit int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1)
}

// errorMessage returns a bounded, valid UTF-8 message that Postgres accepts
// as text.
func errorMessage(err error) string {
	msg := strings.ToValidUTF8(err.Error(), "\uFFFD")
	msg = strings.ReplaceAll(msg, "\x00", "")
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
