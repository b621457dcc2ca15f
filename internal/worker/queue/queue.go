package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

var (
	// ErrRetryBudgetExhausted is returned by Delivery.Retry when the job has
	// used all of its attempts. The delivery is left unacknowledged.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrQueueClosed          = errors.New("queue closed")
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// Backoff returns the delay before the attempt that follows attempt:
// BaseDelay * 2^(attempt-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << uint(attempt-1)
}

// Delivery is one received job. Exactly one of Ack or Retry should be called.
type Delivery interface {
	Job() models.EnrichmentJob
	Ack() error
	// Retry republishes the job with the next attempt number after the backoff
	// and acknowledges this delivery. It returns the scheduled delay.
	Retry(ctx context.Context) (time.Duration, error)
	// RetryDelay is the delay Retry would schedule.
	RetryDelay() time.Duration
}

// JobQueue decouples ingestion from enrichment. Enqueuing the same logical job
// twice produces two independent deliveries.
type JobQueue interface {
	// Enqueue stamps attempt 1 and the policy's attempt budget onto job.
	Enqueue(ctx context.Context, job models.EnrichmentJob) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

func stampFirstAttempt(job models.EnrichmentJob, policy RetryPolicy) models.EnrichmentJob {
	job.Attempt = 1
	job.MaxAttempts = policy.MaxAttempts
	job.EnqueuedAt = time.Now().UTC()
	return job
}

func nextAttempt(job models.EnrichmentJob) models.EnrichmentJob {
	job.Attempt++
	job.EnqueuedAt = time.Now().UTC()
	return job
}

func encodeJob(job models.EnrichmentJob) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", job.Key(), err)
	}
	return body, nil
}

func decodeJob(body []byte) (models.EnrichmentJob, error) {
	var job models.EnrichmentJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.SubmissionID == "" || job.FieldName == "" || job.Sequence < 1 {
		return job, fmt.Errorf("job is missing its address: %q", body)
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return job, nil
}
