package queue

import (
	"context"
	"sync"
	"time"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

// MemoryQueue is an unbounded in-process FIFO with timer-driven retries.
// Jobs do not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	items   []models.EnrichmentJob
	signal  chan struct{}
	timers  map[*time.Timer]struct{}
	closed  bool
	done    chan struct{}
	policy  RetryPolicy
	retried int
}

func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		signal: make(chan struct{}, 1),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
		policy: policy,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job models.EnrichmentJob) error {
	return q.push(stampFirstAttempt(job, q.policy))
}

func (q *MemoryQueue) push(job models.EnrichmentJob) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, job)
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *MemoryQueue) pushFront(job models.EnrichmentJob) {
	q.mu.Lock()
	q.items = append([]models.EnrichmentJob{job}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) pop() (models.EnrichmentJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return models.EnrichmentJob{}, false
	}
	job := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.notify()
	}
	return job, true
}

func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)

	go func() {
		defer close(out)
		for {
			job, ok := q.pop()
			if !ok {
				select {
				case <-q.signal:
					continue
				case <-ctx.Done():
					return
				case <-q.done:
					return
				}
			}

			select {
			case out <- &memoryDelivery{job: job, queue: q}:
			case <-ctx.Done():
				q.pushFront(job)
				return
			case <-q.done:
				return
			}
		}
	}()

	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Scheduled reports retries waiting on their backoff timer.
func (q *MemoryQueue) Scheduled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Retried reports how many retries have been scheduled since creation.
func (q *MemoryQueue) Retried() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retried
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.done)
	return nil
}

func (q *MemoryQueue) scheduleRetry(job models.EnrichmentJob) (time.Duration, error) {
	delay := q.policy.Backoff(job.Attempt)
	next := nextAttempt(job)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		_ = q.push(next)
	})
	q.timers[timer] = struct{}{}
	q.retried++

	return delay, nil
}

type memoryDelivery struct {
	job   models.EnrichmentJob
	queue *MemoryQueue
}

func (d *memoryDelivery) Job() models.EnrichmentJob {
	return d.job
}

func (d *memoryDelivery) Ack() error {
	return nil
}

func (d *memoryDelivery) RetryDelay() time.Duration {
	return d.queue.policy.Backoff(d.job.Attempt)
}

func (d *memoryDelivery) Retry(_ context.Context) (time.Duration, error) {
	if !d.job.HasAttemptsLeft() {
		return 0, ErrRetryBudgetExhausted
	}
	return d.queue.scheduleRetry(d.job)
}
