package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

type amqpTopology interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

type RabbitMQConfig struct {
	Exchange   string
	RoutingKey string
	QueueName  string
}

// RabbitMQQueue publishes jobs to a durable queue behind a direct exchange.
// Retries are parked in per-attempt delay queues whose TTL equals the backoff
// for that attempt; expired messages dead-letter back into the exchange.
type RabbitMQQueue struct {
	cfg       RabbitMQConfig
	policy    RetryPolicy
	consumer  RabbitMQConsumer
	publisher RabbitMQPublisher
	logger    zerolog.Logger
}

func NewRabbitMQQueue(
	topology amqpTopology,
	consumer RabbitMQConsumer,
	publisher RabbitMQPublisher,
	cfg RabbitMQConfig,
	policy RetryPolicy,
	logger zerolog.Logger,
) (*RabbitMQQueue, error) {
	q := &RabbitMQQueue{
		cfg:       cfg,
		policy:    policy,
		consumer:  consumer,
		publisher: publisher,
		logger:    logger,
	}

	if err := q.setupTopology(topology); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) delayQueueName(attempt int) string {
	return fmt.Sprintf("%s.retry.%d", q.cfg.QueueName, attempt)
}

func (q *RabbitMQQueue) setupTopology(ch amqpTopology) error {
	if err := ch.ExchangeDeclare(
		q.cfg.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(q.cfg.QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.cfg.QueueName, q.cfg.RoutingKey, q.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	for attempt := 1; attempt < q.policy.MaxAttempts; attempt++ {
		name := q.delayQueueName(attempt)
		args := amqp.Table{
			"x-message-ttl":             q.policy.Backoff(attempt).Milliseconds(),
			"x-dead-letter-exchange":    q.cfg.Exchange,
			"x-dead-letter-routing-key": q.cfg.RoutingKey,
		}
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare delay queue %s: %w", name, err)
		}
	}

	q.logger.Info().
		Str("exchange", q.cfg.Exchange).
		Str("queue", q.cfg.QueueName).
		Str("routing_key", q.cfg.RoutingKey).
		Int("delay_queues", q.policy.MaxAttempts-1).
		Msg("RabbitMQ queue setup complete")

	return nil
}

func (q *RabbitMQQueue) Enqueue(ctx context.Context, job models.EnrichmentJob) error {
	job = stampFirstAttempt(job, q.policy)
	body, err := encodeJob(job)
	if err != nil {
		return err
	}

	if err := q.publisher.Publish(ctx, q.cfg.Exchange, q.cfg.RoutingKey, body); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.Key(), err)
	}
	return nil
}

func (q *RabbitMQQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := q.consumer.Consume(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range msgs {
			job, err := decodeJob(msg.Body)
			if err != nil {
				q.logger.Error().Err(err).Msg("Discarding malformed job message")
				if nackErr := msg.Nack(false, false); nackErr != nil {
					q.logger.Error().Err(nackErr).Msg("Failed to nack malformed message")
				}
				continue
			}

			select {
			case out <- &rabbitDelivery{job: job, msg: msg, queue: q}:
			case <-ctx.Done():
				if nackErr := msg.Nack(false, true); nackErr != nil {
					q.logger.Error().Err(nackErr).Str("job", job.Key()).Msg("Failed to requeue job on shutdown")
				}
				return
			}
		}
	}()

	return out, nil
}

func (q *RabbitMQQueue) Len(_ context.Context) (int, error) {
	return q.consumer.GetQueueLength()
}

func (q *RabbitMQQueue) Close() error {
	return q.consumer.Close()
}

func (q *RabbitMQQueue) scheduleRetry(ctx context.Context, job models.EnrichmentJob) (time.Duration, error) {
	next := nextAttempt(job)
	body, err := encodeJob(next)
	if err != nil {
		return 0, err
	}

	if q.policy.MaxAttempts < 2 {
		return 0, q.publisher.Publish(ctx, q.cfg.Exchange, q.cfg.RoutingKey, body)
	}

	slot := q.delaySlot(job)
	if err := q.publisher.PublishToQueue(ctx, q.delayQueueName(slot), body); err != nil {
		return 0, fmt.Errorf("failed to park job %s for retry: %w", job.Key(), err)
	}
	return q.policy.Backoff(slot), nil
}

// delaySlot picks the delay queue for job's next attempt. Jobs enqueued under
// a larger budget reuse the longest delay queue.
func (q *RabbitMQQueue) delaySlot(job models.EnrichmentJob) int {
	slot := job.Attempt
	if slot >= q.policy.MaxAttempts {
		slot = q.policy.MaxAttempts - 1
	}
	return slot
}

func (q *RabbitMQQueue) retryDelay(job models.EnrichmentJob) time.Duration {
	if q.policy.MaxAttempts < 2 {
		return 0
	}
	return q.policy.Backoff(q.delaySlot(job))
}

type rabbitDelivery struct {
	job   models.EnrichmentJob
	msg   RabbitMQMessage
	queue *RabbitMQQueue
}

func (d *rabbitDelivery) Job() models.EnrichmentJob {
	return d.job
}

func (d *rabbitDelivery) Ack() error {
	return d.msg.Ack(false)
}

func (d *rabbitDelivery) RetryDelay() time.Duration {
	return d.queue.retryDelay(d.job)
}

func (d *rabbitDelivery) Retry(ctx context.Context) (time.Duration, error) {
	if !d.job.HasAttemptsLeft() {
		return 0, ErrRetryBudgetExhausted
	}

	delay, err := d.queue.scheduleRetry(ctx, d.job)
	if err != nil {
		// Put the current attempt back so it is redelivered rather than lost.
		if nackErr := d.msg.Nack(false, true); nackErr != nil {
			d.queue.logger.Error().Err(nackErr).Str("job", d.job.Key()).Msg("Failed to requeue job")
		}
		return 0, err
	}

	return delay, d.msg.Ack(false)
}
