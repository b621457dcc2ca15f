package queue

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type RabbitMQMessage struct {
	Body      []byte
	Timestamp time.Time
	Ack       func(multiple bool) error
	Nack      func(multiple bool, requeue bool) error
}

type amqpConsumer interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Cancel(consumer string, noWait bool) error
}

type RabbitMQConsumer interface {
	Consume(ctx context.Context) (<-chan RabbitMQMessage, error)
	GetQueueLength() (int, error)
	Close() error
}

type rabbitMQConsumer struct {
	channel     amqpConsumer
	queue       string
	consumerTag string
	prefetch    int
	logger      zerolog.Logger

	cancelOnce sync.Once
	cancelErr  error
}

func NewRabbitMQConsumer(channel amqpConsumer, queue, consumerTag string, prefetch int, logger zerolog.Logger) RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &rabbitMQConsumer{
		channel:     channel,
		queue:       queue,
		consumerTag: consumerTag,
		prefetch:    prefetch,
		logger:      logger,
	}
}

func (c *rabbitMQConsumer) Consume(ctx context.Context) (<-chan RabbitMQMessage, error) {
	if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
		return nil, err
	}

	msgs, err := c.channel.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, err
	}

	output := make(chan RabbitMQMessage)

	go func() {
		defer close(output)

		for {
			select {
			case <-ctx.Done():
				c.logger.Info().Msg("Stopping RabbitMQ consumer")
				c.cancel()
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn().Msg("RabbitMQ message channel closed")
					return
				}

				rabbitMsg := RabbitMQMessage{
					Body:      msg.Body,
					Timestamp: msg.Timestamp,
					Ack:       msg.Ack,
					Nack:      msg.Nack,
				}

				select {
				case output <- rabbitMsg:
				case <-ctx.Done():
					if err := msg.Nack(false, true); err != nil {
						c.logger.Error().Err(err).Uint64("delivery_tag", msg.DeliveryTag).Msg("Failed to requeue message")
					}
					c.cancel()
					return
				}
			}
		}
	}()

	c.logger.Info().
		Str("queue", c.queue).
		Str("consumer_tag", c.consumerTag).
		Int("prefetch", c.prefetch).
		Msg("RabbitMQ consumer started")

	return output, nil
}

func (c *rabbitMQConsumer) GetQueueLength() (int, error) {
	queue, err := c.channel.QueueDeclarePassive(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return 0, err
	}

	return queue.Messages, nil
}

func (c *rabbitMQConsumer) Close() error {
	if err := c.cancel(); err != nil {
		return err
	}

	c.logger.Info().Msg("RabbitMQ consumer closed")
	return nil
}

// cancel stops the server-side consumer once; later calls report the first result.
func (c *rabbitMQConsumer) cancel() error {
	c.cancelOnce.Do(func() {
		if err := c.channel.Cancel(c.consumerTag, false); err != nil {
			c.logger.Error().Err(err).Msg("Failed to cancel RabbitMQ consumer")
			c.cancelErr = err
		}
	})
	return c.cancelErr
}
