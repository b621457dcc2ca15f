package queue

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type RabbitMQPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	// PublishToQueue routes body straight to queue through the default exchange.
	PublishToQueue(ctx context.Context, queue string, body []byte) error
}

type rabbitMQPublisher struct {
	channel amqpPublisher
	logger  zerolog.Logger
}

func NewRabbitMQPublisher(channel amqpPublisher, logger zerolog.Logger) RabbitMQPublisher {
	return &rabbitMQPublisher{
		channel: channel,
		logger:  logger,
	}
}

func (p *rabbitMQPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.channel.PublishWithContext(
		publishCtx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

func (p *rabbitMQPublisher) PublishToQueue(ctx context.Context, queue string, body []byte) error {
	return p.Publish(ctx, "", queue, body)
}
