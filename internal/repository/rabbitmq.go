package repository

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitMQConnection owns one AMQP connection with separate channels for
// consuming and publishing, so a blocked publish never stalls deliveries.
type RabbitMQConnection struct {
	conn      *amqp.Connection
	consumeCh *amqp.Channel
	publishCh *amqp.Channel
	logger    zerolog.Logger
}

func NewRabbitMQConnection(url string, logger zerolog.Logger) (*RabbitMQConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		consumeCh.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}

	logger.Info().Msg("Connected to RabbitMQ")

	return &RabbitMQConnection{
		conn:      conn,
		consumeCh: consumeCh,
		publishCh: publishCh,
		logger:    logger,
	}, nil
}

func (c *RabbitMQConnection) ConsumeChannel() *amqp.Channel {
	return c.consumeCh
}

func (c *RabbitMQConnection) PublishChannel() *amqp.Channel {
	return c.publishCh
}

func (c *RabbitMQConnection) Close() error {
	for name, ch := range map[string]*amqp.Channel{"consume": c.consumeCh, "publish": c.publishCh} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil {
			c.logger.Error().Err(err).Str("channel", name).Msg("Failed to close RabbitMQ channel")
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to close RabbitMQ connection")
			return err
		}
	}

	return nil
}
