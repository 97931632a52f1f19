package push

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	TypeReceive = "receive"
	TypeTap     = "tap"
)

// Consumer reads push messages from a RabbitMQ queue. The delivery Type
// selects receive or tap; an empty Type means receive.
type Consumer struct {
	queue   string
	handler *Handler
	logger  *logrus.Logger
	conn    *amqp.Connection
	ch      *amqp.Channel
}

func DialConsumer(url, queue string, handler *Handler, logger *logrus.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	return &Consumer{
		queue:   queue,
		handler: handler,
		logger:  logger,
		conn:    conn,
		ch:      ch,
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := c.ch.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	c.logger.WithFields(logrus.Fields{
		"queue":        c.queue,
		"consumer_tag": consumerTag,
	}).Info("Consuming push messages")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("push delivery channel closed")
			}
			c.settle(d, c.Dispatch(ctx, d.Type, d.Body))
		}
	}
}

func (c *Consumer) settle(d amqp.Delivery, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrMissingOrderID):
		c.logger.WithError(err).Warn("Dropping malformed push message")
		_ = d.Nack(false, false)
	default:
		c.logger.WithError(err).Error("Failed to handle push message, requeueing")
		_ = d.Nack(false, true)
	}
}

// Dispatch decodes body and routes it by delivery type.
func (c *Consumer) Dispatch(ctx context.Context, deliveryType string, body []byte) error {
	return dispatch(ctx, c.handler, deliveryType, body)
}

func dispatch(ctx context.Context, handler *Handler, deliveryType string, body []byte) error {
	msg, err := Decode(body)
	if err != nil {
		return err
	}

	switch deliveryType {
	case "", TypeReceive:
		return handler.Receive(ctx, msg)
	case TypeTap:
		return handler.Tap(ctx, msg)
	default:
		return fmt.Errorf("%w: unknown delivery type %q", ErrMalformed, deliveryType)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
