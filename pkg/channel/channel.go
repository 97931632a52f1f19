// Package channel is the message bus between the background watcher and the
// foreground sessions. The two sides share nothing else: sessions send
// lifecycle and monitor messages to the worker, the worker broadcasts
// sanitized new-order events to sessions.
package channel

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/constants"
	"order-alert-pipeline/pkg/metrics"
)

type Handler func(ctx context.Context, msg Message)

type Channel struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *Channel {
	return &Channel{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

// SendToWorker publishes a lifecycle or monitor message.
func (c *Channel) SendToWorker(ctx context.Context, msg Message) error {
	if msg.Kind != KindLifecycle && msg.Kind != KindMonitor {
		return fmt.Errorf("%w: %s cannot be sent to the worker", ErrInvalidMessage, msg.Kind)
	}
	return c.publish(ctx, constants.WorkerChannel, msg)
}

// Broadcast publishes a newOrder message to every listening session.
func (c *Channel) Broadcast(ctx context.Context, msg Message) error {
	if msg.Kind != KindNewOrder {
		return fmt.Errorf("%w: %s cannot be broadcast to sessions", ErrInvalidMessage, msg.Kind)
	}
	return c.publish(ctx, constants.SessionChannel, msg)
}

func (c *Channel) publish(ctx context.Context, name string, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, name, data).Err(); err != nil {
		return fmt.Errorf("failed to publish %s message: %w", msg.Kind, err)
	}
	return nil
}

// ListenWorker delivers lifecycle and monitor messages to handler.
func (c *Channel) ListenWorker(ctx context.Context, handler Handler) (*Listener, error) {
	return c.listen(ctx, constants.WorkerChannel, handler, KindLifecycle, KindMonitor)
}

// ListenSessions delivers newOrder messages to handler.
func (c *Channel) ListenSessions(ctx context.Context, handler Handler) (*Listener, error) {
	return c.listen(ctx, constants.SessionChannel, handler, KindNewOrder)
}

// Listener is one side's subscription. Close unsubscribes and waits for the
// delivery goroutine to exit.
type Listener struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (l *Listener) Close() error {
	err := l.pubsub.Close()
	<-l.done
	return err
}

func (c *Channel) listen(ctx context.Context, name string, handler Handler, accept ...Kind) (*Listener, error) {
	pubsub := c.rdb.Subscribe(ctx, name)

	// Wait for the subscription to be confirmed so nothing published after
	// listen returns is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	listener := &Listener{pubsub: pubsub, done: make(chan struct{})}

	go func() {
		defer close(listener.done)

		for message := range pubsub.Channel() {
			msg, err := Decode([]byte(message.Payload))
			if err != nil {
				c.logger.WithError(err).WithField("channel", name).Warn("Dropping invalid channel message")
				c.metrics.ChannelMessagesReceived.WithLabelValues("invalid").Inc()
				continue
			}
			if !accepts(accept, msg.Kind) {
				c.logger.WithFields(logrus.Fields{
					"channel": name,
					"kind":    msg.Kind,
				}).Warn("Dropping channel message sent in the wrong direction")
				c.metrics.ChannelMessagesReceived.WithLabelValues("invalid").Inc()
				continue
			}

			c.metrics.ChannelMessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
			handler(ctx, msg)
		}
	}()

	return listener, nil
}

func accepts(kinds []Kind, kind Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
