package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"order-alert-pipeline/pkg/channel"
	"order-alert-pipeline/pkg/hasher"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/notify"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, msg channel.Message) error
}

// Presenter routes a detected order by the last lifecycle signal received
// from a session. A foreground session gets the event only; otherwise a host
// notification is raised as well.
type Presenter struct {
	broadcaster Broadcaster
	notifier    notify.Notifier
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	lifecycle   *atomic.String
}

func NewPresenter(broadcaster Broadcaster, notifier notify.Notifier, logger *logrus.Logger, metrics *metrics.Metrics) *Presenter {
	return &Presenter{
		broadcaster: broadcaster,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
		lifecycle:   atomic.NewString(string(models.LifecycleUnknown)),
	}
}

func (p *Presenter) SetLifecycle(lifecycle models.Lifecycle) {
	p.lifecycle.Store(string(lifecycle))
}

func (p *Presenter) Lifecycle() models.Lifecycle {
	return models.Lifecycle(p.lifecycle.Load())
}

func (p *Presenter) Present(ctx context.Context, event models.AlertEvent) error {
	lifecycle := p.Lifecycle()

	if lifecycle != models.LifecycleForeground {
		notification := models.Notification{
			Key:      hasher.NotificationKey(event.OrderID),
			OrderID:  event.OrderID,
			Title:    "New order",
			Body:     notificationBody(event),
			Source:   event.Source,
			RaisedAt: time.Now(),
		}
		if err := p.notifier.Show(ctx, notification); err != nil {
			// Still forward the event so a session that comes back can show it.
			p.logger.WithError(err).WithField("order_id", event.OrderID).Error("Failed to raise host notification")
		}
	}

	if err := p.broadcaster.Broadcast(ctx, channel.NewOrderMessage(event)); err != nil {
		return fmt.Errorf("failed to forward order %s: %w", event.OrderID, err)
	}

	p.logger.WithFields(logrus.Fields{
		"order_id":  event.OrderID,
		"lifecycle": lifecycle,
	}).Debug("Forwarded order to sessions")

	return nil
}

func notificationBody(event models.AlertEvent) string {
	customer, _ := event.Payload["customerName"].(string)
	total, hasTotal := event.Payload["total"].(float64)

	switch {
	case customer != "" && hasTotal:
		return fmt.Sprintf("%s, %.2f", customer, total)
	case customer != "":
		return customer
	default:
		return fmt.Sprintf("Order %s is waiting for an answer", event.OrderID)
	}
}
