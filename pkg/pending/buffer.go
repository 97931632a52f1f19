// Package pending holds the one alert that arrived before the operator
// session was ready, and routes alerts to the response controller once it is.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/session"
)

// Presenter is the response controller entry point.
type Presenter interface {
	Present(ctx context.Context, event models.AlertEvent) error
}

// Buffer keeps at most one deferred alert. A later Put replaces an earlier
// undrained one, and an item left undrained for ttl is discarded.
type Buffer struct {
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	item  *models.AlertEvent
	seq   uint64
	timer *time.Timer
}

func NewBuffer(ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Buffer {
	return &Buffer{
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func (b *Buffer) Put(event models.AlertEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.item != nil {
		b.timer.Stop()
		b.metrics.PendingBuffer.WithLabelValues("replaced").Inc()
		b.logger.WithFields(logrus.Fields{
			"order_id":     b.item.OrderID,
			"replaced_by":  event.OrderID,
			"event_source": event.Source,
		}).Debug("Replaced deferred alert")
	}

	b.seq++
	seq := b.seq
	b.item = &event
	b.timer = time.AfterFunc(b.ttl, func() { b.expire(seq) })

	b.metrics.PendingBuffer.WithLabelValues("buffered").Inc()
	b.logger.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"source":   event.Source,
		"ttl":      b.ttl,
	}).Info("Deferred alert until session is ready")
}

// expire discards the item armed under seq if nothing drained or replaced it.
func (b *Buffer) expire(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.item == nil || b.seq != seq {
		return
	}

	b.logger.WithField("order_id", b.item.OrderID).Warn("Discarded deferred alert, session never became ready")
	b.metrics.PendingBuffer.WithLabelValues("expired").Inc()
	b.item = nil
}

// Take removes and returns the buffered alert.
func (b *Buffer) Take() (models.AlertEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.item == nil {
		return models.AlertEvent{}, false
	}

	event := *b.item
	b.item = nil
	b.timer.Stop()
	return event, true
}

func (b *Buffer) Peek() (models.AlertEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.item == nil {
		return models.AlertEvent{}, false
	}
	return *b.item, true
}

// ProcessPending hands the buffered alert to presenter once sess is ready.
// It is a no-op while the session is not ready or nothing is buffered.
func (b *Buffer) ProcessPending(ctx context.Context, presenter Presenter, sess session.Session) error {
	if !sess.Ready() {
		return nil
	}

	event, ok := b.Take()
	if !ok {
		return nil
	}

	b.metrics.PendingBuffer.WithLabelValues("drained").Inc()
	b.logger.WithField("order_id", event.OrderID).Info("Delivering deferred alert")
	return presenter.Present(ctx, event)
}

// Stop drops any buffered alert without delivering it.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}
	b.item = nil
}
