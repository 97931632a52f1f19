package watcher

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/store"
)

// EmitFunc receives every newly detected order.
type EmitFunc func(ctx context.Context, event models.AlertEvent)

// Subscriber runs the two pending-order feeds, one on the location set and
// one on the legacy scalar location, and merges them into a single stream of
// new orders deduplicated by id.
type Subscriber struct {
	feed      store.Feed
	legacyCap int
	emit      EmitFunc
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	seen      *seenSet

	mu        sync.Mutex
	subs      []store.Subscription
	locations []string
}

func NewSubscriber(feed store.Feed, legacyCap int, emit EmitFunc, logger *logrus.Logger, metrics *metrics.Metrics) *Subscriber {
	return &Subscriber{
		feed:      feed,
		legacyCap: legacyCap,
		emit:      emit,
		logger:    logger,
		metrics:   metrics,
		seen:      newSeenSet(),
	}
}

// Reconfigure cancels both feeds, clears the seen set and opens new feeds
// for locations. An empty list leaves the subscriber stopped.
func (s *Subscriber) Reconfigure(ctx context.Context, locations []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.seen.Clear()
	s.locations = append([]string(nil), locations...)

	if len(locations) == 0 {
		s.logger.Warn("No monitored locations, change feeds stay closed")
		return nil
	}

	legacy := locations
	if s.legacyCap > 0 && len(legacy) > s.legacyCap {
		s.logger.WithFields(logrus.Fields{
			"cap":       s.legacyCap,
			"uncovered": legacy[s.legacyCap:],
		}).Warn("Legacy location query is capped, some locations are not covered")
		legacy = legacy[:s.legacyCap]
	}

	queries := []store.Query{
		{Field: store.FieldLocations, Status: models.StatusPending, Locations: s.locations},
		{Field: store.FieldLocationID, Status: models.StatusPending, Locations: append([]string(nil), legacy...)},
	}

	for _, q := range queries {
		feed := string(q.Field)
		sub, err := s.feed.Subscribe(ctx, q, s.onBatch(ctx, feed, s.locations), s.onError(feed))
		if err != nil {
			// The other feed keeps running.
			s.metrics.FeedErrors.WithLabelValues(feed).Inc()
			s.logger.WithError(err).WithField("feed", feed).Error("Failed to open change feed")
			continue
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.WithFields(logrus.Fields{
		"locations": s.locations,
		"feeds":     len(s.subs),
	}).Info("Monitoring pending orders")

	if len(s.subs) == 0 {
		return errors.New("failed to open any change feed")
	}
	return nil
}

func (s *Subscriber) onBatch(ctx context.Context, feed string, monitored []string) store.BatchHandler {
	return func(changes []store.Change) {
		for _, change := range changes {
			id := change.Order.ID

			switch change.Type {
			case store.ChangeAdded:
				if !s.seen.Add(id) {
					continue
				}

				payload := change.Order.Payload()
				if len(change.Order.Locations) == 0 {
					payload["locations"] = append([]string(nil), monitored...)
				}

				s.metrics.OrdersDetected.WithLabelValues(feed).Inc()
				s.logger.WithFields(logrus.Fields{
					"order_id": id,
					"feed":     feed,
				}).Info("Detected new order")

				s.emit(ctx, models.AlertEvent{
					OrderID: id,
					Payload: payload,
					Source:  models.SourceWatcher,
				})
			case store.ChangeRemoved:
				s.seen.Remove(id)
			}
		}
	}
}

func (s *Subscriber) onError(feed string) store.ErrorHandler {
	return func(err error) {
		s.metrics.FeedErrors.WithLabelValues(feed).Inc()
		s.logger.WithError(err).WithField("feed", feed).Error("Change feed stopped")
	}
}

func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Subscriber) stopLocked() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

func (s *Subscriber) Locations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.locations...)
}

// Feeds is the number of feeds opened by the last Reconfigure.
func (s *Subscriber) Feeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Subscriber) SeenCount() int {
	return s.seen.Len()
}
