// Package watcher is the background worker: it restores the monitored
// locations from the registry, holds the watcher lease, runs the change feeds
// and routes detected orders to sessions.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/channel"
	"order-alert-pipeline/pkg/config"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/notify"
	"order-alert-pipeline/pkg/registry"
	"order-alert-pipeline/pkg/store"
)

// Status is the watcher state reported over HTTP.
type Status struct {
	PodID     string           `json:"pod_id"`
	IsLeader  bool             `json:"is_leader"`
	Locations []string         `json:"locations"`
	Feeds     int              `json:"feeds"`
	Seen      int              `json:"seen_orders"`
	Lifecycle models.Lifecycle `json:"lifecycle"`
	StartedAt time.Time        `json:"started_at"`
}

type Service struct {
	config     *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	registry   registry.Registry
	channel    *channel.Channel
	presenter  *Presenter
	subscriber *Subscriber
	lease      *Lease
	listener   *channel.Listener

	mu        sync.Mutex
	ctx       context.Context
	locations []string
	startedAt time.Time
}

func NewService(rdb *redis.Client, feed store.Feed, reg registry.Registry, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	ch := channel.New(rdb, logger, metrics)
	presenter := NewPresenter(ch, notify.NewHostNotifier(rdb, logger, metrics), logger, metrics)

	s := &Service{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		registry:  reg,
		channel:   ch,
		presenter: presenter,
		lease:     NewLease(rdb, config.PodID, config.LeaseTTL(), logger, metrics),
	}
	s.subscriber = NewSubscriber(feed, config.LegacyLocationCap, s.forward, logger, metrics)
	return s
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("pod_id", s.config.PodID).Info("Starting order watcher")

	// The registry is read before any feed opens so a restarted worker
	// resumes without waiting for a session.
	locations, err := s.registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load monitored locations: %w", err)
	}

	s.mu.Lock()
	s.ctx = ctx
	s.locations = locations
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.WithField("locations", locations).Info("Restored monitored locations")

	listener, err := s.channel.ListenWorker(ctx, s.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to listen for session messages: %w", err)
	}
	s.listener = listener

	s.lease.OnChange(s.onElected, s.subscriber.Stop)
	s.lease.Start(ctx)

	s.logger.WithField("pod_id", s.config.PodID).Info("Order watcher started successfully")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping order watcher")

	var firstErr error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close session listener")
			firstErr = err
		}
	}

	s.lease.Stop()
	s.subscriber.Stop()

	s.logger.Info("Order watcher stopped")
	return firstErr
}

func (s *Service) onElected(ctx context.Context) {
	if err := s.subscriber.Reconfigure(ctx, s.Locations()); err != nil {
		s.logger.WithError(err).Error("Failed to start change feeds")
	}
}

func (s *Service) forward(ctx context.Context, event models.AlertEvent) {
	if err := s.presenter.Present(ctx, event); err != nil {
		s.logger.WithError(err).WithField("order_id", event.OrderID).Error("Failed to present order")
	}
}

func (s *Service) handleMessage(ctx context.Context, msg channel.Message) {
	switch msg.Kind {
	case channel.KindLifecycle:
		s.presenter.SetLifecycle(msg.Value)
		s.logger.WithFields(logrus.Fields{
			"session_id": msg.SessionID,
			"lifecycle":  msg.Value,
		}).Info("Session lifecycle changed")
	case channel.KindMonitor:
		if err := s.UpdateLocations(ctx, msg.Locations); err != nil {
			s.logger.WithError(err).WithField("session_id", msg.SessionID).Error("Failed to update monitored locations")
		}
	}
}

// UpdateLocations persists locations, even when unchanged, and reopens the
// feeds if this process holds the lease.
func (s *Service) UpdateLocations(ctx context.Context, locations []string) error {
	locations = registry.Normalize(locations)

	if err := s.registry.Persist(ctx, locations); err != nil {
		return fmt.Errorf("failed to persist monitored locations: %w", err)
	}

	s.mu.Lock()
	s.locations = locations
	feedCtx := s.ctx
	s.mu.Unlock()

	if !s.lease.Held() {
		return nil
	}
	if feedCtx == nil {
		feedCtx = ctx
	}
	err := s.subscriber.Reconfigure(feedCtx, locations)
	if !s.lease.Held() {
		// Lost the lease while reopening.
		s.subscriber.Stop()
	}
	return err
}

func (s *Service) Locations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.locations...)
}

func (s *Service) IsLeader() bool {
	return s.lease.Held()
}

func (s *Service) Status() Status {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	return Status{
		PodID:     s.config.PodID,
		IsLeader:  s.lease.Held(),
		Locations: s.Locations(),
		Feeds:     s.subscriber.Feeds(),
		Seen:      s.subscriber.SeenCount(),
		Lifecycle: s.presenter.Lifecycle(),
		StartedAt: startedAt,
	}
}
