// Package operator hosts a foreground session: it receives orders from the
// watcher and from push, keeps the watcher informed of the session's
// lifecycle and locations, and drives the response controller.
package operator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/channel"
	"order-alert-pipeline/pkg/config"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/notify"
	"order-alert-pipeline/pkg/pending"
	"order-alert-pipeline/pkg/push"
	"order-alert-pipeline/pkg/response"
	"order-alert-pipeline/pkg/session"
	"order-alert-pipeline/pkg/store"
)

var ErrOperatorRequired = errors.New("operator id is required")

type Service struct {
	config     *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	state      *session.State
	channel    *channel.Channel
	controller *response.Controller
	buffer     *pending.Buffer
	handoff    *pending.Handoff
	push       *push.Handler
	listener   *channel.Listener
	stopCh     chan struct{}
}

func NewService(rdb *redis.Client, resolver store.Resolver, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	state := session.NewState()
	notifier := notify.NewHostNotifier(rdb, logger, metrics)
	controller := response.NewController(
		resolver,
		response.NewLedger(rdb, logger, metrics),
		notify.NewLogAlarm(logger),
		notifier,
		state,
		config,
		logger,
		metrics,
	)
	buffer := pending.NewBuffer(config.PendingTTL(), logger, metrics)
	handoff := pending.NewHandoff(buffer, controller, state)

	return &Service{
		config:     config,
		logger:     logger,
		metrics:    metrics,
		state:      state,
		channel:    channel.New(rdb, logger, metrics),
		controller: controller,
		buffer:     buffer,
		handoff:    handoff,
		push:       push.NewHandler(notifier, handoff, state, logger),
		stopCh:     make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.WithField("session_id", s.state.ID()).Info("Starting operator session")

	listener, err := s.channel.ListenSessions(ctx, s.handleNewOrder)
	if err != nil {
		return fmt.Errorf("failed to listen for new orders: %w", err)
	}
	s.listener = listener

	go s.cleanupRoutine(ctx)

	s.logger.WithField("session_id", s.state.ID()).Info("Operator session started successfully")
	return nil
}

// Stop tears the session down: an open modal closes without a decision, the
// deferred alert is dropped and the watcher is told the session is gone.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping operator session")

	close(s.stopCh)

	if err := s.controller.Teardown(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to release presented order")
	}
	s.buffer.Stop()

	if err := s.channel.SendToWorker(ctx, channel.LifecycleMessage(s.state.ID(), models.LifecycleBackground)); err != nil {
		s.logger.WithError(err).Warn("Failed to report session shutdown to watcher")
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.WithError(err).Error("Failed to close order listener")
			return err
		}
	}

	s.logger.Info("Operator session stopped")
	return nil
}

func (s *Service) handleNewOrder(ctx context.Context, msg channel.Message) {
	if err := s.handoff.Deliver(ctx, msg.Event(models.SourceWatcher)); err != nil {
		s.logger.WithError(err).WithField("order_id", msg.OrderID).Error("Failed to hand off new order")
	}
}

// Ready records the loaded operator context, reports the authorized
// locations to the watcher and delivers any deferred alert.
func (s *Service) Ready(ctx context.Context, operatorID string, locations []string) error {
	if operatorID == "" {
		return ErrOperatorRequired
	}

	s.state.MarkReady(operatorID, locations)
	s.logger.WithFields(logrus.Fields{
		"operator_id": operatorID,
		"locations":   locations,
	}).Info("Operator session ready")

	if err := s.channel.SendToWorker(ctx, channel.MonitorMessage(s.state.ID(), locations)); err != nil {
		return fmt.Errorf("failed to report locations: %w", err)
	}

	return s.handoff.Drain(ctx)
}

func (s *Service) SetLifecycle(ctx context.Context, lifecycle models.Lifecycle) error {
	switch lifecycle {
	case models.LifecycleForeground, models.LifecycleBackground:
	default:
		return fmt.Errorf("unknown lifecycle %q", lifecycle)
	}

	s.state.SetLifecycle(lifecycle)
	if err := s.channel.SendToWorker(ctx, channel.LifecycleMessage(s.state.ID(), lifecycle)); err != nil {
		return fmt.Errorf("failed to report lifecycle: %w", err)
	}
	return nil
}

func (s *Service) Session() *session.State {
	return s.state
}

func (s *Service) Controller() *response.Controller {
	return s.controller
}

func (s *Service) Push() *push.Handler {
	return s.push
}

func (s *Service) PendingBuffer() *pending.Buffer {
	return s.buffer
}

func (s *Service) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.controller.CleanupLedger(ctx); err != nil {
				s.logger.WithError(err).Error("Failed to cleanup presented orders")
			}
		}
	}
}
