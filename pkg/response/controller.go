// Package response runs the operator's answer to a new order: one modal at a
// time, a countdown anchored at the order's creation and exactly one
// status-changing write per order.
package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/config"
	"order-alert-pipeline/pkg/constants"
	"order-alert-pipeline/pkg/hasher"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/notify"
	"order-alert-pipeline/pkg/session"
	"order-alert-pipeline/pkg/store"
)

var (
	ErrNotPresenting    = errors.New("order is not being presented")
	ErrReasonRequired   = errors.New("a reason is required to reject an order")
	ErrResponseInFlight = errors.New("a response for this order is already being written")
)

type State string

const (
	StateIdle         State = "idle"
	StatePresenting   State = "presenting"
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected"
	StateAutoAccepted State = "auto-accepted"
)

func terminalState(outcome models.Outcome) State {
	switch outcome {
	case models.OutcomeRejected:
		return StateRejected
	case models.OutcomeAutoAccepted:
		return StateAutoAccepted
	default:
		return StateAccepted
	}
}

// Modal is what the operator currently sees.
type Modal struct {
	State            State              `json:"state"`
	OrderID          string             `json:"order_id,omitempty"`
	Source           models.AlertSource `json:"source,omitempty"`
	Payload          map[string]any     `json:"payload,omitempty"`
	Deadline         time.Time          `json:"deadline"`
	RemainingSeconds int                `json:"remaining_seconds"`
	Queued           []string           `json:"queued,omitempty"`
}

// presentation is one pass through the Presenting state.
type presentation struct {
	event     models.AlertEvent
	deadline  time.Time
	remaining int
	inflight  bool
	stop      chan struct{}
}

// guard holds the deadline of an order an earlier session already presented.
// No modal or alarm is shown for it, but it is still auto-accepted at zero.
type guard struct {
	event    models.AlertEvent
	deadline time.Time
	stop     chan struct{}
}

type Controller struct {
	resolver store.Resolver
	ledger   PresentedLog
	alarm    notify.Alarm
	notifier notify.Notifier
	session  session.Session
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu          sync.Mutex
	current     *presentation
	opening     bool
	epoch       uint64
	guards      map[string]*guard
	queue       []models.AlertEvent
	presented   map[string]struct{}
	decisions   map[string]models.ResponseDecision
	last        State
	lastOrderID string
}

func NewController(resolver store.Resolver, ledger PresentedLog, alarm notify.Alarm, notifier notify.Notifier, sess session.Session, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *Controller {
	return &Controller{
		resolver:  resolver,
		ledger:    ledger,
		alarm:     alarm,
		notifier:  notifier,
		session:   sess,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		guards:    make(map[string]*guard),
		presented: make(map[string]struct{}),
		decisions: make(map[string]models.ResponseDecision),
		last:      StateIdle,
	}
}

// WithClock replaces the wall clock used for the countdown.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Present opens the response modal for event. An order already presented in
// this session, or already decided, is ignored. While another order is being
// presented the event waits in a queue and is presented when that modal exits.
// An order an earlier session presented gets no modal, only its deadline.
func (c *Controller) Present(ctx context.Context, event models.AlertEvent) error {
	if event.OrderID == "" {
		return errors.New("alert event has no order id")
	}

	c.present(ctx, event)
	return nil
}

// present claims the modal under the lock, records the order in the ledger
// with the lock released and then opens the modal or arms a guard.
func (c *Controller) present(ctx context.Context, event models.AlertEvent) {
	logger := c.logger.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"source":   event.Source,
	})

	c.mu.Lock()
	if !c.admitLocked(event, logger) {
		c.mu.Unlock()
		return
	}
	c.opening = true
	epoch := c.epoch
	c.presented[event.OrderID] = struct{}{}
	c.mu.Unlock()

	now := c.now()
	earlier := c.presentedEarlier(ctx, event.OrderID, now, logger)

	c.mu.Lock()
	c.opening = false
	tornDown := c.epoch != epoch
	switch {
	case tornDown:
		delete(c.presented, event.OrderID)
		logger.Debug("Session torn down while opening modal")
	case earlier:
		c.guardLocked(event, now)
		logger.Info("Order was presented in an earlier session, keeping its deadline only")
	default:
		c.openLocked(event, now, logger)
	}
	opened := c.current != nil
	c.mu.Unlock()

	if tornDown && !earlier {
		if err := c.unmark(ctx, event.OrderID); err != nil {
			logger.WithError(err).Warn("Failed to release presented order")
		}
	}
	if !opened {
		c.presentNext(ctx)
	}
}

func (c *Controller) admitLocked(event models.AlertEvent, logger *logrus.Entry) bool {
	if _, decided := c.decisions[event.OrderID]; decided {
		logger.Debug("Ignoring alert for decided order")
		return false
	}
	if _, seen := c.presented[event.OrderID]; seen {
		logger.Debug("Ignoring alert for order already presented")
		return false
	}

	if c.current != nil || c.opening {
		if !c.queued(event.OrderID) {
			c.queue = append(c.queue, event)
			c.metrics.AlertsDeferred.Inc()
			logger.Info("Queued alert behind open modal")
		}
		return false
	}
	return true
}

// presentedEarlier records the order in the ledger and reports whether it was
// already there. Ledger failures never block a presentation.
func (c *Controller) presentedEarlier(ctx context.Context, orderID string, now time.Time, logger *logrus.Entry) bool {
	operatorID := c.session.OperatorID()
	if operatorID == "" {
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout())
	defer cancel()

	added, err := c.ledger.MarkPresented(writeCtx, operatorID, orderID, now)
	if err != nil {
		logger.WithError(err).Warn("Failed to record presented order")
		return false
	}
	return !added
}

func (c *Controller) openLocked(event models.AlertEvent, now time.Time, logger *logrus.Entry) {
	p := &presentation{
		event:    event,
		deadline: deadline(event.Payload, c.config.ResponseWindow(), now),
		stop:     make(chan struct{}),
	}
	p.remaining = constants.RemainingSeconds(p.deadline, now)
	c.current = p
	c.last = StatePresenting
	c.lastOrderID = event.OrderID

	c.alarm.Start(event.OrderID)
	c.metrics.AlertsPresented.WithLabelValues(string(event.Source)).Inc()
	c.metrics.CountdownRemaining.Set(float64(p.remaining))

	logger.WithField("remaining_seconds", p.remaining).Info("Presenting order")

	go c.countdown(p)
}

func (c *Controller) guardLocked(event models.AlertEvent, now time.Time) {
	g := &guard{
		event:    event,
		deadline: deadline(event.Payload, c.config.ResponseWindow(), now),
		stop:     make(chan struct{}),
	}
	c.guards[event.OrderID] = g
	c.metrics.AlertsSuppressed.Inc()

	go c.watchGuard(g)
}

// watchGuard auto-accepts a guarded order at its deadline, retrying failed
// writes on every tick.
func (c *Controller) watchGuard(g *guard) {
	ticker := time.NewTicker(c.config.TickInterval())
	defer ticker.Stop()

	for {
		if constants.RemainingSeconds(g.deadline, c.now()) == 0 {
			err := c.expireGuard(g)
			if err == nil {
				return
			}
			c.logger.WithError(err).WithField("order_id", g.event.OrderID).Warn("Auto-accept of suppressed order failed, retrying")
		}

		select {
		case <-g.stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) expireGuard(g *guard) error {
	orderID := g.event.OrderID

	c.mu.Lock()
	if c.guards[orderID] != g {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	decision, resolvedElsewhere, err := c.write(context.Background(), orderID, models.OutcomeAutoAccepted, "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.guards[orderID] == g {
		delete(c.guards, orderID)
	}
	if !resolvedElsewhere {
		c.decisions[orderID] = decision
		c.metrics.ResponseDecisions.WithLabelValues(string(models.OutcomeAutoAccepted)).Inc()
	}
	c.mu.Unlock()

	if resolvedElsewhere {
		c.logger.WithField("order_id", orderID).Debug("Suppressed order was resolved elsewhere")
		return nil
	}

	c.logger.WithField("order_id", orderID).Info("Auto-accepted order presented in an earlier session")
	c.dismiss(context.Background(), orderID)
	return nil
}

func (c *Controller) queued(orderID string) bool {
	for _, event := range c.queue {
		if event.OrderID == orderID {
			return true
		}
	}
	return false
}

// countdown recomputes the remaining time from the wall clock on every tick
// and auto-accepts at zero. A failed auto-accept is retried on the next tick.
func (c *Controller) countdown(p *presentation) {
	ticker := time.NewTicker(c.config.TickInterval())
	defer ticker.Stop()

	for {
		left := constants.RemainingSeconds(p.deadline, c.now())
		if !c.setRemaining(p, left) {
			return
		}

		if left == 0 {
			err := c.finish(context.Background(), p, models.OutcomeAutoAccepted, "")
			if err == nil || errors.Is(err, ErrNotPresenting) {
				return
			}
			if !errors.Is(err, ErrResponseInFlight) {
				c.logger.WithError(err).WithField("order_id", p.event.OrderID).Warn("Auto-accept failed, retrying")
			}
		}

		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) setRemaining(p *presentation, left int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != p {
		return false
	}
	p.remaining = left
	c.metrics.CountdownRemaining.Set(float64(left))
	return true
}

// Accept records the operator's acceptance of the presented order.
func (c *Controller) Accept(ctx context.Context, orderID string) error {
	return c.respond(ctx, orderID, models.OutcomeAccepted, "")
}

// Reject cancels the presented order. The reason is mandatory.
func (c *Controller) Reject(ctx context.Context, orderID, reason string) error {
	return c.respond(ctx, orderID, models.OutcomeRejected, strings.TrimSpace(reason))
}

func (c *Controller) respond(ctx context.Context, orderID string, outcome models.Outcome, reason string) error {
	c.mu.Lock()
	if _, decided := c.decisions[orderID]; decided {
		c.mu.Unlock()
		return nil
	}
	p := c.current
	c.mu.Unlock()

	if outcome == models.OutcomeRejected && reason == "" {
		return ErrReasonRequired
	}
	if p == nil || p.event.OrderID != orderID {
		return ErrNotPresenting
	}

	err := c.finish(ctx, p, outcome, reason)
	if errors.Is(err, ErrNotPresenting) {
		// Decided by a concurrent transition while this call was waiting.
		if _, ok := c.Decision(orderID); ok {
			return nil
		}
	}
	return err
}

// finish performs the single authoritative write for p. The first caller to
// claim p wins; the state machine leaves Presenting only once the write
// succeeds or the store reports the order already resolved.
func (c *Controller) finish(ctx context.Context, p *presentation, outcome models.Outcome, reason string) error {
	c.mu.Lock()
	if c.current != p {
		c.mu.Unlock()
		return ErrNotPresenting
	}
	if p.inflight {
		c.mu.Unlock()
		return ErrResponseInFlight
	}
	p.inflight = true
	c.mu.Unlock()

	orderID := p.event.OrderID
	decision, resolvedElsewhere, err := c.write(ctx, orderID, outcome, reason)

	logger := c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"outcome":  outcome,
	})

	c.mu.Lock()
	p.inflight = false
	if err != nil {
		c.mu.Unlock()
		logger.WithError(err).Error("Failed to record response decision")
		return fmt.Errorf("failed to record %s decision: %w", outcome, err)
	}

	if resolvedElsewhere {
		logger.Info("Order was resolved elsewhere, closing modal")
	} else {
		c.decisions[orderID] = decision
		c.metrics.ResponseDecisions.WithLabelValues(string(outcome)).Inc()
		logger.WithFields(logrus.Fields{
			"actor_id": decision.ActorID,
			"reason":   reason,
		}).Info("Recorded response decision")
	}

	if c.current == p {
		c.exitLocked(p)
		if resolvedElsewhere {
			c.last = StateIdle
		} else {
			c.last = terminalState(outcome)
		}
	}
	c.mu.Unlock()

	if !resolvedElsewhere {
		c.dismiss(ctx, orderID)
	}
	c.presentNext(context.Background())
	return nil
}

// write performs the status-changing write for orderID under the write
// timeout. The boolean is true when the order had already left pending.
func (c *Controller) write(ctx context.Context, orderID string, outcome models.Outcome, reason string) (models.ResponseDecision, bool, error) {
	decision := models.ResponseDecision{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Outcome:   outcome,
		Reason:    reason,
		ActorID:   c.session.OperatorID(),
		DecidedAt: c.now(),
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout())
	defer cancel()

	err := c.resolver.Resolve(writeCtx, decision)
	if errors.Is(err, store.ErrAlreadyResolved) || errors.Is(err, store.ErrOrderNotFound) {
		return decision, true, nil
	}
	return decision, false, err
}

// exitLocked leaves Presenting. The alarm is stopped on every exit.
func (c *Controller) exitLocked(p *presentation) {
	close(p.stop)
	c.current = nil
	c.alarm.Stop()
	c.metrics.CountdownRemaining.Set(0)
}

// presentNext presents the oldest queued alert once the modal is free.
func (c *Controller) presentNext(ctx context.Context) {
	c.mu.Lock()
	if c.current != nil || c.opening || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	c.present(ctx, next)
}

func (c *Controller) dismiss(ctx context.Context, orderID string) {
	dismissCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.WriteTimeout())
	defer cancel()

	if err := c.notifier.Dismiss(dismissCtx, hasher.NotificationKey(orderID)); err != nil {
		c.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to dismiss host notification")
	}
}

// Teardown closes the session's modal without writing a decision. The order
// stays pending so a future session can present it again. Queued alerts are
// dropped.
func (c *Controller) Teardown(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.queue = nil
	for orderID, g := range c.guards {
		close(g.stop)
		delete(c.guards, orderID)
		delete(c.presented, orderID)
	}
	p := c.current
	if p == nil {
		c.mu.Unlock()
		return nil
	}
	orderID := p.event.OrderID
	c.exitLocked(p)
	delete(c.presented, orderID)
	c.last = StateIdle
	c.lastOrderID = ""
	c.mu.Unlock()

	c.logger.WithField("order_id", orderID).Info("Closed response modal without a decision")

	return c.unmark(ctx, orderID)
}

// unmark removes orderID from the ledger so a future session presents it.
func (c *Controller) unmark(ctx context.Context, orderID string) error {
	operatorID := c.session.OperatorID()
	if operatorID == "" {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout())
	defer cancel()

	return c.ledger.Unmark(writeCtx, operatorID, orderID)
}

// Decision returns the decision recorded by this controller for orderID.
func (c *Controller) Decision(orderID string) (models.ResponseDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	decision, ok := c.decisions[orderID]
	return decision, ok
}

func (c *Controller) Modal() Modal {
	c.mu.Lock()
	defer c.mu.Unlock()

	queued := make([]string, 0, len(c.queue))
	for _, event := range c.queue {
		queued = append(queued, event.OrderID)
	}

	if c.current == nil {
		return Modal{State: c.last, OrderID: c.lastOrderID, Queued: queued}
	}

	p := c.current
	return Modal{
		State:            StatePresenting,
		OrderID:          p.event.OrderID,
		Source:           p.event.Source,
		Payload:          p.event.Payload,
		Deadline:         p.deadline,
		RemainingSeconds: p.remaining,
		Queued:           queued,
	}
}

// CleanupLedger drops presented-order entries older than the retention period.
func (c *Controller) CleanupLedger(ctx context.Context) error {
	operatorID := c.session.OperatorID()
	if operatorID == "" {
		return nil
	}
	_, err := c.ledger.CleanupExpired(ctx, operatorID, constants.DefaultLedgerRetention)
	return err
}
