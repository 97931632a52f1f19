package response

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-alert-pipeline/pkg/channel"
	"order-alert-pipeline/pkg/config"
	"order-alert-pipeline/pkg/hasher"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/notify"
	"order-alert-pipeline/pkg/session"
	"order-alert-pipeline/pkg/store"
	"order-alert-pipeline/pkg/store/redisstore"
	fixtures "order-alert-pipeline/pkg/testutil"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// countingResolver wraps the store, counting writes and failing the first
// failures of them.
type countingResolver struct {
	store.Resolver

	mu       sync.Mutex
	calls    int
	failures int
}

func (r *countingResolver) Resolve(ctx context.Context, decision models.ResponseDecision) error {
	r.mu.Lock()
	r.calls++
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()

	if fail {
		return errors.New("backing store unavailable")
	}
	return r.Resolver.Resolve(ctx, decision)
}

func (r *countingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type harness struct {
	controller *Controller
	clock      *clock
	alarm      *notify.LogAlarm
	notifier   *notify.HostNotifier
	ledger     *Ledger
	session    *session.State
	store      *redisstore.Store
	resolver   *countingResolver
	metrics    *metrics.Metrics
	rdb        *redis.Client
}

func setupHarness(t *testing.T) *harness {
	rdb, _ := fixtures.NewRedis(t)
	return newHarness(t, rdb)
}

func newHarness(t *testing.T, rdb *redis.Client) *harness {
	return newHarnessWithLog(t, rdb, nil)
}

// newHarnessWithLog lets a test wrap the ledger the controller writes to.
func newHarnessWithLog(t *testing.T, rdb *redis.Client, wrap func(*Ledger) PresentedLog) *harness {
	logger := fixtures.NewLogger()
	m := metrics.NewTestMetrics()

	cfg := config.Defaults()
	cfg.TickIntervalMS = 5

	sess := session.NewState()
	sess.MarkReady("op-1", []string{"B1"})

	h := &harness{
		clock:    &clock{t: time.UnixMilli(time.Now().UnixMilli())},
		alarm:    notify.NewLogAlarm(logger),
		notifier: notify.NewHostNotifier(rdb, logger, m),
		ledger:   NewLedger(rdb, logger, m),
		session:  sess,
		store:    redisstore.New(rdb, logger, m),
		metrics:  m,
		rdb:      rdb,
	}
	h.resolver = &countingResolver{Resolver: h.store}
	var ledger PresentedLog = h.ledger
	if wrap != nil {
		ledger = wrap(h.ledger)
	}
	h.controller = NewController(h.resolver, ledger, h.alarm, h.notifier, sess, cfg, logger, m).WithClock(h.clock.Now)

	t.Cleanup(func() {
		h.controller.Teardown(context.Background())
	})
	return h
}

// crash stops the presentation the way a killed process would: no teardown
// runs and the ledger keeps its entry.
func (h *harness) crash() {
	h.controller.mu.Lock()
	defer h.controller.mu.Unlock()

	if p := h.controller.current; p != nil {
		h.controller.exitLocked(p)
	}
}

// blockingLog holds MarkPresented until release is closed.
type blockingLog struct {
	PresentedLog
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLog) MarkPresented(ctx context.Context, operatorID, orderID string, at time.Time) (bool, error) {
	l.entered <- struct{}{}
	<-l.release
	return l.PresentedLog.MarkPresented(ctx, operatorID, orderID, at)
}

// seed stores a pending order created at the given offset from the fake clock
// and returns the alert event a session would receive for it.
func (h *harness) seed(t *testing.T, id string, age time.Duration, source models.AlertSource) models.AlertEvent {
	order := models.Order{
		ID:           id,
		Status:       models.StatusPending,
		Locations:    []string{"B1"},
		CreatedAt:    h.clock.Now().Add(-age),
		CustomerName: "Ada",
		Total:        18.5,
	}
	require.NoError(t, h.store.Put(context.Background(), order))

	return models.AlertEvent{
		OrderID: id,
		Payload: channel.Sanitize(order.Payload()),
		Source:  source,
	}
}

func TestController_PresentsEachOrderOnce(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, event))

	event.Source = models.SourcePushForeground
	require.NoError(t, h.controller.Present(ctx, event))
	event.Source = models.SourcePushTap
	require.NoError(t, h.controller.Present(ctx, event))

	modal := h.controller.Modal()
	assert.Equal(t, StatePresenting, modal.State)
	assert.Equal(t, "O1", modal.OrderID)
	assert.Empty(t, modal.Queued)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AlertsPresented.WithLabelValues(string(models.SourceWatcher))))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.AlertsPresented.WithLabelValues(string(models.SourcePushForeground))))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.AlertsPresented.WithLabelValues(string(models.SourcePushTap))))
	assert.Equal(t, "O1", h.alarm.Active())
}

func TestController_CountdownIsAnchoredAtCreation(t *testing.T) {
	h := setupHarness(t)

	event := h.seed(t, "O1", 40*time.Second, models.SourceWatcher)
	require.NoError(t, h.controller.Present(context.Background(), event))

	modal := h.controller.Modal()
	assert.LessOrEqual(t, modal.RemainingSeconds, 20)
	assert.Greater(t, modal.RemainingSeconds, 0)
}

func TestController_AutoAcceptsWhenCountdownExpires(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, event))
	assert.Equal(t, 60, h.controller.Modal().RemainingSeconds)

	h.clock.Advance(60 * time.Second)

	require.Eventually(t, func() bool {
		_, ok := h.controller.Decision("O1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	decision, _ := h.controller.Decision("O1")
	assert.Equal(t, models.OutcomeAutoAccepted, decision.Outcome)
	assert.True(t, decision.AutoAccepted())
	assert.Equal(t, "op-1", decision.ActorID)

	order, err := h.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPreparing, order.Status)
	assert.True(t, order.AutoAccepted)

	assert.Equal(t, StateAutoAccepted, h.controller.Modal().State)
	assert.Empty(t, h.alarm.Active())
	assert.Equal(t, 1, h.resolver.count())
}

func TestController_DiscoveredPastDeadlineAutoAcceptsImmediately(t *testing.T) {
	h := setupHarness(t)

	event := h.seed(t, "O1", 90*time.Second, models.SourcePushTap)
	require.NoError(t, h.controller.Present(context.Background(), event))

	require.Eventually(t, func() bool {
		decision, ok := h.controller.Decision("O1")
		return ok && decision.AutoAccepted()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestController_RejectWithReason(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, event))

	h.clock.Advance(50 * time.Second)
	require.Eventually(t, func() bool {
		return h.controller.Modal().RemainingSeconds == 10
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.controller.Reject(ctx, "O1", "  "), ErrReasonRequired)
	assert.Equal(t, StatePresenting, h.controller.Modal().State)

	require.NoError(t, h.controller.Reject(ctx, "O1", "Kitchen Busy"))
	assert.Equal(t, StateRejected, h.controller.Modal().State)
	assert.Empty(t, h.alarm.Active())

	order, err := h.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, order.Status)
	assert.Equal(t, "Kitchen Busy", order.CancelReason)
	assert.Equal(t, "op-1", order.RespondedBy)

	// The countdown is gone: passing the deadline writes nothing more.
	h.clock.Advance(20 * time.Second)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.resolver.count())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ResponseDecisions.WithLabelValues(string(models.OutcomeAutoAccepted))))
}

func TestController_TerminalTransitionIsOneShot(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, event))

	require.NoError(t, h.controller.Accept(ctx, "O1"))
	require.NoError(t, h.controller.Accept(ctx, "O1"))
	require.NoError(t, h.controller.Reject(ctx, "O1", "Too late"))

	h.clock.Advance(2 * time.Minute)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, h.resolver.count())
	decision, ok := h.controller.Decision("O1")
	require.True(t, ok)
	assert.Equal(t, models.OutcomeAccepted, decision.Outcome)

	// Re-delivery after the decision does not reopen the modal.
	require.NoError(t, h.controller.Present(ctx, event))
	assert.Equal(t, StateAccepted, h.controller.Modal().State)
}

func TestController_FailedWriteStaysPresenting(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.resolver.failures = 1

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, event))

	err := h.controller.Accept(ctx, "O1")
	require.Error(t, err)
	assert.Equal(t, StatePresenting, h.controller.Modal().State)
	assert.Equal(t, "O1", h.alarm.Active())
	_, decided := h.controller.Decision("O1")
	assert.False(t, decided)

	require.NoError(t, h.controller.Accept(ctx, "O1"))
	assert.Equal(t, StateAccepted, h.controller.Modal().State)
	assert.Equal(t, 2, h.resolver.count())
}

func TestController_ResolvedElsewhereClosesModal(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, event))

	// Another session answered first.
	require.NoError(t, h.store.Resolve(ctx, models.ResponseDecision{
		OrderID:   "O1",
		Outcome:   models.OutcomeAccepted,
		ActorID:   "op-2",
		DecidedAt: time.Now(),
	}))

	require.NoError(t, h.controller.Accept(ctx, "O1"))
	assert.Equal(t, StateIdle, h.controller.Modal().State)
	assert.Empty(t, h.alarm.Active())

	order, err := h.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, "op-2", order.RespondedBy)
}

func TestController_QueuesOrdersBehindOpenModal(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	first := h.seed(t, "O1", 0, models.SourceWatcher)
	second := h.seed(t, "O2", 0, models.SourceWatcher)

	require.NoError(t, h.controller.Present(ctx, first))
	require.NoError(t, h.controller.Present(ctx, second))
	require.NoError(t, h.controller.Present(ctx, second))

	modal := h.controller.Modal()
	assert.Equal(t, "O1", modal.OrderID)
	assert.Equal(t, []string{"O2"}, modal.Queued)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AlertsDeferred))

	require.NoError(t, h.controller.Accept(ctx, "O1"))

	modal = h.controller.Modal()
	assert.Equal(t, StatePresenting, modal.State)
	assert.Equal(t, "O2", modal.OrderID)
	assert.Empty(t, modal.Queued)
	assert.Equal(t, "O2", h.alarm.Active())
}

func TestController_TeardownWritesNoDecision(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	first := h.seed(t, "O1", 0, models.SourceWatcher)
	second := h.seed(t, "O2", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, first))
	require.NoError(t, h.controller.Present(ctx, second))

	require.NoError(t, h.controller.Teardown(ctx))

	modal := h.controller.Modal()
	assert.Equal(t, StateIdle, modal.State)
	assert.Empty(t, modal.Queued)
	assert.Empty(t, h.alarm.Active())

	h.clock.Advance(2 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.resolver.count())

	order, err := h.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, order.Status)

	presented, err := h.ledger.Presented(ctx, "op-1", "O1")
	require.NoError(t, err)
	assert.False(t, presented)

	// A later session may present it again.
	require.NoError(t, h.controller.Present(ctx, first))
	assert.Equal(t, "O1", h.controller.Modal().OrderID)
}

func TestController_LedgerSuppressesAcrossRestart(t *testing.T) {
	rdb, _ := fixtures.NewRedis(t)
	ctx := context.Background()

	before := newHarness(t, rdb)
	event := before.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, before.controller.Present(ctx, event))
	require.NoError(t, before.controller.Accept(ctx, "O1"))

	after := newHarness(t, rdb)
	require.NoError(t, after.controller.Present(ctx, event))
	assert.Equal(t, StateIdle, after.controller.Modal().State)
	assert.Empty(t, after.alarm.Active())
}

func TestController_SuppressedOrderStillAutoAccepts(t *testing.T) {
	rdb, _ := fixtures.NewRedis(t)
	ctx := context.Background()

	crashed := newHarness(t, rdb)
	event := crashed.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, crashed.controller.Present(ctx, event))
	crashed.crash()

	restarted := newHarness(t, rdb)
	event.Source = models.SourcePushTap
	require.NoError(t, restarted.controller.Present(ctx, event))

	assert.Equal(t, StateIdle, restarted.controller.Modal().State)
	assert.Empty(t, restarted.alarm.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(restarted.metrics.AlertsSuppressed))

	restarted.clock.Advance(60 * time.Second)

	require.Eventually(t, func() bool {
		decision, ok := restarted.controller.Decision("O1")
		return ok && decision.AutoAccepted()
	}, 2*time.Second, 5*time.Millisecond)

	order, err := restarted.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPreparing, order.Status)
	assert.True(t, order.AutoAccepted)
	assert.Equal(t, 0, crashed.resolver.count())
	assert.Equal(t, 1, restarted.resolver.count())
}

func TestController_SuppressedOrderResolvedElsewhere(t *testing.T) {
	rdb, _ := fixtures.NewRedis(t)
	ctx := context.Background()

	crashed := newHarness(t, rdb)
	event := crashed.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, crashed.controller.Present(ctx, event))
	crashed.crash()

	restarted := newHarness(t, rdb)
	require.NoError(t, restarted.controller.Present(ctx, event))
	require.NoError(t, restarted.store.Resolve(ctx, models.ResponseDecision{
		OrderID:   "O1",
		Outcome:   models.OutcomeAccepted,
		ActorID:   "op-2",
		DecidedAt: time.Now(),
	}))

	restarted.clock.Advance(60 * time.Second)

	require.Eventually(t, func() bool {
		return restarted.resolver.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := restarted.controller.Decision("O1")
	assert.False(t, ok)

	order, err := restarted.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, "op-2", order.RespondedBy)
	assert.False(t, order.AutoAccepted)
}

func TestController_TeardownStopsSuppressedDeadline(t *testing.T) {
	rdb, _ := fixtures.NewRedis(t)
	ctx := context.Background()

	crashed := newHarness(t, rdb)
	event := crashed.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, crashed.controller.Present(ctx, event))
	crashed.crash()

	restarted := newHarness(t, rdb)
	require.NoError(t, restarted.controller.Present(ctx, event))
	require.NoError(t, restarted.controller.Teardown(ctx))

	restarted.clock.Advance(2 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, restarted.resolver.count())

	order, err := restarted.store.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, order.Status)
}

func TestController_LedgerWriteDoesNotHoldTheModal(t *testing.T) {
	rdb, _ := fixtures.NewRedis(t)
	ctx := context.Background()

	slow := &blockingLog{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarnessWithLog(t, rdb, func(l *Ledger) PresentedLog {
		slow.PresentedLog = l
		return slow
	})

	first := h.seed(t, "O1", 0, models.SourceWatcher)
	second := h.seed(t, "O2", 0, models.SourceWatcher)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.controller.Present(ctx, first)
	}()
	<-slow.entered

	modals := make(chan Modal, 1)
	go func() { modals <- h.controller.Modal() }()
	select {
	case modal := <-modals:
		assert.Equal(t, StateIdle, modal.State)
	case <-time.After(time.Second):
		t.Fatal("Modal blocked behind the ledger write")
	}

	// A second alert waits for the modal being opened.
	require.NoError(t, h.controller.Present(ctx, second))
	assert.Equal(t, []string{"O2"}, h.controller.Modal().Queued)

	close(slow.release)
	<-done

	modal := h.controller.Modal()
	assert.Equal(t, StatePresenting, modal.State)
	assert.Equal(t, "O1", modal.OrderID)

	// O2 reaches the ledger once O1 is decided.
	require.NoError(t, h.controller.Accept(ctx, "O1"))
	assert.Equal(t, "O2", h.controller.Modal().OrderID)
}

func TestController_DismissesHostNotification(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.notifier.Show(ctx, models.Notification{
		Key:      hasher.NotificationKey("O1"),
		OrderID:  "O1",
		Source:   models.SourceWatcher,
		RaisedAt: time.Now(),
	}))

	require.NoError(t, h.controller.Present(ctx, event))
	require.NoError(t, h.controller.Accept(ctx, "O1"))

	visible, err := h.notifier.Visible(ctx)
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestController_ActionsRequireThePresentedOrder(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.controller.Accept(ctx, "O1"), ErrNotPresenting)

	event := h.seed(t, "O1", 0, models.SourceWatcher)
	require.NoError(t, h.controller.Present(ctx, event))
	assert.ErrorIs(t, h.controller.Accept(ctx, "O2"), ErrNotPresenting)
	assert.Error(t, h.controller.Present(ctx, models.AlertEvent{}))
}
