package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"order-alert-pipeline/pkg/constants"
	"order-alert-pipeline/pkg/metrics"
)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

var resignScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// Lease elects the single watcher replica that runs the change feeds. The
// holder renews before the TTL runs out; a standby takes over once it lapses.
type Lease struct {
	rdb     *redis.Client
	podID   string
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
	held    *atomic.Bool
	started *atomic.Bool

	onElected func(ctx context.Context)
	onRevoked func()

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewLease(rdb *redis.Client, podID string, ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Lease {
	return &Lease{
		rdb:       rdb,
		podID:     podID,
		ttl:       ttl,
		logger:    logger,
		metrics:   metrics,
		held:      atomic.NewBool(false),
		started:   atomic.NewBool(false),
		onElected: func(context.Context) {},
		onRevoked: func() {},
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnChange registers the callbacks run from the lease loop when this
// process gains or loses the lease. Call before Start.
func (l *Lease) OnChange(elected func(ctx context.Context), revoked func()) {
	l.onElected = elected
	l.onRevoked = revoked
}

func (l *Lease) Start(ctx context.Context) {
	l.logger.WithField("pod_id", l.podID).Info("Starting watcher lease election")
	l.started.Store(true)
	go l.loop(ctx)
}

// Stop ends the election loop and releases the lease if held.
func (l *Lease) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.started.Load() {
			<-l.done
		}

		if l.held.Load() {
			l.resign(context.Background())
			l.lose("resigned")
		}
	})
}

func (l *Lease) Held() bool {
	return l.held.Load()
}

func (l *Lease) loop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Lease) tick(ctx context.Context) {
	if l.held.Load() {
		l.renew(ctx)
		return
	}

	acquired, err := l.rdb.SetNX(ctx, constants.WatcherLeaseKey, l.podID, l.ttl).Result()
	if err != nil {
		l.logger.WithError(err).Error("Failed to attempt lease acquisition")
		return
	}
	if !acquired {
		return
	}

	l.held.Store(true)
	l.metrics.WatcherLeaderChanges.Inc()
	l.logger.WithField("pod_id", l.podID).Info("Acquired watcher lease")
	l.onElected(ctx)
}

func (l *Lease) renew(ctx context.Context) {
	result, err := renewScript.Run(ctx, l.rdb, []string{constants.WatcherLeaseKey}, l.podID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		l.logger.WithError(err).Error("Failed to renew watcher lease")
		l.lose("renew failed")
		return
	}
	if result == 0 {
		l.lose("expired")
	}
}

func (l *Lease) lose(reason string) {
	l.held.Store(false)
	l.logger.WithFields(logrus.Fields{
		"pod_id": l.podID,
		"reason": reason,
	}).Warn("Lost watcher lease")
	l.onRevoked()
}

func (l *Lease) resign(ctx context.Context) {
	if err := resignScript.Run(ctx, l.rdb, []string{constants.WatcherLeaseKey}, l.podID).Err(); err != nil {
		l.logger.WithError(err).Error("Failed to resign watcher lease")
		return
	}
	l.logger.Info("Resigned watcher lease")
}
