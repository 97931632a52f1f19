package response

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/constants"
	"order-alert-pipeline/pkg/metrics"
)

// Ledger records which orders were presented to an operator, scored by
// presentation time, so a restarted session does not alert twice.
type Ledger struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// PresentedLog records which orders an operator has been shown.
type PresentedLog interface {
	MarkPresented(ctx context.Context, operatorID, orderID string, at time.Time) (bool, error)
	Unmark(ctx context.Context, operatorID, orderID string) error
	CleanupExpired(ctx context.Context, operatorID string, maxAge time.Duration) (int64, error)
}

func NewLedger(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *Ledger {
	return &Ledger{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func presentedKey(operatorID string) string {
	return constants.PresentedKeyPrefix + operatorID
}

func (l *Ledger) observe(operation string) func() {
	start := time.Now()
	return func() {
		l.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// MarkPresented records orderID for the operator. It returns false when the
// order was already recorded.
func (l *Ledger) MarkPresented(ctx context.Context, operatorID, orderID string, at time.Time) (bool, error) {
	defer l.observe("ledger_mark")()

	added, err := l.rdb.ZAddNX(ctx, presentedKey(operatorID), &redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: orderID,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark order presented: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"operator_id": operatorID,
		"order_id":    orderID,
		"added":       added == 1,
	}).Debug("Marked order presented")

	return added == 1, nil
}

// Unmark forgets orderID so a later session may present it again.
func (l *Ledger) Unmark(ctx context.Context, operatorID, orderID string) error {
	defer l.observe("ledger_unmark")()

	if err := l.rdb.ZRem(ctx, presentedKey(operatorID), orderID).Err(); err != nil {
		return fmt.Errorf("failed to unmark presented order: %w", err)
	}
	return nil
}

func (l *Ledger) Presented(ctx context.Context, operatorID, orderID string) (bool, error) {
	_, err := l.rdb.ZScore(ctx, presentedKey(operatorID), orderID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read presented order: %w", err)
	}
	return true, nil
}

func (l *Ledger) Count(ctx context.Context, operatorID string) (int64, error) {
	count, err := l.rdb.ZCard(ctx, presentedKey(operatorID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count presented orders: %w", err)
	}
	return count, nil
}

// CleanupExpired removes entries presented more than maxAge ago.
func (l *Ledger) CleanupExpired(ctx context.Context, operatorID string, maxAge time.Duration) (int64, error) {
	defer l.observe("ledger_cleanup")()

	cutoff := time.Now().Add(-maxAge).UnixMilli()

	removed, err := l.rdb.ZRemRangeByScore(ctx, presentedKey(operatorID), "0", fmt.Sprintf("%d", cutoff)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup presented orders: %w", err)
	}

	if removed > 0 {
		l.logger.WithFields(logrus.Fields{
			"operator_id":   operatorID,
			"removed_count": removed,
			"max_age":       maxAge,
		}).Info("Cleaned up presented orders")
	}

	return removed, nil
}
