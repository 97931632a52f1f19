// Package notify models the host-side effects of an alert: the notification
// shown outside the application and the sound/vibration played while an
// order waits for an answer.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/constants"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
)

type Notifier interface {
	// Show raises the notification. A notification already shown under the
	// same key is replaced rather than stacked.
	Show(ctx context.Context, notification models.Notification) error
	Dismiss(ctx context.Context, key int32) error
}

// HostNotifier keeps visible notifications in a Redis hash keyed by the
// coalescing key and announces each one on a pub/sub channel for the
// displaying host.
type HostNotifier struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewHostNotifier(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *HostNotifier {
	return &HostNotifier{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
	}
}

func (n *HostNotifier) Show(ctx context.Context, notification models.Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	field := strconv.FormatInt(int64(notification.Key), 10)

	var added *redis.IntCmd
	_, err = n.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.HSet(ctx, constants.NotificationsKey, field, data)
		pipe.Publish(ctx, constants.NotificationsChannel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to raise notification: %w", err)
	}

	result := "raised"
	if added.Val() == 0 {
		result = "coalesced"
	}
	n.metrics.HostNotifications.WithLabelValues(result).Inc()

	n.logger.WithFields(logrus.Fields{
		"order_id": notification.OrderID,
		"key":      notification.Key,
		"source":   notification.Source,
		"result":   result,
	}).Info("Host notification shown")

	return nil
}

func (n *HostNotifier) Dismiss(ctx context.Context, key int32) error {
	field := strconv.FormatInt(int64(key), 10)
	if err := n.rdb.HDel(ctx, constants.NotificationsKey, field).Err(); err != nil {
		return fmt.Errorf("failed to dismiss notification: %w", err)
	}
	return nil
}

// Visible lists the notifications currently shown, ordered by key.
func (n *HostNotifier) Visible(ctx context.Context) ([]models.Notification, error) {
	values, err := n.rdb.HGetAll(ctx, constants.NotificationsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	notifications := make([]models.Notification, 0, len(values))
	for _, raw := range values {
		var notification models.Notification
		if err := json.Unmarshal([]byte(raw), &notification); err != nil {
			n.logger.WithError(err).Warn("Skipping unreadable notification")
			continue
		}
		notifications = append(notifications, notification)
	}
	sort.Slice(notifications, func(i, j int) bool {
		return notifications[i].Key < notifications[j].Key
	})
	return notifications, nil
}
