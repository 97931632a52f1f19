// Package push is the entry point for push messages delivered while the
// session may be backgrounded or not running. Its notifications use the same
// coalescing key as the watcher's.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/hasher"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/notify"
)

var (
	ErrMissingOrderID = errors.New("push message has no orderId")
	ErrMalformed      = errors.New("malformed push message")
)

// Deliverer hands an alert to the response controller, or defers it until
// the session is ready.
type Deliverer interface {
	Deliver(ctx context.Context, event models.AlertEvent) error
}

type Foreground interface {
	Foreground() bool
}

type Handler struct {
	notifier notify.Notifier
	handoff  Deliverer
	session  Foreground
	logger   *logrus.Logger
}

func NewHandler(notifier notify.Notifier, handoff Deliverer, session Foreground, logger *logrus.Logger) *Handler {
	return &Handler{
		notifier: notifier,
		handoff:  handoff,
		session:  session,
		logger:   logger,
	}
}

// Receive handles a delivered push message. In the foreground the alert goes
// straight to the hand-off; otherwise a host notification is raised and the
// alert waits for a tap.
func (h *Handler) Receive(ctx context.Context, msg models.PushMessage) error {
	if msg.OrderID == "" {
		return ErrMissingOrderID
	}

	logger := h.logger.WithField("order_id", msg.OrderID)

	if h.session.Foreground() {
		logger.Debug("Push received in foreground")
		return h.handoff.Deliver(ctx, toEvent(msg, models.SourcePushForeground))
	}

	notification := models.Notification{
		Key:      hasher.NotificationKey(msg.OrderID),
		OrderID:  msg.OrderID,
		Title:    msg.Title,
		Body:     msg.Body,
		Source:   models.SourcePushTap,
		RaisedAt: time.Now(),
	}
	if err := h.notifier.Show(ctx, notification); err != nil {
		return fmt.Errorf("failed to show push notification: %w", err)
	}

	logger.Info("Push received in background, notification raised")
	return nil
}

// Tap handles the operator opening a push notification, including the
// message that launched a terminated application.
func (h *Handler) Tap(ctx context.Context, msg models.PushMessage) error {
	if msg.OrderID == "" {
		return ErrMissingOrderID
	}

	h.logger.WithField("order_id", msg.OrderID).Info("Push notification tapped")
	return h.handoff.Deliver(ctx, toEvent(msg, models.SourcePushTap))
}

// toEvent copies the business fields through untouched and adds the display
// strings.
func toEvent(msg models.PushMessage, source models.AlertSource) models.AlertEvent {
	payload := make(map[string]any, len(msg.Data)+3)
	for k, v := range msg.Data {
		payload[k] = v
	}
	payload["id"] = msg.OrderID
	if msg.Title != "" {
		payload["title"] = msg.Title
	}
	if msg.Body != "" {
		payload["body"] = msg.Body
	}

	return models.AlertEvent{
		OrderID: msg.OrderID,
		Payload: payload,
		Source:  source,
	}
}

// Decode parses a push payload. Fields other than orderId, title and body
// are kept in Data.
func Decode(body []byte) (models.PushMessage, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.PushMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := models.PushMessage{Data: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "orderId":
			msg.OrderID, _ = v.(string)
		case "title":
			msg.Title, _ = v.(string)
		case "body":
			msg.Body, _ = v.(string)
		case "data":
			// Nested data objects are flattened into Data.
			if nested, ok := v.(map[string]any); ok {
				for nk, nv := range nested {
					msg.Data[nk] = nv
				}
				continue
			}
			msg.Data[k] = v
		default:
			msg.Data[k] = v
		}
	}

	if msg.OrderID == "" {
		if id, ok := msg.Data["orderId"].(string); ok {
			msg.OrderID = id
			delete(msg.Data, "orderId")
		}
	}
	if msg.OrderID == "" {
		return msg, ErrMissingOrderID
	}
	return msg, nil
}
