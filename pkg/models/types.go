package models

import "time"

// OrderStatus is the lifecycle status stored on an order
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPreparing OrderStatus = "preparing" // successor of an accepted order
	StatusCancelled OrderStatus = "cancelled"
)

// GeoPoint is a latitude/longitude pair carried by delivery orders
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Order is the backing-store record. Location affiliation arrives either as
// Locations (multi-valued) or LocationID (legacy scalar); both are kept as read.
type Order struct {
	ID           string           `json:"id"`
	Status       OrderStatus      `json:"status"`
	Locations    []string         `json:"locations,omitempty"`
	LocationID   string           `json:"location_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CustomerName string           `json:"customer_name,omitempty"`
	Total        float64          `json:"total"`
	Items        []map[string]any `json:"items,omitempty"`
	Delivery     *GeoPoint        `json:"delivery,omitempty"`

	RespondedBy  string    `json:"responded_by,omitempty"`
	RespondedAt  time.Time `json:"responded_at,omitempty"`
	AutoAccepted bool      `json:"auto_accepted,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
}

// HasLocation reports whether the order is affiliated with any location in either field.
func (o Order) HasLocation() bool {
	return len(o.Locations) > 0 || o.LocationID != ""
}

// Payload returns the order as a loosely typed field map, the shape carried by
// alert events before sanitization.
func (o Order) Payload() map[string]any {
	payload := map[string]any{
		"id":           o.ID,
		"status":       string(o.Status),
		"createdAt":    o.CreatedAt,
		"customerName": o.CustomerName,
		"total":        o.Total,
		"locations":    o.Locations,
		"locationId":   o.LocationID,
	}
	if len(o.Items) > 0 {
		payload["items"] = o.Items
	}
	if o.Delivery != nil {
		payload["delivery"] = *o.Delivery
	}
	return payload
}

// AlertSource tags which producer surfaced an alert event
type AlertSource string

const (
	SourceWatcher        AlertSource = "watcher"
	SourcePushForeground AlertSource = "push-foreground"
	SourcePushTap        AlertSource = "push-tap"
)

// AlertEvent is an in-memory new-order notice. Payload holds primitives only
// once it has crossed the cross-context channel.
type AlertEvent struct {
	OrderID string         `json:"order_id"`
	Payload map[string]any `json:"payload"`
	Source  AlertSource    `json:"source"`
}

// Outcome of a response decision
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeAutoAccepted Outcome = "auto-accepted"
)

// ResponseDecision is the single terminal answer recorded for an order
type ResponseDecision struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actor_id"`
	DecidedAt time.Time `json:"decided_at"`
}

// AutoAccepted reports whether the decision came from deadline expiry.
func (d ResponseDecision) AutoAccepted() bool {
	return d.Outcome == OutcomeAutoAccepted
}

// NextStatus is the order status written for the decision.
func (d ResponseDecision) NextStatus() OrderStatus {
	if d.Outcome == OutcomeRejected {
		return StatusCancelled
	}
	return StatusPreparing
}

// Lifecycle is the foreground/background signal sent by a session
type Lifecycle string

const (
	LifecycleUnknown    Lifecycle = ""
	LifecycleForeground Lifecycle = "foreground"
	LifecycleBackground Lifecycle = "background"
)

// PushMessage is the push-messaging payload. OrderID is required for
// coalescing and hand-off; Data carries the remaining business fields opaquely.
type PushMessage struct {
	OrderID string         `json:"orderId"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notification is a host-level alert keyed by the coalescing key
type Notification struct {
	Key      int32       `json:"key"`
	OrderID  string      `json:"order_id"`
	Title    string      `json:"title"`
	Body     string      `json:"body"`
	Source   AlertSource `json:"source"`
	RaisedAt time.Time   `json:"raised_at"`
}
