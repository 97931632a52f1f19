package channel

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"order-alert-pipeline/pkg/models"
)

// SchemaVersion is stamped on every message; receivers reject other versions.
const SchemaVersion = 1

var ErrInvalidMessage = errors.New("invalid channel message")

type Kind string

const (
	// Session to worker.
	KindLifecycle Kind = "lifecycle"
	KindMonitor   Kind = "monitor"
	// Worker to sessions.
	KindNewOrder Kind = "newOrder"
)

// Message is the tagged union carried by the channel. Only the fields of the
// given Kind are set.
type Message struct {
	Version   int              `json:"v"`
	Kind      Kind             `json:"kind"`
	SessionID string           `json:"sessionId,omitempty"`
	Value     models.Lifecycle `json:"value,omitempty"`
	Locations []string         `json:"locations,omitempty"`
	OrderID   string           `json:"orderId,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
}

func LifecycleMessage(sessionID string, value models.Lifecycle) Message {
	return Message{Version: SchemaVersion, Kind: KindLifecycle, SessionID: sessionID, Value: value}
}

func MonitorMessage(sessionID string, locations []string) Message {
	return Message{Version: SchemaVersion, Kind: KindMonitor, SessionID: sessionID, Locations: locations}
}

// NewOrderMessage sanitizes the event payload so it survives transport.
func NewOrderMessage(event models.AlertEvent) Message {
	return Message{
		Version: SchemaVersion,
		Kind:    KindNewOrder,
		OrderID: event.OrderID,
		Payload: Sanitize(event.Payload),
	}
}

// Event converts a newOrder message back into an alert event.
func (m Message) Event(source models.AlertSource) models.AlertEvent {
	return models.AlertEvent{OrderID: m.OrderID, Payload: m.Payload, Source: source}
}

func (m Message) Validate() error {
	if m.Version != SchemaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidMessage, m.Version)
	}

	switch m.Kind {
	case KindLifecycle:
		if m.Value != models.LifecycleForeground && m.Value != models.LifecycleBackground {
			return fmt.Errorf("%w: unknown lifecycle value %q", ErrInvalidMessage, m.Value)
		}
	case KindMonitor:
		// An empty list is valid: the session has no authorized locations.
	case KindNewOrder:
		if m.OrderID == "" {
			return fmt.Errorf("%w: newOrder without orderId", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode channel message: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
