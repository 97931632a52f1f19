// Package store defines the backing-store contract the alert pipeline reads
// orders from and writes terminal decisions to, together with the change-feed
// semantics shared by every backend.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"

	"order-alert-pipeline/pkg/models"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrAlreadyResolved = errors.New("order already resolved")
)

// LocationField selects which location attribute a query filters on.
type LocationField string

const (
	// FieldLocations is the multi-valued location set; a query matches when
	// the order's set contains any monitored location.
	FieldLocations LocationField = "locations"
	// FieldLocationID is the legacy scalar location; a query matches when it
	// equals one of the monitored locations.
	FieldLocationID LocationField = "location_id"
)

// Query is a change-feed filter: status equality plus one location predicate.
type Query struct {
	Field     LocationField
	Status    models.OrderStatus
	Locations []string
}

// Matches evaluates the query against an order the same way the backends do
// server side.
func (q Query) Matches(o models.Order) bool {
	if o.Status != q.Status {
		return false
	}

	switch q.Field {
	case FieldLocations:
		for _, have := range o.Locations {
			if contains(q.Locations, have) {
				return true
			}
		}
		return false
	case FieldLocationID:
		return o.LocationID != "" && contains(q.Locations, o.LocationID)
	default:
		return false
	}
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one entry of a change-feed batch. For removals Order carries at
// least the ID.
type Change struct {
	Type  ChangeType
	Order models.Order
}

type BatchHandler func(changes []Change)

type ErrorHandler func(err error)

// Subscription is a running change feed.
type Subscription interface {
	// Cancel stops the feed and waits for its goroutine to exit.
	Cancel()
}

// Feed opens filtered change subscriptions. The first batch delivered is the
// current snapshot of matching orders, reported as additions. After an error
// is reported the subscription is stopped; it is not retried.
type Feed interface {
	Subscribe(ctx context.Context, q Query, onBatch BatchHandler, onError ErrorHandler) (Subscription, error)
}

// Resolver performs the single status-changing write for a decision. It only
// succeeds while the order is still pending and returns ErrAlreadyResolved
// otherwise.
type Resolver interface {
	Resolve(ctx context.Context, decision models.ResponseDecision) error
}

type OrderStore interface {
	Feed
	Resolver

	Put(ctx context.Context, order models.Order) error
	Get(ctx context.Context, id string) (models.Order, error)
	Delete(ctx context.Context, id string) error
	Snapshot(ctx context.Context, q Query) ([]models.Order, error)
}

// Tracker keeps the set of orders currently matching one subscription and
// turns raw "order X changed" notifications into typed changes.
type Tracker struct {
	query   Query
	matched map[string]struct{}
}

func NewTracker(q Query) *Tracker {
	return &Tracker{
		query:   q,
		matched: make(map[string]struct{}),
	}
}

// Seed records the initial snapshot and returns it as additions.
func (t *Tracker) Seed(orders []models.Order) []Change {
	changes := make([]Change, 0, len(orders))
	for _, order := range orders {
		if change, ok := t.Observe(order.ID, order, true); ok {
			changes = append(changes, change)
		}
	}
	return changes
}

// Observe reports the change implied by the order's current state. found is
// false when the order no longer exists.
func (t *Tracker) Observe(id string, order models.Order, found bool) (Change, bool) {
	_, wasMatched := t.matched[id]
	nowMatches := found && t.query.Matches(order)

	switch {
	case nowMatches && !wasMatched:
		t.matched[id] = struct{}{}
		return Change{Type: ChangeAdded, Order: order}, true
	case nowMatches:
		return Change{Type: ChangeModified, Order: order}, true
	case wasMatched:
		delete(t.matched, id)
		if !found {
			order = models.Order{ID: id}
		}
		return Change{Type: ChangeRemoved, Order: order}, true
	default:
		return Change{}, false
	}
}

// subscription is the goroutine handle shared by the backends.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscription derives the feed context from parent. The feed goroutine
// must call the returned finish function when it exits.
func NewSubscription(parent context.Context) (context.Context, Subscription, func()) {
	ctx, cancel := context.WithCancel(parent)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	return ctx, sub, func() { close(sub.done) }
}

func (s *subscription) Cancel() {
	s.cancel()
	<-s.done
}

// CoerceLocations reads a stored location-set field. A JSON list is decoded,
// a bare string is treated as a one-element set and anything else as empty.
func CoerceLocations(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}

	if strings.HasPrefix(raw, "[") {
		var values []any
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil
		}
		locations := make([]string, 0, len(values))
		for _, v := range values {
			if s, ok := v.(string); ok && s != "" {
				locations = append(locations, s)
			}
		}
		return locations
	}

	return []string{raw}
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
