package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-alert-pipeline/pkg/constants"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/store"
	"order-alert-pipeline/pkg/testutil"
)

func setupStore(t *testing.T) *Store {
	rdb, _ := testutil.NewRedis(t)
	return New(rdb, testutil.NewLogger(), metrics.NewTestMetrics()).WithBlock(50 * time.Millisecond)
}

func pendingOrder(id string, locations ...string) models.Order {
	return models.Order{
		ID:           id,
		Status:       models.StatusPending,
		Locations:    locations,
		CreatedAt:    time.UnixMilli(time.Now().UnixMilli()),
		CustomerName: "Ada",
		Total:        42.5,
		Items:        []map[string]any{{"name": "Margherita", "qty": float64(2)}},
		Delivery:     &models.GeoPoint{Latitude: 52.1, Longitude: 4.3},
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []store.Change
	errs    []error
}

func (r *recorder) onBatch(changes []store.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) snapshot() []store.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Change(nil), r.changes...)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	order := pendingOrder("O1", "B1", "B2")
	require.NoError(t, s.Put(ctx, order))

	got, err := s.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, order.Locations, got.Locations)
	assert.Equal(t, order.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
	assert.Equal(t, order.Total, got.Total)
	assert.Equal(t, "Margherita", got.Items[0]["name"])
	require.NotNil(t, got.Delivery)
	assert.Equal(t, 52.1, got.Delivery.Latitude)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestStore_DecodeToleratesScalarLocations(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	err := s.rdb.HSet(ctx, orderKey("O9"), "status", "pending", "locations", "B1").Err()
	require.NoError(t, err)

	got, err := s.Get(ctx, "O9")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, got.Locations)
}

func TestStore_ResolveIsOneShot(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, pendingOrder("O1", "B1")))

	decision := models.ResponseDecision{
		OrderID:   "O1",
		Outcome:   models.OutcomeRejected,
		Reason:    "Kitchen Busy",
		ActorID:   "op-1",
		DecidedAt: time.Now(),
	}
	require.NoError(t, s.Resolve(ctx, decision))

	got, err := s.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "Kitchen Busy", got.CancelReason)
	assert.Equal(t, "op-1", got.RespondedBy)

	isPending, err := s.rdb.SIsMember(ctx, constants.PendingOrdersKey, "O1").Result()
	require.NoError(t, err)
	assert.False(t, isPending)

	decision.Outcome = models.OutcomeAutoAccepted
	assert.ErrorIs(t, s.Resolve(ctx, decision), store.ErrAlreadyResolved)

	decision.OrderID = "missing"
	assert.ErrorIs(t, s.Resolve(ctx, decision), store.ErrOrderNotFound)
}

func TestStore_SnapshotFiltersByQuery(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, pendingOrder("O1", "B1")))
	require.NoError(t, s.Put(ctx, pendingOrder("O2", "B3")))
	legacy := pendingOrder("O3")
	legacy.LocationID = "B1"
	require.NoError(t, s.Put(ctx, legacy))

	orders, err := s.Snapshot(ctx, store.Query{Field: store.FieldLocations, Status: models.StatusPending, Locations: []string{"B1"}})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "O1", orders[0].ID)

	orders, err = s.Snapshot(ctx, store.Query{Field: store.FieldLocationID, Status: models.StatusPending, Locations: []string{"B1"}})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "O3", orders[0].ID)
}

func TestStore_SubscribeDeliversSnapshotThenChanges(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, pendingOrder("O1", "B1")))

	rec := &recorder{}
	q := store.Query{Field: store.FieldLocations, Status: models.StatusPending, Locations: []string{"B1"}}
	sub, err := s.Subscribe(ctx, q, rec.onBatch, rec.onError)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, s.Put(ctx, pendingOrder("O2", "B1")))
	require.NoError(t, s.Put(ctx, pendingOrder("O3", "B9")))
	require.NoError(t, s.Delete(ctx, "O1"))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	changes := rec.snapshot()
	assert.Equal(t, store.ChangeAdded, changes[0].Type)
	assert.Equal(t, "O1", changes[0].Order.ID)
	assert.Equal(t, store.ChangeAdded, changes[1].Type)
	assert.Equal(t, "O2", changes[1].Order.ID)
	assert.Equal(t, store.ChangeRemoved, changes[2].Type)
	assert.Equal(t, "O1", changes[2].Order.ID)
	assert.Empty(t, rec.errors())
}

func TestStore_ResolveAnnouncesChangeAtomically(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, pendingOrder("O1", "B1")))
	before, err := s.rdb.XLen(ctx, constants.OrderChangesStream).Result()
	require.NoError(t, err)

	decision := models.ResponseDecision{
		OrderID:   "O1",
		Outcome:   models.OutcomeAccepted,
		ActorID:   "op-1",
		DecidedAt: time.Now(),
	}
	require.NoError(t, s.Resolve(ctx, decision))

	messages, err := s.rdb.XRevRangeN(ctx, constants.OrderChangesStream, "+", "-", 1).Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "O1", messages[0].Values["order_id"])
	assert.Equal(t, opPut, messages[0].Values["op"])

	after, err := s.rdb.XLen(ctx, constants.OrderChangesStream).Result()
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	// A rejected compare-and-set announces nothing.
	assert.ErrorIs(t, s.Resolve(ctx, decision), store.ErrAlreadyResolved)
	final, err := s.rdb.XLen(ctx, constants.OrderChangesStream).Result()
	require.NoError(t, err)
	assert.Equal(t, after, final)
}

func TestStore_SubscriberSeesResolvedOrderLeave(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, pendingOrder("O1", "B1")))

	rec := &recorder{}
	q := store.Query{Field: store.FieldLocations, Status: models.StatusPending, Locations: []string{"B1"}}
	sub, err := s.Subscribe(ctx, q, rec.onBatch, rec.onError)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, s.Resolve(ctx, models.ResponseDecision{
		OrderID:   "O1",
		Outcome:   models.OutcomeAutoAccepted,
		ActorID:   "op-1",
		DecidedAt: time.Now(),
	}))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	changes := rec.snapshot()
	assert.Equal(t, store.ChangeAdded, changes[0].Type)
	assert.Equal(t, store.ChangeRemoved, changes[1].Type)
	assert.Equal(t, "O1", changes[1].Order.ID)
	assert.Empty(t, rec.errors())
}
