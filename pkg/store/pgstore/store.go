// Package pgstore keeps orders in a Postgres table. A row trigger announces
// every change with pg_notify and subscriptions LISTEN for it.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/store"
)

const notifyChannel = "order_changes"

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	locations     TEXT[],
	location_id   TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	customer_name TEXT NOT NULL DEFAULT '',
	total         DOUBLE PRECISION NOT NULL DEFAULT 0,
	items         JSONB,
	delivery      JSONB,
	responded_by  TEXT,
	responded_at  TIMESTAMPTZ,
	auto_accepted BOOLEAN NOT NULL DEFAULT false,
	cancel_reason TEXT
);

CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status);

CREATE OR REPLACE FUNCTION notify_order_change() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('order_changes', OLD.id);
	ELSE
		PERFORM pg_notify('order_changes', NEW.id);
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS orders_notify ON orders;
CREATE TRIGGER orders_notify AFTER INSERT OR UPDATE OR DELETE ON orders
	FOR EACH ROW EXECUTE FUNCTION notify_order_change();
`

const selectColumns = `id, status, locations, location_id, created_at, customer_name, total,
	items, delivery, responded_by, responded_at, auto_accepted, cancel_reason`

type Store struct {
	pool    *pgxpool.Pool
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool, logger *logrus.Logger, metrics *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		logger:  logger,
		metrics: metrics,
	}
}

// EnsureSchema creates the orders table and its change trigger.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply orders schema: %w", err)
	}
	return nil
}

func (s *Store) observe(operation string) func() {
	start := time.Now()
	return func() {
		s.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (s *Store) Put(ctx context.Context, order models.Order) error {
	defer s.observe("put")()

	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	var delivery []byte
	if order.Delivery != nil {
		if delivery, err = json.Marshal(order.Delivery); err != nil {
			return fmt.Errorf("failed to encode delivery: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, status, locations, location_id, created_at, customer_name, total,
			items, delivery, responded_by, responded_at, auto_accepted, cancel_reason)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, NULLIF($13, ''))
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			locations = EXCLUDED.locations,
			location_id = EXCLUDED.location_id,
			created_at = EXCLUDED.created_at,
			customer_name = EXCLUDED.customer_name,
			total = EXCLUDED.total,
			items = EXCLUDED.items,
			delivery = EXCLUDED.delivery,
			responded_by = EXCLUDED.responded_by,
			responded_at = EXCLUDED.responded_at,
			auto_accepted = EXCLUDED.auto_accepted,
			cancel_reason = EXCLUDED.cancel_reason
	`, order.ID, string(order.Status), order.Locations, order.LocationID, order.CreatedAt,
		order.CustomerName, order.Total, items, delivery, order.RespondedBy, nullTime(order.RespondedAt),
		order.AutoAccepted, order.CancelReason)
	if err != nil {
		return fmt.Errorf("failed to put order: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (models.Order, error) {
	defer s.observe("get")()

	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, store.ErrOrderNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	defer s.observe("delete")()

	if _, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// Resolve updates the order only while it is still pending.
func (s *Store) Resolve(ctx context.Context, decision models.ResponseDecision) error {
	defer s.observe("resolve")()

	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, responded_by = $3, responded_at = $4, auto_accepted = $5, cancel_reason = NULLIF($6, '')
		WHERE id = $1 AND status = 'pending'
	`, decision.OrderID, string(decision.NextStatus()), decision.ActorID, decision.DecidedAt,
		decision.AutoAccepted(), decision.Reason)
	if err != nil {
		return fmt.Errorf("failed to resolve order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, decision.OrderID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check order: %w", err)
	}
	if !exists {
		return store.ErrOrderNotFound
	}
	return store.ErrAlreadyResolved
}

func (s *Store) Snapshot(ctx context.Context, q store.Query) ([]models.Order, error) {
	defer s.observe("snapshot")()

	predicate, err := wherePredicate(q.Field)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM orders WHERE `+predicate, string(q.Status), q.Locations)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// Subscribe holds a dedicated connection in LISTEN mode for the lifetime of
// the subscription.
func (s *Store) Subscribe(ctx context.Context, q store.Query, onBatch store.BatchHandler, onError store.ErrorHandler) (store.Subscription, error) {
	if _, err := wherePredicate(q.Field); err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen for order changes: %w", err)
	}

	orders, err := s.Snapshot(ctx, q)
	if err != nil {
		s.release(conn)
		return nil, err
	}

	feedCtx, sub, finish := store.NewSubscription(ctx)
	tracker := store.NewTracker(q)
	initial := tracker.Seed(orders)

	go func() {
		defer finish()
		defer s.release(conn)

		if len(initial) > 0 {
			onBatch(initial)
		}

		for {
			notification, err := conn.Conn().WaitForNotification(feedCtx)
			if err != nil {
				if feedCtx.Err() == nil {
					onError(fmt.Errorf("failed to wait for order changes: %w", err))
				}
				return
			}

			id := notification.Payload
			order, err := s.Get(feedCtx, id)
			found := err == nil
			if err != nil && !errors.Is(err, store.ErrOrderNotFound) {
				if feedCtx.Err() == nil {
					onError(err)
				}
				return
			}

			if change, ok := tracker.Observe(id, order, found); ok {
				onBatch([]store.Change{change})
			}
		}
	}()

	return sub, nil
}

func (s *Store) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN "+notifyChannel); err != nil {
		// Drop the connection instead of returning a listening one to the pool.
		conn.Conn().Close(ctx)
	}
	conn.Release()
}

func wherePredicate(field store.LocationField) (string, error) {
	switch field {
	case store.FieldLocations:
		return `status = $1 AND locations && $2::text[]`, nil
	case store.FieldLocationID:
		return `status = $1 AND location_id = ANY($2::text[])`, nil
	default:
		return "", fmt.Errorf("unsupported location field %q", field)
	}
}

func scanOrder(row pgx.Row) (models.Order, error) {
	var (
		order        models.Order
		status       string
		locationID   *string
		items        []byte
		delivery     []byte
		respondedBy  *string
		respondedAt  *time.Time
		cancelReason *string
	)

	err := row.Scan(&order.ID, &status, &order.Locations, &locationID, &order.CreatedAt,
		&order.CustomerName, &order.Total, &items, &delivery, &respondedBy, &respondedAt,
		&order.AutoAccepted, &cancelReason)
	if err != nil {
		return models.Order{}, err
	}

	order.Status = models.OrderStatus(status)
	if locationID != nil {
		order.LocationID = *locationID
	}
	if respondedBy != nil {
		order.RespondedBy = *respondedBy
	}
	if respondedAt != nil {
		order.RespondedAt = *respondedAt
	}
	if cancelReason != nil {
		order.CancelReason = *cancelReason
	}
	if len(items) > 0 {
		_ = json.Unmarshal(items, &order.Items)
	}
	if len(delivery) > 0 {
		var point models.GeoPoint
		if err := json.Unmarshal(delivery, &point); err == nil {
			order.Delivery = &point
		}
	}
	return order, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
