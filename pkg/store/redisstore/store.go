// Package redisstore keeps orders in Redis hashes and publishes every write to
// a change stream that subscriptions tail with XREAD.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/constants"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/store"
)

const (
	opPut    = "put"
	opDelete = "delete"

	defaultBlock     = time.Second
	readBatchSize    = 100
	changesMaxLength = 10000
)

// resolveScript flips a pending order to its decided status and appends the
// change to the stream in the same step. Returns -1 when the order does not
// exist, 0 when it is no longer pending.
var resolveScript = redis.NewScript(`
	local status = redis.call("HGET", KEYS[1], "status")
	if not status then
		return -1
	end
	if status ~= "pending" then
		return 0
	end
	redis.call("HSET", KEYS[1],
		"status", ARGV[1],
		"responded_by", ARGV[2],
		"responded_at", ARGV[3],
		"auto_accepted", ARGV[4],
		"cancel_reason", ARGV[5])
	redis.call("SREM", KEYS[2], ARGV[6])
	redis.call("XADD", KEYS[3], "MAXLEN", "~", ARGV[7], "*", "order_id", ARGV[6], "op", ARGV[8])
	return 1
`)

type Store struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	block   time.Duration
}

func New(rdb *redis.Client, logger *logrus.Logger, metrics *metrics.Metrics) *Store {
	return &Store{
		rdb:     rdb,
		logger:  logger,
		metrics: metrics,
		block:   defaultBlock,
	}
}

// WithBlock overrides how long a subscription blocks on each XREAD.
func (s *Store) WithBlock(block time.Duration) *Store {
	s.block = block
	return s
}

func orderKey(id string) string {
	return constants.OrderKeyPrefix + id
}

func (s *Store) observe(operation string) func() {
	start := time.Now()
	return func() {
		s.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// Put writes the whole order and announces the change.
func (s *Store) Put(ctx context.Context, order models.Order) error {
	defer s.observe("put")()

	fields, err := encodeOrder(order)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}

	key := orderKey(order.ID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		if order.Status == models.StatusPending {
			pipe.SAdd(ctx, constants.PendingOrdersKey, order.ID)
		} else {
			pipe.SRem(ctx, constants.PendingOrdersKey, order.ID)
		}
		pipe.XAdd(ctx, changeArgs(order.ID, opPut))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put order: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"status":   order.Status,
	}).Debug("Stored order")

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (models.Order, error) {
	defer s.observe("get")()

	values, err := s.rdb.HGetAll(ctx, orderKey(id)).Result()
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	if len(values) == 0 {
		return models.Order{}, store.ErrOrderNotFound
	}

	return decodeOrder(id, values), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	defer s.observe("delete")()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, orderKey(id))
		pipe.SRem(ctx, constants.PendingOrdersKey, id)
		pipe.XAdd(ctx, changeArgs(id, opDelete))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// Resolve applies the decision only if the order is still pending.
func (s *Store) Resolve(ctx context.Context, decision models.ResponseDecision) error {
	defer s.observe("resolve")()

	autoAccepted := "0"
	if decision.AutoAccepted() {
		autoAccepted = "1"
	}

	result, err := resolveScript.Run(ctx, s.rdb,
		[]string{orderKey(decision.OrderID), constants.PendingOrdersKey, constants.OrderChangesStream},
		string(decision.NextStatus()),
		decision.ActorID,
		decision.DecidedAt.UnixMilli(),
		autoAccepted,
		decision.Reason,
		decision.OrderID,
		changesMaxLength,
		opPut,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to resolve order: %w", err)
	}

	switch result {
	case -1:
		return store.ErrOrderNotFound
	case 0:
		return store.ErrAlreadyResolved
	}
	return nil
}

// Snapshot returns every pending order matching q.
func (s *Store) Snapshot(ctx context.Context, q store.Query) ([]models.Order, error) {
	defer s.observe("snapshot")()

	ids, err := s.rdb.SMembers(ctx, constants.PendingOrdersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, orderKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load pending orders: %w", err)
	}

	var orders []models.Order
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		order := decodeOrder(ids[i], values)
		if q.Matches(order) {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// Subscribe snapshots the matching orders and then tails the change stream.
// The stream position is taken before the snapshot so no write between the
// two is missed; the tracker absorbs the overlap.
func (s *Store) Subscribe(ctx context.Context, q store.Query, onBatch store.BatchHandler, onError store.ErrorHandler) (store.Subscription, error) {
	lastID, err := s.streamTail(ctx)
	if err != nil {
		return nil, err
	}

	orders, err := s.Snapshot(ctx, q)
	if err != nil {
		return nil, err
	}

	feedCtx, sub, finish := store.NewSubscription(ctx)
	tracker := store.NewTracker(q)
	initial := tracker.Seed(orders)

	go func() {
		defer finish()

		if len(initial) > 0 {
			onBatch(initial)
		}

		for feedCtx.Err() == nil {
			streams, err := s.rdb.XRead(feedCtx, &redis.XReadArgs{
				Streams: []string{constants.OrderChangesStream, lastID},
				Count:   readBatchSize,
				Block:   s.block,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if feedCtx.Err() == nil {
					onError(fmt.Errorf("failed to read order changes: %w", err))
				}
				return
			}

			var changes []store.Change
			for _, stream := range streams {
				for _, message := range stream.Messages {
					lastID = message.ID

					id, _ := message.Values["order_id"].(string)
					if id == "" {
						continue
					}

					order, err := s.Get(feedCtx, id)
					found := err == nil
					if err != nil && !errors.Is(err, store.ErrOrderNotFound) {
						if feedCtx.Err() == nil {
							onError(err)
						}
						return
					}

					if change, ok := tracker.Observe(id, order, found); ok {
						changes = append(changes, change)
					}
				}
			}

			if len(changes) > 0 {
				onBatch(changes)
			}
		}
	}()

	return sub, nil
}

func (s *Store) streamTail(ctx context.Context) (string, error) {
	messages, err := s.rdb.XRevRangeN(ctx, constants.OrderChangesStream, "+", "-", 1).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("failed to read change stream position: %w", err)
	}
	if len(messages) == 0 {
		return "0-0", nil
	}
	return messages[0].ID, nil
}

func changeArgs(id, op string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: constants.OrderChangesStream,
		MaxLen: changesMaxLength,
		Approx: true,
		Values: map[string]interface{}{
			"order_id": id,
			"op":       op,
		},
	}
}

func encodeOrder(order models.Order) (map[string]interface{}, error) {
	locations, err := json.Marshal(order.Locations)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"id":            order.ID,
		"status":        string(order.Status),
		"locations":     string(locations),
		"location_id":   order.LocationID,
		"created_at":    order.CreatedAt.UnixMilli(),
		"customer_name": order.CustomerName,
		"total":         strconv.FormatFloat(order.Total, 'f', -1, 64),
		"responded_by":  order.RespondedBy,
		"cancel_reason": order.CancelReason,
		"auto_accepted": "0",
	}
	if order.AutoAccepted {
		fields["auto_accepted"] = "1"
	}
	if !order.RespondedAt.IsZero() {
		fields["responded_at"] = order.RespondedAt.UnixMilli()
	}
	if len(order.Items) > 0 {
		items, err := json.Marshal(order.Items)
		if err != nil {
			return nil, err
		}
		fields["items"] = string(items)
	}
	if order.Delivery != nil {
		delivery, err := json.Marshal(order.Delivery)
		if err != nil {
			return nil, err
		}
		fields["delivery"] = string(delivery)
	}
	return fields, nil
}

// decodeOrder is lenient: malformed fields decode to their zero value.
func decodeOrder(id string, values map[string]string) models.Order {
	order := models.Order{
		ID:           id,
		Status:       models.OrderStatus(values["status"]),
		Locations:    store.CoerceLocations(values["locations"]),
		LocationID:   values["location_id"],
		CustomerName: values["customer_name"],
		RespondedBy:  values["responded_by"],
		CancelReason: values["cancel_reason"],
		AutoAccepted: values["auto_accepted"] == "1",
	}

	if ms, err := strconv.ParseInt(values["created_at"], 10, 64); err == nil {
		order.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(values["responded_at"], 10, 64); err == nil {
		order.RespondedAt = time.UnixMilli(ms)
	}
	if total, err := strconv.ParseFloat(values["total"], 64); err == nil {
		order.Total = total
	}
	if raw := values["items"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &order.Items)
	}
	if raw := values["delivery"]; raw != "" {
		var point models.GeoPoint
		if err := json.Unmarshal([]byte(raw), &point); err == nil {
			order.Delivery = &point
		}
	}
	return order
}
