package registry

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"order-alert-pipeline/pkg/constants"
)

// RedisRegistry stores the list under a single Redis list key.
type RedisRegistry struct {
	rdb    *redis.Client
	key    string
	logger *logrus.Logger
}

func NewRedisRegistry(rdb *redis.Client, logger *logrus.Logger) *RedisRegistry {
	return &RedisRegistry{
		rdb:    rdb,
		key:    constants.RegistryKey,
		logger: logger,
	}
}

func (r *RedisRegistry) Persist(ctx context.Context, locations []string) error {
	locations = Normalize(locations)

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(locations) > 0 {
			values := make([]interface{}, len(locations))
			for i, location := range locations {
				values[i] = location
			}
			pipe.RPush(ctx, r.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist monitored locations: %w", err)
	}

	r.logger.WithField("locations", locations).Debug("Persisted monitored locations")
	return nil
}

func (r *RedisRegistry) Load(ctx context.Context) ([]string, error) {
	locations, err := r.rdb.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load monitored locations: %w", err)
	}
	if len(locations) == 0 {
		return nil, nil
	}
	return locations, nil
}
