package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"order-alert-pipeline/pkg/config"
	"order-alert-pipeline/pkg/metrics"
	redisClient "order-alert-pipeline/pkg/redis"
	"order-alert-pipeline/pkg/registry"
	"order-alert-pipeline/pkg/store"
	"order-alert-pipeline/pkg/store/pgstore"
	"order-alert-pipeline/pkg/store/redisstore"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "orderalert",
		Short:         "Order alert delivery and response pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newWatcherCommand(opts))
	cmd.AddCommand(newSessionCommand(opts))
	cmd.AddCommand(newOrdersCommand(opts))

	return cmd
}

// app bundles the dependencies shared by every subcommand.
type app struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	redis   *redisClient.Client
}

func setup(opts *rootOptions) (*app, error) {
	cfg := config.Load()
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})

	redisConfig := redisClient.DefaultConnectionConfig()
	redisConfig.URL = cfg.RedisURL

	rdb, err := redisClient.NewClient(redisConfig, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(),
		redis:   rdb,
	}, nil
}

func (rt *app) rdb() *redis.Client {
	return rt.redis.GetRedisClient()
}

// openStore returns the configured order store and a function releasing it.
func (rt *app) openStore(ctx context.Context) (store.OrderStore, func(), error) {
	switch rt.config.StoreBackend {
	case "", "redis":
		return redisstore.New(rt.rdb(), rt.logger, rt.metrics), func() {}, nil
	case "postgres":
		pool, err := pgstore.Connect(ctx, rt.config.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		s := pgstore.New(pool, rt.logger, rt.metrics)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", rt.config.StoreBackend)
	}
}

func (rt *app) openRegistry() (registry.Registry, func(), error) {
	switch rt.config.RegistryBackend {
	case "", "redis":
		return registry.NewRedisRegistry(rt.rdb(), rt.logger), func() {}, nil
	case "sqlite":
		reg, err := registry.OpenSQLiteRegistry(rt.config.RegistryPath, rt.logger)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", rt.config.RegistryBackend)
	}
}

func (rt *app) Close() {
	rt.redis.Close()
}
