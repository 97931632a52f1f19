package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"order-alert-pipeline/pkg/operator"
	"order-alert-pipeline/pkg/push"
	"order-alert-pipeline/pkg/server"
	"order-alert-pipeline/pkg/watcher"
)

const shutdownTimeout = 30 * time.Second

func newWatcherCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watcher",
		Short: "Run the background order watcher",
		Long: `Run the background order watcher.

One watcher per deployment holds the lease; it subscribes to pending orders
for the monitored locations and raises alerts for every new one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatcher(opts)
		},
	}
}

func runWatcher(opts *rootOptions) error {
	rt, err := setup(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.WithField("pod_id", rt.config.PodID).Info("Starting order watcher")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orders, closeStore, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	reg, closeRegistry, err := rt.openRegistry()
	if err != nil {
		return err
	}
	defer closeRegistry()

	service := watcher.NewService(rt.rdb(), orders, reg, rt.config, rt.logger, rt.metrics)
	if err := service.Start(ctx); err != nil {
		return err
	}

	httpServer := server.NewHTTPServer(rt.config, server.NewWatcherRouter(service, rt.logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(httpServer, rt.logger) })
	g.Go(func() error { return shutdownOn(gctx, httpServer, rt.logger, service.Stop) })

	err = g.Wait()
	rt.logger.Info("Order watcher shutdown complete")
	return err
}

func newSessionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Run an operator session",
		Long: `Run an operator session.

The session serves the operator API, presents alerts in the response modal
and, when an AMQP URL is configured, consumes push messages from the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts)
		},
	}
}

func runSession(opts *rootOptions) error {
	rt, err := setup(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.WithField("pod_id", rt.config.PodID).Info("Starting operator session")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orders, closeStore, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	service := operator.NewService(rt.rdb(), orders, rt.config, rt.logger, rt.metrics)
	if err := service.Start(ctx); err != nil {
		return err
	}

	if rt.config.OperatorID != "" {
		rt.logger.WithField("operator_id", rt.config.OperatorID).Info("Using configured operator as default")
	}
	httpServer := server.NewHTTPServer(rt.config, server.NewSessionRouter(rt.config, service, rt.logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(httpServer, rt.logger) })

	if rt.config.AMQPURL != "" {
		consumer, err := push.DialConsumer(rt.config.AMQPURL, rt.config.PushQueue, service.Push(), rt.logger)
		if err != nil {
			service.Stop(context.Background())
			return err
		}
		defer consumer.Close()

		g.Go(func() error { return consumer.Run(gctx, "orderalert-"+rt.config.PodID) })
	}

	g.Go(func() error { return shutdownOn(gctx, httpServer, rt.logger, service.Stop) })

	err = g.Wait()
	rt.logger.Info("Operator session shutdown complete")
	return err
}

func listen(httpServer *http.Server, logger *logrus.Logger) error {
	logger.WithField("addr", httpServer.Addr).Info("HTTP server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownOn waits for ctx, then stops the HTTP server and the service.
func shutdownOn(ctx context.Context, httpServer *http.Server, logger *logrus.Logger, stopService func(context.Context) error) error {
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during HTTP server shutdown")
	}
	if err := stopService(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
		return err
	}
	return nil
}
