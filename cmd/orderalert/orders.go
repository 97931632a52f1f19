package main

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/store"
)

type putOptions struct {
	id        string
	locations []string
	legacy    string
	customer  string
	total     float64
}

func newOrdersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect and write orders in the configured store",
	}

	cmd.AddCommand(newOrdersPutCommand(opts))
	cmd.AddCommand(newOrdersGetCommand(opts))
	cmd.AddCommand(newOrdersDeleteCommand(opts))
	return cmd
}

func newOrdersPutCommand(opts *rootOptions) *cobra.Command {
	put := &putOptions{}

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create a pending order",
		Long: `Create a pending order.

Example:
  orderalert orders put --location B1 --customer Ada --total 12
  orderalert orders put --legacy-location B7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(put.locations) == 0 && put.legacy == "" {
				return errors.New("at least one of --location or --legacy-location is required")
			}
			if put.id == "" {
				put.id = uuid.New().String()
			}

			order := models.Order{
				ID:           put.id,
				Status:       models.StatusPending,
				Locations:    put.locations,
				LocationID:   put.legacy,
				CreatedAt:    time.Now(),
				CustomerName: put.customer,
				Total:        put.total,
			}
			return withStore(cmd, opts, func(ctx context.Context, rt *app, s store.OrderStore) error {
				if err := s.Put(ctx, order); err != nil {
					return err
				}
				return printJSON(cmd, order)
			})
		},
	}

	cmd.Flags().StringVar(&put.id, "id", "", "order ID (generated when empty)")
	cmd.Flags().StringSliceVar(&put.locations, "location", nil, "location the order belongs to (repeatable)")
	cmd.Flags().StringVar(&put.legacy, "legacy-location", "", "single-location field used by older clients")
	cmd.Flags().StringVar(&put.customer, "customer", "", "customer name")
	cmd.Flags().Float64Var(&put.total, "total", 0, "order total")
	return cmd
}

func newOrdersGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, rt *app, s store.OrderStore) error {
				order, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, order)
			})
		},
	}
}

func newOrdersDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, rt *app, s store.OrderStore) error {
				if err := s.Delete(ctx, args[0]); err != nil {
					return err
				}
				rt.logger.WithField("order_id", args[0]).Info("Order deleted")
				return nil
			})
		},
	}
}

func withStore(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *app, store.OrderStore) error) error {
	rt, err := setup(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	orders, closeStore, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(ctx, rt, orders)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
