// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command overpos-terminal runs the sync engine of one point-of-sale terminal and
// offers maintenance commands over its local database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Isna13/BarManagerPro-sub001/internal/config"
	"github.com/Isna13/BarManagerPro-sub001/internal/retail"
	"github.com/Isna13/BarManagerPro-sub001/oversqlite"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	ConfigPath string
	Database   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "overpos-terminal",
		Short:         "OverPOS terminal sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (optional)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "terminal database file (overrides config)")

	conflicts := &cobra.Command{Use: "conflicts", Short: "Inspect and resolve sync conflicts"}
	conflicts.AddCommand(newConflictsListCommand(opts), newConflictsResolveCommand(opts))
	outbox := &cobra.Command{Use: "outbox", Short: "Inspect the mutation outbox"}
	outbox.AddCommand(newOutboxListCommand(opts), newOutboxRetryCommand(opts))
	sale := &cobra.Command{Use: "sale", Short: "Record sales offline"}
	sale.AddCommand(newSaleCreateCommand(opts))

	cmd.AddCommand(
		newRunCommand(opts),
		newSyncOnceCommand(opts),
		newStatusCommand(opts),
		conflicts,
		outbox,
		sale,
	)
	return cmd
}

// withApp loads configuration, opens the terminal and runs fn
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.LoadTerminal(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, config.NewLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return runLoop(ctx, a)
			})
		},
	}
}

// runLoop starts the orchestrator and logs its events until ctx is done
func runLoop(ctx context.Context, a *app) error {
	events := oversqlite.NewChannelObserver(64)
	a.orch.Subscribe(events)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.orch.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		a.orch.Stop()
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case e := <-events.Events():
				logEvent(a, e)
			}
		}
	})
	return g.Wait()
}

func logEvent(a *app, e oversqlite.Event) {
	switch e.Type {
	case oversqlite.EventCompleted:
		r := e.Report
		a.logger.Info("Sync cycle completed", "cycle_id", e.CycleID,
			"pushed", r.Pushed, "push_failed", r.PushFailed, "pulled", r.Pulled,
			"applied", r.Applied, "conflicts", r.Conflicts)
	case oversqlite.EventConflict:
		a.logger.Warn("Sync conflict", "conflict_id", e.Conflict.ID,
			"entity", e.Conflict.Entity, "entity_id", e.Conflict.EntityID)
	case oversqlite.EventError:
		a.logger.Error("Sync cycle failed", "cycle_id", e.CycleID, "error", e.Err)
	}
}

func newSyncOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single push and pull cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				report, err := a.orch.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				st, err := a.orch.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newConflictsListCommand(opts *rootOptions) *cobra.Command {
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				list, err := a.orch.Conflicts.List(ctx, all, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conflicts to list")
	return cmd
}

func newConflictsResolveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <keep_local|keep_remote|merge>",
		Short: "Resolve a conflict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				c, err := a.orch.Conflicts.Resolve(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
}

func newOutboxListCommand(opts *rootOptions) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				items, err := a.orch.Outbox.List(ctx, status, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|synced|acknowledged|error)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum items to list")
	return cmd
}

func newOutboxRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [item-id]",
		Short: "Return failed items to pending; with an id, also revives a dead-lettered item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					if err := a.orch.Outbox.Requeue(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "requeued", args[0])
					return nil
				}
				n, err := a.orch.Outbox.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d items\n", n)
				return nil
			})
		},
	}
}

func newSaleCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		total, paid string
		method      string
		customerID  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a completed sale locally and queue it for sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("invalid --total: %w", err)
			}
			paidNow := decimal.Zero
			if paid != "" {
				if paidNow, err = decimal.NewFromString(paid); err != nil {
					return fmt.Errorf("invalid --paid: %w", err)
				}
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				sale, debt, err := a.retail.RecordSale(ctx, retail.SaleInput{
					CustomerID:    customerID,
					Total:         amount,
					PaymentMethod: method,
					PaidNow:       paidNow,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"sale": sale, "debt": debt})
			})
		},
	}
	cmd.Flags().StringVar(&total, "total", "", "sale total (required)")
	cmd.Flags().StringVar(&method, "method", "cash", "payment method (cash|card|mobile|credit)")
	cmd.Flags().StringVar(&customerID, "customer", "", "customer id (required for credit)")
	cmd.Flags().StringVar(&paid, "paid", "", "amount paid now on a credit sale")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}
