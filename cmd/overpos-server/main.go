// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command overpos-server runs the sync gateway that point-of-sale terminals push to
// and pull from.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Isna13/BarManagerPro-sub001/cmd/overpos-server/server"
	"github.com/Isna13/BarManagerPro-sub001/internal/config"
	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	ConfigPath string
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
		Use:   "overpos-server",
		Short: "OverPOS sync gateway",
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (optional)")
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "serve",
		Short:         "Run the HTTP sync gateway",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(opts.ConfigPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.ServerConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := config.NewLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := server.SetupServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup server: %w", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      components.Handler,
		ReadTimeout:  cfg.ReadTimeout.D(),
		WriteTimeout: cfg.WriteTimeout.D(),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting sync gateway", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.D())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited")
	return nil
}

type tokenOptions struct {
	User   string
	Device string
	Branch string
	TTL    time.Duration
}

// newTokenCommand mints a terminal token with the configured secret. Intended for
// development; production tokens come from the login service.
func newTokenCommand(opts *rootOptions) *cobra.Command {
	topts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:          "token",
		Short:        "Mint a terminal JWT for development",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(opts.ConfigPath)
			if err != nil {
				return err
			}
			tok, err := oversync.NewJWTAuth(cfg.JWTSecret).GenerateToken(topts.User, topts.Device, topts.Branch, topts.TTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&topts.User, "user", "", "user id (required)")
	cmd.Flags().StringVar(&topts.Device, "device", "", "terminal device id (required)")
	cmd.Flags().StringVar(&topts.Branch, "branch", "", "branch id")
	cmd.Flags().DurationVar(&topts.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}
