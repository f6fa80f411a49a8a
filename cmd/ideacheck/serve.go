package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/ideacheck/pkg/controller"
	"github.com/nstogner/ideacheck/pkg/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	st, watch, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tr, err := newTransport(ctx, cfg, st)
	if err != nil {
		return err
	}

	ctrl := controller.New(st, tr, controllerConfig(cfg))
	if n, err := ctrl.Recover(ctx); err != nil {
		slog.Error("Failed to recover interrupted messages", "error", err)
	} else if n > 0 {
		slog.Info("Recovered interrupted messages", "count", n)
	}

	srv := server.New(st, ctrl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	if watch != nil {
		g.Go(func() error {
			if err := watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Settle streams first so every message ends terminal.
		ctrl.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
