package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/attest/internal/assessor"
	"github.com/ssd-technologies/attest/internal/config"
	"github.com/ssd-technologies/attest/internal/coordinator"
	"github.com/ssd-technologies/attest/internal/health"
	"github.com/ssd-technologies/attest/internal/marketplace"
	"github.com/ssd-technologies/attest/internal/observability"
	"github.com/ssd-technologies/attest/internal/server"
	"github.com/ssd-technologies/attest/internal/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator HTTP server and background monitors",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := observability.Init("attest", cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("[attest] WARNING: tracing shutdown: %v", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewDB(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	opts := []coordinator.Option{coordinator.WithStore(db)}
	if cfg.Marketplace.URL != "" {
		opts = append(opts, coordinator.WithMarketplace(
			marketplace.NewClient(cfg.Marketplace.URL, cfg.Marketplace.Token, cfg.Marketplace.Timeout)))
	}
	coord := coordinator.New(assessor.NewHTTP(nil, cfg.Dispatch.WorkerTimeout), coordinator.Config{
		Dispatch:          cfg.Dispatch,
		Consensus:         cfg.Consensus,
		Conversation:      cfg.Conversation,
		OverloadThreshold: cfg.OverloadThreshold,
	}, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := coord.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	monitor := health.New(coord.Registry(), coord.Dispatcher(), cfg.Health, health.OnStuck(coord.OnStuck))
	srv := server.New(coord, cfg.Server.RateLimit)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[attest] listening on %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("[attest] shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return monitor.RunStatusReporter(ctx) })
	g.Go(func() error { return srv.RunLimiterSweep(ctx, sweepInterval) })

	err = g.Wait()
	coord.Wait()
	return err
}
