// cmd/attest-worker/main.go
//
// attest-worker is a reference verification worker. It serves assessments on
// /assess and keeps itself registered with a coordinator over a websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/attest/internal/observability"
	"github.com/ssd-technologies/attest/internal/registry"
)

const heartbeatInterval = 30 * time.Second

var (
	workerID       string
	workerName     string
	specialties    []string
	coordinatorURL string
	listenAddr     string
	advertiseURL   string
	rating         float64
	cost           float64
	capacity       int
)

var rootCmd = &cobra.Command{
	Use:          "attest-worker",
	Short:        "Reference verification worker",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&workerID, "id", "", "worker id (default: random)")
	f.StringVar(&workerName, "name", "", "display name")
	f.StringSliceVar(&specialties, "specialty", []string{registry.SpecialtyCodeReview}, "specialty (repeatable)")
	f.StringVar(&coordinatorURL, "coordinator", envOr("ATTEST_COORDINATOR_WS", "ws://localhost:8080/ws/workers"), "coordinator websocket URL")
	f.StringVar(&listenAddr, "listen", "127.0.0.1:0", "address for the assessment server")
	f.StringVar(&advertiseURL, "endpoint", "", "endpoint advertised to the coordinator (default: http://<listen address>)")
	f.Float64Var(&rating, "rating", 4, "self-reported rating from 0 to 5")
	f.Float64Var(&cost, "cost", 0, "cost per assessment")
	f.IntVar(&capacity, "capacity", 4, "concurrent assessments counted as full load")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "attest-worker failed: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cmd *cobra.Command, _ []string) error {
	if capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	shutdownTracing, err := observability.Init("attest-worker", observability.Config{
		Exporter:    envOr("ATTEST_OTEL_EXPORTER", "none"),
		Endpoint:    os.Getenv("ATTEST_OTEL_ENDPOINT"),
		Headers:     observability.ParseHeaders(os.Getenv("ATTEST_OTEL_HEADERS")),
		Sampler:     "parentbased_always_on",
		SampleRatio: 1,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	endpoint := advertiseURL
	if endpoint == "" {
		endpoint = "http://" + listener.Addr().String()
	}

	w := &worker{capacity: capacity}
	srv := &http.Server{Handler: w.handler(), ReadHeaderTimeout: 10 * time.Second}

	sess, err := connect(ctx, coordinatorURL, registry.Registration{
		AgentID:     workerID,
		Name:        workerName,
		Specialties: specialties,
		Endpoint:    endpoint,
		Rating:      rating,
		Cost:        cost,
	})
	if err != nil {
		listener.Close()
		return err
	}
	log.Printf("[worker] %s registered; assessing on %s", workerID, endpoint)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("assessment server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sess.heartbeat(ctx, workerID, heartbeatInterval, w.load) })

	err = g.Wait()
	log.Printf("[worker] %s stopped", workerID)
	return err
}
