// cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/api"
	"github.com/aceteam-ai/citadel-fleet/internal/ingest"
	"github.com/aceteam-ai/citadel-fleet/internal/logging"
	"github.com/aceteam-ai/citadel-fleet/internal/logstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet server: ingest, retention and the HTTP API",
	Long: `Opens the telemetry log, expires entries past the retention window,
consumes the Redis telemetry stream when a Redis URL is configured, and
serves usage queries and the live machine snapshot feed over HTTP.`,
	Example: `  # Serve with environment defaults
  REDIS_URL=redis://localhost:6379 citadel-fleet serve

  # Serve a local database without ingest on another port
  citadel-fleet serve --listen :9090 --config fleet.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}

	store, err := openStore(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "citadel_fleet",
			Subsystem: "logstore",
			Name:      "entries",
			Help:      "Telemetry entries currently stored.",
		}, func() float64 {
			n, err := store.Count(context.Background())
			if err != nil {
				return 0
			}
			return float64(n)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)

	sweeper := logstore.NewSweeper(logstore.SweeperConfig{
		Store:     store,
		Retention: cfg.Server.Retention,
		Interval:  cfg.Server.SweepInterval,
		LogFn:     logging.Named(logger, "retention"),
	})
	sweeper.SweepOnce(ctx)
	g.Go(func() error { return sweeper.Start(gctx) })

	if cfg.Redis.URL != "" {
		consumer, err := ingest.NewConsumer(ingest.Config{
			URL:           cfg.Redis.URL,
			Password:      cfg.Redis.Password,
			Stream:        cfg.Redis.Stream,
			ConsumerGroup: cfg.Redis.ConsumerGroup,
			LogFn:         logging.Named(logger, "ingest"),
		}, store)
		if err != nil {
			return err
		}
		defer consumer.Close()
		registerIngestMetrics(reg, consumer)

		logger.Info(fmt.Sprintf("consuming %s as %s/%s", cfg.Redis.Stream, cfg.Redis.ConsumerGroup, consumer.ConsumerID()))
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		logger.Warn("no Redis URL configured, ingest disabled")
	}

	srv := api.NewServer(api.Config{
		Listen:          cfg.Server.Listen,
		Source:          store,
		QueryTimeout:    cfg.Server.QueryTimeout,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		InitConcurrency: cfg.Server.InitConcurrency,
		Registry:        reg,
		Version:         Version,
		LogFn:           logging.Named(logger, "api"),
	})
	if err := srv.Start(); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("fleet server stopped")
	return err
}

// registerIngestMetrics exposes the consumer's counters.
func registerIngestMetrics(reg prometheus.Registerer, c *ingest.Consumer) {
	counter := func(name, help string, value func(ingest.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "citadel_fleet",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(c.Stats())) })
	}
	reg.MustRegister(
		counter("stored_total", "Stream messages stored.", func(s ingest.Stats) uint64 { return s.Stored }),
		counter("rejected_total", "Undecodable or invalid messages dropped.", func(s ingest.Stats) uint64 { return s.Rejected }),
		counter("failed_total", "Messages left pending after a store failure.", func(s ingest.Stats) uint64 { return s.Failed }),
	)
}

// openStore opens the log database, creating its directory if needed.
func openStore(path string) (*logstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return logstore.Open(path)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides server.listen)")
}
