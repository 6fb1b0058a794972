// cmd/report.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aceteam-ai/citadel-fleet/internal/logging"
	"github.com/aceteam-ai/citadel-fleet/internal/platform"
	"github.com/aceteam-ai/citadel-fleet/internal/reporter"
	"github.com/spf13/cobra"
)

var reportOnce bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Publish this machine's telemetry to the fleet stream",
	Long: `Samples CPU, memory, disk and NVIDIA GPU usage every interval and appends
the entry to the Redis telemetry stream read by 'citadel-fleet serve'.

The machine ID defaults to a fingerprint of the host's hardware identity.`,
	Example: `  # Report every 30 seconds
  REDIS_URL=redis://fleet:6379 citadel-fleet report

  # Publish a single sample and exit
  citadel-fleet report --once`,
	RunE: runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("Redis URL is required. Set redis.url or the REDIS_URL env var")
	}

	rc := cfg.Reporter
	if rc.MachineID == "" {
		id, err := platform.MachineIdentity()
		if err != nil {
			return fmt.Errorf("failed to identify machine: %w", err)
		}
		rc.MachineID = id.ID
		if rc.MachineName == "" {
			rc.MachineName = id.Name
		}
	}

	logFn := logging.Named(logger, "reporter")
	collector := reporter.NewCollector(reporter.CollectorConfig{
		MachineID:   rc.MachineID,
		MachineName: rc.MachineName,
		Interval:    rc.Interval,
		DiskPath:    rc.DiskPath,
		GPUs:        &reporter.NvidiaSMI{Path: rc.NvidiaSMI},
		LogFn:       logFn,
	})
	publisher, err := reporter.NewPublisher(reporter.PublisherConfig{
		RedisURL:      cfg.Redis.URL,
		RedisPassword: cfg.Redis.Password,
		Stream:        cfg.Redis.Stream,
		Interval:      rc.Interval,
		LogFn:         logFn,
	}, collector)
	if err != nil {
		return err
	}
	defer publisher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if reportOnce {
		id, err := publisher.PublishOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("published %s as %s (%s)\n", id, rc.MachineID, rc.MachineName)
		return nil
	}

	logger.Info(fmt.Sprintf("reporting %s (%s) to %s every %s", rc.MachineID, rc.MachineName, cfg.Redis.Stream, rc.Interval))
	if err := publisher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().BoolVar(&reportOnce, "once", false, "Publish a single sample and exit")
}
