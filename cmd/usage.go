// cmd/usage.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/logging"
	"github.com/aceteam-ai/citadel-fleet/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usageFrom  string
	usageTo    string
	usageSince time.Duration
	usageUnit  string
	usageTZ    string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Report GPU-hours by user or machine",
	Long: `Reads the local telemetry log and reports GPU-hours. Without an ID the
command prints a leaderboard for the window; with an ID it prints that user's
or machine's usage bucketed by --unit in --tz.

Timestamps are ISO-8601 (2024-01-01 or 2024-01-01T09:00:00Z). The window
includes --from and excludes --to.`,
	Example: `  # Who used the most GPU time in the last day
  citadel-fleet usage users

  # Alice's daily usage for January, bucketed in New York time
  citadel-fleet usage users alice --from 2024-01-01 --to 2024-02-01 --unit day --tz America/New_York

  # One machine's hourly usage over the last 6 hours as JSON
  citadel-fleet usage machines machine-1 --since 6h --json`,
}

var usageUsersCmd = &cobra.Command{
	Use:     "users [userId]",
	Aliases: []string{"user"},
	Short:   "GPU-hours per user",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUsage(cmd.Context(), usage.ByUser, args)
	},
}

var usageMachinesCmd = &cobra.Command{
	Use:     "machines [machineId]",
	Aliases: []string{"machine"},
	Short:   "GPU-hours per machine",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUsage(cmd.Context(), usage.ByMachine, args)
	},
}

// usageWindow resolves --from/--to, defaulting to the last --since.
func usageWindow(now time.Time) (string, string) {
	from, to := usageFrom, usageTo
	if to == "" {
		to = now.UTC().Format(time.RFC3339)
	}
	if from == "" {
		end, err := usage.ParseTime("to", to)
		if err != nil {
			// Let the engine report the bad --to.
			return now.Add(-usageSince).UTC().Format(time.RFC3339), to
		}
		from = end.Add(-usageSince).UTC().Format(time.RFC3339)
	}
	return from, to
}

func runUsage(ctx context.Context, d usage.Dimension, args []string) error {
	applyColorFlag()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Server.QueryTimeout)
	defer cancel()

	store, err := openStore(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := usage.NewEngine(store, logging.Named(logger, "usage"))
	from, to := usageWindow(time.Now())

	if len(args) == 0 {
		q, err := usage.ParseSummaryQuery(d, from, to)
		if err != nil {
			return err
		}
		totals, err := engine.Summary(ctx, q)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(totals)
		}
		printTotals(d, q, totals)
		return nil
	}

	q, err := usage.ParseSeriesQuery(d, args[0], from, to, usageUnit, usageTZ)
	if err != nil {
		return err
	}
	buckets, err := engine.Series(ctx, q)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(buckets)
	}
	printSeries(q, buckets)
	return nil
}

func printTotals(d usage.Dimension, q usage.SummaryQuery, totals []usage.Total) {
	headerColor.Printf("--- GPU-hours by %s, %s to %s ---\n", dimensionLabel(d),
		q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	if len(totals) == 0 {
		fmt.Println("No GPU usage in this window.")
		return
	}

	var sum float64
	for _, t := range totals {
		sum += t.GPUHours
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "RANK\t%s\tGPU-HOURS\tSHARE\n", strings.ToUpper(dimensionLabel(d)))
	fmt.Fprintln(w, "----\t----\t---------\t-----")
	for i, t := range totals {
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%s\n", i+1, labelColor.Sprint(truncate(t.ID)), t.GPUHours, colorizePercent(t.GPUHours/sum*100))
	}
	w.Flush()
	fmt.Printf("\nTotal: %.3f GPU-hours\n", sum)
}

func printSeries(q usage.SeriesQuery, buckets []usage.Bucket) {
	headerColor.Printf("--- GPU-hours for %s %s per %s (%s) ---\n", dimensionLabel(q.Dimension),
		truncate(q.ID), q.Unit, q.Location)
	if len(buckets) == 0 {
		fmt.Println("No GPU usage in this window.")
		return
	}

	layout := "2006-01-02 15:04 MST"
	if q.Unit != usage.Hour {
		layout = "2006-01-02 MST"
	}

	var sum float64
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "BUCKET\tGPU-HOURS")
	fmt.Fprintln(w, "------\t---------")
	for _, b := range buckets {
		sum += b.GPUHours
		fmt.Fprintf(w, "%s\t%.3f\n", b.Bucket.Format(layout), b.GPUHours)
	}
	w.Flush()
	fmt.Printf("\nTotal: %.3f GPU-hours\n", sum)
}

func dimensionLabel(d usage.Dimension) string {
	if d == usage.ByMachine {
		return "machine"
	}
	return "user"
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageUsersCmd, usageMachinesCmd)

	usageCmd.PersistentFlags().StringVar(&usageFrom, "from", "", "Window start, inclusive (default: --to minus --since)")
	usageCmd.PersistentFlags().StringVar(&usageTo, "to", "", "Window end, exclusive (default: now)")
	usageCmd.PersistentFlags().DurationVar(&usageSince, "since", 24*time.Hour, "Window length when --from is not set")
	usageCmd.PersistentFlags().StringVar(&usageUnit, "unit", string(usage.DefaultUnit), "Bucket size: hour, day, week or month")
	usageCmd.PersistentFlags().StringVar(&usageTZ, "tz", "UTC", "Bucket time zone (IANA name or ±HH:MM)")
	usageCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")
	usageCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
}
