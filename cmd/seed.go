// cmd/seed.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/fixtures"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed an empty telemetry log with a development fleet",
	Long: `Inserts four sample machines (two busy GPU nodes, one lightly used GPU
node and one CPU-only node) stamped at the current time. A log that already
holds entries is left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := fixtures.Seed(context.Background(), store, time.Now())
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Printf("%s already has entries, nothing seeded\n", cfg.Server.DBPath)
			return nil
		}
		goodColor.Printf("✅ Seeded %d machines into %s\n", n, cfg.Server.DBPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
