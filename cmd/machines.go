// cmd/machines.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/summary"
	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/spf13/cobra"
)

// machineRow is the JSON shape of one listed machine.
type machineRow struct {
	telemetry.Entry
	Summary summary.Resources `json:"summary"`
}

var machinesCmd = &cobra.Command{
	Use:     "machines",
	Aliases: []string{"ls", "nodes"},
	Short:   "List every machine's latest reported state",
	Long: `Reads the local telemetry log and shows, per machine, its most recent
entry summarized as CPU, GPU, RAM and disk utilization.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyColorFlag()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.QueryTimeout)
		defer cancel()

		store, err := openStore(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ids, err := store.ListMachineIDs(ctx)
		if err != nil {
			return err
		}

		rows := make([]machineRow, 0, len(ids))
		for _, id := range ids {
			latest, err := store.FindLatest(ctx, id)
			if err != nil {
				return err
			}
			if latest == nil {
				continue
			}
			rows = append(rows, machineRow{Entry: *latest, Summary: summary.Summarize(*latest)})
		}

		if jsonOutput {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("No machines have reported yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "MACHINE\tNAME\tCPU\tGPU\tRAM\tDISK\tLAST SEEN")
		fmt.Fprintln(w, "-------\t----\t---\t---\t---\t----\t---------")
		for _, r := range rows {
			s := r.Summary
			lastSeen := time.Since(r.Timestamp).Round(time.Second).String() + " ago"
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				truncate(r.MachineID), truncate(r.MachineName),
				colorizePercent(s.CPU.Percent), colorizePercent(s.GPU.Percent),
				colorizePercent(s.RAM.Percent), colorizePercent(s.HDD.Percent),
				lastSeen)
		}
		w.Flush()

		fmt.Println()
		for _, r := range rows {
			labelColor.Printf("%s\n", r.MachineName)
			fmt.Printf("  cpu %s, gpu %s, ram %s, disk %s\n",
				r.Summary.CPU.Label, r.Summary.GPU.Label, r.Summary.RAM.Label, r.Summary.HDD.Label)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(machinesCmd)
	machinesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")
	machinesCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable color output")
}
