// Package summary turns a raw telemetry entry into the utilization figures and
// labels shown for a machine.
package summary

import (
	"fmt"
	"math"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/dustin/go-humanize"
)

// Metric is one utilization figure. Percent is unclamped: an overcommitted
// load average legitimately exceeds 100.
type Metric struct {
	Percent float64 `json:"percent"`
	Rounded int     `json:"util"`
	Label   string  `json:"display"`
}

// Resources is the summary of one machine entry.
type Resources struct {
	CPU Metric `json:"cpu"`
	GPU Metric `json:"gpu"`
	RAM Metric `json:"ram"`
	HDD Metric `json:"hdd"`
}

// Summarize computes CPU, GPU, RAM and disk utilization for an entry.
// Zero denominators yield 0 rather than an error.
func Summarize(e telemetry.Entry) Resources {
	cpu := e.CPU

	return Resources{
		CPU: newMetric(ratio(cpu.LoadAvg, float64(cpu.NProc)),
			fmt.Sprintf("%.1f / %d cores", cpu.LoadAvg, cpu.NProc)),
		GPU: gpuMetric(e.GPUs),
		RAM: newMetric(ratio(cpu.MemoryUsed, cpu.MemoryTotal),
			fmt.Sprintf("%s / %s", FormatBytes(cpu.MemoryUsed), FormatBytes(cpu.MemoryTotal))),
		HDD: newMetric(ratio(cpu.StorageUsed, cpu.StorageTotal),
			fmt.Sprintf("%s / %s", FormatBytes(cpu.StorageUsed), FormatBytes(cpu.StorageTotal))),
	}
}

// gpuMetric averages, per device, the larger of compute and memory pressure.
func gpuMetric(gpus []telemetry.GPU) Metric {
	if len(gpus) == 0 {
		return newMetric(0, "no GPUs")
	}

	var pressure, util, memUsed, memTotal float64
	for _, g := range gpus {
		pressure += math.Max(g.UtilizationPct, ratio(g.MemoryUsed, g.MemoryTotal))
		util += g.UtilizationPct
		memUsed += g.MemoryUsed
		memTotal += g.MemoryTotal
	}
	n := float64(len(gpus))

	label := fmt.Sprintf("%.0f%% util; %s / %s", util/n, FormatBytes(memUsed), FormatBytes(memTotal))
	return newMetric(pressure/n, label)
}

func newMetric(pct float64, label string) Metric {
	return Metric{Percent: pct, Rounded: int(math.Round(pct)), Label: label}
}

// ratio returns used/total as a percentage, or 0 when total is 0.
func ratio(used, total float64) float64 {
	if total == 0 {
		return 0
	}
	return used / total * 100
}

// FormatBytes renders a byte count with IEC units, e.g. "1.5 GiB".
func FormatBytes(b float64) string {
	if b <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(b))
}
