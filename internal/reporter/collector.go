// Package reporter is the machine-side agent: it samples the host and
// publishes telemetry entries to the fleet's Redis stream.
package reporter

import (
	"context"
	"fmt"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats reads CPU, memory and disk figures.
type HostStats interface {
	CPU(ctx context.Context, diskPath string) (telemetry.CPU, error)
}

// gopsutilStats reads host figures through gopsutil.
type gopsutilStats struct{}

func (gopsutilStats) CPU(ctx context.Context, diskPath string) (telemetry.CPU, error) {
	var c telemetry.CPU

	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return c, fmt.Errorf("cpu count: %w", err)
	}
	c.NProc = n

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return c, fmt.Errorf("load average: %w", err)
	}
	c.LoadAvg = avg.Load1

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return c, fmt.Errorf("memory: %w", err)
	}
	c.MemoryUsed = float64(vm.Used)
	c.MemoryTotal = float64(vm.Total)

	du, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return c, fmt.Errorf("disk usage of %s: %w", diskPath, err)
	}
	c.StorageUsed = float64(du.Used)
	c.StorageTotal = float64(du.Total)

	return c, nil
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	MachineID   string
	MachineName string
	Interval    time.Duration // stamped as log_interval
	DiskPath    string        // default: "/"

	GPUs  GPUQuerier // default: NvidiaSMI
	Host  HostStats  // default: gopsutil
	Now   func() time.Time
	LogFn func(level, msg string)
}

// Collector builds telemetry entries for this machine.
type Collector struct {
	machineID   string
	machineName string
	interval    time.Duration
	diskPath    string
	gpus        GPUQuerier
	host        HostStats
	now         func() time.Time
	logFn       func(level, msg string)
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GPUs == nil {
		cfg.GPUs = &NvidiaSMI{}
	}
	if cfg.Host == nil {
		cfg.Host = gopsutilStats{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MachineName == "" {
		cfg.MachineName = cfg.MachineID
	}
	return &Collector{
		machineID:   cfg.MachineID,
		machineName: cfg.MachineName,
		interval:    cfg.Interval,
		diskPath:    cfg.DiskPath,
		gpus:        cfg.GPUs,
		host:        cfg.Host,
		now:         cfg.Now,
		logFn:       cfg.LogFn,
	}
}

// Collect samples the host. A GPU query failure is logged and the entry is
// sent without GPUs; a host stats failure fails the sample.
func (c *Collector) Collect(ctx context.Context) (telemetry.Entry, error) {
	entry := telemetry.Entry{
		MachineID:          c.machineID,
		MachineName:        c.machineName,
		Timestamp:          c.now().UTC(),
		LogIntervalSeconds: c.interval.Seconds(),
		GPUs:               []telemetry.GPU{},
	}

	host, err := c.host.CPU(ctx, c.diskPath)
	if err != nil {
		return telemetry.Entry{}, fmt.Errorf("failed to collect host stats: %w", err)
	}
	entry.CPU = host

	gpus, err := c.gpus.QueryGPUs(ctx)
	if err != nil {
		c.log("warning", fmt.Sprintf("GPU query failed: %v", err))
	} else if gpus != nil {
		entry.GPUs = gpus
	}

	return entry, entry.Validate()
}

func (c *Collector) log(level, msg string) {
	if c.logFn != nil {
		c.logFn(level, msg)
	}
}
