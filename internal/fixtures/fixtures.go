// Package fixtures provides the development fleet used to seed an empty log.
package fixtures

import (
	"context"
	"fmt"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
)

const gib = 1 << 30

// Store is the part of the log store seeding needs.
type Store interface {
	Count(ctx context.Context) (int64, error)
	Insert(ctx context.Context, e telemetry.Entry) (int64, error)
}

// Fleet returns four machines reporting at 30 second offsets before now:
// a busy two-GPU node with one idle device, a single-GPU node, a CPU-only
// node and a node whose GPUs are both held by one user.
func Fleet(now time.Time) []telemetry.Entry {
	now = now.UTC()
	return []telemetry.Entry{
		{
			MachineID:   "machine-1",
			MachineName: "Machine 1",
			Timestamp:   now,
			GPUs: []telemetry.GPU{
				{Index: 0, TemperatureC: 70, MemoryUsed: 6 * gib, MemoryTotal: 24 * gib, UtilizationPct: 75, PowerWatts: 220, Users: []string{"alice"}},
				{Index: 1, TemperatureC: 65, MemoryUsed: 0, MemoryTotal: 24 * gib, UtilizationPct: 0, PowerWatts: 50, Users: []string{}},
			},
			CPU: telemetry.CPU{NProc: 32, LoadAvg: 8.3, MemoryUsed: 48 * gib, MemoryTotal: 128 * gib, StorageUsed: 480 * gib, StorageTotal: 2000 * gib},
		},
		{
			MachineID:   "machine-2",
			MachineName: "Machine 2",
			Timestamp:   now.Add(-30 * time.Second),
			GPUs: []telemetry.GPU{
				{Index: 0, TemperatureC: 60, MemoryUsed: 4 * gib, MemoryTotal: 16 * gib, UtilizationPct: 40, PowerWatts: 150, Users: []string{"bob"}},
			},
			CPU: telemetry.CPU{NProc: 16, LoadAvg: 5.2, MemoryUsed: 24 * gib, MemoryTotal: 64 * gib, StorageUsed: 250 * gib, StorageTotal: 1000 * gib},
		},
		{
			MachineID:   "machine-3",
			MachineName: "Machine 3",
			Timestamp:   now.Add(-60 * time.Second),
			GPUs:        []telemetry.GPU{},
			CPU:         telemetry.CPU{NProc: 8, LoadAvg: 0.2, MemoryUsed: 2 * gib, MemoryTotal: 32 * gib, StorageUsed: 100 * gib, StorageTotal: 500 * gib},
		},
		{
			MachineID:   "machine-4",
			MachineName: "Machine 4",
			Timestamp:   now.Add(-90 * time.Second),
			GPUs: []telemetry.GPU{
				{Index: 0, TemperatureC: 72, MemoryUsed: 10 * gib, MemoryTotal: 24 * gib, UtilizationPct: 90, PowerWatts: 240, Users: []string{"carol"}},
				{Index: 1, TemperatureC: 71, MemoryUsed: 8 * gib, MemoryTotal: 24 * gib, UtilizationPct: 70, PowerWatts: 200, Users: []string{"carol"}},
			},
			CPU: telemetry.CPU{NProc: 24, LoadAvg: 15, MemoryUsed: 90 * gib, MemoryTotal: 192 * gib, StorageUsed: 1200 * gib, StorageTotal: 4000 * gib},
		},
	}
}

// Seed inserts Fleet(now) when the store holds no entries and returns how
// many entries were inserted. A non-empty store is left untouched.
func Seed(ctx context.Context, store Store, now time.Time) (int, error) {
	n, err := store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	fleet := Fleet(now)
	for i, e := range fleet {
		if _, err := store.Insert(ctx, e); err != nil {
			return i, fmt.Errorf("failed to seed %s: %w", e.MachineID, err)
		}
	}
	return len(fleet), nil
}
