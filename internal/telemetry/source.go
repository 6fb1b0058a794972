package telemetry

import (
	"context"
	"time"
)

// Source is the read side of the telemetry log consumed by the materializer
// and the usage engine. Implementations must be safe for concurrent use.
type Source interface {
	// FindLatest returns the entry with the greatest timestamp for machineID,
	// or nil when the machine has no entries.
	FindLatest(ctx context.Context, machineID string) (*Entry, error)

	// ListMachineIDs returns the distinct machine IDs currently present.
	ListMachineIDs(ctx context.Context) ([]string, error)

	// ScanRange calls fn for every entry with from <= timestamp < to.
	// Returning an error from fn stops the scan and is returned as is.
	ScanRange(ctx context.Context, from, to time.Time, fn func(Entry) error) error

	// SubscribeChanges streams change notifications until ctx is done or the
	// source is closed, at which point the channel is closed.
	SubscribeChanges(ctx context.Context) (<-chan Change, error)
}
