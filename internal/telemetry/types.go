// Package telemetry defines the machine log entries that flow through the fleet
// service and the contract every telemetry source implements.
//
// Architecture:
//   - Machines publish one Entry per sampling interval (see internal/reporter)
//   - The log store keeps entries until retention expires them (internal/logstore)
//   - The materializer and the usage engine derive read views from the store
package telemetry

import (
	"fmt"
	"time"
)

// DefaultLogInterval is the sampling period assumed for entries that do not
// carry one.
const DefaultLogInterval = 30

// Entry is one sample from one machine at one instant.
// Field names on the wire follow the machine_logs document format.
type Entry struct {
	MachineID   string    `json:"machineId"`
	MachineName string    `json:"machineName"`
	Timestamp   time.Time `json:"timestamp"`

	// LogIntervalSeconds is the sampling period this entry represents. Zero
	// means absent.
	LogIntervalSeconds float64 `json:"log_interval,omitempty"`

	CPU  CPU   `json:"cpu"`
	GPUs []GPU `json:"gpus"`
}

// CPU holds host-level readings. NProc and the totals may be zero.
type CPU struct {
	NProc        int     `json:"nproc"`
	LoadAvg      float64 `json:"load_avg"`
	MemoryUsed   float64 `json:"memory_used"`
	MemoryTotal  float64 `json:"memory_total"`
	StorageUsed  float64 `json:"storage_used"`
	StorageTotal float64 `json:"storage_total"`
}

// GPU holds the readings of one device and the users occupying it.
type GPU struct {
	Index          int      `json:"idx"`
	UtilizationPct float64  `json:"utilization"`
	MemoryUsed     float64  `json:"memory_used"`
	MemoryTotal    float64  `json:"memory_total"`
	PowerWatts     float64  `json:"power"`
	TemperatureC   float64  `json:"temperature,omitempty"`
	Users          []string `json:"users"`
}

// IntervalSeconds returns the sampling period of the entry, falling back to
// DefaultLogInterval when none was recorded.
func (e Entry) IntervalSeconds() float64 {
	if e.LogIntervalSeconds > 0 {
		return e.LogIntervalSeconds
	}
	return DefaultLogInterval
}

// Validate checks the fields every stored entry must carry.
func (e Entry) Validate() error {
	if e.MachineID == "" {
		return &ValidationError{Field: "machineId", Reason: "must not be empty"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "must be set"}
	}
	if e.LogIntervalSeconds < 0 {
		return &ValidationError{
			Field:  "log_interval",
			Value:  fmt.Sprintf("%g", e.LogIntervalSeconds),
			Reason: "must be positive",
		}
	}
	return nil
}

// ChangeKind classifies a change notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is a notification that entries of one machine were written or removed.
// It only names the affected key; consumers re-read ground truth themselves.
type Change struct {
	Kind      ChangeKind
	MachineID string
}
