package reporter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/ingest"
	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	goredis "github.com/redis/go-redis/v9"
)

const gpuCSV = `0, GPU-aaaa, 85, 20480, 24576, 310.52, 71
1, GPU-bbbb, 0, 0, 24576, [N/A], 40
`

const appsCSV = `GPU-aaaa, 4242
GPU-aaaa, 4243
GPU-aaaa, 5000
GPU-cccc, 6000
`

func fakeSMI(gpuOut, appsOut string, appsErr error) *NvidiaSMI {
	owners := map[int32]string{4242: "alice", 4243: "alice", 5000: "bob"}
	return &NvidiaSMI{
		Run: func(_ context.Context, _ string, args ...string) ([]byte, error) {
			if strings.HasPrefix(args[0], "--query-gpu") {
				return []byte(gpuOut), nil
			}
			return []byte(appsOut), appsErr
		},
		Owner: func(_ context.Context, pid int32) (string, error) {
			if u, ok := owners[pid]; ok {
				return u, nil
			}
			return "", fmt.Errorf("no such process %d", pid)
		},
	}
}

func TestNvidiaSMIQueryGPUs(t *testing.T) {
	gpus, err := fakeSMI(gpuCSV, appsCSV, nil).QueryGPUs(context.Background())
	if err != nil {
		t.Fatalf("QueryGPUs: %v", err)
	}

	want := []telemetry.GPU{
		{
			Index: 0, UtilizationPct: 85,
			MemoryUsed: 20480 * mib, MemoryTotal: 24576 * mib,
			PowerWatts: 310.52, TemperatureC: 71,
			Users: []string{"alice", "bob"},
		},
		{
			Index: 1, MemoryTotal: 24576 * mib, TemperatureC: 40,
			Users: []string{},
		},
	}
	if diff := cmp.Diff(want, gpus); diff != "" {
		t.Errorf("GPUs mismatch (-want +got):\n%s", diff)
	}
}

func TestNvidiaSMIWithoutComputeApps(t *testing.T) {
	gpus, err := fakeSMI(gpuCSV, "", errors.New("exit status 9")).QueryGPUs(context.Background())
	if err != nil {
		t.Fatalf("QueryGPUs: %v", err)
	}
	if len(gpus) != 2 || len(gpus[0].Users) != 0 {
		t.Errorf("got %+v, want two GPUs without users", gpus)
	}
}

func TestNvidiaSMIMissingBinary(t *testing.T) {
	smi := &NvidiaSMI{Run: func(context.Context, string, ...string) ([]byte, error) {
		return nil, &exec.Error{Name: "nvidia-smi", Err: exec.ErrNotFound}
	}}
	gpus, err := smi.QueryGPUs(context.Background())
	if err != nil || gpus != nil {
		t.Errorf("QueryGPUs = %v, %v; want nil, nil", gpus, err)
	}
}

func TestParseGPUsSkipsMalformedRows(t *testing.T) {
	gpus, uuids, err := parseGPUs([]byte("x, GPU-1, 1, 2, 3, 4, 5\n0, GPU-2, 1\n2, GPU-3, 50, 1, 2, 3, 4\n"))
	if err != nil {
		t.Fatalf("parseGPUs: %v", err)
	}
	if len(gpus) != 1 || gpus[0].Index != 2 || uuids[0] != "GPU-3" {
		t.Errorf("got %+v %v, want only GPU 2", gpus, uuids)
	}
}

type fakeHost struct {
	cpu telemetry.CPU
	err error
}

func (f fakeHost) CPU(context.Context, string) (telemetry.CPU, error) { return f.cpu, f.err }

type fakeGPUs struct {
	gpus []telemetry.GPU
	err  error
}

func (f fakeGPUs) QueryGPUs(context.Context) ([]telemetry.GPU, error) { return f.gpus, f.err }

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCollect(t *testing.T) {
	c := NewCollector(CollectorConfig{
		MachineID: "machine-1",
		Interval:  15 * time.Second,
		Host:      fakeHost{cpu: telemetry.CPU{NProc: 32, LoadAvg: 8.3}},
		GPUs:      fakeGPUs{gpus: []telemetry.GPU{{Index: 0, Users: []string{"alice"}}}},
		Now:       func() time.Time { return fixedNow },
	})

	e, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if e.MachineName != "machine-1" {
		t.Errorf("MachineName = %q, want machine ID fallback", e.MachineName)
	}
	if e.LogIntervalSeconds != 15 {
		t.Errorf("LogIntervalSeconds = %v, want 15", e.LogIntervalSeconds)
	}
	if !e.Timestamp.Equal(fixedNow) || e.CPU.NProc != 32 || len(e.GPUs) != 1 {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestCollectSurvivesGPUFailure(t *testing.T) {
	var warnings []string
	c := NewCollector(CollectorConfig{
		MachineID: "machine-3",
		Host:      fakeHost{},
		GPUs:      fakeGPUs{err: errors.New("driver mismatch")},
		LogFn: func(level, msg string) {
			if level == "warning" {
				warnings = append(warnings, msg)
			}
		},
	})

	e, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if e.GPUs == nil || len(e.GPUs) != 0 {
		t.Errorf("GPUs = %v, want empty non-nil slice", e.GPUs)
	}
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want one", warnings)
	}
}

func TestCollectFailsOnHostError(t *testing.T) {
	c := NewCollector(CollectorConfig{
		MachineID: "machine-1",
		Host:      fakeHost{err: errors.New("permission denied")},
		GPUs:      fakeGPUs{},
	})
	if _, err := c.Collect(context.Background()); err == nil {
		t.Error("Collect should fail when host stats fail")
	}
}

func TestNewPublisherValidatesMachineID(t *testing.T) {
	c := NewCollector(CollectorConfig{MachineID: "bad id; DROP"})
	if _, err := NewPublisher(PublisherConfig{RedisURL: "redis://localhost:6379"}, c); err == nil {
		t.Error("NewPublisher should reject an invalid machine ID")
	}
}

func TestPublishOnceRoundTripsThroughIngest(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	c := NewCollector(CollectorConfig{
		MachineID:   "machine-2",
		MachineName: "gpu-node-2",
		Host:        fakeHost{cpu: telemetry.CPU{NProc: 16, LoadAvg: 5.2, MemoryTotal: 64}},
		GPUs:        fakeGPUs{gpus: []telemetry.GPU{{Index: 0, UtilizationPct: 60, Users: []string{"bob"}}}},
		Now:         func() time.Time { return fixedNow },
	})
	p, err := NewPublisher(PublisherConfig{RedisURL: "redis://" + mr.Addr(), Stream: "test:logs"}, c)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if _, err := p.PublishOnce(ctx); err != nil {
		t.Fatalf("PublishOnce: %v", err)
	}

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer raw.Close()
	msgs, err := raw.XRange(ctx, "test:logs", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream has %d messages, want 1", len(msgs))
	}
	if msgs[0].Values["machineId"] != "machine-2" {
		t.Errorf("machineId field = %v", msgs[0].Values["machineId"])
	}

	got, err := ingest.DecodeMessage(msgs[0].Values)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	want, _ := c.Collect(ctx)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	c := NewCollector(CollectorConfig{MachineID: "machine-1", Host: fakeHost{}, GPUs: fakeGPUs{}})
	p, err := NewPublisher(PublisherConfig{RedisURL: "redis://" + mr.Addr(), Interval: 10 * time.Millisecond}, c)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start returned %v, want context.DeadlineExceeded", err)
	}

	n, err := goredis.NewClient(&goredis.Options{Addr: mr.Addr()}).XLen(context.Background(), "machine:logs:stream").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if n < 2 {
		t.Errorf("stream length = %d, want at least 2 publishes", n)
	}
}
