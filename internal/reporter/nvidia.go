package reporter

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/shirou/gopsutil/v3/process"
)

const mib = 1024 * 1024

// GPUQuerier reports the machine's GPUs and who is using them.
type GPUQuerier interface {
	QueryGPUs(ctx context.Context) ([]telemetry.GPU, error)
}

// NvidiaSMI queries NVIDIA GPUs through the nvidia-smi binary. A host
// without nvidia-smi reports no GPUs.
type NvidiaSMI struct {
	Path string // default: "nvidia-smi"

	// Run executes a command and returns stdout; tests replace it.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)

	// Owner resolves a PID to a user name; tests replace it.
	Owner func(ctx context.Context, pid int32) (string, error)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func processOwner(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.UsernameWithContext(ctx)
}

// QueryGPUs returns one GPU per device with its compute processes' owners
// as users.
func (n *NvidiaSMI) QueryGPUs(ctx context.Context) ([]telemetry.GPU, error) {
	path, run, owner := n.Path, n.Run, n.Owner
	if path == "" {
		path = "nvidia-smi"
	}
	if run == nil {
		run = runCommand
	}
	if owner == nil {
		owner = processOwner
	}

	out, err := run(ctx, path,
		"--query-gpu=index,uuid,utilization.gpu,memory.used,memory.total,power.draw,temperature.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query NVIDIA GPUs: %w", err)
	}
	gpus, uuids, err := parseGPUs(out)
	if err != nil {
		return nil, err
	}

	apps, err := run(ctx, path, "--query-compute-apps=gpu_uuid,pid", "--format=csv,noheader")
	if err != nil {
		// Utilization is still worth reporting without owners.
		return gpus, nil
	}
	pids, err := parseComputeApps(apps)
	if err != nil {
		return gpus, nil
	}

	byUUID := make(map[string]int, len(uuids))
	for i, id := range uuids {
		byUUID[id] = i
	}
	for _, app := range pids {
		i, ok := byUUID[app.gpuUUID]
		if !ok {
			continue
		}
		user, err := owner(ctx, app.pid)
		if err != nil || user == "" {
			continue
		}
		gpus[i].Users = appendUnique(gpus[i].Users, user)
	}
	return gpus, nil
}

// parseGPUs parses --query-gpu CSV. Memory is reported in MiB and converted
// to bytes; "[N/A]" readings become 0.
func parseGPUs(out []byte) ([]telemetry.GPU, []string, error) {
	records, err := readCSV(out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}

	gpus := make([]telemetry.GPU, 0, len(records))
	uuids := make([]string, 0, len(records))
	for _, rec := range records {
		if len(rec) < 7 {
			continue
		}
		idx, err := strconv.Atoi(rec[0])
		if err != nil {
			continue
		}
		gpus = append(gpus, telemetry.GPU{
			Index:          idx,
			UtilizationPct: parseReading(rec[2]),
			MemoryUsed:     parseReading(rec[3]) * mib,
			MemoryTotal:    parseReading(rec[4]) * mib,
			PowerWatts:     parseReading(rec[5]),
			TemperatureC:   parseReading(rec[6]),
			Users:          []string{},
		})
		uuids = append(uuids, rec[1])
	}
	return gpus, uuids, nil
}

type computeApp struct {
	gpuUUID string
	pid     int32
}

func parseComputeApps(out []byte) ([]computeApp, error) {
	records, err := readCSV(out)
	if err != nil {
		return nil, err
	}
	apps := make([]computeApp, 0, len(records))
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		pid, err := strconv.ParseInt(rec[1], 10, 32)
		if err != nil {
			continue
		}
		apps = append(apps, computeApp{gpuUUID: rec[0], pid: int32(pid)})
	}
	return apps, nil
}

func readCSV(out []byte) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimSpace(string(out))))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

func parseReading(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
