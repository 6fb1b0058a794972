package usage

import (
	"sort"
	"strings"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
)

// Row is one (GPU, user) occupancy sample expanded from an entry.
type Row struct {
	MachineID       string
	UserID          string
	GPUIndex        int
	Timestamp       time.Time
	DurationSeconds float64
}

// Expand returns one row per (GPU, user) pair on the entry. Idle GPUs and
// entries without GPUs yield nothing.
func Expand(e telemetry.Entry) []Row {
	var rows []Row
	duration := e.IntervalSeconds()
	for _, gpu := range e.GPUs {
		for _, user := range gpu.Users {
			rows = append(rows, Row{
				MachineID:       e.MachineID,
				UserID:          user,
				GPUIndex:        gpu.Index,
				Timestamp:       e.Timestamp,
				DurationSeconds: duration,
			})
		}
	}
	return rows
}

// key reports the row's value for a dimension.
func (r Row) key(d Dimension) string {
	if d == ByMachine {
		return r.MachineID
	}
	return r.UserID
}

type groupKey struct {
	id     string
	bucket int64
}

// pipeline folds entries into per-group GPU-hour sums:
// window, expand, filter, bucket, group. Entries are added one at a time so
// the source can stream them.
type pipeline struct {
	dimension Dimension
	id        string // equality filter, empty for none
	from, to  time.Time
	unit      Unit // empty disables bucketing
	loc       *time.Location

	groups  map[groupKey]float64
	buckets map[int64]time.Time

	entries, rows int
}

func newPipeline(d Dimension, id string, from, to time.Time, unit Unit, loc *time.Location) *pipeline {
	return &pipeline{
		dimension: d,
		id:        id,
		from:      from,
		to:        to,
		unit:      unit,
		loc:       loc,
		groups:    make(map[groupKey]float64),
		buckets:   make(map[int64]time.Time),
	}
}

func (p *pipeline) add(e telemetry.Entry) {
	if e.Timestamp.Before(p.from) || !e.Timestamp.Before(p.to) {
		return
	}
	p.entries++

	for _, row := range Expand(e) {
		id := row.key(p.dimension)
		if p.id != "" && id != p.id {
			continue
		}
		p.rows++

		k := groupKey{id: id}
		if p.unit != "" {
			b := p.unit.Truncate(row.Timestamp, p.loc)
			k.bucket = b.UnixNano()
			p.buckets[k.bucket] = b
		}
		p.groups[k] += row.DurationSeconds / 3600.0
	}
}

// series returns bucketed results ascending by bucket, then by id.
func (p *pipeline) series() []Bucket {
	out := make([]Bucket, 0, len(p.groups))
	for k, hours := range p.groups {
		out = append(out, Bucket{ID: k.id, Bucket: p.buckets[k.bucket], GPUHours: hours})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// totals returns per-id sums descending by GPU-hours, ties by id ascending.
func (p *pipeline) totals() []Total {
	sums := make(map[string]float64, len(p.groups))
	for k, hours := range p.groups {
		sums[k.id] += hours
	}
	out := make([]Total, 0, len(sums))
	for id, hours := range sums {
		out = append(out, Total{ID: id, GPUHours: hours})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GPUHours != out[j].GPUHours {
			return out[i].GPUHours > out[j].GPUHours
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}
