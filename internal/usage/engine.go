// Package usage computes GPU-hour aggregates from the telemetry log.
//
// Every (GPU, user) pair on an entry counts as that user occupying that GPU
// for the entry's log interval. Sums are plain float accumulations; rounding
// is left to whoever displays them.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
)

// Bucket is one point of a usage series.
type Bucket struct {
	ID       string    `json:"id,omitempty"`
	Bucket   time.Time `json:"bucket"`
	GPUHours float64   `json:"gpuHours"`
}

// Total is one leaderboard row.
type Total struct {
	ID       string  `json:"id"`
	GPUHours float64 `json:"gpuHours"`
}

// SeriesQuery asks for usage bucketed by time. ID restricts the result to a
// single user or machine; when empty every id is returned.
type SeriesQuery struct {
	Dimension Dimension
	ID        string
	From, To  time.Time
	Unit      Unit
	Location  *time.Location
}

// SummaryQuery asks for usage totals over a whole window.
type SummaryQuery struct {
	Dimension Dimension
	From, To  time.Time
}

// Scanner is the part of the telemetry source the engine reads.
type Scanner interface {
	ScanRange(ctx context.Context, from, to time.Time, fn func(telemetry.Entry) error) error
}

// Engine answers usage queries. It holds no state between calls and is safe
// for concurrent use.
type Engine struct {
	source Scanner
	logFn  func(level, msg string)
}

// NewEngine creates an engine reading from source. logFn is optional.
func NewEngine(source Scanner, logFn func(level, msg string)) *Engine {
	return &Engine{source: source, logFn: logFn}
}

// Series returns GPU-hours per bucket ascending by bucket. Buckets are
// expressed in the query's location.
func (e *Engine) Series(ctx context.Context, q SeriesQuery) ([]Bucket, error) {
	if err := validateWindow(q.Dimension, q.From, q.To); err != nil {
		return nil, err
	}
	unit, err := ParseUnit(string(q.Unit))
	if err != nil {
		return nil, err
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}

	p := newPipeline(q.Dimension, q.ID, q.From, q.To, unit, loc)
	if err := e.run(ctx, p); err != nil {
		return nil, fmt.Errorf("usage series by %s: %w", q.Dimension, err)
	}
	out := p.series()
	e.log("debug", fmt.Sprintf("usage series by %s: %d entries, %d rows, %d buckets", q.Dimension, p.entries, p.rows, len(out)))
	return out, nil
}

// Summary returns GPU-hours per id descending, ties broken by id.
func (e *Engine) Summary(ctx context.Context, q SummaryQuery) ([]Total, error) {
	if err := validateWindow(q.Dimension, q.From, q.To); err != nil {
		return nil, err
	}

	p := newPipeline(q.Dimension, "", q.From, q.To, "", time.UTC)
	if err := e.run(ctx, p); err != nil {
		return nil, fmt.Errorf("usage summary by %s: %w", q.Dimension, err)
	}
	out := p.totals()
	e.log("debug", fmt.Sprintf("usage summary by %s: %d entries, %d rows, %d ids", q.Dimension, p.entries, p.rows, len(out)))
	return out, nil
}

func (e *Engine) run(ctx context.Context, p *pipeline) error {
	if p.from.Equal(p.to) {
		return nil
	}
	return e.source.ScanRange(ctx, p.from, p.to, func(entry telemetry.Entry) error {
		p.add(entry)
		return nil
	})
}

// UsageByUser returns one user's GPU-hours bucketed by unit in timezone.
// Timestamps are ISO-8601; empty unit and timezone mean hour and UTC.
func (e *Engine) UsageByUser(ctx context.Context, userID, from, to, unit, timezone string) ([]Bucket, error) {
	q, err := ParseSeriesQuery(ByUser, userID, from, to, unit, timezone)
	if err != nil {
		return nil, err
	}
	return e.Series(ctx, q)
}

// UsageByMachine returns one machine's GPU-hours bucketed by unit in timezone.
func (e *Engine) UsageByMachine(ctx context.Context, machineID, from, to, unit, timezone string) ([]Bucket, error) {
	q, err := ParseSeriesQuery(ByMachine, machineID, from, to, unit, timezone)
	if err != nil {
		return nil, err
	}
	return e.Series(ctx, q)
}

// UsageAllUsers returns every user's total GPU-hours in the window.
func (e *Engine) UsageAllUsers(ctx context.Context, from, to string) ([]Total, error) {
	q, err := ParseSummaryQuery(ByUser, from, to)
	if err != nil {
		return nil, err
	}
	return e.Summary(ctx, q)
}

// UsageAllMachines returns every machine's total GPU-hours in the window.
func (e *Engine) UsageAllMachines(ctx context.Context, from, to string) ([]Total, error) {
	q, err := ParseSummaryQuery(ByMachine, from, to)
	if err != nil {
		return nil, err
	}
	return e.Summary(ctx, q)
}

// ParseSeriesQuery builds a single-id series query from wire values.
func ParseSeriesQuery(d Dimension, id, from, to, unit, timezone string) (SeriesQuery, error) {
	if id == "" {
		return SeriesQuery{}, &telemetry.ValidationError{Field: string(d), Reason: "required"}
	}
	window, err := ParseSummaryQuery(d, from, to)
	if err != nil {
		return SeriesQuery{}, err
	}
	u, err := ParseUnit(unit)
	if err != nil {
		return SeriesQuery{}, err
	}
	loc, err := LoadLocation(timezone)
	if err != nil {
		return SeriesQuery{}, err
	}
	return SeriesQuery{Dimension: d, ID: id, From: window.From, To: window.To, Unit: u, Location: loc}, nil
}

// ParseSummaryQuery builds a leaderboard query from wire values.
func ParseSummaryQuery(d Dimension, from, to string) (SummaryQuery, error) {
	f, err := ParseTime("from", from)
	if err != nil {
		return SummaryQuery{}, err
	}
	t, err := ParseTime("to", to)
	if err != nil {
		return SummaryQuery{}, err
	}
	if err := validateWindow(d, f, t); err != nil {
		return SummaryQuery{}, err
	}
	return SummaryQuery{Dimension: d, From: f, To: t}, nil
}

func validateWindow(d Dimension, from, to time.Time) error {
	if d != ByUser && d != ByMachine {
		return &telemetry.ValidationError{Field: "dimension", Value: string(d), Reason: "must be userId or machineId"}
	}
	if to.Before(from) {
		return &telemetry.ValidationError{Field: "to", Value: to.Format(time.RFC3339), Reason: "before from"}
	}
	return nil
}

func (e *Engine) log(level, msg string) {
	if e.logFn != nil {
		e.logFn(level, msg)
	}
}
