package logstore

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetention matches the TTL of the machine_logs time series.
const DefaultRetention = 30 * 24 * time.Hour

// SweeperConfig holds configuration for the retention sweeper.
type SweeperConfig struct {
	// Store is the log database to expire entries from
	Store *Store

	// Retention is how long entries are kept (default: 30 days)
	Retention time.Duration

	// Interval between sweeps (default: 1m)
	Interval time.Duration

	// Now overrides the clock (optional, for tests)
	Now func() time.Time

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Sweeper periodically expires entries older than the retention window.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logFn     func(level, msg string)
}

// NewSweeper creates a new retention sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	retention := cfg.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:     cfg.Store,
		retention: retention,
		interval:  interval,
		now:       now,
		logFn:     cfg.LogFn,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single retention pass and returns the number of
// expired entries.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.ExpireBefore(ctx, cutoff)
	if err != nil {
		s.log("warning", fmt.Sprintf("retention sweep: expire failed: %v", err))
		return 0
	}
	if n > 0 {
		s.log("info", fmt.Sprintf("retention sweep: expired %d entries older than %s", n, cutoff.UTC().Format(time.RFC3339)))
	}
	return n
}

func (s *Sweeper) log(level, msg string) {
	if s.logFn != nil {
		s.logFn(level, msg)
	}
}
