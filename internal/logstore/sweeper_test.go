package logstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSweepOnceExpiresOldEntries(t *testing.T) {
	store := openTestStore(t)
	now := t0.Add(31 * 24 * time.Hour)

	mustInsert(t, store, entryAt("m1", t0))
	mustInsert(t, store, entryAt("m1", now.Add(-time.Hour)))

	sweeper := NewSweeper(SweeperConfig{
		Store: store,
		Now:   func() time.Time { return now },
	})

	if n := sweeper.SweepOnce(context.Background()); n != 1 {
		t.Errorf("SweepOnce = %d, want 1", n)
	}

	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("remaining entries = %d, want 1", count)
	}
}

func TestSweeperDefaults(t *testing.T) {
	sweeper := NewSweeper(SweeperConfig{})
	if sweeper.retention != DefaultRetention {
		t.Errorf("retention = %v, want %v", sweeper.retention, DefaultRetention)
	}
	if sweeper.interval != time.Minute {
		t.Errorf("interval = %v, want 1m", sweeper.interval)
	}
}

func TestSweeperLogsExpiry(t *testing.T) {
	store := openTestStore(t)
	mustInsert(t, store, entryAt("m1", t0))

	var mu sync.Mutex
	var messages []string
	sweeper := NewSweeper(SweeperConfig{
		Store:     store,
		Retention: time.Hour,
		Now:       func() time.Time { return t0.Add(2 * time.Hour) },
		LogFn: func(level, msg string) {
			mu.Lock()
			messages = append(messages, msg)
			mu.Unlock()
		},
	})

	sweeper.SweepOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(messages) == 0 {
		t.Error("expected a log message after expiring entries")
	}
}

func TestSweeperStartRespectsContext(t *testing.T) {
	store := openTestStore(t)
	sweeper := NewSweeper(SweeperConfig{
		Store:    store,
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sweeper.Start(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start should return context.DeadlineExceeded, got %v", err)
	}
}
