package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
)

func receive(t *testing.T, ch <-chan telemetry.Change) telemetry.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("change channel closed unexpectedly")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	return telemetry.Change{}
}

func TestSubscribeChangesReceivesInsertAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}

	id := mustInsert(t, store, entryAt("m1", t0))
	if c := receive(t, ch); c.Kind != telemetry.ChangeInsert || c.MachineID != "m1" {
		t.Errorf("change = %+v, want insert m1", c)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if c := receive(t, ch); c.Kind != telemetry.ChangeDelete || c.MachineID != "m1" {
		t.Errorf("change = %+v, want delete m1", c)
	}
}

func TestExpirePublishesOncePerMachine(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mustInsert(t, store, entryAt("m1", t0))
	mustInsert(t, store, entryAt("m1", t0.Add(time.Second)))
	mustInsert(t, store, entryAt("m2", t0))

	ch, err := store.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}

	if _, err := store.ExpireBefore(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatalf("ExpireBefore: %v", err)
	}

	seen := map[string]int{}
	for range 2 {
		c := receive(t, ch)
		if c.Kind != telemetry.ChangeDelete {
			t.Errorf("Kind = %v, want delete", c.Kind)
		}
		seen[c.MachineID]++
	}
	if seen["m1"] != 1 || seen["m2"] != 1 {
		t.Errorf("delete notifications = %v, want one each for m1 and m2", seen)
	}
}

func TestSubscriptionClosesOnCancel(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := store.SubscribeChanges(ctx)
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}

	if n := store.hub.subscriberCount(); n != 0 {
		t.Errorf("subscriberCount = %d, want 0", n)
	}

	// Publishing after the subscriber left must not block
	mustInsert(t, store, entryAt("m1", t0))
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ch, err := store.SubscribeChanges(context.Background())
	if err != nil {
		t.Fatalf("SubscribeChanges: %v", err)
	}
	store.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}

	if _, err := store.SubscribeChanges(context.Background()); err == nil {
		t.Error("SubscribeChanges after Close should fail")
	}
}
