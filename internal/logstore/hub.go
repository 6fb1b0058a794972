package logstore

import (
	"context"
	"errors"
	"sync"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
)

// subscriberBuffer bounds how far a listener may lag before writers block on it.
const subscriberBuffer = 1024

var errStoreClosed = errors.New("log store closed")

// hub fans change notifications out to every live subscription.
type hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	ch       chan telemetry.Change
	done     chan struct{}
	stopOnce sync.Once
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*subscriber)}
}

func (h *hub) subscribe(ctx context.Context) (<-chan telemetry.Change, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errStoreClosed
	}
	id := h.nextID
	h.nextID++
	sub := &subscriber{
		ch:   make(chan telemetry.Change, subscriberBuffer),
		done: make(chan struct{}),
	}
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		h.remove(id, sub)
	}()

	return sub.ch, nil
}

// remove unblocks any publisher stuck on sub before taking the write lock, so
// the channel is only closed once nobody can send on it.
func (h *hub) remove(id uint64, sub *subscriber) {
	sub.stop()

	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (h *hub) publish(c telemetry.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- c:
		case <-sub.done:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	// The per-subscription goroutines observe done and close the channels.
	for _, sub := range subs {
		sub.stop()
	}
}

// subscriberCount is used by tests to observe teardown.
func (h *hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
