// Package materializer maintains the live "latest entry per machine" view of a
// telemetry source and announces it to a Sink as add/change/remove events.
//
// Change notifications are never applied incrementally. Each one only names a
// machine whose state is then re-derived from the source, so lost, duplicated
// or reordered notifications still converge on the true latest entry.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the parallel resyncs issued during Start.
const DefaultConcurrency = 8

var (
	errAlreadyStarted = errors.New("materializer already started")
	errStopped        = errors.New("materializer stopped")
	errStreamClosed   = errors.New("change stream closed")
)

// Sink receives the events of one subscription. Calls are serialized and none
// are made after Stop returns. Sink methods must not call Stop.
type Sink interface {
	Added(machineID string, snapshot telemetry.Entry)
	Changed(machineID string, snapshot telemetry.Entry)
	Removed(machineID string)
	Ready()
	Error(err error)
}

// Config holds materializer dependencies.
type Config struct {
	Source      telemetry.Source
	Sink        Sink
	Concurrency int                     // initial resync fan-out (default: DefaultConcurrency)
	LogFn       func(level, msg string) // optional
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// keyState tracks one machine. mu serializes resyncs for the key; the
// remaining fields are guarded by Materializer.mu.
type keyState struct {
	mu        sync.Mutex
	emitted   bool
	watermark time.Time
	pending   bool
}

// Materializer is one subscription's view. It is not reusable after Stop.
type Materializer struct {
	source      telemetry.Source
	sink        Sink
	concurrency int
	logFn       func(level, msg string)

	mu     sync.Mutex
	state  state
	keys   map[string]*keyState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitMu sync.Mutex
	closed bool
}

// New creates a materializer. Call Start to begin emitting.
func New(cfg Config) *Materializer {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Materializer{
		source:      cfg.Source,
		sink:        cfg.Sink,
		concurrency: concurrency,
		logFn:       cfg.LogFn,
		keys:        make(map[string]*keyState),
	}
}

// Start subscribes to the source's change stream, emits one Added per machine
// currently present and then Ready. If the source fails before that point, the
// error is delivered to Sink.Error, the materializer stops, and the error is
// returned. Live notifications keep being processed until Stop or until ctx
// is cancelled.
func (m *Materializer) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case stateRunning:
		m.mu.Unlock()
		return errAlreadyStarted
	case stateStopped:
		m.mu.Unlock()
		return errStopped
	}
	m.state = stateRunning
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	// Subscribe before listing so no change between the two is missed.
	changes, err := m.source.SubscribeChanges(runCtx)
	if err != nil {
		return m.fail(fmt.Errorf("subscribe changes: %w", err))
	}

	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return errStopped
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go m.listen(runCtx, changes)

	ids, err := m.source.ListMachineIDs(runCtx)
	if err != nil {
		return m.fail(fmt.Errorf("list machines: %w", err))
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(m.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			return m.Resync(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return m.fail(fmt.Errorf("initial load: %w", err))
	}

	if !m.emit(m.sink.Ready) {
		return errStopped
	}
	m.log("debug", fmt.Sprintf("materializer ready with %d machine(s)", len(ids)))
	return nil
}

// Stop stops listening, cancels in-flight source calls and waits for workers
// to exit. No Sink method is called after Stop returns. Safe to call more
// than once.
func (m *Materializer) Stop() {
	m.emitMu.Lock()
	m.closed = true
	m.emitMu.Unlock()

	m.mu.Lock()
	m.state = stateStopped
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Resync re-derives the snapshot for one machine from the source and emits
// whatever event brings the subscriber in line with it. Resyncs for the same
// machine never overlap.
func (m *Materializer) Resync(ctx context.Context, machineID string) error {
	m.mu.Lock()
	ks := m.keyLocked(machineID)
	m.mu.Unlock()

	ks.mu.Lock()
	defer ks.mu.Unlock()
	return m.resyncLocked(ctx, machineID, ks)
}

// Watermark returns the timestamp of the last snapshot emitted for a machine.
func (m *Materializer) Watermark(machineID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks, ok := m.keys[machineID]
	if !ok || !ks.emitted {
		return time.Time{}, false
	}
	return ks.watermark, true
}

// Tracked returns how many machines currently have a snapshot on the sink.
func (m *Materializer) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ks := range m.keys {
		if ks.emitted {
			n++
		}
	}
	return n
}

// resyncLocked must be called with ks.mu held.
func (m *Materializer) resyncLocked(ctx context.Context, machineID string, ks *keyState) error {
	latest, err := m.source.FindLatest(ctx, machineID)
	if err != nil {
		return fmt.Errorf("resync %s: %w", machineID, err)
	}

	m.mu.Lock()
	emitted := ks.emitted
	m.mu.Unlock()

	if latest == nil {
		if !emitted {
			return nil
		}
		if m.emit(func() { m.sink.Removed(machineID) }) {
			m.setKey(ks, false, time.Time{})
		}
		return nil
	}

	snapshot := *latest
	ok := m.emit(func() {
		if emitted {
			m.sink.Changed(machineID, snapshot)
		} else {
			m.sink.Added(machineID, snapshot)
		}
	})
	if ok {
		m.setKey(ks, true, snapshot.Timestamp)
	}
	return nil
}

func (m *Materializer) setKey(ks *keyState, emitted bool, watermark time.Time) {
	m.mu.Lock()
	ks.emitted = emitted
	ks.watermark = watermark
	m.mu.Unlock()
}

// keyLocked returns the state for a machine, creating it. Entries are kept
// after a remove so the key keeps a single lock for the subscription's life.
func (m *Materializer) keyLocked(machineID string) *keyState {
	ks, ok := m.keys[machineID]
	if !ok {
		ks = &keyState{}
		m.keys[machineID] = ks
	}
	return ks
}

func (m *Materializer) listen(ctx context.Context, changes <-chan telemetry.Change) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					m.abort(telemetry.Unavailable("subscribe changes", errStreamClosed))
				}
				return
			}
			if c.MachineID == "" {
				m.log("debug", fmt.Sprintf("ignoring %s notification without machine id", c.Kind))
				continue
			}
			m.schedule(ctx, c.MachineID)
		}
	}
}

// schedule queues a resync for a machine. At most one resync per machine is
// running and at most one is waiting; further notifications arriving while one
// is waiting fold into it, since it reads ground truth when it runs.
func (m *Materializer) schedule(ctx context.Context, machineID string) {
	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return
	}
	ks := m.keyLocked(machineID)
	if ks.pending {
		m.mu.Unlock()
		return
	}
	ks.pending = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		ks.mu.Lock()
		defer ks.mu.Unlock()

		m.mu.Lock()
		ks.pending = false
		m.mu.Unlock()

		if err := m.resyncLocked(ctx, machineID, ks); err != nil && ctx.Err() == nil {
			m.log("warning", fmt.Sprintf("resync failed, keeping last known state: %v", err))
		}
	}()
}

// emit runs fn unless the materializer is closed and reports whether it ran.
func (m *Materializer) emit(fn func()) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	if m.closed {
		return false
	}
	fn()
	return true
}

// abort reports a fatal error to the sink and cancels all work without
// waiting for it.
func (m *Materializer) abort(err error) {
	m.emitMu.Lock()
	if !m.closed {
		m.sink.Error(err)
		m.closed = true
	}
	m.emitMu.Unlock()

	m.log("error", fmt.Sprintf("materializer stopped: %v", err))

	m.mu.Lock()
	m.state = stateStopped
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Materializer) fail(err error) error {
	m.abort(err)
	m.Stop()
	return err
}

func (m *Materializer) log(level, msg string) {
	if m.logFn != nil {
		m.logFn(level, msg)
	}
}
