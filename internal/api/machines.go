package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/materializer"
	"github.com/aceteam-ai/citadel-fleet/internal/summary"
	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// SnapshotCollection names the feed's documents.
const SnapshotCollection = "machine_snapshots"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Snapshot is a machine's latest entry with its resource summary.
type Snapshot struct {
	telemetry.Entry
	Summary summary.Resources `json:"summary"`
}

func newSnapshot(e telemetry.Entry) *Snapshot {
	return &Snapshot{Entry: e, Summary: summary.Summarize(e)}
}

// WatchMessage is one frame of the snapshot feed.
type WatchMessage struct {
	Msg        string    `json:"msg"` // added, changed, removed, ready, error
	Collection string    `json:"collection,omitempty"`
	ID         string    `json:"id,omitempty"`
	Fields     *Snapshot `json:"fields,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// handleMachines returns the current snapshot of every machine, ordered by
// machine ID.
func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()

	ids, err := s.source.ListMachineIDs(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	found := make([]*Snapshot, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.InitConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			latest, err := s.source.FindLatest(gctx, id)
			if err != nil {
				return err
			}
			if latest != nil {
				found[i] = newSnapshot(*latest)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]*Snapshot, 0, len(found))
	for _, snap := range found {
		if snap != nil {
			out = append(out, snap)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleWatch upgrades to a websocket and runs one materializer for the
// connection until either side goes away.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	base, ok := s.beginWatch()
	if !ok {
		writeJSONError(w, ErrServerNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.watches.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log("warning", fmt.Sprintf("websocket upgrade failed for %s: %v", clientIP(r), err))
		return
	}

	ctx, cancel := context.WithCancel(base)
	defer cancel()

	sub := uuid.New().String()[:8]
	s.metrics.activeWatches.Inc()
	defer s.metrics.activeWatches.Dec()
	s.log("debug", fmt.Sprintf("watch %s opened from %s", sub, clientIP(r)))

	sink := &wsSink{conn: conn, cancel: cancel, metrics: s.metrics}
	m := materializer.New(materializer.Config{
		Source:      s.source,
		Sink:        sink,
		Concurrency: s.config.InitConcurrency,
		LogFn:       s.config.LogFn,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLoop(conn, cancel)
	}()
	go func() {
		defer wg.Done()
		pingLoop(ctx, conn)
	}()

	if err := m.Start(ctx); err != nil {
		s.log("warning", fmt.Sprintf("watch %s failed to start: %v", sub, err))
	} else {
		<-ctx.Done()
	}
	m.Stop()
	cancel()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	conn.Close()
	wg.Wait()
	s.log("debug", fmt.Sprintf("watch %s closed", sub))
}

// readLoop discards client frames so control frames are processed, and
// cancels the subscription when the peer goes away.
func readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// wsSink writes materializer events to a websocket. The materializer
// serializes Sink calls, so writes never overlap.
type wsSink struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	metrics *Metrics
	failed  bool
}

func (w *wsSink) Added(machineID string, snapshot telemetry.Entry) {
	w.send(WatchMessage{Msg: "added", Collection: SnapshotCollection, ID: machineID, Fields: newSnapshot(snapshot)})
}

func (w *wsSink) Changed(machineID string, snapshot telemetry.Entry) {
	w.send(WatchMessage{Msg: "changed", Collection: SnapshotCollection, ID: machineID, Fields: newSnapshot(snapshot)})
}

func (w *wsSink) Removed(machineID string) {
	w.send(WatchMessage{Msg: "removed", Collection: SnapshotCollection, ID: machineID})
}

func (w *wsSink) Ready() {
	w.send(WatchMessage{Msg: "ready"})
}

func (w *wsSink) Error(err error) {
	w.send(WatchMessage{Msg: "error", Error: publicMessage(err, statusFor(err))})
	w.cancel()
}

func (w *wsSink) send(msg WatchMessage) {
	if w.failed {
		return
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(msg); err != nil {
		w.failed = true
		w.cancel()
		return
	}
	w.metrics.watchEvents.WithLabelValues(msg.Msg).Inc()
}
