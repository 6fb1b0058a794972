package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/logstore"
	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/aceteam-ai/citadel-fleet/internal/usage"
	"github.com/gorilla/websocket"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *logstore.Store {
	t.Helper()
	store, err := logstore.Open(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func entry(machineID string, ts time.Time, users ...string) telemetry.Entry {
	return telemetry.Entry{
		MachineID:          machineID,
		MachineName:        machineID,
		Timestamp:          ts,
		LogIntervalSeconds: 30,
		CPU:                telemetry.CPU{NProc: 8, LoadAvg: 2, MemoryUsed: 4, MemoryTotal: 16},
		GPUs: []telemetry.GPU{
			{Index: 0, UtilizationPct: 50, MemoryUsed: 1, MemoryTotal: 4, Users: users},
		},
	}
}

func insert(t *testing.T, store *logstore.Store, e telemetry.Entry) int64 {
	t.Helper()
	id, err := store.Insert(context.Background(), e)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// unavailableSource fails every call the way a dead store does.
type unavailableSource struct{}

var errDiskIO = errors.New("disk I/O error")

func (unavailableSource) FindLatest(context.Context, string) (*telemetry.Entry, error) {
	return nil, telemetry.Unavailable("find latest", errDiskIO)
}

func (unavailableSource) ListMachineIDs(context.Context) ([]string, error) {
	return nil, telemetry.Unavailable("list machines", errDiskIO)
}

func (unavailableSource) ScanRange(context.Context, time.Time, time.Time, func(telemetry.Entry) error) error {
	return telemetry.Unavailable("scan range", errDiskIO)
}

func (unavailableSource) SubscribeChanges(context.Context) (<-chan telemetry.Change, error) {
	return nil, telemetry.Unavailable("subscribe changes", errDiskIO)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Config{Source: openStore(t), Version: "v1.2.3"})

	var body map[string]string
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" || body["version"] != "v1.2.3" {
		t.Errorf("body = %v", body)
	}
}

func TestUserSeries(t *testing.T) {
	store := openStore(t)
	insert(t, store, entry("m1", t0, "alice"))
	insert(t, store, entry("m1", t0.Add(time.Hour), "alice"))
	insert(t, store, entry("m2", t0, "bob"))
	_, ts := newTestServer(t, Config{Source: store})

	var buckets []usage.Bucket
	code := getJSON(t, ts.URL+"/api/v1/usage/users/alice?from=2024-01-01T00:00:00Z&to=2024-01-02T00:00:00Z&unit=hour", &buckets)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2: %+v", len(buckets), buckets)
	}
	for i, b := range buckets {
		if want := t0.Add(time.Duration(i) * time.Hour); !b.Bucket.Equal(want) {
			t.Errorf("bucket[%d] = %v, want %v", i, b.Bucket, want)
		}
		if math.Abs(b.GPUHours-30.0/3600) > 1e-9 {
			t.Errorf("bucket[%d] gpuHours = %v, want %v", i, b.GPUHours, 30.0/3600)
		}
	}
}

func TestMachineSeriesDaily(t *testing.T) {
	store := openStore(t)
	insert(t, store, entry("m1", t0, "alice", "bob"))
	insert(t, store, entry("m1", t0.Add(time.Hour), "alice"))
	_, ts := newTestServer(t, Config{Source: store})

	var buckets []usage.Bucket
	code := getJSON(t, ts.URL+"/api/v1/usage/machines/m1?from=2024-01-01&to=2024-01-02&unit=day", &buckets)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(buckets) != 1 {
		t.Fatalf("got %d buckets, want 1", len(buckets))
	}
	if math.Abs(buckets[0].GPUHours-3*30.0/3600) > 1e-9 {
		t.Errorf("gpuHours = %v, want %v", buckets[0].GPUHours, 3*30.0/3600)
	}
}

func TestLeaderboards(t *testing.T) {
	store := openStore(t)
	insert(t, store, entry("m1", t0, "alice"))
	insert(t, store, entry("m1", t0.Add(time.Minute), "alice"))
	insert(t, store, entry("m2", t0, "bob"))
	insert(t, store, entry("m3", t0))
	_, ts := newTestServer(t, Config{Source: store})

	window := "?from=2024-01-01T00:00:00Z&to=2024-01-02T00:00:00Z"

	var users []usage.Total
	if code := getJSON(t, ts.URL+"/api/v1/usage/users"+window, &users); code != http.StatusOK {
		t.Fatalf("users status = %d", code)
	}
	if len(users) != 2 || users[0].ID != "alice" || users[1].ID != "bob" {
		t.Errorf("users = %+v, want alice then bob", users)
	}

	var machines []usage.Total
	if code := getJSON(t, ts.URL+"/api/v1/usage/machines"+window, &machines); code != http.StatusOK {
		t.Fatalf("machines status = %d", code)
	}
	if len(machines) != 2 || machines[0].ID != "m1" || machines[1].ID != "m2" {
		t.Errorf("machines = %+v, want m1 then m2 and no idle m3", machines)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	store := openStore(t)
	_, ok := newTestServer(t, Config{Source: store})
	_, down := newTestServer(t, Config{Source: unavailableSource{}})

	tests := []struct {
		name    string
		url     string
		want    int
		wantErr string
	}{
		{
			name:    "bad unit",
			url:     ok.URL + "/api/v1/usage/users/alice?from=2024-01-01&to=2024-01-02&unit=fortnight",
			want:    http.StatusBadRequest,
			wantErr: "unit",
		},
		{
			name:    "bad timestamp",
			url:     ok.URL + "/api/v1/usage/users?from=yesterday&to=2024-01-02",
			want:    http.StatusBadRequest,
			wantErr: "from",
		},
		{
			name:    "inverted window",
			url:     ok.URL + "/api/v1/usage/machines?from=2024-01-02&to=2024-01-01",
			want:    http.StatusBadRequest,
			wantErr: "to",
		},
		{
			name:    "bad timezone",
			url:     ok.URL + "/api/v1/usage/machines/m1?from=2024-01-01&to=2024-01-02&tz=Mars/Olympus",
			want:    http.StatusBadRequest,
			wantErr: "Mars/Olympus",
		},
		{
			name:    "store down",
			url:     down.URL + "/api/v1/usage/users?from=2024-01-01&to=2024-01-02",
			want:    http.StatusServiceUnavailable,
			wantErr: telemetry.ErrSourceUnavailable.Error(),
		},
		{
			name:    "store down listing machines",
			url:     down.URL + "/api/v1/machines",
			want:    http.StatusServiceUnavailable,
			wantErr: telemetry.ErrSourceUnavailable.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			code := getJSON(t, tt.url, &body)
			if code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
			if body.Status != tt.want || !strings.Contains(body.Error, tt.wantErr) {
				t.Errorf("body = %+v, want error mentioning %q", body, tt.wantErr)
			}
			if strings.Contains(body.Error, errDiskIO.Error()) {
				t.Errorf("body leaks store internals: %q", body.Error)
			}
		})
	}
}

func TestMachinesListsLatestWithSummary(t *testing.T) {
	store := openStore(t)
	insert(t, store, entry("m2", t0))
	insert(t, store, entry("m1", t0))
	latest := entry("m1", t0.Add(time.Minute), "alice")
	latest.CPU.LoadAvg = 4
	insert(t, store, latest)
	_, ts := newTestServer(t, Config{Source: store})

	var snaps []Snapshot
	if code := getJSON(t, ts.URL+"/api/v1/machines", &snaps); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].MachineID != "m1" || !snaps[0].Timestamp.Equal(t0.Add(time.Minute)) {
		t.Errorf("first snapshot = %s@%v, want m1 latest", snaps[0].MachineID, snaps[0].Timestamp)
	}
	if got := snaps[0].Summary.CPU.Rounded; got != 50 {
		t.Errorf("cpu util = %d, want 50", got)
	}
	if got := snaps[0].Summary.RAM.Rounded; got != 25 {
		t.Errorf("ram util = %d, want 25", got)
	}
}

func TestRateLimitedQueries(t *testing.T) {
	_, ts := newTestServer(t, Config{Source: openStore(t), RateLimitRPS: 0.001, RateLimitBurst: 1})

	url := ts.URL + "/api/v1/usage/users?from=2024-01-01&to=2024-01-02"
	if code := getJSON(t, url, nil); code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", code)
	}
	var body errorBody
	if code := getJSON(t, url, &body); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}

	// Health and metrics are not limited.
	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusOK {
		t.Errorf("health status = %d, want 200", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{Source: openStore(t)})

	getJSON(t, ts.URL+"/api/v1/usage/users/alice?from=2024-01-01&to=2024-01-02", nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := `citadel_fleet_api_requests_total{code="200",route="/api/v1/usage/users/{userId}"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics missing %q", want)
	}
}

func dialWatch(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/machines/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WatchMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WatchMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestWatchFollowsLatestEntry(t *testing.T) {
	store := openStore(t)
	first := insert(t, store, entry("m1", t0.Add(10*time.Second)))
	_, ts := newTestServer(t, Config{Source: store})
	conn := dialWatch(t, ts)

	msg := readMessage(t, conn)
	if msg.Msg != "added" || msg.ID != "m1" || msg.Collection != SnapshotCollection {
		t.Fatalf("first message = %+v, want added m1", msg)
	}
	if msg.Fields == nil || msg.Fields.Summary.GPU.Rounded != 50 {
		t.Errorf("added fields = %+v, want summary with 50%% GPU", msg.Fields)
	}
	if msg := readMessage(t, conn); msg.Msg != "ready" {
		t.Fatalf("second message = %+v, want ready", msg)
	}

	second := insert(t, store, entry("m1", t0.Add(20*time.Second)))
	msg = readMessage(t, conn)
	if msg.Msg != "changed" || !msg.Fields.Timestamp.Equal(t0.Add(20*time.Second)) {
		t.Fatalf("message = %+v, want changed @20s", msg)
	}

	if err := store.Delete(context.Background(), second); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	msg = readMessage(t, conn)
	if msg.Msg != "changed" || !msg.Fields.Timestamp.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("message = %+v, want changed back to @10s", msg)
	}

	if err := store.Delete(context.Background(), first); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if msg := readMessage(t, conn); msg.Msg != "removed" || msg.ID != "m1" || msg.Fields != nil {
		t.Fatalf("message = %+v, want removed m1", msg)
	}
}

func TestWatchReportsStartFailure(t *testing.T) {
	_, ts := newTestServer(t, Config{Source: unavailableSource{}})
	conn := dialWatch(t, ts)

	msg := readMessage(t, conn)
	if msg.Msg != "error" || msg.Error != telemetry.ErrSourceUnavailable.Error() {
		t.Fatalf("message = %+v, want error", msg)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage error = %v, want normal close", err)
	}
}

func TestStopClosesWatches(t *testing.T) {
	store := openStore(t)
	insert(t, store, entry("m1", t0))

	srv := NewServer(Config{Source: store, Listen: "127.0.0.1:0"})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := srv.Start(); !errors.Is(err, ErrServerAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrServerAlreadyRunning", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/api/v1/machines/watch", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	readMessage(t, conn)
	readMessage(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(ctx); !errors.Is(err, ErrServerNotRunning) {
		t.Errorf("second Stop = %v, want ErrServerNotRunning", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage error = %v, want normal close", err)
	}
}
