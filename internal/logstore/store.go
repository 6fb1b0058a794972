// Package logstore keeps the append-only machine telemetry log in SQLite and
// notifies subscribers whenever a machine's entries change.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS machine_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    machine_id  TEXT    NOT NULL,
    ts          INTEGER NOT NULL,
    payload     TEXT    NOT NULL,
    created_at  TEXT    NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_machine_logs_machine_ts ON machine_logs(machine_id, ts);
CREATE INDEX IF NOT EXISTS idx_machine_logs_ts ON machine_logs(ts);
`

// Store provides SQLite-backed storage for telemetry entries.
// It implements telemetry.Source.
type Store struct {
	db  *sql.DB
	hub *hub
}

var _ telemetry.Source = (*Store)(nil)

// Open opens (or creates) the log database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open log db: %w", err)
	}

	// WAL lets the aggregation queries read while the ingester writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, hub: newHub()}, nil
}

// Insert appends an entry and returns its row ID.
func (s *Store) Insert(ctx context.Context, e telemetry.Entry) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal entry: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO machine_logs (machine_id, ts, payload) VALUES (?, ?, ?)`,
		e.MachineID, unixNano(e.Timestamp), string(payload),
	)
	if err != nil {
		return 0, telemetry.Unavailable("insert entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, telemetry.Unavailable("insert entry", err)
	}

	s.hub.publish(telemetry.Change{Kind: telemetry.ChangeInsert, MachineID: e.MachineID})
	return id, nil
}

// Delete removes a single entry. Deleting an unknown ID is a no-op.
func (s *Store) Delete(ctx context.Context, id int64) error {
	var machineID string
	err := s.db.QueryRowContext(ctx, `SELECT machine_id FROM machine_logs WHERE id = ?`, id).Scan(&machineID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return telemetry.Unavailable("resolve entry", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM machine_logs WHERE id = ?`, id); err != nil {
		return telemetry.Unavailable("delete entry", err)
	}

	s.hub.publish(telemetry.Change{Kind: telemetry.ChangeDelete, MachineID: machineID})
	return nil
}

// ExpireBefore deletes every entry older than cutoff and returns how many rows
// were removed. One delete notification is published per affected machine.
func (s *Store) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, telemetry.Unavailable("begin expire", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT machine_id FROM machine_logs WHERE ts < ?`, unixNano(cutoff))
	if err != nil {
		return 0, telemetry.Unavailable("list expired machines", err)
	}
	var machines []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, telemetry.Unavailable("scan expired machine", err)
		}
		machines = append(machines, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, telemetry.Unavailable("list expired machines", err)
	}
	rows.Close()

	if len(machines) == 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM machine_logs WHERE ts < ?`, unixNano(cutoff))
	if err != nil {
		return 0, telemetry.Unavailable("expire entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, telemetry.Unavailable("expire entries", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, telemetry.Unavailable("commit expire", err)
	}

	for _, id := range machines {
		s.hub.publish(telemetry.Change{Kind: telemetry.ChangeDelete, MachineID: id})
	}
	return n, nil
}

// FindLatest returns the newest entry for machineID, or nil if there is none.
// Entries sharing a timestamp resolve to the most recently inserted one.
func (s *Store) FindLatest(ctx context.Context, machineID string) (*telemetry.Entry, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM machine_logs
		WHERE machine_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT 1`, machineID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, telemetry.Unavailable("find latest", err)
	}

	e, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListMachineIDs returns the distinct machine IDs with at least one entry.
func (s *Store) ListMachineIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT machine_id FROM machine_logs ORDER BY machine_id`)
	if err != nil {
		return nil, telemetry.Unavailable("list machines", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, telemetry.Unavailable("scan machine id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, telemetry.Unavailable("list machines", err)
	}
	return ids, nil
}

// ScanRange streams entries with from <= timestamp < to in timestamp order.
func (s *Store) ScanRange(ctx context.Context, from, to time.Time, fn func(telemetry.Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM machine_logs
		WHERE ts >= ? AND ts < ?
		ORDER BY ts ASC, id ASC`, unixNano(from), unixNano(to))
	if err != nil {
		return telemetry.Unavailable("query range", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return telemetry.Unavailable("scan range row", err)
		}
		e, err := decode(payload)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return telemetry.Unavailable("query range", err)
	}
	return nil
}

// FindRange collects the entries ScanRange would visit.
func (s *Store) FindRange(ctx context.Context, from, to time.Time) ([]telemetry.Entry, error) {
	var entries []telemetry.Entry
	err := s.ScanRange(ctx, from, to, func(e telemetry.Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machine_logs`).Scan(&n); err != nil {
		return 0, telemetry.Unavailable("count entries", err)
	}
	return n, nil
}

// SubscribeChanges registers a change listener that lives until ctx is done.
func (s *Store) SubscribeChanges(ctx context.Context) (<-chan telemetry.Change, error) {
	return s.hub.subscribe(ctx)
}

// Close releases subscribers and closes the database connection.
func (s *Store) Close() error {
	s.hub.close()
	return s.db.Close()
}

func decode(payload string) (telemetry.Entry, error) {
	var e telemetry.Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return telemetry.Entry{}, fmt.Errorf("decode stored entry: %w", err)
	}
	return e, nil
}

// unixNano clamps times outside the int64 nanosecond range so that open-ended
// bounds still compare correctly.
func unixNano(t time.Time) int64 {
	switch {
	case t.Before(minNanoTime):
		return math.MinInt64
	case t.After(maxNanoTime):
		return math.MaxInt64
	default:
		return t.UnixNano()
	}
}

var (
	minNanoTime = time.Unix(0, math.MinInt64)
	maxNanoTime = time.Unix(0, math.MaxInt64)
)
