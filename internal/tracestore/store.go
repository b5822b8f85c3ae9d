// Package tracestore persists simulated request timelines in SQLite so runs
// can be listed and compared later.
package tracestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("tracestore: run not found")

// Run describes one recorded simulation.
type Run struct {
	ID        string    `json:"id"`
	Scenario  string    `json:"scenario"`
	StartedAt time.Time `json:"started_at"`
	// Duration is the virtual time covered by the run.
	Duration time.Duration `json:"duration"`
	Events   int           `json:"events"`
}

// Event is one entry of a run's timeline. At is the virtual offset from the
// start of the run. Seq is assigned when the run is recorded.
type Event struct {
	Seq      int           `json:"seq"`
	At       time.Duration `json:"at"`
	Kind     string        `json:"kind"`
	Client   string        `json:"client,omitempty"`
	ClientID uint64        `json:"client_id,omitempty"`
	Priority string        `json:"priority,omitempty"`
	Option   string        `json:"option,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// Store wraps a SQLite connection with migrations.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating its directory.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			scenario    TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq             INTEGER NOT NULL,
			at_ns           INTEGER NOT NULL,
			kind            TEXT NOT NULL,
			client          TEXT NOT NULL DEFAULT '',
			client_id       INTEGER NOT NULL DEFAULT 0,
			priority        TEXT NOT NULL DEFAULT '',
			throttle_option TEXT NOT NULL DEFAULT '',
			detail          TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// RecordRun stores a run and its events in one transaction and returns the
// new run with its generated id.
func (s *Store) RecordRun(ctx context.Context, scenario string, startedAt time.Time, duration time.Duration, events []Event) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Scenario:  scenario,
		StartedAt: startedAt,
		Duration:  duration,
		Events:    len(events),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, scenario, started_at, duration_ns) VALUES (?, ?, ?, ?)`,
		run.ID, run.Scenario, startedAt.UnixNano(), int64(duration),
	); err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, at_ns, kind, client, client_id, priority, throttle_option, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Run{}, fmt.Errorf("prepare events: %w", err)
	}
	defer stmt.Close()

	for i, e := range events {
		if _, err := stmt.ExecContext(ctx, run.ID, i, int64(e.At), e.Kind, e.Client,
			int64(e.ClientID), e.Priority, e.Option, e.Detail); err != nil {
			return Run{}, fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.scenario, r.started_at, r.duration_ns, COUNT(e.seq)
		 FROM runs r LEFT JOIN events e ON e.run_id = r.id
		 GROUP BY r.id
		 ORDER BY r.started_at DESC, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns the run with the given id or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.scenario, r.started_at, r.duration_ns,
		        (SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		 FROM runs r WHERE r.id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Events returns the timeline of a run in order.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, at_ns, kind, client, client_id, priority, throttle_option, detail
		 FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at, clientID int64
		if err := rows.Scan(&e.Seq, &at, &e.Kind, &e.Client, &clientID, &e.Priority, &e.Option, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Duration(at)
		e.ClientID = uint64(clientID)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteRun removes a run and its events.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var startedAt, duration int64
	if err := s.Scan(&r.ID, &r.Scenario, &startedAt, &duration, &r.Events); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, startedAt)
	r.Duration = time.Duration(duration)
	return r, nil
}
