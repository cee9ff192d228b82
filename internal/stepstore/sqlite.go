// Package stepstore keeps raw step samples in SQLite and answers the
// monitor's windowed count queries.
package stepstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sensorKey         = "step_sensor"
	busyTimeoutMillis = 5000
)

// Store implements the monitor's CountSource and CapabilityProbe over a
// SQLite database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path. Use ":memory:" for a
// throwaway store. File databases run in WAL mode with a busy timeout so a
// reader woken by a writer's commit does not fail on the writer's lock.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, path: path}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(" + strconv.Itoa(busyTimeoutMillis) +
		")&_pragma=journal_mode(WAL)"
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at INTEGER NOT NULL,
		steps INTEGER NOT NULL CHECK (steps > 0)
	);
	CREATE INDEX IF NOT EXISTS idx_samples_recorded_at ON samples(recorded_at);
	CREATE TABLE IF NOT EXISTS device (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Record appends steps taken at the given time.
func (s *Store) Record(ctx context.Context, at time.Time, steps int64) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO samples (recorded_at, steps) VALUES (?, ?)",
		at.UnixNano(), steps,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Count sums the steps recorded in [start, end).
func (s *Store) Count(ctx context.Context, start, end time.Time) (int64, error) {
	if end.Before(start) {
		return 0, fmt.Errorf("window end %s before start %s", end, start)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(steps), 0) FROM samples WHERE recorded_at >= ? AND recorded_at < ?",
		start.UnixNano(), end.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return total, nil
}

// Probe reports whether the step sensor is marked present. A store that
// never had the flag set counts as present.
func (s *Store) Probe(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.db.PingContext(ctx); err != nil {
		return false, fmt.Errorf("ping sqlite database: %w", err)
	}

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM device WHERE key = ?", sensorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read sensor flag: %w", err)
	}
	return value == "present", nil
}

// SetSensorPresent marks the step sensor as present or absent.
func (s *Store) SetSensorPresent(ctx context.Context, present bool) error {
	value := "absent"
	if present {
		value = "present"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO device (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		sensorKey, value,
	)
	if err != nil {
		return fmt.Errorf("write sensor flag: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
