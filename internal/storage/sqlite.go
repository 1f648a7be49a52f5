package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ezwatch/internal/gate"
)

type sqliteStore struct {
	baseStore
	locks *gate.KeyMutex
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:ezwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	return newSQLiteStore(db), nil
}

func newSQLiteStore(db *sql.DB) *sqliteStore {
	return &sqliteStore{
		baseStore: baseStore{
			db:     db,
			rebind: func(q string) string { return q },
			ts:     func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
		},
		locks: gate.NewKeyMutex(),
	}
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			received_at TEXT NOT NULL,
			vendor TEXT NOT NULL,
			event_type TEXT NOT NULL,
			camera_id TEXT NOT NULL,
			camera_name TEXT NOT NULL,
			zone_id TEXT NOT NULL,
			timestamp_utc TEXT,
			confidence REAL,
			media_url TEXT,
			raw_payload TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			channel TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_zone_camera ON events(zone_id, camera_id)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT,
			channel TEXT NOT NULL,
			destination TEXT,
			ts TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			message_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_ts ON deliveries(ts)`,
		`CREATE TABLE IF NOT EXISTS gate_state (
			key TEXT PRIMARY KEY,
			last_sent_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS camera_heartbeat (
			camera_id TEXT PRIMARY KEY,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS health_alert_state (
			camera_id TEXT PRIMARY KEY,
			last_alert_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Acquire serializes within this process only; a sqlite file is not meant
// to be shared by several relay instances.
func (s *sqliteStore) Acquire(ctx context.Context, key string) (gate.Lease, error) {
	release, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	return gate.HeldLease(s.Commit, release), nil
}
