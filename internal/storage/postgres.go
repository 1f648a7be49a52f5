package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ezwatch/internal/gate"
)

type postgresStore struct {
	baseStore
	locks *gate.KeyMutex
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/ezwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgresStore(db), nil
}

func newPostgresStore(db *sql.DB) *postgresStore {
	return &postgresStore{
		baseStore: baseStore{
			db:     db,
			rebind: rebindDollar,
			ts:     func(t time.Time) any { return t.UTC() },
		},
		locks: gate.NewKeyMutex(),
	}
}

func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL,
			vendor TEXT NOT NULL,
			event_type TEXT NOT NULL,
			camera_id TEXT NOT NULL,
			camera_name TEXT NOT NULL,
			zone_id TEXT NOT NULL,
			timestamp_utc TIMESTAMPTZ,
			confidence DOUBLE PRECISION,
			media_url TEXT,
			raw_payload JSONB NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			channel TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_received_at ON events(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_zone_camera ON events(zone_id, camera_id)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT,
			channel TEXT NOT NULL,
			destination TEXT,
			ts TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			message_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_ts ON deliveries(ts)`,
		`CREATE TABLE IF NOT EXISTS gate_state (
			key TEXT PRIMARY KEY,
			last_sent_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS camera_heartbeat (
			camera_id TEXT PRIMARY KEY,
			last_seen TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS health_alert_state (
			camera_id TEXT PRIMARY KEY,
			last_alert_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Acquire takes a session advisory lock on a dedicated connection, so every
// relay instance sharing the database serializes on the same key. The local
// mutex keeps goroutines of this process from each pinning a connection
// while they wait.
func (s *postgresStore) Acquire(ctx context.Context, key string) (gate.Lease, error) {
	release, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", gate.ErrUnavailable, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Close()
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: advisory lock: %v", gate.ErrUnavailable, err)
	}
	return &advisoryLease{store: s, conn: conn, key: key, unlock: release}, nil
}

// advisoryLease commits on the session that holds the lock: if the session
// is gone, so is the lock, and the commit fails with it.
type advisoryLease struct {
	store  *postgresStore
	conn   *sql.Conn
	key    string
	unlock func()
	once   sync.Once
}

func (l *advisoryLease) Commit(ctx context.Context, at time.Time, keys ...string) error {
	return l.store.commitOn(ctx, l.conn, at, keys...)
}

func (l *advisoryLease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, l.key); err != nil {
			// Closing the session is the only other way to drop the lock; a
			// pooled session would keep it forever.
			_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		l.conn.Close()
		l.unlock()
	})
}
