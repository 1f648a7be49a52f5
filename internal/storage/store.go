package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"ezwatch/internal/config"
	"ezwatch/internal/gate"
	"ezwatch/internal/model"
)

// Store persists decisions, delivery attempts, camera heartbeats and gate
// state. It doubles as a gate.Store so gate state can live in the database.
type Store interface {
	gate.Store
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	SaveDecision(ctx context.Context, d model.Decision) error
	SaveDelivery(ctx context.Context, a model.DeliveryAttempt) error
	UpsertHeartbeat(ctx context.Context, cameraID string, at time.Time) error
	StaleCameras(ctx context.Context, before time.Time) ([]model.CameraHeartbeat, error)
	LastHealthAlert(ctx context.Context, cameraID string) (time.Time, bool, error)
	SetLastHealthAlert(ctx context.Context, cameraID string, at time.Time) error
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// baseStore holds the SQL shared by both drivers. Queries are written with
// ? placeholders and rebound per driver.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
	// ts converts an instant to the driver's column representation.
	ts func(time.Time) any
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *baseStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.rebind(q), args...)
}

func (b *baseStore) SaveDecision(ctx context.Context, d model.Decision) error {
	ev := d.Event
	var confidence any
	if ev.Confidence != nil {
		confidence = *ev.Confidence
	}
	var eventTS any
	if !ev.TimestampUTC.IsZero() {
		eventTS = b.ts(ev.TimestampUTC)
	}
	_, err := b.exec(ctx,
		`INSERT INTO events (event_id, received_at, vendor, event_type, camera_id, camera_name, zone_id,
			timestamp_utc, confidence, media_url, raw_payload, status, reason, channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.EventID,
		b.ts(d.ReceivedAt),
		string(ev.Vendor),
		string(ev.EventType),
		ev.CameraID,
		ev.CameraName,
		ev.ZoneID,
		eventTS,
		confidence,
		ev.MediaURL,
		encodeJSON(ev.RawPayload),
		string(d.Status),
		d.Reason,
		d.Channel,
	)
	return err
}

func (b *baseStore) SaveDelivery(ctx context.Context, a model.DeliveryAttempt) error {
	status := "success"
	if !a.Success {
		status = "failed"
	}
	_, err := b.exec(ctx,
		`INSERT INTO deliveries (event_id, channel, destination, ts, status, error, message_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.EventID,
		a.Channel,
		a.Destination,
		b.ts(a.At),
		status,
		a.Error,
		encodeJSON(a.Message),
	)
	return err
}

func (b *baseStore) UpsertHeartbeat(ctx context.Context, cameraID string, at time.Time) error {
	_, err := b.exec(ctx,
		`INSERT INTO camera_heartbeat (camera_id, last_seen) VALUES (?, ?)
		ON CONFLICT (camera_id) DO UPDATE SET last_seen = excluded.last_seen`,
		cameraID, b.ts(at))
	return err
}

func (b *baseStore) StaleCameras(ctx context.Context, before time.Time) ([]model.CameraHeartbeat, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT camera_id, last_seen FROM camera_heartbeat WHERE last_seen < ? ORDER BY camera_id`),
		b.ts(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CameraHeartbeat
	for rows.Next() {
		var hb model.CameraHeartbeat
		var seen dbTime
		if err := rows.Scan(&hb.CameraID, &seen); err != nil {
			return nil, err
		}
		hb.LastSeen = seen.Time
		out = append(out, hb)
	}
	return out, rows.Err()
}

func (b *baseStore) LastHealthAlert(ctx context.Context, cameraID string) (time.Time, bool, error) {
	return b.queryTime(ctx, `SELECT last_alert_at FROM health_alert_state WHERE camera_id = ?`, cameraID)
}

func (b *baseStore) SetLastHealthAlert(ctx context.Context, cameraID string, at time.Time) error {
	_, err := b.exec(ctx,
		`INSERT INTO health_alert_state (camera_id, last_alert_at) VALUES (?, ?)
		ON CONFLICT (camera_id) DO UPDATE SET last_alert_at = excluded.last_alert_at`,
		cameraID, b.ts(at))
	return err
}

// Cleanup removes decisions, deliveries and gate rows older than before.
func (b *baseStore) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, q := range []string{
		`DELETE FROM deliveries WHERE ts < ?`,
		`DELETE FROM events WHERE received_at < ?`,
		`DELETE FROM gate_state WHERE last_sent_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, b.rebind(q), b.ts(before))
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func (b *baseStore) Last(ctx context.Context, key string) (time.Time, bool, error) {
	ts, ok, err := b.queryTime(ctx, `SELECT last_sent_at FROM gate_state WHERE key = ?`, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", gate.ErrUnavailable, err)
	}
	return ts, ok, nil
}

// Commit writes every key in one transaction.
func (b *baseStore) Commit(ctx context.Context, at time.Time, keys ...string) error {
	return b.commitOn(ctx, b.db, at, keys...)
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

func (b *baseStore) commitOn(ctx context.Context, db txBeginner, at time.Time, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", gate.ErrUnavailable, err)
	}
	q := b.rebind(`INSERT INTO gate_state (key, last_sent_at) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET last_sent_at = excluded.last_sent_at`)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, q, k, b.ts(at)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %v", gate.ErrUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", gate.ErrUnavailable, err)
	}
	return nil
}

func (b *baseStore) queryTime(ctx context.Context, q string, arg any) (time.Time, bool, error) {
	var ts dbTime
	err := b.db.QueryRowContext(ctx, b.rebind(q), arg).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.Time, true, nil
}

// sqliteTimeLayout is fixed width so text comparison orders instants.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dbTime scans both TIMESTAMPTZ values and the TEXT form used on sqlite.
type dbTime struct {
	time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC()
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
