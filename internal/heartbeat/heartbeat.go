// Package heartbeat watches camera pings and raises an alert for cameras
// that went silent.
package heartbeat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ezwatch/internal/config"
	"ezwatch/internal/model"
)

// Tracker persists pings and the last offline alert per camera.
// storage.Store satisfies it.
type Tracker interface {
	UpsertHeartbeat(ctx context.Context, cameraID string, at time.Time) error
	StaleCameras(ctx context.Context, before time.Time) ([]model.CameraHeartbeat, error)
	LastHealthAlert(ctx context.Context, cameraID string) (time.Time, bool, error)
	SetLastHealthAlert(ctx context.Context, cameraID string, at time.Time) error
}

// Notifier delivers the offline alert and reports whether it went out.
type Notifier interface {
	SendCameraOffline(ctx context.Context, cameraID string, lastSeen time.Time) bool
}

type MemoryTracker struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	alerted map[string]time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		seen:    make(map[string]time.Time),
		alerted: make(map[string]time.Time),
	}
}

func (m *MemoryTracker) UpsertHeartbeat(_ context.Context, cameraID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[cameraID] = at.UTC()
	return nil
}

func (m *MemoryTracker) StaleCameras(_ context.Context, before time.Time) ([]model.CameraHeartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CameraHeartbeat
	for id, at := range m.seen {
		if at.Before(before) {
			out = append(out, model.CameraHeartbeat{CameraID: id, LastSeen: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out, nil
}

func (m *MemoryTracker) LastHealthAlert(_ context.Context, cameraID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.alerted[cameraID]
	return at, ok, nil
}

func (m *MemoryTracker) SetLastHealthAlert(_ context.Context, cameraID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerted[cameraID] = at.UTC()
	return nil
}

type Monitor struct {
	tracker  Tracker
	notifier Notifier
	cfg      config.HeartbeatConfig
	logger   *slog.Logger
}

func NewMonitor(tracker Tracker, notifier Notifier, cfg config.HeartbeatConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	return &Monitor{tracker: tracker, notifier: notifier, cfg: cfg, logger: logger}
}

// Check alerts on every camera silent for longer than the offline threshold
// whose previous alert is older than the cooldown. It returns the number of
// alerts sent.
func (m *Monitor) Check(ctx context.Context, now time.Time) int {
	stale, err := m.tracker.StaleCameras(ctx, now.Add(-m.cfg.OfflineThreshold))
	if err != nil {
		m.logger.Error("list stale cameras failed", "err", err)
		return 0
	}
	sent := 0
	for _, hb := range stale {
		last, found, err := m.tracker.LastHealthAlert(ctx, hb.CameraID)
		if err != nil {
			m.logger.Error("read health alert state failed", "camera_id", hb.CameraID, "err", err)
			continue
		}
		if found && now.Sub(last) < m.cfg.AlertCooldown {
			continue
		}
		if !m.notifier.SendCameraOffline(ctx, hb.CameraID, hb.LastSeen) {
			continue
		}
		if err := m.tracker.SetLastHealthAlert(ctx, hb.CameraID, now); err != nil {
			m.logger.Error("write health alert state failed", "camera_id", hb.CameraID, "err", err)
		}
		sent++
	}
	return sent
}

// Start checks every CheckInterval until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				m.Check(ctx, t.UTC())
			}
		}
	}()
}
