package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ezwatch/internal/alerts"
	"ezwatch/internal/config"
	"ezwatch/internal/delivery"
	"ezwatch/internal/gate"
	"ezwatch/internal/metrics"
	"ezwatch/internal/model"
	"ezwatch/internal/normalize"
	"ezwatch/internal/storage"
)

// Deps are the collaborators of an Engine. Gates and Delivery are required;
// the rest may be nil.
type Deps struct {
	Logger   *slog.Logger
	Counters *metrics.Collector
	History  *alerts.Store
	Stats    *metrics.Store
	Recorder storage.Store
	Gates    gate.Store
	Delivery *delivery.Dispatcher
}

type Engine struct {
	logger   *slog.Logger
	counters *metrics.Collector
	history  *alerts.Store
	stats    *metrics.Store
	recorder storage.Store
	gates    gate.Store
	dispatch *delivery.Dispatcher

	state     atomic.Pointer[snapshot]
	decisions atomic.Uint64
	cleaning  atomic.Bool
}

// snapshot is everything a decision reads from configuration. It is swapped
// whole so one decision never sees two configurations.
type snapshot struct {
	registry        *Registry
	loc             *time.Location
	retention       time.Duration
	cleanupInterval uint64
}

func NewEngine(cfg *config.Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gates := deps.Gates
	if gates == nil {
		gates = gate.NewMemoryStore(cfg.Gate.MaxKeys)
	}
	dispatch := deps.Delivery
	if dispatch == nil {
		dispatch = delivery.NewDispatcher(cfg.Delivery.Timeout, logger)
	}
	e := &Engine{
		logger:   logger,
		counters: deps.Counters,
		history:  deps.History,
		stats:    deps.Stats,
		recorder: deps.Recorder,
		gates:    gates,
		dispatch: dispatch,
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	loc, fellBack := ResolveLocation(cfg.DefaultTimezone, time.UTC)
	if fellBack {
		e.logger.Warn("unknown default timezone, using UTC", "timezone", cfg.DefaultTimezone)
	}
	interval := cfg.Storage.CleanupIntervalEvents
	if interval < 0 {
		interval = 0
	}
	e.state.Store(&snapshot{
		registry:        NewRegistry(cfg.Policies()),
		loc:             loc,
		retention:       time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour,
		cleanupInterval: uint64(interval),
	})
}

// UpdateZones replaces the zone policies and keeps the rest of the
// configuration.
func (e *Engine) UpdateZones(policies []model.ZonePolicy) {
	cur := e.state.Load()
	next := *cur
	next.registry = NewRegistry(policies)
	e.state.Store(&next)
}

func (e *Engine) Zones() []model.ZonePolicy {
	return e.state.Load().registry.Zones()
}

func (e *Engine) Location() *time.Location {
	return e.state.Load().loc
}

// IsActive evaluates the schedule of a zone. The second result is false when
// the zone is unknown.
func (e *Engine) IsActive(zoneID string, at time.Time) (bool, bool) {
	st := e.state.Load()
	policy, ok := st.registry.Resolve(zoneID)
	if !ok {
		return false, false
	}
	return IsActive(policy.ActiveSchedule, at, st.loc), true
}

// Start runs workers that decide events from in until ctx ends or in is
// closed.
func (e *Engine) Start(ctx context.Context, in <-chan model.CVEvent, workers int) *sync.WaitGroup {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case ev, ok := <-in:
					if !ok {
						return
					}
					e.Process(ctx, ev, time.Now().UTC())
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return &wg
}

// Reject records an event that could not be decoded at all.
func (e *Engine) Reject(ctx context.Context, reason string) model.Outcome {
	if reason == "" {
		reason = model.ReasonInvalidPayload
	}
	d := model.Decision{
		EventID:    uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
		Status:     model.StatusRejected,
		Reason:     reason,
	}
	return e.finish(ctx, d, time.Now(), e.state.Load())
}

// Overflow records a streamed event the worker pool had no room for. It
// ends as failed so the drop is counted like any other outcome.
func (e *Engine) Overflow(ctx context.Context, ev model.CVEvent) model.Outcome {
	d := model.Decision{
		EventID:    uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
		Event:      ev,
		Status:     model.StatusFailed,
		Reason:     model.ReasonQueueFull,
	}
	return e.finish(ctx, d, time.Now(), e.state.Load())
}

// Process decides one event at instant now. The schedule is evaluated at the
// event's own timestamp; the time-window gates use now.
func (e *Engine) Process(ctx context.Context, ev model.CVEvent, now time.Time) model.Outcome {
	started := time.Now()
	st := e.state.Load()
	now = now.UTC()
	d := model.Decision{
		EventID:    uuid.NewString(),
		ReceivedAt: now,
		Event:      ev,
	}
	if err := normalize.Validate(ev); err != nil {
		d.Status, d.Reason = model.StatusRejected, model.ReasonInvalidPayload
		return e.finish(ctx, d, started, st)
	}
	if e.counters != nil {
		e.counters.EventReceived(ev.Vendor, ev.EventType)
	}
	policy, ok := st.registry.Resolve(ev.ZoneID)
	if !ok {
		d.Status, d.Reason = model.StatusRejected, model.ReasonUnknownZone
		return e.finish(ctx, d, started, st)
	}
	if !st.registry.ValidateCamera(policy, ev.CameraID) {
		d.Status, d.Reason = model.StatusRejected, model.ReasonCameraNotMapped
		return e.finish(ctx, d, started, st)
	}
	if !IsActive(policy.ActiveSchedule, ev.TimestampUTC, st.loc) {
		d.Status, d.Reason = model.StatusSuppressed, model.ReasonOutsideSchedule
		return e.finish(ctx, d, started, st)
	}

	d.Status, d.Reason, d.Channel = e.gateAndDeliver(ctx, ev, policy, now, d.EventID, ZoneLocation(policy, st.loc))
	return e.finish(ctx, d, started, st)
}

// gateAndDeliver holds the camera's serialization key across both gate
// checks, the delivery and the commit.
func (e *Engine) gateAndDeliver(ctx context.Context, ev model.CVEvent, policy model.ZonePolicy, now time.Time, eventID string, loc *time.Location) (model.Status, string, string) {
	dedupeKey := gate.DedupeKey(policy.ZoneID, ev.CameraID, ev.EventType)
	suppressKey := gate.SuppressionKey(policy.ZoneID, ev.CameraID)

	lease, err := e.gates.Acquire(ctx, suppressKey)
	if err != nil {
		e.logger.Error("gate lock failed", "key", suppressKey, "err", err)
		return model.StatusFailed, model.ReasonStateStoreUnavailable, ""
	}
	defer lease.Release()

	open, err := e.gateOpen(ctx, dedupeKey, now, policy.DedupeWindow())
	if err != nil {
		e.logger.Error("gate read failed", "key", dedupeKey, "err", err)
		return model.StatusFailed, model.ReasonStateStoreUnavailable, ""
	}
	if !open {
		return model.StatusSuppressed, model.ReasonDedupeWindow, ""
	}
	open, err = e.gateOpen(ctx, suppressKey, now, policy.SuppressionWindow())
	if err != nil {
		e.logger.Error("gate read failed", "key", suppressKey, "err", err)
		return model.StatusFailed, model.ReasonStateStoreUnavailable, ""
	}
	if !open {
		return model.StatusSuppressed, model.ReasonSuppressionWindow, ""
	}

	msg := delivery.NewMessage(eventID, delivery.BuildAlert(ev, policy, loc))
	// A client hanging up must not abort a delivery already under way.
	res := e.dispatch.Dispatch(context.WithoutCancel(ctx), msg, policy.AlertDestinations)
	e.recordAttempts(ctx, res.Attempts)
	if !res.Success {
		return model.StatusFailed, res.Reason, res.Channel
	}

	if err := lease.Commit(context.WithoutCancel(ctx), now, dedupeKey, suppressKey); err != nil {
		// The alert went out; only the window bookkeeping is lost.
		e.logger.Error("gate commit failed", "zone_id", policy.ZoneID, "camera_id", ev.CameraID, "err", err)
		return model.StatusSent, model.ReasonStateStoreUnavailable, res.Channel
	}
	return model.StatusSent, "", res.Channel
}

func (e *Engine) gateOpen(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	last, found, err := e.gates.Last(ctx, key)
	if err != nil {
		return false, err
	}
	return gate.Passes(last, found, now, window), nil
}

func (e *Engine) recordAttempts(ctx context.Context, attempts []model.DeliveryAttempt) {
	for _, a := range attempts {
		if e.counters != nil {
			e.counters.Delivery(a.Channel, a.Success)
		}
		if e.recorder != nil {
			if err := e.recorder.SaveDelivery(context.WithoutCancel(ctx), a); err != nil {
				e.logger.Warn("save delivery failed", "event_id", a.EventID, "channel", a.Channel, "err", err)
			}
		}
	}
}

func (e *Engine) finish(ctx context.Context, d model.Decision, started time.Time, st *snapshot) model.Outcome {
	if e.counters != nil {
		e.counters.Decision(d.Status, d.Reason, time.Since(started))
	}
	if e.history != nil {
		e.history.Add(d)
	}
	if e.stats != nil {
		e.stats.Record(d.Event.ZoneID, d.Status, d.Reason, d.ReceivedAt)
	}
	if e.recorder != nil {
		if err := e.recorder.SaveDecision(context.WithoutCancel(ctx), d); err != nil {
			e.logger.Warn("save decision failed", "event_id", d.EventID, "err", err)
		}
	}

	level := slog.LevelInfo
	if d.Status == model.StatusFailed {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "event decided",
		"event_id", d.EventID,
		"status", d.Status,
		"reason", d.Reason,
		"zone_id", d.Event.ZoneID,
		"camera_id", d.Event.CameraID,
		"event_type", d.Event.EventType,
		"channel", d.Channel,
	)

	n := e.decisions.Add(1)
	if st.cleanupInterval > 0 && n%st.cleanupInterval == 0 {
		e.cleanup(st.retention)
	}

	out := model.Outcome{Status: d.Status, EventID: d.EventID}
	if d.Status != model.StatusSent {
		out.Reason = d.Reason
	}
	return out
}

// cleanup drops persisted rows past retention. At most one runs at a time.
func (e *Engine) cleanup(retention time.Duration) {
	if e.recorder == nil || retention <= 0 || !e.cleaning.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.cleaning.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := e.recorder.Cleanup(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			e.logger.Warn("retention cleanup failed", "err", err)
			return
		}
		if n > 0 {
			e.logger.Info("retention cleanup", "deleted", n)
		}
	}()
}

// SendCameraOffline alerts that a camera stopped sending heartbeats. A camera
// outside every zone is reported on all enabled channels.
func (e *Engine) SendCameraOffline(ctx context.Context, cameraID string, lastSeen time.Time) bool {
	st := e.state.Load()
	var policy *model.ZonePolicy
	destinations := e.dispatch.Channels()
	loc := st.loc
	if p, ok := st.registry.ZoneForCamera(cameraID); ok {
		policy = &p
		destinations = p.AlertDestinations
		loc = ZoneLocation(p, st.loc)
	}
	msg := delivery.NewMessage(uuid.NewString(), delivery.OfflineAlert(cameraID, policy, lastSeen, loc))
	res := e.dispatch.Dispatch(ctx, msg, destinations)
	e.recordAttempts(ctx, res.Attempts)
	if e.counters != nil {
		e.counters.CameraHealthAlert(res.Success)
	}
	if res.Success {
		e.logger.Warn("camera offline alert sent", "camera_id", cameraID, "channel", res.Channel, "last_seen", lastSeen)
	} else {
		e.logger.Error("camera offline alert failed", "camera_id", cameraID, "reason", res.Reason)
	}
	return res.Success
}
