package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezwatch/internal/alerts"
	"ezwatch/internal/config"
	"ezwatch/internal/delivery"
	"ezwatch/internal/gate"
	"ezwatch/internal/metrics"
	"ezwatch/internal/model"
)

type fakeSender struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32
	mu    sync.Mutex
	last  delivery.Message
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, msg delivery.Message) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = msg
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func intPtr(v int) *int { return &v }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DefaultTimezone = "America/Sao_Paulo"
	cfg.Storage.CleanupIntervalEvents = 0
	cfg.Zones = []config.ZoneConfig{
		{
			ZoneID:               "almoxarifado",
			SiteID:               "cd-campinas",
			CameraIDs:            []string{"cam-001", "cam-002"},
			Severity:             model.SeverityHigh,
			AlertDestinations:    []string{delivery.ChannelWhatsApp},
			DedupeWindowSec:      intPtr(30),
			SuppressionWindowSec: intPtr(60),
		},
		{
			ZoneID:            "portaria",
			SiteID:            "cd-campinas",
			CameraIDs:         []string{"cam-010"},
			AlertDestinations: []string{delivery.ChannelWhatsApp},
			ActiveSchedule: model.ActiveSchedule{
				Windows: []model.ScheduleWindow{{
					Days:  []model.Weekday{model.Mon, model.Tue, model.Wed, model.Thu, model.Fri, model.Sat, model.Sun},
					Start: mustClock("18:00"),
					End:   mustClock("06:00"),
				}},
			},
		},
	}
	return cfg
}

func mustClock(s string) model.ClockTime {
	c, err := model.ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return c
}

type harness struct {
	eng     *Engine
	sender  *fakeSender
	gates   *gate.MemoryStore
	history *alerts.Store
	stats   *metrics.Store
}

func newHarness(t *testing.T, cfg *config.Config, sender *fakeSender, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		sender:  sender,
		gates:   gate.NewMemoryStore(0),
		history: alerts.NewStore(100),
		stats:   metrics.NewStore(100),
	}
	var senders []delivery.Sender
	if sender != nil {
		senders = append(senders, sender)
	}
	h.eng = NewEngine(cfg, Deps{
		Counters: metrics.NewCollector(),
		History:  h.history,
		Stats:    h.stats,
		Gates:    h.gates,
		Delivery: delivery.NewDispatcher(timeout, nil, senders...),
	})
	return h
}

func intrusion(camera, zone string, at time.Time) model.CVEvent {
	return model.CVEvent{
		Vendor:       model.VendorIntelbras,
		EventType:    model.EventIntrusion,
		CameraID:     camera,
		CameraName:   "Doca 1",
		ZoneID:       zone,
		TimestampUTC: at,
	}
}

func TestEndToEndDecisions(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	first := h.eng.Process(ctx, intrusion("cam-001", "almoxarifado", now), now)
	assert.Equal(t, model.StatusSent, first.Status)
	assert.Empty(t, first.Reason)
	assert.NotEmpty(t, first.EventID)

	later := now.Add(5 * time.Second)
	second := h.eng.Process(ctx, intrusion("cam-001", "almoxarifado", later), later)
	assert.Equal(t, model.StatusSuppressed, second.Status)
	assert.Equal(t, model.ReasonDedupeWindow, second.Reason)
	assert.NotEqual(t, first.EventID, second.EventID)

	out := h.eng.Process(ctx, intrusion("cam-999", "almoxarifado", now), now)
	assert.Equal(t, model.StatusRejected, out.Status)
	assert.Equal(t, model.ReasonCameraNotMapped, out.Reason)

	out = h.eng.Process(ctx, intrusion("cam-001", "unknown", now), now)
	assert.Equal(t, model.StatusRejected, out.Status)
	assert.Equal(t, model.ReasonUnknownZone, out.Reason)

	assert.Equal(t, int32(1), h.sender.calls.Load())
	assert.Equal(t, 4, h.history.Len())
	stats, ok := h.stats.Get("almoxarifado")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.ByStatus[model.StatusSent])
}

func TestSuppressionCoversOtherEventTypes(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.Equal(t, model.StatusSent, h.eng.Process(ctx, intrusion("cam-001", "almoxarifado", now), now).Status)

	ev := intrusion("cam-001", "almoxarifado", now)
	ev.EventType = model.EventLoitering
	later := now.Add(40 * time.Second)
	out := h.eng.Process(ctx, ev, later)
	assert.Equal(t, model.StatusSuppressed, out.Status)
	assert.Equal(t, model.ReasonSuppressionWindow, out.Reason)

	// Another camera of the same zone has its own windows.
	out = h.eng.Process(ctx, intrusion("cam-002", "almoxarifado", now), later)
	assert.Equal(t, model.StatusSent, out.Status)

	// Both windows elapsed.
	out = h.eng.Process(ctx, ev, now.Add(61*time.Second))
	assert.Equal(t, model.StatusSent, out.Status)
}

func TestOutsideSchedule(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	// 15:00 UTC is 12:00 in Sao Paulo, outside 18:00-06:00.
	noon := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	out := h.eng.Process(context.Background(), intrusion("cam-010", "portaria", noon), noon)
	assert.Equal(t, model.StatusSuppressed, out.Status)
	assert.Equal(t, model.ReasonOutsideSchedule, out.Reason)
	assert.Equal(t, 0, h.gates.Len())

	// 02:00 UTC is 23:00 the previous evening.
	night := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)
	out = h.eng.Process(context.Background(), intrusion("cam-010", "portaria", night), noon)
	assert.Equal(t, model.StatusSent, out.Status)
}

func TestDeliveryTimeoutCommitsNothing(t *testing.T) {
	sender := &fakeSender{name: delivery.ChannelWhatsApp, delay: time.Second}
	h := newHarness(t, testConfig(), sender, 20*time.Millisecond)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	out := h.eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, "whatsapp_timeout", out.Reason)
	assert.Equal(t, 0, h.gates.Len())
	_, found, err := h.gates.Last(context.Background(), gate.DedupeKey("almoxarifado", "cam-001", model.EventIntrusion))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeliveryFailure(t *testing.T) {
	sender := &fakeSender{name: delivery.ChannelWhatsApp, err: errors.New("http 500")}
	h := newHarness(t, testConfig(), sender, time.Second)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	out := h.eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, "whatsapp_send_failed", out.Reason)
	assert.Equal(t, 0, h.gates.Len())
}

func TestNoDeliveryChannel(t *testing.T) {
	h := newHarness(t, testConfig(), nil, time.Second)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	out := h.eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.ReasonNoDeliveryChannel, out.Reason)
}

func TestConcurrentIdenticalEventsSendOnce(t *testing.T) {
	sender := &fakeSender{name: delivery.ChannelWhatsApp, delay: 5 * time.Millisecond}
	h := newHarness(t, testConfig(), sender, time.Second)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	const n = 32
	outcomes := make([]model.Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now)
		}(i)
	}
	wg.Wait()

	sent := 0
	for _, o := range outcomes {
		switch o.Status {
		case model.StatusSent:
			sent++
		case model.StatusSuppressed:
			assert.Equal(t, model.ReasonDedupeWindow, o.Reason)
		default:
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), sender.calls.Load())
}

func TestZeroWindowsNeverBlock(t *testing.T) {
	cfg := testConfig()
	cfg.Zones[0].DedupeWindowSec = intPtr(0)
	cfg.Zones[0].SuppressionWindowSec = intPtr(0)
	h := newHarness(t, cfg, &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		out := h.eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now)
		assert.Equal(t, model.StatusSent, out.Status)
	}
}

func TestRejectionIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	bad := intrusion("cam-001", "almoxarifado", now)
	bad.Vendor = "axis"

	for i := 0; i < 3; i++ {
		out := h.eng.Process(context.Background(), bad, now)
		assert.Equal(t, model.StatusRejected, out.Status)
		assert.Equal(t, model.ReasonInvalidPayload, out.Reason)
	}
	assert.Equal(t, 0, h.gates.Len())
	assert.Equal(t, int32(0), h.sender.calls.Load())

	out := h.eng.Reject(context.Background(), "")
	assert.Equal(t, model.StatusRejected, out.Status)
	assert.Equal(t, model.ReasonInvalidPayload, out.Reason)
}

func TestInvalidEventsAreNotCountedAsReceived(t *testing.T) {
	counters := metrics.NewCollector()
	eng := NewEngine(testConfig(), Deps{
		Counters: counters,
		Gates:    gate.NewMemoryStore(0),
		Delivery: delivery.NewDispatcher(time.Second, nil, &fakeSender{name: delivery.ChannelWhatsApp}),
	})
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	bad := intrusion("cam-001", "almoxarifado", now)
	bad.Vendor = "made-up-vendor-123"
	require.Equal(t, model.StatusRejected, eng.Process(context.Background(), bad, now).Status)

	n, err := testutil.GatherAndCount(counters.Registry(), "ezwatch_events_received_total")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.Equal(t, model.StatusSent, eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now).Status)
	n, err = testutil.GatherAndCount(counters.Registry(), "ezwatch_events_received_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOverflowIsRecordedAsFailed(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	ev := intrusion("cam-001", "almoxarifado", time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))

	out := h.eng.Overflow(context.Background(), ev)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.ReasonQueueFull, out.Reason)
	assert.NotEmpty(t, out.EventID)
	require.Equal(t, 1, h.history.Len())
	assert.Equal(t, "cam-001", h.history.List(1)[0].Event.CameraID)
	assert.Equal(t, int32(0), h.sender.calls.Load())
}

// Validation runs before zone lookup.
func TestInvalidPayloadBeatsUnknownZone(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	ev := intrusion("cam-001", "unknown", time.Time{})
	out := h.eng.Process(context.Background(), ev, time.Now())
	assert.Equal(t, model.ReasonInvalidPayload, out.Reason)
}

type brokenGates struct {
	gate.Store
	failLast  bool
	loseLease bool
}

func (b *brokenGates) Acquire(ctx context.Context, key string) (gate.Lease, error) {
	lease, err := b.Store.Acquire(ctx, key)
	if err != nil || !b.loseLease {
		return lease, err
	}
	lost := func(context.Context, time.Time, ...string) error { return gate.ErrLeaseLost }
	return gate.HeldLease(lost, lease.Release), nil
}

func (b *brokenGates) Last(ctx context.Context, key string) (time.Time, bool, error) {
	if b.failLast {
		return time.Time{}, false, gate.ErrUnavailable
	}
	return b.Store.Last(ctx, key)
}

func TestStateStoreUnavailable(t *testing.T) {
	sender := &fakeSender{name: delivery.ChannelWhatsApp}
	eng := NewEngine(testConfig(), Deps{
		Gates:    &brokenGates{Store: gate.NewMemoryStore(0), failLast: true},
		Delivery: delivery.NewDispatcher(time.Second, nil, sender),
	})
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	out := eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.ReasonStateStoreUnavailable, out.Reason)
	assert.Equal(t, int32(0), sender.calls.Load())
}

func TestAlertUsesZoneTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Zones = append(cfg.Zones, config.ZoneConfig{
		ZoneID:            "doca-tokyo",
		SiteID:            "cd-tokyo",
		CameraIDs:         []string{"cam-100"},
		AlertDestinations: []string{delivery.ChannelWhatsApp},
		ActiveSchedule:    model.ActiveSchedule{Timezone: "Asia/Tokyo"},
	})
	sender := &fakeSender{name: delivery.ChannelWhatsApp}
	h := newHarness(t, cfg, sender, time.Second)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	out := h.eng.Process(context.Background(), intrusion("cam-100", "doca-tokyo", now), now)
	require.Equal(t, model.StatusSent, out.Status)
	sender.mu.Lock()
	alert := sender.last.Alert
	sender.mu.Unlock()
	assert.Equal(t, "2026-03-11 00:00:00 JST", alert.LocalTime)
	assert.Equal(t, "night", alert.Shift)

	require.True(t, h.eng.SendCameraOffline(context.Background(), "cam-100", now.Add(-6*time.Hour)))
	sender.mu.Lock()
	alert = sender.last.Alert
	sender.mu.Unlock()
	assert.Equal(t, "2026-03-10 18:00:00 JST", alert.LocalTime)
	assert.Equal(t, "afternoon", alert.Shift)
}

func TestLostLeaseKeepsSentOutcome(t *testing.T) {
	sender := &fakeSender{name: delivery.ChannelWhatsApp}
	history := alerts.NewStore(10)
	mem := gate.NewMemoryStore(0)
	eng := NewEngine(testConfig(), Deps{
		History:  history,
		Gates:    &brokenGates{Store: mem, loseLease: true},
		Delivery: delivery.NewDispatcher(time.Second, nil, sender),
	})
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	out := eng.Process(context.Background(), intrusion("cam-001", "almoxarifado", now), now)
	assert.Equal(t, model.StatusSent, out.Status)
	assert.Equal(t, int32(1), sender.calls.Load())

	decisions := history.List(0)
	require.Len(t, decisions, 1)
	assert.Equal(t, model.ReasonStateStoreUnavailable, decisions[0].Reason)
	_, found, err := mem.Last(context.Background(), gate.SuppressionKey("almoxarifado", "cam-001"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAlertMessageContent(t *testing.T) {
	conf := 0.87
	sender := &fakeSender{name: delivery.ChannelWhatsApp}
	h := newHarness(t, testConfig(), sender, time.Second)
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	ev := intrusion("cam-001", "almoxarifado", now)
	ev.Confidence = &conf

	out := h.eng.Process(context.Background(), ev, now)
	require.Equal(t, model.StatusSent, out.Status)
	sender.mu.Lock()
	msg := sender.last
	sender.mu.Unlock()
	assert.Equal(t, out.EventID, msg.EventID)
	assert.Equal(t, "Intrusion detected", msg.Alert.Title)
	assert.Equal(t, "2026-03-10 12:00:00 -03", msg.Alert.LocalTime)
	assert.Equal(t, "87%", msg.Alert.ConfidenceText)
	assert.Equal(t, "morning", msg.Alert.Shift)
	assert.Equal(t, model.SeverityHigh, msg.Alert.Severity)
}

func TestStartWorkers(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.CVEvent, 4)
	wg := h.eng.Start(ctx, in, 2)

	in <- intrusion("cam-001", "almoxarifado", time.Now().UTC())
	in <- intrusion("cam-999", "almoxarifado", time.Now().UTC())
	close(in)
	wg.Wait()
	assert.Equal(t, 2, h.history.Len())
}

func TestUpdateZonesAndIsActive(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSender{name: delivery.ChannelWhatsApp}, time.Second)
	assert.Len(t, h.eng.Zones(), 2)

	active, ok := h.eng.IsActive("portaria", time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.True(t, active)
	_, ok = h.eng.IsActive("nope", time.Now())
	assert.False(t, ok)

	h.eng.UpdateZones([]model.ZonePolicy{{ZoneID: "docas", CameraIDs: []string{"cam-100"}}})
	zones := h.eng.Zones()
	require.Len(t, zones, 1)
	assert.Equal(t, "docas", zones[0].ZoneID)
	assert.Equal(t, "America/Sao_Paulo", h.eng.Location().String())
}

func TestSendCameraOffline(t *testing.T) {
	sender := &fakeSender{name: delivery.ChannelWhatsApp}
	h := newHarness(t, testConfig(), sender, time.Second)
	lastSeen := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	require.True(t, h.eng.SendCameraOffline(context.Background(), "cam-001", lastSeen))
	assert.Equal(t, "Camera offline", sender.last.Alert.Title)
	assert.Equal(t, "almoxarifado", sender.last.Alert.Zone)

	require.True(t, h.eng.SendCameraOffline(context.Background(), "cam-404", lastSeen))
	assert.Equal(t, "unknown", sender.last.Alert.Zone)
	assert.Equal(t, model.SeverityHigh, sender.last.Alert.Severity)
}
