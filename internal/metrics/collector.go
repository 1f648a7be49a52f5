package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ezwatch/internal/model"
)

// Collector owns the process metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	eventsReceived *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	processing     prometheus.Histogram
	healthAlerts   *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ezwatch_events_received_total",
		Help: "Valid CV events received, by vendor and event type",
	}, []string{"vendor", "event_type"})

	c.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ezwatch_decisions_total",
		Help: "Terminal decisions, by status and reason",
	}, []string{"status", "reason"})

	c.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ezwatch_deliveries_total",
		Help: "Delivery attempts, by channel and result",
	}, []string{"channel", "status"})

	c.processing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ezwatch_event_processing_seconds",
		Help:    "Time from receipt to terminal decision",
		Buckets: prometheus.DefBuckets,
	})

	c.healthAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ezwatch_camera_health_alerts_total",
		Help: "Camera offline alerts, by result",
	}, []string{"status"})

	reg.MustRegister(
		c.eventsReceived,
		c.decisions,
		c.deliveries,
		c.processing,
		c.healthAlerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) EventReceived(vendor model.Vendor, eventType model.EventType) {
	c.eventsReceived.WithLabelValues(string(vendor), string(eventType)).Inc()
}

// Decision counts one terminal outcome. A sent outcome has reason "none".
func (c *Collector) Decision(status model.Status, reason string, elapsed time.Duration) {
	if reason == "" {
		reason = "none"
	}
	c.decisions.WithLabelValues(string(status), reason).Inc()
	if elapsed > 0 {
		c.processing.Observe(elapsed.Seconds())
	}
}

func (c *Collector) Delivery(channel string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	c.deliveries.WithLabelValues(channel, status).Inc()
}

func (c *Collector) CameraHealthAlert(sent bool) {
	status := "sent"
	if !sent {
		status = "failed"
	}
	c.healthAlerts.WithLabelValues(status).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
