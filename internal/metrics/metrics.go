// Package metrics exposes the chat core's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

// Metrics groups the collectors registered on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive  prometheus.Gauge
	usersOnline        prometheus.Gauge
	messagesAppended   *prometheus.CounterVec
	appendDuration     prometheus.Histogram
	fanoutDeliveries   *prometheus.CounterVec
	fanoutMissed       prometheus.Counter
	notifications      *prometheus.CounterVec
	presenceFlaps      prometheus.Counter
	deliveriesRecorded prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live websocket connections.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_online",
			Help:      "Users with at least one live connection.",
		}),
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages persisted, by type.",
		}, []string{"type"}),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Time spent sequencing and persisting a message.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		fanoutDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Frames queued to live connections, by event type.",
		}, []string{"event"}),
		fanoutMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_missed_total",
			Help:      "Recipients with no subscribed connection at publish time.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification bridge outcomes.",
		}, []string{"result"}),
		presenceFlaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_flaps_total",
			Help:      "Reconnects absorbed by the offline grace timer.",
		}),
		deliveriesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_recorded_total",
			Help:      "Delivery receipts written to the store.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsActive,
		m.usersOnline,
		m.messagesAppended,
		m.appendDuration,
		m.fanoutDeliveries,
		m.fanoutMissed,
		m.notifications,
		m.presenceFlaps,
		m.deliveriesRecorded,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) SetUsersOnline(n int) {
	if m != nil {
		m.usersOnline.Set(float64(n))
	}
}

func (m *Metrics) MessageAppended(msgType string, took time.Duration) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(msgType).Inc()
	m.appendDuration.Observe(took.Seconds())
}

func (m *Metrics) FrameQueued(event string) {
	if m != nil {
		m.fanoutDeliveries.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Missed() {
	if m != nil {
		m.fanoutMissed.Inc()
	}
}

// Notification records a bridge outcome: sent, failed or dropped.
func (m *Metrics) Notification(result string) {
	if m != nil {
		m.notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PresenceFlap() {
	if m != nil {
		m.presenceFlaps.Inc()
	}
}

func (m *Metrics) DeliveriesRecorded(n int) {
	if m != nil {
		m.deliveriesRecorded.Add(float64(n))
	}
}
