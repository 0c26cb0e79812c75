// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Hub
	HubSubscribers        prometheus.Gauge
	HubBroadcasts         prometheus.Counter
	HubDeliveries         prometheus.Counter
	HubDeliveryFailures   prometheus.Counter
	HubBroadcastDuration  prometheus.Observer
	BridgePublishFailures prometheus.Counter

	// Ingest and outbound
	WebhookEvents    *prometheus.CounterVec // labels: provider, outcome
	OutboundFailures *prometheus.CounterVec // labels: provider
	AlertsSent       prometheus.Counter

	// AI responder
	AIReplyDuration prometheus.Observer
	AIReplyFailures prometheus.Counter

	// Database pool
	DBConnsOpen  prometheus.Gauge
	DBConnsInUse prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_hub_subscribers", Help: "Current number of live subscriber connections"})
		HubBroadcasts = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_hub_broadcasts_total", Help: "Number of events broadcast to subscribers"})
		HubDeliveries = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_hub_deliveries_total", Help: "Number of successful per-connection deliveries"})
		HubDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_hub_delivery_failures_total", Help: "Number of failed per-connection deliveries (connection pruned)"})
		HubBroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_hub_broadcast_duration_seconds",
			Help:    "Time to fan one event out to every subscriber",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		})
		BridgePublishFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_bridge_publish_failures_total", Help: "Redis publishes that fell back to local broadcast"})
		WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_webhook_events_total", Help: "Inbound webhook events by provider and outcome"}, []string{"provider", "outcome"})
		OutboundFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_outbound_failures_total", Help: "Failed sends to end users by provider"}, []string{"provider"})
		AlertsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_alerts_sent_total", Help: "Operator alerts sent for live chat requests"})
		AIReplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_ai_reply_duration_seconds",
			Help:    "Latency of automatic replies",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		})
		AIReplyFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_ai_reply_failures_total", Help: "Automatic replies that failed and used the fallback text"})
		DBConnsOpen = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_db_connections_open", Help: "Open database connections"})
		DBConnsInUse = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_db_connections_in_use", Help: "Database connections in use"})
	})
}

// SetSubscribers records the current live-set size.
func SetSubscribers(n int) {
	if HubSubscribers != nil {
		HubSubscribers.Set(float64(n))
	}
}

// RecordDelivery adds one broadcast's outcome to the hub counters.
func RecordDelivery(delivered, failed int) {
	if HubBroadcasts == nil {
		return
	}
	HubBroadcasts.Inc()
	HubDeliveries.Add(float64(delivered))
	HubDeliveryFailures.Add(float64(failed))
}

// RecordWebhookEvent counts one inbound event.
func RecordWebhookEvent(provider, outcome string) {
	if WebhookEvents != nil {
		WebhookEvents.WithLabelValues(provider, outcome).Inc()
	}
}

// RecordOutboundFailure counts one failed send to an end user.
func RecordOutboundFailure(provider string) {
	if OutboundFailures != nil {
		OutboundFailures.WithLabelValues(provider).Inc()
	}
}

// UpdateDatabasePoolMetrics sets the pool gauges from sql.DBStats values.
func UpdateDatabasePoolMetrics(open, inUse int) {
	if DBConnsOpen != nil {
		DBConnsOpen.Set(float64(open))
		DBConnsInUse.Set(float64(inUse))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
