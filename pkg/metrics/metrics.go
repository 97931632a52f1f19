package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	OrdersDetected          *prometheus.CounterVec
	FeedErrors              *prometheus.CounterVec
	AlertsPresented         *prometheus.CounterVec
	AlertsDeferred          prometheus.Counter
	AlertsSuppressed        prometheus.Counter
	HostNotifications       *prometheus.CounterVec
	ResponseDecisions       *prometheus.CounterVec
	PendingBuffer           *prometheus.CounterVec
	CountdownRemaining      prometheus.Gauge
	WatcherLeaderChanges    prometheus.Counter
	StoreOperationDuration  *prometheus.HistogramVec
	ChannelMessagesReceived *prometheus.CounterVec
}

// NewMetrics registers the collectors with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OrdersDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_detected_total",
			Help: "Total number of new pending orders detected by the change feeds",
		}, []string{"feed"}),
		FeedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_errors_total",
			Help: "Total number of change feed subscription errors",
		}, []string{"feed"}),
		AlertsPresented: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_presented_total",
			Help: "Total number of orders presented to an operator",
		}, []string{"source"}),
		AlertsDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "alerts_deferred_total",
			Help: "Total number of alerts queued behind an open response modal",
		}),
		AlertsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Total number of alerts for orders an earlier session already presented",
		}),
		HostNotifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "host_notifications_total",
			Help: "Total number of host notifications raised, by result",
		}, []string{"result"}),
		ResponseDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_decisions_total",
			Help: "Total number of response decisions recorded",
		}, []string{"outcome"}),
		PendingBuffer: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pending_buffer_events_total",
			Help: "Pending hand-off buffer events",
		}, []string{"event"}),
		CountdownRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "countdown_remaining_seconds",
			Help: "Seconds left on the currently presented order",
		}),
		WatcherLeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "watcher_leader_changes_total",
			Help: "Total number of times this process acquired the watcher lease",
		}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Time taken for backing-store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ChannelMessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "channel_messages_received_total",
			Help: "Cross-context channel messages received",
		}, []string{"kind"}),
	}
}

// NewTestMetrics builds metrics on a private registry.
func NewTestMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}
