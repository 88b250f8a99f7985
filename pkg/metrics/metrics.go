// Package metrics exposes the Prometheus counters every pipeline runner
// publishes and the ops HTTP server that serves them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StageMetrics defines the metrics operations needed by a stage runner.
type StageMetrics interface {
	IncMessagesReceived(queue string)
	IncMessagesPublished(queue string)
	IncMessagesDropped(reason string)
	TrackMessage(f func() error) error
}

// CollectorMetrics defines the metrics operations needed by the collectors.
type CollectorMetrics interface {
	IncStatusUpdates(kind string)
	IncCheckupUpdates(action string)
	IncSnapshots()
}

// Metrics implements StageMetrics and CollectorMetrics.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	ActiveMessages    prometheus.Gauge
	HandleTime        prometheus.Summary
	HandleErrors      prometheus.Counter

	StatusUpdates  *prometheus.CounterVec
	CheckupUpdates *prometheus.CounterVec
	Snapshots      prometheus.Counter
}

var (
	_ StageMetrics     = (*Metrics)(nil)
	_ CollectorMetrics = (*Metrics)(nil)
)

func (m *Metrics) IncMessagesReceived(queue string) {
	m.MessagesReceived.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncMessagesPublished(queue string) {
	m.MessagesPublished.WithLabelValues(queue).Inc()
}

func (m *Metrics) IncMessagesDropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncStatusUpdates(kind string) {
	m.StatusUpdates.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCheckupUpdates(action string) {
	m.CheckupUpdates.WithLabelValues(action).Inc()
}

func (m *Metrics) IncSnapshots() {
	m.Snapshots.Inc()
}

// TrackMessage times one handled delivery.
func (m *Metrics) TrackMessage(f func() error) error {
	m.ActiveMessages.Inc()
	defer m.ActiveMessages.Dec()

	start := time.Now()
	err := f()
	m.HandleTime.Observe(time.Since(start).Seconds())
	if err != nil {
		m.HandleErrors.Inc()
	}
	return err
}

// New creates a Metrics instance registered with reg under the given
// namespace, usually "os2datascanner_pipeline_<stage>". A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of deliveries consumed, by queue",
		}, []string{"queue"}),
		MessagesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published, by queue",
		}, []string{"queue"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of deliveries acknowledged without processing",
		}, []string{"reason"}),
		ActiveMessages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_messages",
			Help:      "Number of deliveries currently being handled",
		}),
		HandleTime: f.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Name:       "handle_duration_seconds",
			Help:       "Time taken to handle one delivery",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		HandleErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_errors_total",
			Help:      "Total number of deliveries whose handler failed",
		}),
		StatusUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_total",
			Help:      "Total number of scan status updates, by kind",
		}, []string{"kind"}),
		CheckupUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkup_updates_total",
			Help:      "Total number of scheduled checkup changes, by action",
		}, []string{"action"}),
		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_snapshots_total",
			Help:      "Total number of scan status snapshots written",
		}),
	}
}
