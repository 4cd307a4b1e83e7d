package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	recordsPublished *prometheus.CounterVec
	framesDropped    prometheus.Counter
	alertsFired      *prometheus.CounterVec

	commandDuration *prometheus.HistogramVec
	commandErrors   *prometheus.CounterVec

	broadcastTickDuration prometheus.Histogram
}

// NewPrometheusCollector registers the dashboard metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production and a fresh
// registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "opsdeck_sessions_active",
			Help: "Number of currently connected dashboard sessions",
		}),

		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsdeck_sessions_total",
			Help: "Total number of sessions registered since start",
		}),

		recordsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_records_published_total",
			Help: "Metric records published into the hub, by channel",
		}, []string{"channel"}),

		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "opsdeck_frames_dropped_total",
			Help: "Outbound metric frames discarded under backpressure",
		}),

		alertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_alerts_fired_total",
			Help: "Alert events emitted after dedupe suppression, by level",
		}, []string{"level"}),

		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsdeck_command_duration_seconds",
			Help:    "Command execution latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"command"}),

		commandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_command_errors_total",
			Help: "Failed command executions, by error kind",
		}, []string{"kind"}),

		broadcastTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsdeck_broadcast_tick_duration_seconds",
			Help:    "Time spent delivering one broadcast tick",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (c *PrometheusCollector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

func (c *PrometheusCollector) SessionClosed() {
	c.sessionsActive.Dec()
}

func (c *PrometheusCollector) RecordPublished(channel string) {
	c.recordsPublished.WithLabelValues(channel).Inc()
}

func (c *PrometheusCollector) FramesDropped(n uint64) {
	c.framesDropped.Add(float64(n))
}

func (c *PrometheusCollector) AlertFired(level string) {
	c.alertsFired.WithLabelValues(level).Inc()
}

func (c *PrometheusCollector) ObserveCommand(command string, d time.Duration) {
	c.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (c *PrometheusCollector) CommandError(kind string) {
	c.commandErrors.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) ObserveBroadcastTick(d time.Duration) {
	c.broadcastTickDuration.Observe(d.Seconds())
}
