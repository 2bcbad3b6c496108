package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveTasks       prometheus.Gauge
	PendingEvents     prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	EventsEmitted     *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	DeliveryErrors    *prometheus.CounterVec
	TaskOutcomes      *prometheus.CounterVec
	ReplayedEvents    prometheus.Counter
	EnqueueWait       prometheus.Histogram
	DeliveryLatency   prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of registered stream connections.",
		}),
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of live execution contexts.",
		}),
		PendingEvents: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_events",
			Help:      "Events enqueued but not yet written to any connection.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		EventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Lifecycle events enqueued by stage.",
		}, []string{"stage"}),
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Lifecycle events written to connections by stage.",
		}, []string{"stage"}),
		DeliveryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Delivery errors by reason.",
		}, []string{"reason"}),
		TaskOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Finished tasks by terminal outcome.",
		}, []string{"outcome"}),
		ReplayedEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_events_total",
			Help:      "Events written during a connection's initial replay drain.",
		}),
		EnqueueWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enqueue_wait_ms",
			Help:      "Time producers spent waiting for queue room in milliseconds.",
			Buckets:   []float64{1, 5, 25, 100, 250, 500, 1000, 2000},
		}),
		DeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_ms",
			Help:      "Latency from emit to connection write in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		latency: newLatencyWindow(512, 5*time.Minute),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.SessionEvents.WithLabelValues("connection_opened").Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.SessionEvents.WithLabelValues("connection_closed").Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveEnqueue(stage string, wait time.Duration) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(stage).Inc()
	m.EnqueueWait.Observe(float64(wait.Milliseconds()))
	if wait > 0 {
		m.latency.observe("enqueue_wait", durationMS(wait))
	}
}

// ObserveDelivered records one write. replay marks writes made during a
// connection's first drain.
func (m *Metrics) ObserveDelivered(stage string, sinceEmit time.Duration, replay bool) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(stage).Inc()
	if replay {
		m.ReplayedEvents.Inc()
		m.latency.observe("replay_emit_to_write", durationMS(sinceEmit))
		return
	}
	m.DeliveryLatency.Observe(float64(sinceEmit.Milliseconds()))
	m.latency.observe("emit_to_write", durationMS(sinceEmit))
	m.latency.observe("emit_to_write_"+stage, durationMS(sinceEmit))
}

func (m *Metrics) ObserveDeliveryError(reason string) {
	if m == nil {
		return
	}
	m.DeliveryErrors.WithLabelValues(reason).Inc()
	m.latency.count(reason)
}

// ObserveIndicator counts a notable delivery event that is not an error.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.count(name)
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingEvents.Set(float64(n))
}

func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

func (m *Metrics) TaskFinished(outcome string, total time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
	m.TaskOutcomes.WithLabelValues(outcome).Inc()
	m.latency.observe("task_total", durationMS(total))
}

// DeliveryReport summarizes recent write latencies and delivery indicators.
func (m *Metrics) DeliveryReport() DeliveryReport {
	if m == nil || m.latency == nil {
		return DeliveryReport{GeneratedAt: time.Now().UTC(), Stages: []LatencySeries{}}
	}
	return m.latency.report()
}

func (m *Metrics) ResetDeliveryReport() {
	if m == nil {
		return
	}
	m.latency.reset()
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
