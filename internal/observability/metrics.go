package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	window   *latencyWindow

	ActiveSessions      prometheus.Gauge
	ActiveConnections   prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	PhaseTransitions    *prometheus.CounterVec
	CacheLookups        *prometheus.CounterVec
	InteractionsDropped prometheus.Counter
	FirstAudioLatency   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   newLatencyWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live conversational sessions.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open streaming connections.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Provider call latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400},
		}, []string{"provider", "op"}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Conversation phase transitions.",
		}, []string{"from", "to"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_cache_lookups_total",
			Help:      "Audio cache lookups by result (hit, miss, shared).",
		}, []string{"result"}),
		InteractionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_dropped_total",
			Help:      "Interaction log records dropped because the write queue was full.",
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from end of user input to audio reference in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveProvider records latency for a provider call and counts the
// failure, if any, under code.
func (m *Metrics) ObserveProvider(provider, op string, d time.Duration, code string) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(provider, op).Observe(float64(d.Milliseconds()))
	if code != "" {
		m.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
}

func (m *Metrics) PhaseTransition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
	m.window.Count("cache_" + result)
}

func (m *Metrics) InteractionDropped() {
	if m == nil {
		return
	}
	m.InteractionsDropped.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe("input_to_audio", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.Count(name)
}

func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.window.Reset()
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
