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
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	TurnTransitions     *prometheus.CounterVec
	GenerationFallbacks *prometheus.CounterVec
	SynthesisFallbacks  *prometheus.CounterVec
	PersistenceFailures *prometheus.CounterVec
	RecognitionErrors   *prometheus.CounterVec
	GenerationLatency   prometheus.Histogram
	PersonaAudioLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active training call sessions.",
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
		TurnTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_transitions_total",
			Help:      "Turn-taking state transitions by target state.",
		}, []string{"to"}),
		GenerationFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_fallbacks_total",
			Help:      "Persona replies served from the scenario fallback table.",
		}, []string{"scenario"}),
		SynthesisFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_fallbacks_total",
			Help:      "Persona lines spoken by the on-device engine, by failure stage.",
		}, []string{"stage"}),
		PersistenceFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Session record writes that failed, by operation.",
		}, []string{"op"}),
		RecognitionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Speech recognition errors by class.",
		}, []string{"class"}),
		GenerationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Latency of persona reply generation in milliseconds.",
			Buckets:   []float64{200, 400, 700, 1000, 1500, 2500, 4000, 8000},
		}),
		PersonaAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persona_audio_latency_ms",
			Help:      "Latency from final utterance to persona playback start in milliseconds.",
			Buckets:   []float64{300, 600, 900, 1200, 2000, 3000, 5000, 8000},
		}),
	}
}

// The helpers below tolerate a nil *Metrics so components can run unmetered in tests.

func (m *Metrics) ObserveGenerationLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObservePersonaAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.PersonaAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) TurnTransition(to string) {
	if m == nil {
		return
	}
	m.TurnTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) GenerationFallback(scenarioID string) {
	if m == nil {
		return
	}
	m.GenerationFallbacks.WithLabelValues(scenarioID).Inc()
}

func (m *Metrics) SynthesisFallback(stage string) {
	if m == nil {
		return
	}
	m.SynthesisFallbacks.WithLabelValues(stage).Inc()
}

func (m *Metrics) PersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) RecognitionError(class string) {
	if m == nil {
		return
	}
	m.RecognitionErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
