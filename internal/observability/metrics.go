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
	ChatRequests        *prometheus.CounterVec
	SummarizationEvents *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	ContextTokens       prometheus.Histogram
	LLMRequestDuration  *prometheus.HistogramVec
	ActiveSessions      prometheus.Gauge

	latency *phaseLatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by route and outcome.",
		}, []string{"route", "status"}),
		SummarizationEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summarization_events_total",
			Help:      "Conversation summarization attempts by result.",
		}, []string{"result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Completion provider errors by operation and code.",
		}, []string{"operation", "code"}),
		ContextTokens: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bounded_context_tokens",
			Help:      "Estimated token size of the bounded context handed to reply generation.",
			Buckets:   []float64{100, 250, 500, 1000, 1500, 2000, 3000, 5000},
		}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_ms",
			Help:      "Completion request latency in milliseconds by operation.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}, []string{"operation"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		latency: newPhaseLatencyWindow(256),
	}
}

// ObserveLLMRequest records one completion call in both the Prometheus
// histogram and the rolling perf window.
func (m *Metrics) ObserveLLMRequest(operation string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.LLMRequestDuration.WithLabelValues(operation).Observe(ms)
	m.latency.Observe(operation, ms)
}

// ObservePhase records one chat-cycle phase in the rolling perf window.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	m.latency.Observe(phase, float64(d.Milliseconds()))
}

// CountIndicator bumps a named perf indicator (revisions, fallbacks).
func (m *Metrics) CountIndicator(name string) {
	m.latency.ObserveIndicator(name)
}

// LatencySnapshot reports the rolling latency window for the perf endpoint.
func (m *Metrics) LatencySnapshot() PhaseLatencySnapshot {
	return m.latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
