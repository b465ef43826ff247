package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	TokensUsed        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	RateLimitRejects  *prometheus.CounterVec
	CircuitOpenTotal  prometheus.Counter
	OverflowRecovered prometheus.Counter
	ToolCallsTotal    *prometheus.CounterVec
}

// NewMetrics registers the gateway instruments on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Chat requests by outcome.",
		}, []string{"status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end chat request duration.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}, []string{"strategy"}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "In-flight chat requests.",
		}),
		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens consumed by model and direction.",
		}, []string{"model", "direction"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Provider call failures by provider.",
		}, []string{"provider"}),
		RateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejects_total",
			Help: "Requests rejected by admission control, by limit type.",
		}, []string{"limit_type"}),
		CircuitOpenTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_circuit_open_total",
			Help: "Circuit breaker open transitions.",
		}),
		OverflowRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_overflow_recovered_total",
			Help: "Context overflows recovered by historical extraction.",
		}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Tool-loop dispatches by tool.",
		}, []string{"tool"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
