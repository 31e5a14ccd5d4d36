package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric name.
const namespace = "voxdesk"

// Metrics holds all Prometheus collectors for the voxdesk server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Tool router metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	ToolRetriesTotal *prometheus.CounterVec

	// Credit metrics.
	CreditsDebitedTotal *prometheus.CounterVec
	CreditDenialsTotal  *prometheus.CounterVec

	// Conversation metrics.
	LLMTokensTotal *prometheus.CounterVec
	ActiveSessions prometheus.Gauge

	RateLimitRejectionsTotal *prometheus.CounterVec
	AuthFailuresTotal        *prometheus.CounterVec
	WebhooksTotal            *prometheus.CounterVec

	// Usage event collector.
	CollectorFlushesTotal *prometheus.CounterVec
	CollectorEventsTotal  prometheus.Counter

	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_tool_calls_total",
			Help: "Total number of outbound tool calls by outcome.",
		}, []string{"tool", "outcome"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxdesk_tool_call_duration_seconds",
			Help:    "Outbound tool call duration in seconds, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),

		ToolRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_tool_retries_total",
			Help: "Total number of retried tool call attempts by failure kind.",
		}, []string{"tool", "kind"}),

		CreditsDebitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_credits_debited_total",
			Help: "Total credits debited by usage type.",
		}, []string{"usage_type"}),

		CreditDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_credit_denials_total",
			Help: "Total number of usage requests denied for lack of credits.",
		}, []string{"reason"}),

		LLMTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_llm_tokens_total",
			Help: "Total LLM tokens consumed by billing model.",
		}, []string{"model"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxdesk_active_sessions",
			Help: "Number of live chat sessions.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_purchase_webhooks_total",
			Help: "Total number of purchase webhooks by result.",
		}, []string{"result"}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdesk_collector_flushes_total",
			Help: "Total number of usage event flushes.",
		}, []string{"status"}),

		CollectorEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxdesk_collector_events_total",
			Help: "Total number of usage events persisted.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxdesk_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.ToolRetriesTotal,
		m.CreditsDebitedTotal,
		m.CreditDenialsTotal,
		m.LLMTokensTotal,
		m.ActiveSessions,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.WebhooksTotal,
		m.CollectorFlushesTotal,
		m.CollectorEventsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Exposition returns a handler serving the registry in the Prometheus text
// format.
func (m *Metrics) Exposition() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, pathPattern string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(seconds)
}

// IncToolCall counts a finished tool call.
func (m *Metrics) IncToolCall(tool, outcome string) {
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveToolDuration records a tool call's total duration.
func (m *Metrics) ObserveToolDuration(tool string, seconds float64) {
	m.ToolCallDuration.WithLabelValues(tool).Observe(seconds)
}

// IncToolRetry counts a retried tool call attempt.
func (m *Metrics) IncToolRetry(tool, kind string) {
	m.ToolRetriesTotal.WithLabelValues(tool, kind).Inc()
}

// AddCreditsDebited adds to the debited credits counter.
func (m *Metrics) AddCreditsDebited(usageType string, credits float64) {
	m.CreditsDebitedTotal.WithLabelValues(usageType).Add(credits)
}

// IncCreditDenial counts a usage request refused for lack of credits.
func (m *Metrics) IncCreditDenial(reason string) {
	m.CreditDenialsTotal.WithLabelValues(reason).Inc()
}

// AddLLMTokens adds consumed tokens for model.
func (m *Metrics) AddLLMTokens(model string, tokens int64) {
	m.LLMTokensTotal.WithLabelValues(model).Add(float64(tokens))
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// IncRateLimitRejection counts a rate limit rejection.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncWebhook counts a purchase webhook by result (applied, duplicate, rejected, error).
func (m *Metrics) IncWebhook(result string) {
	m.WebhooksTotal.WithLabelValues(result).Inc()
}

// ObserveFlush records a usage event flush.
func (m *Metrics) ObserveFlush(events int, err error) {
	if err != nil {
		m.CollectorFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.CollectorFlushesTotal.WithLabelValues("ok").Inc()
	m.CollectorEventsTotal.Add(float64(events))
}
