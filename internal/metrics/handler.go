package metrics

import (
	"encoding/json"
	"maps"
	"math"
	"net/http"
	"slices"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP      httpSummary   `json:"http"`
	Tools     toolSummary   `json:"tools"`
	Credits   creditSummary `json:"credits"`
	Sessions  sessionInfo   `json:"sessions"`
	RateLimit rejectionInfo `json:"rateLimit"`
	Auth      rejectionInfo `json:"auth"`
	Webhooks  webhookInfo   `json:"webhooks"`
	Collector collectorInfo `json:"collector"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type toolSummary struct {
	TotalCalls float64 `json:"totalCalls"`
	Failures   float64 `json:"failures"`
	Retries    float64 `json:"retries"`
	P50Latency float64 `json:"p50Latency"`
	P95Latency float64 `json:"p95Latency"`
}

type creditSummary struct {
	Debited float64 `json:"debited"`
	Denials float64 `json:"denials"`
}

type sessionInfo struct {
	Active    float64 `json:"active"`
	LLMTokens float64 `json:"llmTokens"`
}

type rejectionInfo struct {
	Rejections float64 `json:"rejections"`
}

type webhookInfo struct {
	Applied    float64 `json:"applied"`
	Duplicates float64 `json:"duplicates"`
}

type collectorInfo struct {
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Events       float64 `json:"events"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	gathered, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	fam := make(families, len(gathered))
	for _, f := range gathered {
		fam[strings.TrimPrefix(f.GetName(), namespace+"_")] = f
	}

	start := fam.gauge("server_start_time_seconds")
	toolCalls := fam.sum("tool_calls_total")
	return &Summary{
		HTTP: httpSummary{
			TotalRequests: fam.sum("http_requests_total"),
			ErrorRate:     fam.errorRate("http_requests_total"),
			P50Latency:    histogramPercentile(fam["http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["http_request_duration_seconds"], 0.99),
		},
		Tools: toolSummary{
			TotalCalls: toolCalls,
			Failures:   toolCalls - fam.sumWhere("tool_calls_total", "outcome", "success"),
			Retries:    fam.sum("tool_retries_total"),
			P50Latency: histogramPercentile(fam["tool_call_duration_seconds"], 0.50),
			P95Latency: histogramPercentile(fam["tool_call_duration_seconds"], 0.95),
		},
		Credits: creditSummary{
			Debited: fam.sum("credits_debited_total"),
			Denials: fam.sum("credit_denials_total"),
		},
		Sessions: sessionInfo{
			Active:    fam.gauge("active_sessions"),
			LLMTokens: fam.sum("llm_tokens_total"),
		},
		RateLimit: rejectionInfo{Rejections: fam.sum("ratelimit_rejections_total")},
		Auth:      rejectionInfo{Rejections: fam.sum("auth_failures_total")},
		Webhooks: webhookInfo{
			Applied:    fam.sumWhere("purchase_webhooks_total", "result", "applied"),
			Duplicates: fam.sumWhere("purchase_webhooks_total", "result", "duplicate"),
		},
		Collector: collectorInfo{
			TotalFlushes: fam.sum("collector_flushes_total"),
			FlushErrors:  fam.sumWhere("collector_flushes_total", "status", "error"),
			Events:       fam.sum("collector_events_total"),
		},
		DB: dbInfo{
			TotalConns:    fam.gauge("db_pool_total_conns"),
			IdleConns:     fam.gauge("db_pool_idle_conns"),
			AcquiredConns: fam.gauge("db_pool_acquired_conns"),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// families indexes gathered metric families by name without the namespace.
type families map[string]*dto.MetricFamily

// sum adds every counter sample of a family.
func (fs families) sum(name string) float64 {
	return fs.sumFunc(name, func(*dto.Metric) bool { return true })
}

// sumWhere adds the counter samples whose label matches value.
func (fs families) sumWhere(name, label, value string) float64 {
	return fs.sumFunc(name, func(m *dto.Metric) bool { return labelValue(m, label) == value })
}

func (fs families) sumFunc(name string, keep func(*dto.Metric) bool) float64 {
	var total float64
	for _, m := range fs[name].GetMetric() {
		if c := m.GetCounter(); c != nil && keep(m) {
			total += c.GetValue()
		}
	}
	return total
}

// gauge returns the first sample of an unlabelled gauge.
func (fs families) gauge(name string) float64 {
	ms := fs[name].GetMetric()
	if len(ms) == 0 {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func (fs families) errorRate(name string) float64 {
	total := fs.sum(name)
	if total == 0 {
		return 0
	}
	failed := fs.sumFunc(name, func(m *dto.Metric) bool {
		code := labelValue(m, "status_code")
		return code != "" && code[0] >= '4'
	})
	return failed / total
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// histogramPercentile estimates quantile q across every series of a
// histogram family by linear interpolation inside the matching bucket.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	var total uint64
	cumulative := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		total += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			if !math.IsInf(b.GetUpperBound(), 1) {
				cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
			}
		}
	}
	if total == 0 || len(cumulative) == 0 {
		return 0
	}

	bounds := slices.Sorted(maps.Keys(cumulative))
	rank := q * float64(total)
	var lower float64
	var below uint64
	for _, upper := range bounds {
		count := cumulative[upper]
		if float64(count) >= rank {
			if count == below {
				return upper
			}
			return lower + (rank-float64(below))/float64(count-below)*(upper-lower)
		}
		lower, below = upper, count
	}
	// Rank falls in the +Inf bucket.
	return bounds[len(bounds)-1]
}
