package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	Mode      string        `json:"mode"`
	Gateway   httpSummary   `json:"gateway"`
	Admin     httpSummary   `json:"admin"`
	Decisions decisionInfo  `json:"decisions"`
	Execution executionInfo `json:"execution"`
	Links     linkInfo      `json:"links"`
	RateLimit rateLimitInfo `json:"rateLimit"`
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

type decisionInfo struct {
	Allowed      float64 `json:"allowed"`
	Rejected     float64 `json:"rejected"`
	RateLimited  float64 `json:"rateLimited"`
	CircuitTrips float64 `json:"circuitTrips"`
}

type executionInfo struct {
	Total  float64 `json:"total"`
	Active float64 `json:"active"`
	Errors float64 `json:"errors"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

type linkInfo struct {
	Resolved float64 `json:"resolved"`
	Failed   float64 `json:"failed"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Entries      float64 `json:"entries"`
	Dropped      float64 `json:"dropped"`
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
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	decisions := fam["agentbridge_authorization_decisions_total"]
	allowed := sumCounterWithLabel(decisions, "outcome", "allowed")
	resolved := sumCounterWithLabel(fam["agentbridge_link_resolutions_total"], "outcome", "resolved")

	summary := Summary{
		Mode:    "live",
		Gateway: httpKind(fam, "gateway"),
		Admin:   httpKind(fam, "admin"),
		Decisions: decisionInfo{
			Allowed:      allowed,
			Rejected:     sumCounter(decisions) - allowed,
			RateLimited:  sumCounterWithLabel(decisions, "outcome", "rate_limited"),
			CircuitTrips: sumCounter(fam["agentbridge_circuit_rejections_total"]),
		},
		Execution: executionInfo{
			Total:  sumCounter(fam["agentbridge_executions_total"]),
			Active: gaugeValue(fam["agentbridge_active_executions"]),
			Errors: sumCounter(fam["agentbridge_execution_errors_total"]),
			P50:    histogramPercentile(fam["agentbridge_execution_duration_seconds"], 0.50),
			P95:    histogramPercentile(fam["agentbridge_execution_duration_seconds"], 0.95),
		},
		Links: linkInfo{
			Resolved: resolved,
			Failed:   sumCounter(fam["agentbridge_link_resolutions_total"]) - resolved,
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["agentbridge_ratelimit_rejections_total"]),
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["agentbridge_collector_buffer_size"]),
			TotalFlushes: sumCounter(fam["agentbridge_collector_flushes_total"]),
			FlushErrors:  sumCounterWithLabel(fam["agentbridge_collector_flushes_total"], "status", "error"),
			Entries:      sumCounter(fam["agentbridge_collector_entries_total"]),
			Dropped:      sumCounter(fam["agentbridge_collector_dropped_entries_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["agentbridge_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["agentbridge_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["agentbridge_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["agentbridge_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["agentbridge_server_start_time_seconds"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

func httpKind(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	requests := fam["agentbridge_http_requests_total"]
	durations := fam["agentbridge_http_request_duration_seconds"]
	return httpSummary{
		TotalRequests: sumCounterWithLabel(requests, "kind", kind),
		ErrorRate:     computeErrorRateWithLabel(requests, "kind", kind),
		P50Latency:    histogramPercentileWithLabel(durations, 0.50, "kind", kind),
		P95Latency:    histogramPercentileWithLabel(durations, 0.95, "kind", kind),
		P99Latency:    histogramPercentileWithLabel(durations, 0.99, "kind", kind),
	}
}

// matcher selects the series of a family that contribute to a summary value.
type matcher func(*dto.Metric) bool

func anySeries(*dto.Metric) bool { return true }

func withLabel(name, value string) matcher {
	return func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return true
			}
		}
		return false
	}
}

func sumCounter(f *dto.MetricFamily) float64 {
	return sumMatching(f, anySeries)
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	return sumMatching(f, withLabel(labelName, labelValue))
}

func sumMatching(f *dto.MetricFamily, match matcher) float64 {
	var total float64
	for _, m := range f.GetMetric() {
		if c := m.GetCounter(); c != nil && match(m) {
			total += c.GetValue()
		}
	}
	return total
}

// gaugeValue reads an unlabelled gauge.
func gaugeValue(f *dto.MetricFamily) float64 {
	if ms := f.GetMetric(); len(ms) > 0 {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

// computeErrorRateWithLabel is the share of matching requests answered
// with a 4xx or 5xx status.
func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	match := withLabel(labelName, labelValue)
	var total, failed float64
	for _, m := range f.GetMetric() {
		c := m.GetCounter()
		if c == nil || !match(m) {
			continue
		}
		total += c.GetValue()
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" && lp.GetValue() >= "400" {
				failed += c.GetValue()
			}
		}
	}
	if total == 0 {
		return 0
	}
	return failed / total
}

func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	return percentile(f, q, anySeries)
}

func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	return percentile(f, q, withLabel(labelName, labelValue))
}

// percentile merges the buckets of every matching histogram and
// interpolates linearly inside the bucket holding rank q.
func percentile(f *dto.MetricFamily, q float64, match matcher) float64 {
	var samples uint64
	merged := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil || !match(m) {
			continue
		}
		samples += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			if !math.IsInf(b.GetUpperBound(), 1) {
				merged[b.GetUpperBound()] += b.GetCumulativeCount()
			}
		}
	}
	if samples == 0 || len(merged) == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(merged))
	for ub := range merged {
		bounds = append(bounds, ub)
	}
	sort.Float64s(bounds)

	rank := q * float64(samples)
	var lower float64
	var below uint64
	for _, ub := range bounds {
		count := merged[ub]
		if float64(count) >= rank {
			if count == below {
				return ub
			}
			return lower + (rank-float64(below))/float64(count-below)*(ub-lower)
		}
		lower, below = ub, count
	}
	return bounds[len(bounds)-1]
}
